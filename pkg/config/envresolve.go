package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
)

// envRefPattern matches ${NAME} environment variable references.
var envRefPattern = regexp.MustCompile(`\$\{([A-Z][A-Z0-9_]*)\}`)

// EnvRefs returns the distinct environment variable names referenced as
// ${NAME} in the raw manifest bytes, sorted.
func EnvRefs(data []byte) []string {
	seen := map[string]bool{}
	for _, m := range envRefPattern.FindAllSubmatch(data, -1) {
		seen[string(m[1])] = true
	}
	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs
}

// ResolveEnvRefs expands ${NAME} references against the process environment.
// Every referenced variable must be declared in the manifest's env block, and
// required variables must be set. Both violations are startup-blocking.
func ResolveEnvRefs(data []byte, env EnvConfig) ([]byte, error) {
	declared := map[string]bool{}
	required := map[string]bool{}
	for _, name := range env.Required {
		declared[name] = true
		required[name] = true
	}
	for _, name := range env.Optional {
		declared[name] = true
	}

	var firstErr error
	out := envRefPattern.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(envRefPattern.FindSubmatch(ref)[1])
		if !declared[name] {
			if firstErr == nil {
				firstErr = fmt.Errorf("env reference ${%s} is not declared in env.required or env.optional", name)
			}
			return ref
		}
		value, ok := os.LookupEnv(name)
		if !ok && required[name] {
			if firstErr == nil {
				firstErr = fmt.Errorf("required env variable %s is not set", name)
			}
			return ref
		}
		return []byte(value)
	})
	if firstErr != nil {
		return nil, firstErr
	}

	// Required variables must be present even when unreferenced in the
	// manifest body; modules read them directly.
	for _, name := range env.Required {
		if _, ok := os.LookupEnv(name); !ok {
			return nil, fmt.Errorf("required env variable %s is not set", name)
		}
	}

	return out, nil
}
