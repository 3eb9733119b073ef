package config

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// secretKeyPattern matches manifest keys whose values are credentials.
var secretKeyPattern = regexp.MustCompile(`(?i)(token|password|secret|api_key|apikey)$`)

// rejectLiteralSecrets walks the raw manifest and fails when a secret-looking
// key carries a literal value instead of a ${NAME} env reference. Secrets
// must come from the environment only.
func rejectLiteralSecrets(raw []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return walkSecretCheck(&root, "")
}

func walkSecretCheck(node *yaml.Node, path string) error {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := walkSecretCheck(child, path); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			value := node.Content[i+1]
			childPath := key.Value
			if path != "" {
				childPath = path + "." + key.Value
			}
			if value.Kind == yaml.ScalarNode && secretKeyPattern.MatchString(key.Value) {
				if value.Value != "" && !isEnvRef(value.Value) {
					return fmt.Errorf("literal secret value for %s: secrets must be ${NAME} env references", childPath)
				}
			}
			if err := walkSecretCheck(value, childPath); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := walkSecretCheck(child, path); err != nil {
				return err
			}
		}
	}
	return nil
}

func isEnvRef(value string) bool {
	return strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}")
}
