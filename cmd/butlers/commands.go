// commands.go contains the cobra command definitions. Each command builder
// wires flags to its runner in bootstrap.go.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/database"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "butlers",
		Short:         "Butlers fleet daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildRunCmd(),
		buildUpCmd(),
		buildListCmd(),
		buildInitCmd(),
		buildMigrateCmd(),
		buildConnectorCmd(),
	)
	return root
}

func buildRunCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one butler from its config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runButler(cmd.Context(), configDir)
		},
	}
	cmd.Flags().StringVarP(&configDir, "config", "c", ".", "Path to the butler's config directory")
	return cmd
}

func buildUpCmd() *cobra.Command {
	var fleetDir string
	var only []string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run every butler found under a fleet directory",
		Long: `Run every butler found under a fleet directory.

Each subdirectory containing a butler.yaml is started as one butler in the
same process. The fleet stops together: any butler failing to start brings
the rest down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleet(cmd.Context(), fleetDir, only)
		},
	}
	cmd.Flags().StringVarP(&fleetDir, "fleet", "f", "./config", "Directory of butler config directories")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Start only the named butlers")
	return cmd
}

func buildListCmd() *cobra.Command {
	var fleetDir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the butlers a fleet directory defines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listFleet(cmd.OutOrStdout(), fleetDir)
		},
	}
	cmd.Flags().StringVarP(&fleetDir, "fleet", "f", "./config", "Directory of butler config directories")
	return cmd
}

func buildInitCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "init NAME",
		Short: "Scaffold a new butler config directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return initButler(args[0], port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP port for the new butler")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run a butler's database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrateButler(cmd.Context(), configDir)
		},
	}
	cmd.Flags().StringVarP(&configDir, "config", "c", ".", "Path to the butler's config directory")
	return cmd
}

func buildConnectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Run a channel connector feeding the Switchboard",
	}
	var configDir, stateDir string
	telegram := &cobra.Command{
		Use:   "telegram",
		Short: "Run the Telegram long-poll connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnector(cmd.Context(), "telegram", configDir, stateDir)
		},
	}
	email := &cobra.Command{
		Use:   "email",
		Short: "Run the maildir email connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnector(cmd.Context(), "email", configDir, stateDir)
		},
	}
	for _, sub := range []*cobra.Command{telegram, email} {
		sub.Flags().StringVarP(&configDir, "config", "c", ".", "Path to the Switchboard config directory")
		sub.Flags().StringVar(&stateDir, "state-dir", "./connector-state", "Directory for connector cursor files")
		cmd.AddCommand(sub)
	}
	return cmd
}

// fleetConfigDirs returns the subdirectories of fleetDir that hold a
// butler.yaml, sorted by name.
func fleetConfigDirs(fleetDir string) ([]string, error) {
	entries, err := os.ReadDir(fleetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet directory %s: %w", fleetDir, err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(fleetDir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "butler.yaml")); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func runFleet(ctx context.Context, fleetDir string, only []string) error {
	dirs, err := fleetConfigDirs(fleetDir)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no butler configs found under %s", fleetDir)
	}

	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[name] = true
	}

	g, ctx := errgroup.WithContext(ctx)
	started := 0
	for _, dir := range dirs {
		if len(wanted) > 0 && !wanted[filepath.Base(dir)] {
			continue
		}
		g.Go(func() error {
			return runButler(ctx, dir)
		})
		started++
	}
	if started == 0 {
		return fmt.Errorf("no butlers matched --only %s", strings.Join(only, ","))
	}
	return g.Wait()
}

func listFleet(out io.Writer, fleetDir string) error {
	dirs, err := fleetConfigDirs(fleetDir)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		m, err := config.Initialize(context.Background(), dir)
		if err != nil {
			fmt.Fprintf(out, "%-16s %s (invalid: %v)\n", filepath.Base(dir), dir, err)
			continue
		}
		fmt.Fprintf(out, "%-16s port=%-5d modules=%s\n",
			m.Butler.Name, m.Butler.Port, strings.Join(m.ModuleNames(), ","))
	}
	return nil
}

func migrateButler(ctx context.Context, configDir string) error {
	manifest, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load database config: %w", err)
	}
	plan := database.PlanFor(manifest.Butler.Name, manifest.ModuleNames())
	return database.RunChains(ctx, dbCfg, manifest.DB.Schema, plan)
}

const butlerYAMLTemplate = `butler:
  name: %s
  port: %d
  description: ""

db:
  name: butlers
  schema: %s

runtime:
  type: claude_code
  model: ""
  max_concurrent_sessions: 2
  session_timeout: 10m

switchboard:
  url: http://localhost:8080
  advertise: true

modules:
  memory: {}
  contacts: {}
`

const personalityTemplate = `# %s

Describe this butler's personality and standing instructions here. The text
is injected into every agent session's system prompt.
`

func initButler(name string, port int) error {
	if name == "" {
		return fmt.Errorf("butler name is required")
	}
	if err := os.MkdirAll(name, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	yamlPath := filepath.Join(name, "butler.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return fmt.Errorf("%s already exists", yamlPath)
	}
	content := fmt.Sprintf(butlerYAMLTemplate, name, port, name)
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write butler.yaml: %w", err)
	}
	personality := fmt.Sprintf(personalityTemplate, name)
	if err := os.WriteFile(filepath.Join(name, "CLAUDE.md"), []byte(personality), 0o644); err != nil {
		return fmt.Errorf("failed to write CLAUDE.md: %w", err)
	}
	fmt.Printf("Created butler config in ./%s\n", name)
	return nil
}
