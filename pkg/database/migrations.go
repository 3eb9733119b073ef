package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Chain is one linear migration chain applied to a butler schema. Chains are
// executed in plan order: core → butler-specific → module chains in
// dependency topological order. Only the root chain may carry a branch label.
type Chain struct {
	Name   string
	Branch string
}

// CoreChain creates the tables every butler owns: state, scheduled_tasks,
// sessions.
var CoreChain = Chain{Name: "core", Branch: "core"}

// Butler-specific and module chains.
var (
	SwitchboardChain = Chain{Name: "switchboard"}
	MessengerChain   = Chain{Name: "messenger"}
	MemoryChain      = Chain{Name: "memory"}
	ApprovalsChain   = Chain{Name: "approvals"}
	ContactsChain    = Chain{Name: "contacts"}
	CalendarChain    = Chain{Name: "calendar"}
)

// moduleChains maps module names to their migration chains.
var moduleChains = map[string]Chain{
	"memory":    MemoryChain,
	"approvals": ApprovalsChain,
	"contacts":  ContactsChain,
	"calendar":  CalendarChain,
}

// PlanFor resolves the migration plan for a butler: the shared core chain,
// the butler-specific chain when one exists, then each enabled module's
// chain. Module order must already be topologically sorted by the caller.
func PlanFor(butlerName string, modules []string) []Chain {
	plan := []Chain{CoreChain}
	switch butlerName {
	case "switchboard":
		plan = append(plan, SwitchboardChain)
	case "messenger":
		plan = append(plan, MessengerChain)
	}
	seen := map[string]bool{}
	for _, mod := range modules {
		seen[mod] = true
		if chain, ok := moduleChains[mod]; ok {
			plan = append(plan, chain)
		}
	}
	// User-scoped send and reply tools are gated even without the approvals
	// module, so any butler with an egress channel needs the approval tables.
	if !seen["approvals"] && (seen["telegram"] || seen["email"]) {
		plan = append(plan, ApprovalsChain)
	}
	return plan
}

// RunChains validates and applies every chain in the plan against the butler
// schema. Idempotent across restarts; a conflicting revision inside any
// chain fails fast and blocks startup.
func RunChains(ctx context.Context, cfg Config, schema string, plan []Chain) error {
	if err := validatePlan(plan); err != nil {
		return err
	}

	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	// Single connection so the search_path set below holds for every
	// statement golang-migrate executes.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %q, public", schema)); err != nil {
		return fmt.Errorf("failed to set search_path: %w", err)
	}

	for _, chain := range plan {
		if err := runChain(db, cfg, schema, chain); err != nil {
			return fmt.Errorf("chain %s: %w", chain.Name, err)
		}
	}
	return nil
}

// validatePlan enforces chain structure rules: every chain dir exists, holds
// no duplicate revisions, and only the root chain declares a branch label.
func validatePlan(plan []Chain) error {
	if len(plan) == 0 {
		return fmt.Errorf("empty migration plan")
	}
	for i, chain := range plan {
		if i > 0 && chain.Branch != "" {
			return fmt.Errorf("chain %s: only the root chain may declare a branch label", chain.Name)
		}
		if err := checkDuplicateRevisions(chain.Name); err != nil {
			return err
		}
	}
	return nil
}

// checkDuplicateRevisions scans a chain's embedded files for duplicate
// version prefixes, which golang-migrate would otherwise surface later with
// a less actionable error.
func checkDuplicateRevisions(chain string) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations/"+chain)
	if err != nil {
		return fmt.Errorf("chain %s: no embedded migrations: %w", chain, err)
	}
	versions := map[int64]string{}
	var order []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			return fmt.Errorf("chain %s: malformed migration filename %q", chain, name)
		}
		version, err := strconv.ParseInt(name[:idx], 10, 64)
		if err != nil {
			return fmt.Errorf("chain %s: malformed migration version in %q", chain, name)
		}
		if prev, dup := versions[version]; dup && !samePair(prev, name) {
			return fmt.Errorf("chain %s: duplicate revision %d (%s, %s)", chain, version, prev, name)
		}
		if _, seen := versions[version]; !seen {
			versions[version] = name
			order = append(order, version)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return nil
}

// samePair reports whether two filenames are the up/down halves of one revision.
func samePair(a, b string) bool {
	trim := func(s string) string {
		s = strings.TrimSuffix(s, ".up.sql")
		s = strings.TrimSuffix(s, ".down.sql")
		return s
	}
	return trim(a) == trim(b)
}

// runChain applies one chain via golang-migrate with a chain-scoped
// migrations table inside the butler schema.
func runChain(db *stdsql.DB, cfg Config, schema string, chain Chain) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      schema,
		MigrationsTable: "schema_migrations_" + chain.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+chain.Name)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err == migrate.ErrNoChange {
		slog.Debug("Migration chain up to date", "chain", chain.Name, "schema", schema)
	} else {
		slog.Info("Migration chain applied", "chain", chain.Name, "schema", schema)
	}

	// Close only the source driver; closing m would also close the shared
	// *sql.DB used by subsequent chains.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
