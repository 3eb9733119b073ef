package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The inbox is range-partitioned by received_at, and Postgres cannot enforce
// a unique index across partitions unless it includes the partition key. Key
// uniqueness therefore lives in the non-partitioned message_dedupe table; a
// partition-scoped unique index would let a late redelivery mint a second
// request id for the same key.
func TestSwitchboardDedupeUniquenessOutsidePartitionedInbox(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/switchboard/0001_switchboard_tables.up.sql")
	require.NoError(t, err)
	sql := string(data)

	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS message_dedupe")
	assert.Contains(t, sql, "dedupe_key   TEXT PRIMARY KEY")
	assert.NotContains(t, sql, "CREATE UNIQUE INDEX",
		"no unique index may be declared on a partitioned table")

	down, err := migrationsFS.ReadFile("migrations/switchboard/0001_switchboard_tables.down.sql")
	require.NoError(t, err)
	assert.Contains(t, string(down), "DROP TABLE IF EXISTS message_dedupe")
}

func TestPlanFor(t *testing.T) {
	contains := func(plan []Chain, name string) int {
		n := 0
		for _, c := range plan {
			if c.Name == name {
				n++
			}
		}
		return n
	}

	t.Run("core chain always first", func(t *testing.T) {
		plan := PlanFor("gardener", nil)
		require.NotEmpty(t, plan)
		assert.Equal(t, "core", plan[0].Name)
	})

	t.Run("switchboard gets its chain", func(t *testing.T) {
		plan := PlanFor("switchboard", nil)
		assert.Equal(t, 1, contains(plan, "switchboard"))
	})

	t.Run("egress channel pulls in approval tables", func(t *testing.T) {
		plan := PlanFor("gardener", []string{"telegram"})
		assert.Equal(t, 1, contains(plan, "approvals"))
	})

	t.Run("approvals chain not duplicated", func(t *testing.T) {
		plan := PlanFor("gardener", []string{"approvals", "email"})
		assert.Equal(t, 1, contains(plan, "approvals"))
	})

	t.Run("no egress no approvals", func(t *testing.T) {
		plan := PlanFor("gardener", []string{"memory", "contacts"})
		assert.Equal(t, 0, contains(plan, "approvals"))
	})
}
