package switchboard

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// Heartbeats records connector liveness telemetry and rolls it up into
// hourly and daily stats.
type Heartbeats struct {
	pool *pgxpool.Pool
}

// NewHeartbeats creates the heartbeat store.
func NewHeartbeats(pool *pgxpool.Pool) *Heartbeats {
	return &Heartbeats{pool: pool}
}

// Record appends one heartbeat and folds its counters into the hourly and
// daily rollups. Counters in a heartbeat are deltas since the previous one.
func (h *Heartbeats) Record(ctx context.Context, hb *envelope.Heartbeat) error {
	if hb.SchemaVersion != envelope.SchemaHeartbeatV1 {
		return errclass.New(errclass.Validation, "unsupported heartbeat schema %q", hb.SchemaVersion)
	}
	if hb.Connector == "" || hb.Channel == "" {
		return errclass.New(errclass.Validation, "heartbeat requires connector and channel")
	}

	_, err := h.pool.Exec(ctx, `
		INSERT INTO connector_heartbeat_log (connector, channel, endpoint_identity,
			cursor_position, events_accepted, events_deduped)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		hb.Connector, hb.Channel, hb.EndpointIdentity, hb.Cursor,
		hb.EventsAccepted, hb.EventsDeduped)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	now := time.Now().UTC()
	hour := now.Truncate(time.Hour)
	if _, err := h.pool.Exec(ctx, `
		INSERT INTO connector_stats_hourly (bucket, connector, channel, events_accepted, events_deduped)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket, connector, channel) DO UPDATE
		SET events_accepted = connector_stats_hourly.events_accepted + EXCLUDED.events_accepted,
			events_deduped = connector_stats_hourly.events_deduped + EXCLUDED.events_deduped`,
		hour, hb.Connector, hb.Channel, hb.EventsAccepted, hb.EventsDeduped); err != nil {
		return fmt.Errorf("failed to update hourly stats: %w", err)
	}
	if _, err := h.pool.Exec(ctx, `
		INSERT INTO connector_stats_daily (bucket, connector, channel, events_accepted, events_deduped)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket, connector, channel) DO UPDATE
		SET events_accepted = connector_stats_daily.events_accepted + EXCLUDED.events_accepted,
			events_deduped = connector_stats_daily.events_deduped + EXCLUDED.events_deduped`,
		now.Format("2006-01-02"), hb.Connector, hb.Channel,
		hb.EventsAccepted, hb.EventsDeduped); err != nil {
		return fmt.Errorf("failed to update daily stats: %w", err)
	}
	return nil
}

// RecordFanout folds a dispatch outcome into the per-target daily counters.
func (h *Heartbeats) RecordFanout(ctx context.Context, target string, succeeded bool) error {
	ok, failed := 0, 0
	if succeeded {
		ok = 1
	} else {
		failed = 1
	}
	_, err := h.pool.Exec(ctx, `
		INSERT INTO connector_fanout_daily (bucket, target_butler, dispatched, succeeded, failed)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (bucket, target_butler) DO UPDATE
		SET dispatched = connector_fanout_daily.dispatched + 1,
			succeeded = connector_fanout_daily.succeeded + EXCLUDED.succeeded,
			failed = connector_fanout_daily.failed + EXCLUDED.failed`,
		time.Now().UTC().Format("2006-01-02"), target, ok, failed)
	if err != nil {
		return fmt.Errorf("failed to update fanout stats: %w", err)
	}
	return nil
}
