package switchboard

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RoutingLog is the append-only dispatch audit trail.
type RoutingLog struct {
	pool *pgxpool.Pool
}

// NewRoutingLog creates the routing log store.
func NewRoutingLog(pool *pgxpool.Pool) *RoutingLog {
	return &RoutingLog{pool: pool}
}

// Record appends one dispatch outcome.
func (l *RoutingLog) Record(ctx context.Context, requestID string, out Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := l.pool.Exec(ctx, `
		INSERT INTO routing_log (request_id, subrequest_id, segment_id, target_butler,
			tool, outcome, error_class, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, 'route.execute', $5, NULLIF($6, ''), $7, now())`,
		requestID, out.SubrequestID, out.SegmentID, out.Target, out.Status, out.ErrorClass, out.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to append routing log: %w", err)
	}
	return nil
}
