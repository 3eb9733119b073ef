// Package connectors hosts the transport-only processes that feed
// Switchboard: each connector watches one provider endpoint, normalizes
// events into ingest.v1 envelopes and submits them to the canonical ingest
// boundary. Connectors never classify or route; Switchboard owns that.
package connectors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// heartbeatInterval is how often a running connector reports liveness.
const heartbeatInterval = 30 * time.Second

// Connector is one provider watcher. Run blocks until ctx ends or the
// provider connection fails; the Runner handles reconnection.
type Connector interface {
	Name() string
	Channel() string
	EndpointIdentity() string
	Run(ctx context.Context) error
}

// Runner supervises a connector: reconnection with backoff on provider
// failure, and a periodic heartbeat to Switchboard for as long as the
// connector is alive.
type Runner struct {
	connector Connector
	emitter   *Emitter
	logger    *slog.Logger
}

// NewRunner wires a supervised connector.
func NewRunner(connector Connector, emitter *Emitter, logger *slog.Logger) *Runner {
	return &Runner{
		connector: connector,
		emitter:   emitter,
		logger:    logger.With("connector", connector.Name()),
	}
}

// Run supervises the connector until ctx ends. Provider failures restart the
// connector with exponential backoff; context cancellation is a clean stop.
func (r *Runner) Run(ctx context.Context) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0 // reconnect forever

	return backoff.Retry(func() error {
		err := r.connector.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		r.logger.Error("connector stopped, reconnecting", "error", err)
		return err
	}, backoff.WithContext(policy, ctx))
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.emitter.SendHeartbeat(ctx); err != nil {
				r.logger.Warn("heartbeat not delivered", "error", err)
			}
		}
	}
}
