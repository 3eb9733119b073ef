package switchboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/observability"
)

// Overflow policies for a full admission queue.
const (
	OverflowShed   = "shed"
	OverflowDefer  = "defer"
	OverflowReject = "reject"
)

// deferWait bounds how long the defer policy blocks an admitting caller.
const deferWait = 5 * time.Second

// AdmitResult tells the connector what happened to its envelope.
type AdmitResult struct {
	RequestID string `json:"request_id"`
	Deduped   bool   `json:"deduped"`
	Status    string `json:"status"` // accepted | deduped
}

// processor runs the routing pipeline for one accepted record.
type processor func(ctx context.Context, rec *InboxRecord)

// Ingress owns the bounded admission queue and its worker pool. Admission is
// synchronous through dedupe and inbox insert so connectors learn the
// request id before the routing work is queued.
type Ingress struct {
	inbox   *Inbox
	process processor
	queue   chan *InboxRecord
	policy  string
	workers int
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int

	wg sync.WaitGroup
}

// NewIngress wires the admission queue from the manifest's ingress block.
func NewIngress(inbox *Inbox, cfg config.IngressConfig, process processor, logger *slog.Logger) *Ingress {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	rps := cfg.ChannelRPS
	if rps <= 0 {
		rps = 10
	}
	policy := cfg.OverflowPolicy
	switch policy {
	case OverflowShed, OverflowDefer, OverflowReject:
	default:
		policy = OverflowReject
	}
	return &Ingress{
		inbox:    inbox,
		process:  process,
		queue:    make(chan *InboxRecord, size),
		policy:   policy,
		workers:  workers,
		logger:   logger.With("component", "ingress"),
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    rps * 2,
	}
}

// Start launches the worker pool. Workers drain the queue until ctx ends.
func (in *Ingress) Start(ctx context.Context) {
	for w := 0; w < in.workers; w++ {
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-in.queue:
					in.process(ctx, rec)
				}
			}
		}()
	}
}

// Wait blocks until all workers exit.
func (in *Ingress) Wait() { in.wg.Wait() }

// Admit validates, rate-limits, dedupes and enqueues one raw ingest payload.
// Channel fairness comes from per-channel token buckets: one noisy channel
// exhausts its own bucket, not the queue.
func (in *Ingress) Admit(ctx context.Context, raw []byte) (*AdmitResult, error) {
	env, err := envelope.ParseIngest(raw)
	if err != nil {
		return nil, err
	}

	if !in.limiter(env.Source.Channel).Allow() {
		observability.RecordIngest(env.Source.Channel, "shed")
		return nil, errclass.New(errclass.OverloadRejected,
			"channel %s is over its ingest rate", env.Source.Channel)
	}

	key, err := DedupeKey(env)
	if err != nil {
		observability.RecordIngest(env.Source.Channel, "rejected")
		return nil, err
	}
	rec, err := in.inbox.Accept(ctx, env, key)
	if err != nil {
		return nil, err
	}
	if rec.Deduped {
		in.logger.Info("duplicate suppressed",
			"request_id", rec.RequestContext.RequestID,
			"channel", env.Source.Channel,
			"dedupe_key", key)
		observability.RecordIngest(env.Source.Channel, "deduped")
		return &AdmitResult{RequestID: rec.RequestContext.RequestID, Deduped: true, Status: "deduped"}, nil
	}

	if err := in.enqueue(rec); err != nil {
		observability.RecordIngest(env.Source.Channel, "shed")
		return nil, err
	}
	observability.RecordIngest(env.Source.Channel, "accepted")
	return &AdmitResult{RequestID: rec.RequestContext.RequestID, Status: "accepted"}, nil
}

func (in *Ingress) enqueue(rec *InboxRecord) error {
	select {
	case in.queue <- rec:
		return nil
	default:
	}

	switch in.policy {
	case OverflowShed:
		// Drop the oldest queued record to make room for the newest.
		select {
		case dropped := <-in.queue:
			in.logger.Warn("queue full, shed oldest",
				"dropped_request_id", dropped.RequestContext.RequestID)
		default:
		}
		select {
		case in.queue <- rec:
			return nil
		default:
			return errclass.New(errclass.OverloadRejected, "ingest queue full")
		}
	case OverflowDefer:
		timer := time.NewTimer(deferWait)
		defer timer.Stop()
		select {
		case in.queue <- rec:
			return nil
		case <-timer.C:
			return errclass.New(errclass.OverloadRejected, "ingest queue full after %s", deferWait)
		}
	default: // reject
		return errclass.New(errclass.OverloadRejected, "ingest queue full")
	}
}

func (in *Ingress) limiter(channel string) *rate.Limiter {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.limiters[channel]
	if !ok {
		l = rate.NewLimiter(in.rps, in.burst)
		in.limiters[channel] = l
	}
	return l
}

// QueueDepth reports the current backlog, for the status surface.
func (in *Ingress) QueueDepth() int { return len(in.queue) }
