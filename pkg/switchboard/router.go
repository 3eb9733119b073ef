package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/butlerhq/butlers/pkg/circuit"
	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// Outcome is the terminal result of one dispatched subrequest.
type Outcome struct {
	SubrequestID string `json:"subrequest_id"`
	SegmentID    string `json:"segment_id,omitempty"`
	Target       string `json:"target"`
	Status       string `json:"status"` // ok | error | skipped
	Result       string `json:"result,omitempty"`
	ErrorClass   string `json:"error_class,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	Priority     int    `json:"priority"`
	Attempts     int    `json:"attempts"`
	DurationMs   int64  `json:"duration_ms"`
}

// RouteCaller performs one route.execute call against a target butler.
type RouteCaller interface {
	RouteExecute(ctx context.Context, baseURL string, route *envelope.Route) (*envelope.RouteResponse, error)
}

// RouterConfig tunes dispatch behavior.
type RouterConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DispatchBudget time.Duration
}

// DefaultRouterConfig matches the routing defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		DispatchBudget: 2 * time.Minute,
	}
}

// Router dispatches decompositions to target butlers.
type Router struct {
	registry *Registry
	caller   RouteCaller
	breakers *circuit.Group
	log      *RoutingLog
	cfg      RouterConfig
	logger   *slog.Logger

	// dispatch is dispatchOne, indirected so tests can substitute outcomes.
	dispatch func(ctx context.Context, rc envelope.RequestContext, sr Subrequest) Outcome
}

// NewRouter wires the dispatch engine.
func NewRouter(registry *Registry, caller RouteCaller, log *RoutingLog, cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRouterConfig()
	}
	r := &Router{
		registry: registry,
		caller:   caller,
		breakers: circuit.NewGroup(circuit.DefaultConfig()),
		log:      log,
		cfg:      cfg,
		logger:   logger.With("component", "router"),
	}
	r.dispatch = r.dispatchOne
	return r
}

// Dispatch runs every subrequest of a decomposition and returns outcomes in
// subrequest order. Parallel subrequests run concurrently; ordered ones run
// sequentially in list order; conditional ones run only after their
// dependency succeeded and are recorded as skipped when it did not.
func (r *Router) Dispatch(ctx context.Context, rc envelope.RequestContext, dec *Decomposition) []Outcome {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchBudget)
	defer cancel()

	outcomes := make([]Outcome, len(dec.Subrequests))
	byID := make(map[string]int, len(dec.Subrequests))
	for idx, sr := range dec.Subrequests {
		byID[sr.SubrequestID] = idx
		outcomes[idx] = Outcome{SubrequestID: sr.SubrequestID, SegmentID: sr.SegmentID,
			Target: sr.Target, Priority: sr.Priority}
	}

	// Wave 1: everything without a conditional gate.
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	var orderedIdx []int
	for idx, sr := range dec.Subrequests {
		if sr.Mode == ModeConditional {
			continue
		}
		if sr.Mode == ModeOrdered {
			orderedIdx = append(orderedIdx, idx)
			continue
		}
		idx, sr := idx, sr
		g.Go(func() error {
			out := r.dispatch(gctx, rc, sr)
			mu.Lock()
			outcomes[idx] = out
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		// A failure breaks the chain: the rest of the ordered sequence is
		// recorded as skipped, never silently dropped.
		failed := false
		for _, idx := range orderedIdx {
			sr := dec.Subrequests[idx]
			var out Outcome
			if failed {
				out = outcomes[idx]
				out.Status = "skipped"
				out.ErrorMessage = "earlier ordered subrequest did not succeed"
				r.logOutcome(rc, sr, out)
			} else {
				out = r.dispatch(gctx, rc, sr)
				if out.Status != "ok" {
					failed = true
				}
			}
			mu.Lock()
			outcomes[idx] = out
			mu.Unlock()
		}
		return nil
	})
	_ = g.Wait()

	// Wave 2: conditionals, gated on their dependency's outcome. A failed or
	// skipped dependency aborts the dependent as skipped, not errored.
	for idx, sr := range dec.Subrequests {
		if sr.Mode != ModeConditional {
			continue
		}
		depIdx, ok := byID[sr.DependsOn]
		if !ok || outcomes[depIdx].Status != "ok" {
			outcomes[idx].Status = "skipped"
			outcomes[idx].ErrorMessage = fmt.Sprintf("dependency %s did not succeed", sr.DependsOn)
			r.logOutcome(rc, sr, outcomes[idx])
			continue
		}
		outcomes[idx] = r.dispatch(ctx, rc, sr)
	}

	return outcomes
}

// dispatchOne resolves, calls and retries a single subrequest.
func (r *Router) dispatchOne(ctx context.Context, rc envelope.RequestContext, sr Subrequest) Outcome {
	started := time.Now()
	out := Outcome{SubrequestID: sr.SubrequestID, SegmentID: sr.SegmentID,
		Target: sr.Target, Priority: sr.Priority}

	defer func() {
		out.DurationMs = time.Since(started).Milliseconds()
		r.logOutcome(rc, sr, out)
	}()

	reg, err := r.registry.Get(ctx, sr.Target)
	if err != nil {
		return r.fail(out, err)
	}
	if reg.Liveness == LivenessOffline {
		return r.fail(out, errclass.New(errclass.TargetUnavailable, "butler %s is offline", sr.Target))
	}
	if !ContractCompatible(reg.RouteContractMin, reg.RouteContractMax) {
		return r.fail(out, errclass.New(errclass.Routing,
			"butler %s supports contract [%d, %d], ours is %d",
			sr.Target, reg.RouteContractMin, reg.RouteContractMax, envelope.RouteContractVersion))
	}

	breaker := r.breakers.For(sr.Target)
	route := &envelope.Route{
		SchemaVersion:  envelope.SchemaRouteV1,
		RequestContext: rc.WithSubrequest(sr.SubrequestID, sr.SegmentID),
		Input:          envelope.RouteInput{Prompt: sr.Prompt},
		SourceMetadata: envelope.SourceMetadata{
			Channel:  rc.SourceChannel,
			Identity: "switchboard",
			ToolName: "route.execute",
		},
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialBackoff
	policy.MaxInterval = r.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		out.Attempts = attempt
		if !breaker.Allow() {
			lastErr = errclass.New(errclass.TargetUnavailable, "circuit open for %s", sr.Target)
			break
		}

		resp, err := r.caller.RouteExecute(ctx, reg.EndpointURL, route)
		if err == nil && resp.Status == "ok" {
			breaker.Record(nil)
			out.Status = "ok"
			out.Result = resp.Result
			return out
		}
		if err == nil {
			// The envelope carries a downstream error; normalize its class.
			ce := errclass.NormalizeExecutor(resp.Error.Class, resp.Error.Message)
			err = ce
		}
		breaker.Record(err)
		lastErr = err

		if !errclass.ClassOf(err).Retryable() || attempt == r.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = errclass.Wrap(errclass.Timeout, ctx.Err(), "dispatch budget exhausted")
			attempt = r.cfg.MaxAttempts
		case <-time.After(policy.NextBackOff()):
		}
	}
	return r.fail(out, lastErr)
}

func (r *Router) fail(out Outcome, err error) Outcome {
	ce := errclass.From(err)
	out.Status = "error"
	out.ErrorClass = string(ce.Class)
	out.ErrorMessage = ce.Message
	out.Retryable = ce.Retryable()
	return out
}

func (r *Router) logOutcome(rc envelope.RequestContext, sr Subrequest, out Outcome) {
	if r.log != nil {
		if err := r.log.Record(context.Background(), rc.RequestID, out); err != nil {
			r.logger.Error("failed to write routing log", "request_id", rc.RequestID, "error", err)
		}
	}
	level := slog.LevelInfo
	if out.Status == "error" {
		level = slog.LevelError
	}
	r.logger.Log(context.Background(), level, "subrequest dispatched",
		"request_id", rc.RequestID,
		"subrequest_id", out.SubrequestID,
		"target", out.Target,
		"status", out.Status,
		"error_class", out.ErrorClass,
		"attempts", out.Attempts,
		"duration_ms", out.DurationMs)
}

// Aggregate folds outcomes into the request's terminal lifecycle state and a
// response summary. The primary response is chosen by arbitration: highest
// priority, then lexical target name, then lexical subrequest id.
func Aggregate(outcomes []Outcome) (lifecycle, summary string) {
	lifecycle = LifecycleParsed
	var ok []Outcome
	for _, out := range outcomes {
		switch out.Status {
		case "ok":
			ok = append(ok, out)
		case "error":
			lifecycle = LifecycleErrored
		}
	}
	if len(ok) == 0 {
		// A request where nothing succeeded is errored even if every outcome
		// was merely skipped: PARSED with an empty summary would report a
		// dropped message as handled.
		return LifecycleErrored, ""
	}
	sort.Slice(ok, func(i, j int) bool {
		if ok[i].Priority != ok[j].Priority {
			return ok[i].Priority > ok[j].Priority
		}
		if ok[i].Target != ok[j].Target {
			return ok[i].Target < ok[j].Target
		}
		return ok[i].SubrequestID < ok[j].SubrequestID
	})
	summary = ok[0].Result
	return lifecycle, summary
}
