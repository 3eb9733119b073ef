package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/runtime"
)

// Reaction emoji mirroring the request lifecycle on the origin thread.
const (
	reactionProgress = "👀"
	reactionParsed   = "✅"
	reactionErrored  = "👾"
)

// MessengerName is the well-known registry name of the delivery butler.
const MessengerName = "messenger"

// Service is the Switchboard orchestrator: admission, classification,
// dispatch, aggregation and the notify relay.
type Service struct {
	manifest   *config.Manifest
	inbox      *Inbox
	classifier *Classifier
	router     *Router
	registry   *Registry
	heartbeats *Heartbeats
	ingress    *Ingress
	caller     RouteCaller
	logger     *slog.Logger
}

// NewService wires the Switchboard pipeline.
func NewService(manifest *config.Manifest, inbox *Inbox, classifier *Classifier,
	router *Router, registry *Registry, heartbeats *Heartbeats,
	caller RouteCaller, logger *slog.Logger) *Service {
	s := &Service{
		manifest:   manifest,
		inbox:      inbox,
		classifier: classifier,
		router:     router,
		registry:   registry,
		heartbeats: heartbeats,
		caller:     caller,
		logger:     logger.With("component", "switchboard"),
	}
	s.ingress = NewIngress(inbox, manifest.Ingress, s.processRecord, logger)
	return s
}

// Ingress exposes the admission queue.
func (s *Service) Ingress() *Ingress { return s.ingress }

// Registry exposes the butler registry.
func (s *Service) Registry() *Registry { return s.registry }

// Heartbeats exposes the connector telemetry store.
func (s *Service) Heartbeats() *Heartbeats { return s.heartbeats }

// Start launches the ingress workers.
func (s *Service) Start(ctx context.Context) { s.ingress.Start(ctx) }

// processRecord drives one accepted request through classification,
// dispatch and aggregation.
func (s *Service) processRecord(ctx context.Context, rec *InboxRecord) {
	rc := rec.RequestContext
	log := s.logger.With("request_id", rc.RequestID, "channel", rc.SourceChannel)

	s.react(ctx, rc, reactionProgress)

	dec := s.classifier.Classify(ctx, rc.RequestID, rec.NormalizedText)
	if err := s.inbox.SetClassification(ctx, rc.RequestID, dec); err != nil {
		log.Error("failed to persist classification", "error", err)
	}
	if dec.Failsafe {
		log.Warn("classification failed, routed to fallback", "target", FallbackTarget)
	}

	outcomes := s.router.Dispatch(ctx, rc, dec)
	for _, out := range outcomes {
		if out.Status == "skipped" {
			continue
		}
		if err := s.heartbeats.RecordFanout(ctx, out.Target, out.Status == "ok"); err != nil {
			log.Error("failed to update fanout stats", "error", err)
		}
	}

	lifecycle, summary := Aggregate(outcomes)

	// Terminal writes survive pipeline cancellation.
	completeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.inbox.Complete(completeCtx, rc.RequestID, outcomes, summary, lifecycle); err != nil {
		log.Error("failed to complete inbox record", "error", err)
	}

	if lifecycle == LifecycleParsed {
		s.react(completeCtx, rc, reactionParsed)
	} else {
		s.react(completeCtx, rc, reactionErrored)
	}
	log.Info("request completed", "lifecycle", lifecycle, "subrequests", len(outcomes))
}

// react mirrors lifecycle state on the origin thread. Best effort: reaction
// failure never affects the request.
func (s *Service) react(ctx context.Context, rc envelope.RequestContext, emoji string) {
	if rc.SourceChannel != "telegram" || rc.SourceThreadIdentity == "" {
		return
	}
	notify := &envelope.Notify{
		SchemaVersion: envelope.SchemaNotifyV1,
		OriginButler:  s.manifest.Butler.Name,
		Delivery: envelope.NotifyDelivery{
			Intent:  envelope.IntentReact,
			Channel: "telegram",
			Emoji:   emoji,
		},
		RequestContext: &rc,
	}
	if _, err := s.RelayNotify(ctx, notify); err != nil {
		s.logger.Warn("lifecycle reaction failed",
			"request_id", rc.RequestID, "emoji", emoji, "error", err)
	}
}

// RelayNotify forwards a validated notify.v1 envelope to Messenger wrapped
// in a route.v1 envelope, and returns the decoded notify_response.v1.
func (s *Service) RelayNotify(ctx context.Context, notify *envelope.Notify) (*envelope.NotifyResponse, error) {
	if err := notify.Validate(); err != nil {
		return nil, err
	}
	reg, err := s.registry.Get(ctx, MessengerName)
	if err != nil {
		return nil, err
	}
	if reg.Liveness == LivenessOffline {
		return nil, errclass.New(errclass.TargetUnavailable, "messenger is offline")
	}

	requestID := notifyRequestID(notify)
	notifyJSON, err := json.Marshal(notify)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notify envelope: %w", err)
	}
	route := &envelope.Route{
		SchemaVersion: envelope.SchemaRouteV1,
		RequestContext: envelope.RequestContext{
			RequestID:     requestID,
			ReceivedAt:    time.Now().UTC(),
			SourceChannel: "internal",
		},
		Input: envelope.RouteInput{
			Context: map[string]any{"notify_request": json.RawMessage(notifyJSON)},
		},
		SourceMetadata: envelope.SourceMetadata{
			Channel:  "internal",
			Identity: s.manifest.Butler.Name,
			ToolName: "notify",
		},
	}

	resp, err := s.caller.RouteExecute(ctx, reg.EndpointURL, route)
	if err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, errclass.NormalizeExecutor(resp.Error.Class, resp.Error.Message)
	}
	var nr envelope.NotifyResponse
	if err := json.Unmarshal([]byte(resp.Result), &nr); err != nil {
		return nil, errclass.Wrap(errclass.Internal, err, "malformed notify response")
	}
	return &nr, nil
}

// notifyRequestID keeps the origin request identity on replies and reacts,
// and mints a fresh id for unsolicited sends.
func notifyRequestID(notify *envelope.Notify) string {
	if notify.RequestContext != nil && notify.RequestContext.RequestID != "" {
		return notify.RequestContext.RequestID
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("notify-%d", time.Now().UnixNano())
	}
	return id.String()
}

// adapterCompleter adapts a runtime adapter to the classifier's Completer.
type adapterCompleter struct {
	adapter runtime.Adapter
	model   string
	timeout time.Duration
}

// NewCompleter wraps a runtime adapter for classification completions.
func NewCompleter(adapter runtime.Adapter, model string, timeout time.Duration) Completer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &adapterCompleter{adapter: adapter, model: model, timeout: timeout}
}

func (a *adapterCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	res, err := a.adapter.Invoke(ctx, runtime.Invocation{
		Prompt:       prompt,
		SystemPrompt: system,
		Model:        a.model,
		Timeout:      a.timeout,
	})
	if err != nil {
		return "", err
	}
	return res.Output, nil
}
