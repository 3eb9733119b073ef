package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/butlerhq/butlers/pkg/circuit"
	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/observability"
)

// staleClaimAge is how long an in_flight row without a live in-process
// execution is trusted before a duplicate takes it over. Covers claims
// orphaned by a crash mid-delivery.
const staleClaimAge = 2 * time.Minute

// Service is the Messenger delivery engine. It is the route.execute target
// for notify requests relayed by Switchboard.
type Service struct {
	store     *Store
	resolver  *Resolver
	admission *Admission
	providers map[string]Provider
	breakers  *circuit.Group
	logger    *slog.Logger

	maxAttempts    int
	initialBackoff time.Duration

	mu       sync.Mutex
	inflight map[string]*inflightDelivery
	threads  map[string]*sync.Mutex
}

// inflightDelivery coalesces duplicate requests onto one execution.
type inflightDelivery struct {
	done chan struct{}
	resp *envelope.NotifyResponse
}

// NewService wires the delivery engine.
func NewService(store *Store, resolver *Resolver, cfg config.DeliveryConfig,
	providers []Provider, logger *slog.Logger) *Service {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	byChannel := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byChannel[p.Channel()] = p
	}
	return &Service{
		store:          store,
		resolver:       resolver,
		admission:      NewAdmission(cfg),
		providers:      byChannel,
		breakers:       circuit.NewGroup(circuit.DefaultConfig()),
		logger:         logger.With("component", "messenger"),
		maxAttempts:    maxAttempts,
		initialBackoff: time.Second,
		inflight:       make(map[string]*inflightDelivery),
		threads:        make(map[string]*sync.Mutex),
	}
}

// ExecuteRoute implements the route.execute surface for Messenger. The
// notify.v1 envelope travels at input.context.notify_request; the result is
// always a notify_response.v1 document, carrying the delivery verdict even
// when the delivery itself failed.
func (s *Service) ExecuteRoute(ctx context.Context, route *envelope.Route) (string, error) {
	raw, ok := route.Input.Context["notify_request"]
	if !ok {
		return "", errclass.New(errclass.Validation, "route is missing input.context.notify_request")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", errclass.Wrap(errclass.Validation, err, "malformed notify_request")
	}
	notify, err := envelope.ParseNotify(data)
	if err != nil {
		return "", err
	}

	resp := s.Deliver(ctx, notify)
	out, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to encode notify response: %w", err)
	}
	return string(out), nil
}

// Deliver runs one notify request to a terminal verdict. All failure modes
// after validation land in the response envelope, not in an error return.
func (s *Service) Deliver(ctx context.Context, notify *envelope.Notify) *envelope.NotifyResponse {
	requestID := ""
	if notify.RequestContext != nil {
		requestID = notify.RequestContext.RequestID
	}
	log := s.logger.With("origin", notify.OriginButler,
		"channel", notify.Delivery.Channel, "intent", notify.Delivery.Intent)

	target, thread, err := s.resolveTarget(ctx, notify)
	if errors.Is(err, ErrNoIdentifier) {
		return s.park(ctx, notify, requestID, log)
	}
	if err != nil {
		return errorResponse(requestID, notify.Delivery.Channel, err)
	}

	key := IdempotencyKey(notify, target)

	// First arrival for a key executes; concurrent duplicates wait for its
	// terminal verdict instead of racing the provider.
	s.mu.Lock()
	if fl, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-fl.done:
			return echoResponse(fl.resp, requestID)
		case <-ctx.Done():
			return errorResponse(requestID, notify.Delivery.Channel,
				errclass.Wrap(errclass.Timeout, ctx.Err(), "coalesced delivery wait cancelled"))
		}
	}
	fl := &inflightDelivery{done: make(chan struct{})}
	s.inflight[key] = fl
	s.mu.Unlock()

	resp := s.execute(ctx, notify, requestID, key, target, thread, log)

	s.mu.Lock()
	fl.resp = resp
	delete(s.inflight, key)
	s.mu.Unlock()
	close(fl.done)
	return resp
}

// execute claims the delivery row and drives the provider call.
func (s *Service) execute(ctx context.Context, notify *envelope.Notify,
	requestID, key, target, thread string, log *slog.Logger) *envelope.NotifyResponse {
	d := notify.Delivery

	deliveryID, err := uuid.NewV7()
	if err != nil {
		return errorResponse(requestID, d.Channel, fmt.Errorf("failed to mint delivery id: %w", err))
	}
	rec := &DeliveryRecord{
		DeliveryID:     deliveryID,
		IdempotencyKey: key,
		OriginButler:   notify.OriginButler,
		Channel:        d.Channel,
		Intent:         d.Intent,
		ResolvedTarget: target,
		ContentHash:    ContentHash(notify),
		Status:         StatusInFlight,
		RequestID:      requestID,
		ThreadIdentity: thread,
	}
	rec, claimed, err := s.store.Claim(ctx, rec)
	if err != nil {
		return errorResponse(requestID, d.Channel, err)
	}
	if !claimed {
		if resp, final := s.replayVerdict(ctx, rec, requestID); final {
			return resp
		}
		// Reopenable or stale: this execution takes over the existing row.
	}

	if err := s.admission.Admit(d.Intent, d.Channel, target); err != nil {
		s.finishFailure(rec, err, log)
		return errorResponse(requestID, d.Channel, err)
	}

	provider, ok := s.providers[d.Channel]
	if !ok {
		err := errclass.New(errclass.Validation, "no provider for channel %q", d.Channel)
		s.finishFailure(rec, err, log)
		return errorResponse(requestID, d.Channel, err)
	}

	out := &Outbound{
		Intent:         d.Intent,
		Target:         target,
		ThreadIdentity: thread,
		Message:        prefixOrigin(notify.OriginButler, d.Channel, d.Message),
		Subject:        prefixSubject(notify.OriginButler, d.Channel, d.Subject),
		Emoji:          d.Emoji,
	}

	// Per (channel, thread) causal order.
	if thread != "" {
		lock := s.threadLock(d.Channel + ":" + thread)
		lock.Lock()
		defer lock.Unlock()
	}

	providerID, attempts, err := s.deliverWithRetry(ctx, provider, rec, out)
	if err != nil {
		ce := errclass.From(err)
		if ce.Retryable() {
			s.quarantine(rec, notify, attempts, ce, log)
			observability.RecordDelivery(d.Channel, d.Intent, StatusDeadLettered)
		} else {
			s.markTerminalFailure(rec, StatusFailedTerminal, ce, log)
			observability.RecordDelivery(d.Channel, d.Intent, StatusFailedTerminal)
		}
		return errorResponse(requestID, d.Channel, err)
	}

	// Terminal writes survive request cancellation.
	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.MarkSucceeded(finalCtx, rec.DeliveryID, providerID); err != nil {
		log.Error("failed to finalize delivery", "delivery_id", rec.DeliveryID, "error", err)
	}
	log.Info("delivery succeeded", "delivery_id", rec.DeliveryID,
		"provider_delivery_id", providerID, "attempts", attempts)
	observability.RecordDelivery(d.Channel, d.Intent, StatusSucceeded)
	return successResponse(requestID, d.Channel, rec.DeliveryID.String())
}

// replayVerdict resolves a duplicate against the existing row. Returns the
// stored verdict when the row is terminal; final=false means the caller may
// take the row over and re-execute.
func (s *Service) replayVerdict(ctx context.Context, rec *DeliveryRecord, requestID string) (*envelope.NotifyResponse, bool) {
	switch rec.Status {
	case StatusSucceeded:
		return successResponse(requestID, rec.Channel, rec.DeliveryID.String()), true
	case StatusFailedTerminal, StatusDeadLettered:
		return errorResponse(requestID, rec.Channel,
			errclass.NormalizeExecutor(rec.ErrorClass, rec.ErrorMessage)), true
	case StatusPendingIdentifier:
		return parkedResponse(requestID, rec.Channel, rec.DeliveryID.String()), true
	case StatusFailedRetryable:
		if reopened, err := s.store.Reopen(ctx, rec.DeliveryID); err != nil || !reopened {
			return errorResponse(requestID, rec.Channel,
				errclass.New(errclass.TargetUnavailable, "delivery is being retried elsewhere")), true
		}
		return nil, false
	default: // in_flight without a live execution here
		if time.Since(rec.CreatedAt) < staleClaimAge {
			return errorResponse(requestID, rec.Channel,
				errclass.New(errclass.TargetUnavailable, "delivery already in flight")), true
		}
		return nil, false
	}
}

// deliverWithRetry runs the provider call under the channel breaker with
// bounded exponential backoff. Provider retry-after floors are honored.
func (s *Service) deliverWithRetry(ctx context.Context, provider Provider,
	rec *DeliveryRecord, out *Outbound) (string, int, error) {
	breaker := s.breakers.For(provider.Channel())
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if !breaker.Allow() {
			lastErr = errclass.New(errclass.TargetUnavailable, "circuit open for %s", provider.Channel())
			break
		}

		started := time.Now()
		providerID, err := provider.Deliver(ctx, out)
		latency := time.Since(started)
		breaker.Record(err)

		if err == nil {
			s.recordAttempt(rec.DeliveryID, attempt, "ok", "", false, latency)
			return providerID, attempt, nil
		}
		ce := errclass.From(err)
		s.recordAttempt(rec.DeliveryID, attempt, "error", string(ce.Class), ce.Retryable(), latency)
		lastErr = err

		if !ce.Retryable() || attempt == s.maxAttempts {
			break
		}
		wait := policy.NextBackOff()
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.After > wait {
			wait = ra.After
		}
		select {
		case <-ctx.Done():
			return "", attempt, errclass.Wrap(errclass.Timeout, ctx.Err(), "delivery deadline exceeded")
		case <-time.After(wait):
		}
	}
	return "", s.maxAttempts, lastErr
}

// park records a delivery whose contact has no identifier on the channel and
// alerts the owner on any channel that can reach them.
func (s *Service) park(ctx context.Context, notify *envelope.Notify,
	requestID string, log *slog.Logger) *envelope.NotifyResponse {
	d := notify.Delivery
	deliveryID, err := uuid.NewV7()
	if err != nil {
		return errorResponse(requestID, d.Channel, fmt.Errorf("failed to mint delivery id: %w", err))
	}
	rec := &DeliveryRecord{
		DeliveryID:     deliveryID,
		IdempotencyKey: IdempotencyKey(notify, ""),
		OriginButler:   notify.OriginButler,
		Channel:        d.Channel,
		Intent:         d.Intent,
		ContentHash:    ContentHash(notify),
		Status:         StatusPendingIdentifier,
		RequestID:      requestID,
	}
	rec, claimed, err := s.store.Claim(ctx, rec)
	if err != nil {
		return errorResponse(requestID, d.Channel, err)
	}
	if !claimed {
		if resp, final := s.replayVerdict(ctx, rec, requestID); final {
			return resp
		}
	}
	log.Warn("delivery parked, missing channel identifier", "delivery_id", rec.DeliveryID)
	s.alertOwner(ctx, notify, rec.DeliveryID)
	return parkedResponse(requestID, d.Channel, rec.DeliveryID.String())
}

// alertOwner tells the owner about a parked delivery. Best effort.
func (s *Service) alertOwner(ctx context.Context, notify *envelope.Notify, deliveryID uuid.UUID) {
	msg := fmt.Sprintf("A message from %s could not be delivered on %s: no contact identifier. Delivery %s is parked.",
		notify.OriginButler, notify.Delivery.Channel, deliveryID)
	for channel, provider := range s.providers {
		owner, err := s.resolver.OwnerIdentifier(ctx, channel)
		if err != nil {
			continue
		}
		_, err = provider.Deliver(ctx, &Outbound{
			Intent:  envelope.IntentSend,
			Target:  owner,
			Message: prefixOrigin("messenger", channel, msg),
			Subject: prefixSubject("messenger", channel, "Parked delivery"),
		})
		if err == nil {
			return
		}
		s.logger.Warn("owner alert failed", "channel", channel, "error", err)
	}
}

func (s *Service) resolveTarget(ctx context.Context, notify *envelope.Notify) (target, thread string, err error) {
	d := notify.Delivery
	if notify.RequestContext != nil {
		thread = notify.RequestContext.SourceThreadIdentity
	}
	// Replies and reacts address the origin thread, not a looked-up contact.
	if d.Intent == envelope.IntentReply || d.Intent == envelope.IntentReact {
		return notify.RequestContext.SourceSenderIdentity, thread, nil
	}
	target, err = s.resolver.Resolve(ctx, d.Channel, d.ContactID, d.Recipient)
	return target, thread, err
}

func (s *Service) finishFailure(rec *DeliveryRecord, err error, log *slog.Logger) {
	ce := errclass.From(err)
	status := StatusFailedTerminal
	if ce.Retryable() {
		status = StatusFailedRetryable
	}
	s.markTerminalFailure(rec, status, ce, log)
}

func (s *Service) markTerminalFailure(rec *DeliveryRecord, status string, ce *errclass.Error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.MarkFailed(ctx, rec.DeliveryID, status, string(ce.Class), ce.Message); err != nil {
		log.Error("failed to finalize delivery", "delivery_id", rec.DeliveryID, "error", err)
	}
	log.Warn("delivery failed", "delivery_id", rec.DeliveryID,
		"status", status, "error_class", ce.Class, "error", ce.Message)
}

// quarantine dead-letters a delivery that exhausted its retries.
func (s *Service) quarantine(rec *DeliveryRecord, notify *envelope.Notify,
	attempts int, ce *errclass.Error, log *slog.Logger) {
	payload, err := json.Marshal(notify)
	if err != nil {
		payload = []byte(`{}`)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.DeadLetter(ctx, rec.DeliveryID, rec.IdempotencyKey,
		ce.Message, attempts, payload); err != nil {
		log.Error("failed to dead-letter delivery", "delivery_id", rec.DeliveryID, "error", err)
	}
	log.Error("delivery dead-lettered", "delivery_id", rec.DeliveryID,
		"attempts", attempts, "error_class", ce.Class)
}

func (s *Service) recordAttempt(deliveryID uuid.UUID, attempt int,
	outcome, errorClass string, retryable bool, latency time.Duration) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordAttempt(ctx, deliveryID, attempt, outcome, errorClass, retryable, latency); err != nil {
		s.logger.Error("failed to record attempt", "delivery_id", deliveryID, "error", err)
	}
}

func (s *Service) threadLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.threads[key]
	if !ok {
		lock = &sync.Mutex{}
		s.threads[key] = lock
	}
	return lock
}

// prefixOrigin puts the user-visible origin tag on non-email channels. Email
// carries it in the subject instead.
func prefixOrigin(origin, channel, message string) string {
	if message == "" || channel == "email" {
		return message
	}
	return fmt.Sprintf("[%s] %s", origin, message)
}

// prefixSubject tags email subjects with the origin butler.
func prefixSubject(origin, channel, subject string) string {
	if channel != "email" {
		return subject
	}
	if subject == "" {
		subject = "Message from your butler"
	}
	return fmt.Sprintf("[%s] %s", origin, subject)
}

func successResponse(requestID, channel, deliveryID string) *envelope.NotifyResponse {
	return &envelope.NotifyResponse{
		SchemaVersion:  envelope.SchemaNotifyResponseV1,
		RequestContext: envelope.NotifyRequestContext{RequestID: requestID},
		Status:         "ok",
		Delivery:       envelope.NotifyResponseBody{Channel: channel, DeliveryID: deliveryID},
	}
}

func parkedResponse(requestID, channel, deliveryID string) *envelope.NotifyResponse {
	return &envelope.NotifyResponse{
		SchemaVersion:  envelope.SchemaNotifyResponseV1,
		RequestContext: envelope.NotifyRequestContext{RequestID: requestID},
		Status:         "pending_missing_identifier",
		Delivery:       envelope.NotifyResponseBody{Channel: channel, DeliveryID: deliveryID},
	}
}

func errorResponse(requestID, channel string, err error) *envelope.NotifyResponse {
	ce := errclass.From(err)
	return &envelope.NotifyResponse{
		SchemaVersion:  envelope.SchemaNotifyResponseV1,
		RequestContext: envelope.NotifyRequestContext{RequestID: requestID},
		Status:         "error",
		Delivery:       envelope.NotifyResponseBody{Channel: channel},
		Error: &envelope.ErrorDetail{
			Class:     string(ce.Class),
			Message:   ce.Message,
			Retryable: ce.Retryable(),
		},
	}
}

// echoResponse re-addresses a coalesced verdict to the duplicate's request id.
func echoResponse(resp *envelope.NotifyResponse, requestID string) *envelope.NotifyResponse {
	out := *resp
	out.RequestContext = envelope.NotifyRequestContext{RequestID: requestID}
	return &out
}
