package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/circuit"
	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

func sendNotify(origin, channel, message string) *envelope.Notify {
	return &envelope.Notify{
		SchemaVersion: envelope.SchemaNotifyV1,
		OriginButler:  origin,
		Delivery: envelope.NotifyDelivery{
			Intent:  envelope.IntentSend,
			Channel: channel,
			Message: message,
		},
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	n := sendNotify("gardener", "telegram", "water the ferns")
	k1 := IdempotencyKey(n, "12345")
	k2 := IdempotencyKey(sendNotify("gardener", "telegram", "water the ferns"), "12345")
	assert.Equal(t, k1, k2)
}

func TestIdempotencyKeyDiverges(t *testing.T) {
	base := sendNotify("gardener", "telegram", "water the ferns")
	key := IdempotencyKey(base, "12345")

	byContent := sendNotify("gardener", "telegram", "prune the roses")
	assert.NotEqual(t, key, IdempotencyKey(byContent, "12345"))

	byOrigin := sendNotify("librarian", "telegram", "water the ferns")
	assert.NotEqual(t, key, IdempotencyKey(byOrigin, "12345"))

	assert.NotEqual(t, key, IdempotencyKey(base, "99999"))

	byIntent := sendNotify("gardener", "telegram", "water the ferns")
	byIntent.Delivery.Intent = envelope.IntentReply
	assert.NotEqual(t, key, IdempotencyKey(byIntent, "12345"))
}

func TestIdempotencyKeyUsesRequestID(t *testing.T) {
	a := sendNotify("gardener", "telegram", "done")
	a.RequestContext = &envelope.RequestContext{RequestID: "req-1"}
	b := sendNotify("gardener", "telegram", "done")
	b.RequestContext = &envelope.RequestContext{RequestID: "req-2"}
	assert.NotEqual(t, IdempotencyKey(a, "12345"), IdempotencyKey(b, "12345"))
}

func TestPrefixOrigin(t *testing.T) {
	assert.Equal(t, "[gardener] watered", prefixOrigin("gardener", "telegram", "watered"))
	// Email identity travels in the subject, not the body.
	assert.Equal(t, "watered", prefixOrigin("gardener", "email", "watered"))
	assert.Empty(t, prefixOrigin("gardener", "telegram", ""))
}

func TestPrefixSubject(t *testing.T) {
	assert.Equal(t, "[gardener] Weekly report", prefixSubject("gardener", "email", "Weekly report"))
	assert.Equal(t, "[gardener] Message from your butler", prefixSubject("gardener", "email", ""))
	assert.Equal(t, "Weekly report", prefixSubject("gardener", "telegram", "Weekly report"))
}

func TestAdmissionReplyPreemption(t *testing.T) {
	a := NewAdmission(config.DeliveryConfig{GlobalRPS: 4, ChannelRPS: 100, RecipientPerMin: 1000})

	// Drain the global bucket with bulk sends.
	for i := 0; ; i++ {
		if err := a.Admit(envelope.IntentSend, "telegram", fmt.Sprintf("chat-%d", i)); err != nil {
			assert.Equal(t, errclass.OverloadRejected, errclass.ClassOf(err))
			break
		}
		require.Less(t, i, 100, "global budget never exhausted")
	}

	// A reply still gets through on the reserve.
	err := a.Admit(envelope.IntentReply, "telegram", "chat-reply")
	assert.NoError(t, err)
}

func TestAdmissionRecipientFlood(t *testing.T) {
	a := NewAdmission(config.DeliveryConfig{GlobalRPS: 1000, ChannelRPS: 1000, RecipientPerMin: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Admit(envelope.IntentSend, "telegram", "chat-1"))
	}
	err := a.Admit(envelope.IntentSend, "telegram", "chat-1")
	require.Error(t, err)
	assert.Equal(t, errclass.OverloadRejected, errclass.ClassOf(err))

	// Other recipients are unaffected.
	assert.NoError(t, a.Admit(envelope.IntentSend, "telegram", "chat-2"))
}

func TestParseTelegramThread(t *testing.T) {
	chatID, messageID, err := parseTelegramThread("-10012345:678")
	require.NoError(t, err)
	assert.Equal(t, int64(-10012345), chatID)
	assert.Equal(t, 678, messageID)

	_, _, err = parseTelegramThread("no-separator")
	assert.Error(t, err)
	_, _, err = parseTelegramThread("abc:1")
	assert.Error(t, err)
}

func TestClassifyTelegramError(t *testing.T) {
	err := classifyTelegramError(errors.New("Too Many Requests: retry after 7"))
	var ra *RetryAfterError
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, 7*time.Second, ra.After)
	assert.Equal(t, errclass.TargetUnavailable, errclass.ClassOf(err))

	err = classifyTelegramError(errors.New("Bad Request: chat not found"))
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))

	err = classifyTelegramError(errors.New("connection reset by peer"))
	assert.Equal(t, errclass.TargetUnavailable, errclass.ClassOf(err))
}

func TestClassifySMTPError(t *testing.T) {
	assert.Equal(t, errclass.TargetUnavailable,
		errclass.ClassOf(classifySMTPError(errors.New("421 service not available"))))
	assert.Equal(t, errclass.Validation,
		errclass.ClassOf(classifySMTPError(errors.New("550 mailbox unavailable"))))
}

func TestEmailProviderBuildsMessage(t *testing.T) {
	var gotTo []string
	var gotMsg string
	p, err := NewEmailProvider(EmailConfig{Host: "smtp.example.com", From: "butler@example.com"})
	require.NoError(t, err)
	p.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	id, err := p.Deliver(context.Background(), &Outbound{
		Intent:  envelope.IntentSend,
		Target:  "owner@example.com",
		Message: "The ferns are watered.",
		Subject: "[gardener] Garden update\r\nBcc: evil@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []string{"owner@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "The ferns are watered.")
	// Header injection via subject is neutralized.
	assert.NotContains(t, gotMsg, "Bcc: evil@example.com")
}

func TestEmailProviderRejectsReact(t *testing.T) {
	p, err := NewEmailProvider(EmailConfig{Host: "smtp.example.com", From: "butler@example.com"})
	require.NoError(t, err)
	_, err = p.Deliver(context.Background(), &Outbound{Intent: envelope.IntentReact, Target: "a@b.c"})
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestReplayVerdict(t *testing.T) {
	s := &Service{logger: slog.Default()}
	deliveryID := uuid.New()

	rec := &DeliveryRecord{DeliveryID: deliveryID, Channel: "telegram", Status: StatusSucceeded}
	resp, final := s.replayVerdict(context.Background(), rec, "req-9")
	require.True(t, final)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, deliveryID.String(), resp.Delivery.DeliveryID)
	assert.Equal(t, "req-9", resp.RequestContext.RequestID)

	rec = &DeliveryRecord{DeliveryID: deliveryID, Channel: "telegram",
		Status: StatusFailedTerminal, ErrorClass: "validation_error", ErrorMessage: "chat not found"}
	resp, final = s.replayVerdict(context.Background(), rec, "req-9")
	require.True(t, final)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "validation_error", resp.Error.Class)
	assert.False(t, resp.Error.Retryable)

	// Fresh in-flight row elsewhere: report, do not re-execute.
	rec = &DeliveryRecord{DeliveryID: deliveryID, Channel: "telegram",
		Status: StatusInFlight, CreatedAt: time.Now()}
	resp, final = s.replayVerdict(context.Background(), rec, "req-9")
	require.True(t, final)
	assert.Equal(t, "error", resp.Status)
	assert.True(t, resp.Error.Retryable)

	// Stale in-flight row: caller takes over.
	rec = &DeliveryRecord{DeliveryID: deliveryID, Channel: "telegram",
		Status: StatusInFlight, CreatedAt: time.Now().Add(-10 * time.Minute)}
	_, final = s.replayVerdict(context.Background(), rec, "req-9")
	assert.False(t, final)
}

type fakeProvider struct {
	channel string
	fails   int
	calls   int
	err     error
}

func (f *fakeProvider) Channel() string { return f.channel }

func (f *fakeProvider) Deliver(_ context.Context, _ *Outbound) (string, error) {
	f.calls++
	if f.calls <= f.fails {
		return "", f.err
	}
	return fmt.Sprintf("msg-%d", f.calls), nil
}

func TestDeliverWithRetryRecovers(t *testing.T) {
	s := &Service{
		breakers:       circuit.NewGroup(circuit.DefaultConfig()),
		maxAttempts:    3,
		initialBackoff: time.Millisecond,
		logger:         slog.Default(),
	}
	p := &fakeProvider{channel: "telegram", fails: 2,
		err: errclass.New(errclass.TargetUnavailable, "flaky")}

	id, attempts, err := s.deliverWithRetry(context.Background(), p,
		&DeliveryRecord{DeliveryID: uuid.New()}, &Outbound{})
	require.NoError(t, err)
	assert.Equal(t, "msg-3", id)
	assert.Equal(t, 3, attempts)
}

func TestDeliverWithRetryStopsOnValidation(t *testing.T) {
	s := &Service{
		breakers:       circuit.NewGroup(circuit.DefaultConfig()),
		maxAttempts:    3,
		initialBackoff: time.Millisecond,
		logger:         slog.Default(),
	}
	p := &fakeProvider{channel: "telegram", fails: 10,
		err: errclass.New(errclass.Validation, "chat not found")}

	_, _, err := s.deliverWithRetry(context.Background(), p,
		&DeliveryRecord{DeliveryID: uuid.New()}, &Outbound{})
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	assert.Equal(t, 1, p.calls)
}
