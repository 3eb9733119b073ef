package egress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/module"
)

type captureNotifier struct {
	last *envelope.Notify
	resp *envelope.NotifyResponse
}

func (c *captureNotifier) Notify(_ context.Context, n *envelope.Notify) (*envelope.NotifyResponse, error) {
	c.last = n
	if c.resp != nil {
		return c.resp, nil
	}
	return &envelope.NotifyResponse{
		SchemaVersion: envelope.SchemaNotifyResponseV1,
		Status:        "ok",
	}, nil
}

func toolByName(t *testing.T, m module.Module, name string) module.Tool {
	t.Helper()
	for _, tool := range m.Tools() {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found", name)
	return module.Tool{}
}

func TestTelegramModuleToolSurface(t *testing.T) {
	m := NewTelegramModule("messenger", &captureNotifier{})
	names := make([]string, 0, 3)
	for _, tool := range m.Tools() {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"user_telegram_send", "user_telegram_reply", "user_telegram_react",
	}, names)
	// Every egress tool matches the registry's strip pattern.
	for _, name := range names {
		assert.True(t, module.IsEgressTool(name), name)
	}
}

func TestEmailModuleHasNoReact(t *testing.T) {
	m := NewEmailModule("messenger", &captureNotifier{})
	for _, tool := range m.Tools() {
		assert.NotContains(t, tool.Name, "react")
	}
}

func TestSendToolBuildsNotify(t *testing.T) {
	n := &captureNotifier{}
	m := NewTelegramModule("messenger", n)
	tool := toolByName(t, m, "user_telegram_send")

	args := json.RawMessage(`{"message": "dinner at 7", "contact_id": "c-1"}`)
	_, err := tool.Handler(context.Background(), "general", args)
	require.NoError(t, err)

	require.NotNil(t, n.last)
	assert.Equal(t, envelope.SchemaNotifyV1, n.last.SchemaVersion)
	// The calling butler is the delivery origin.
	assert.Equal(t, "general", n.last.OriginButler)
	assert.Equal(t, envelope.IntentSend, n.last.Delivery.Intent)
	assert.Equal(t, "telegram", n.last.Delivery.Channel)
	assert.Equal(t, "dinner at 7", n.last.Delivery.Message)
	assert.Equal(t, "c-1", n.last.Delivery.ContactID)
}

func TestSendToolRejectsMissingMessage(t *testing.T) {
	m := NewTelegramModule("messenger", &captureNotifier{})
	tool := toolByName(t, m, "user_telegram_send")

	_, err := tool.Handler(context.Background(), "general", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestReplyToolCarriesRequestContext(t *testing.T) {
	n := &captureNotifier{}
	m := NewTelegramModule("messenger", n)
	tool := toolByName(t, m, "user_telegram_reply")

	args := json.RawMessage(`{
		"message": "on my way",
		"request_context": {
			"request_id": "req-1",
			"source_channel": "telegram",
			"source_endpoint_identity": "@housebot",
			"source_sender_identity": "user:42",
			"source_thread_identity": "100:7"
		}
	}`)
	_, err := tool.Handler(context.Background(), "", args)
	require.NoError(t, err)

	require.NotNil(t, n.last.RequestContext)
	assert.Equal(t, "req-1", n.last.RequestContext.RequestID)
	assert.Equal(t, "100:7", n.last.RequestContext.SourceThreadIdentity)
	// Empty caller falls back to the hosting butler.
	assert.Equal(t, "messenger", n.last.OriginButler)
}

func TestReactToolRequiresThread(t *testing.T) {
	m := NewTelegramModule("messenger", &captureNotifier{})
	tool := toolByName(t, m, "user_telegram_react")

	_, err := tool.Handler(context.Background(), "general", json.RawMessage(`{"emoji": "👍"}`))
	require.Error(t, err)
	assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
}

func TestSwitchboardNotifierRoundTrip(t *testing.T) {
	var gotCaller string
	var gotNotify envelope.Notify
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = r.Header.Get("X-Butler-Caller")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotNotify))
		_ = json.NewEncoder(w).Encode(envelope.NotifyResponse{
			SchemaVersion: envelope.SchemaNotifyResponseV1,
			Status:        "ok",
			Delivery:      envelope.NotifyResponseBody{Channel: "telegram", DeliveryID: "d-1"},
		})
	}))
	defer srv.Close()

	relay := NewSwitchboardNotifier(srv.URL, "general")
	resp, err := relay.Notify(context.Background(), &envelope.Notify{
		SchemaVersion: envelope.SchemaNotifyV1,
		OriginButler:  "general",
		Delivery:      envelope.NotifyDelivery{Intent: envelope.IntentSend, Channel: "telegram", Message: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "general", gotCaller)
	assert.Equal(t, "hi", gotNotify.Delivery.Message)
	assert.Equal(t, "d-1", resp.Delivery.DeliveryID)
}

func TestSwitchboardNotifierMapsOverload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	relay := NewSwitchboardNotifier(srv.URL, "general")
	_, err := relay.Notify(context.Background(), &envelope.Notify{
		SchemaVersion: envelope.SchemaNotifyV1,
		OriginButler:  "general",
		Delivery:      envelope.NotifyDelivery{Intent: envelope.IntentSend, Channel: "telegram", Message: "hi"},
	})
	require.Error(t, err)
	assert.Equal(t, errclass.OverloadRejected, errclass.ClassOf(err))
}
