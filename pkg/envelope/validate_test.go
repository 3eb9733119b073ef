package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/errclass"
)

const validIngest = `{
	"schema_version": "ingest.v1",
	"source": {"channel": "telegram", "provider": "telegram_bot_api", "endpoint_identity": "@housebot"},
	"event": {"external_event_id": "4711", "external_thread_id": "99:12", "observed_at": "2026-08-24T09:00:00Z"},
	"sender": {"identity": "user:42"},
	"payload": {"raw": "{}", "normalized_text": "hello"}
}`

func TestParseIngest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		env, err := ParseIngest([]byte(validIngest))
		require.NoError(t, err)
		assert.Equal(t, "telegram", env.Source.Channel)
		assert.Equal(t, "4711", env.Event.ExternalEventID)
		assert.Equal(t, "user:42", env.Sender.Identity)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseIngest([]byte("nope"))
		assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	})

	t.Run("missing sender", func(t *testing.T) {
		raw := `{
			"schema_version": "ingest.v1",
			"source": {"channel": "telegram", "provider": "p", "endpoint_identity": "e"},
			"event": {"external_event_id": "1", "observed_at": "2026-08-24T09:00:00Z"},
			"payload": {"raw": "{}", "normalized_text": "x"}
		}`
		_, err := ParseIngest([]byte(raw))
		assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	})

	t.Run("wrong schema version", func(t *testing.T) {
		raw := `{
			"schema_version": "ingest.v2",
			"source": {"channel": "telegram", "provider": "p", "endpoint_identity": "e"},
			"event": {"external_event_id": "1", "observed_at": "2026-08-24T09:00:00Z"},
			"sender": {"identity": "user:1"},
			"payload": {"raw": "{}", "normalized_text": "x"}
		}`
		_, err := ParseIngest([]byte(raw))
		assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	})
}

func notifyFor(intent, channel string) *Notify {
	return &Notify{
		SchemaVersion: SchemaNotifyV1,
		OriginButler:  "general",
		Delivery: NotifyDelivery{
			Intent:    intent,
			Channel:   channel,
			Message:   "hi",
			Recipient: "user:42",
		},
	}
}

func TestNotifyValidate(t *testing.T) {
	t.Run("send ok", func(t *testing.T) {
		assert.NoError(t, notifyFor(IntentSend, "telegram").Validate())
	})

	t.Run("send without message", func(t *testing.T) {
		n := notifyFor(IntentSend, "telegram")
		n.Delivery.Message = ""
		assert.Error(t, n.Validate())
	})

	t.Run("missing origin butler", func(t *testing.T) {
		n := notifyFor(IntentSend, "telegram")
		n.OriginButler = ""
		assert.Error(t, n.Validate())
	})

	t.Run("reply requires request context", func(t *testing.T) {
		n := notifyFor(IntentReply, "email")
		assert.Error(t, n.Validate())

		n.RequestContext = &RequestContext{
			RequestID:              "0198b1f0-0000-7000-8000-000000000000",
			SourceChannel:          "email",
			SourceEndpointIdentity: "butler@example.com",
			SourceSenderIdentity:   "alex@example.com",
		}
		assert.NoError(t, n.Validate())
	})

	t.Run("telegram reply requires thread", func(t *testing.T) {
		n := notifyFor(IntentReply, "telegram")
		n.RequestContext = &RequestContext{
			RequestID:              "0198b1f0-0000-7000-8000-000000000000",
			SourceChannel:          "telegram",
			SourceEndpointIdentity: "@housebot",
			SourceSenderIdentity:   "user:42",
		}
		assert.Error(t, n.Validate())
		n.RequestContext.SourceThreadIdentity = "99:12"
		assert.NoError(t, n.Validate())
	})

	t.Run("react only on telegram", func(t *testing.T) {
		n := notifyFor(IntentReact, "email")
		n.Delivery.Emoji = "👍"
		n.RequestContext = &RequestContext{SourceThreadIdentity: "99:12"}
		assert.Error(t, n.Validate())
		n.Delivery.Channel = "telegram"
		assert.NoError(t, n.Validate())
	})

	t.Run("unknown intent", func(t *testing.T) {
		assert.Error(t, notifyFor("broadcast", "telegram").Validate())
	})
}

func TestValidateRoute(t *testing.T) {
	route := &Route{
		SchemaVersion:  SchemaRouteV1,
		RequestContext: RequestContext{RequestID: "0198b1f0-0000-7000-8000-000000000000"},
		Input:          RouteInput{Prompt: "summarize my day"},
	}
	assert.NoError(t, ValidateRoute(route, 1, 1))

	t.Run("contract window mismatch", func(t *testing.T) {
		err := ValidateRoute(route, 2, 3)
		assert.Equal(t, errclass.Validation, errclass.ClassOf(err))
	})

	t.Run("empty prompt allowed with notify context", func(t *testing.T) {
		r := *route
		r.Input = RouteInput{Context: map[string]any{"notify_request": map[string]any{}}}
		assert.NoError(t, ValidateRoute(&r, 1, 1))
	})

	t.Run("empty prompt rejected otherwise", func(t *testing.T) {
		r := *route
		r.Input = RouteInput{}
		assert.Error(t, ValidateRoute(&r, 1, 1))
	})
}

func TestValidateRouteResponse(t *testing.T) {
	resp := &RouteResponse{
		SchemaVersion:  SchemaRouteResponseV1,
		RequestContext: RequestContext{RequestID: "req-1"},
		Status:         "ok",
	}
	assert.NoError(t, ValidateRouteResponse(resp, "req-1"))

	t.Run("request id mismatch", func(t *testing.T) {
		assert.Error(t, ValidateRouteResponse(resp, "req-2"))
	})

	t.Run("error status requires detail", func(t *testing.T) {
		r := *resp
		r.Status = "error"
		assert.Error(t, ValidateRouteResponse(&r, "req-1"))
		r.Error = &ErrorDetail{Class: "timeout", Message: "slow", Retryable: true}
		assert.NoError(t, ValidateRouteResponse(&r, "req-1"))
	})
}

func TestWithSubrequest(t *testing.T) {
	rc := RequestContext{
		RequestID:     "req-1",
		ReceivedAt:    time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		SourceChannel: "telegram",
	}
	sub := rc.WithSubrequest("sub-1", "seg-a")
	assert.Equal(t, "req-1", sub.RequestID)
	assert.Equal(t, "sub-1", sub.SubrequestID)
	assert.Equal(t, "seg-a", sub.SegmentID)
	assert.Empty(t, rc.SubrequestID)
}
