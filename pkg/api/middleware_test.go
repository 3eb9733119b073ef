package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/envelope"
)

func TestFleetAuth(t *testing.T) {
	mw := fleetAuth("hunter2")
	handler := mw(func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	call := func(authorization string) error {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		c := e.NewContext(req, httptest.NewRecorder())
		return handler(c)
	}

	t.Run("missing token", func(t *testing.T) {
		err := call("")
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		err := call("Bearer hunter3")
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})

	t.Run("not a bearer scheme", func(t *testing.T) {
		err := call("Basic aHVudGVyMg==")
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		assert.NoError(t, call("Bearer hunter2"))
	})
}

type stubNotifier struct {
	got  *envelope.Notify
	resp *envelope.NotifyResponse
	err  error
}

func (n *stubNotifier) Notify(_ context.Context, notify *envelope.Notify) (*envelope.NotifyResponse, error) {
	n.got = notify
	return n.resp, n.err
}

const validNotifyBody = `{
	"schema_version": "notify.v1",
	"origin_butler": "gardener",
	"delivery": {"intent": "send", "channel": "telegram", "message": "done", "recipient": "user:42"}
}`

func newNotifyRequest(body, caller string) (*echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Butler-Caller", caller)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

func TestNotifyHandlerRelays(t *testing.T) {
	s := testServer()
	notifier := &stubNotifier{resp: &envelope.NotifyResponse{
		SchemaVersion: envelope.SchemaNotifyResponseV1,
		Status:        "accepted",
	}}
	s.notifier = notifier

	c, rec := newNotifyRequest(validNotifyBody, "gardener")
	require.NoError(t, s.notifyHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, notifier.got)
	assert.Equal(t, "gardener", notifier.got.OriginButler)
	assert.Contains(t, rec.Body.String(), "accepted")
}

func TestNotifyHandlerRejectsOriginMismatch(t *testing.T) {
	s := testServer()
	s.notifier = &stubNotifier{}

	c, _ := newNotifyRequest(validNotifyBody, "valet")
	err := s.notifyHandler(c)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, he.Code)
}

func TestNotifyHandlerRejectsBadEnvelope(t *testing.T) {
	s := testServer()
	s.notifier = &stubNotifier{}

	c, _ := newNotifyRequest(`{"schema_version": "notify.v1"}`, "")
	err := s.notifyHandler(c)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}
