package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlers/pkg/config"
)

func testServer() *Server {
	return &Server{
		manifest: &config.Manifest{
			Butler: config.ButlerConfig{Name: "gardener", Port: 8080},
			Security: config.SecurityConfig{
				TrustedRouteCallers: []string{"switchboard"},
			},
			Switchboard: config.SwitchboardConfig{RouteContractMin: 1, RouteContractMax: 1},
		},
		logger: slog.Default(),
	}
}

func newRouteRequest(body, caller string) (*echo.Echo, *echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/route.execute", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Butler-Caller", caller)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return e, c, rec
}

func TestRouteExecuteRejectsUntrustedCaller(t *testing.T) {
	s := testServer()

	tests := []struct {
		name   string
		caller string
	}{
		{name: "missing caller header", caller: ""},
		{name: "unknown butler", caller: "valet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c, _ := newRouteRequest(`{}`, tt.caller)
			err := s.routeExecuteHandler(c)
			require.Error(t, err)
			he, ok := err.(*echo.HTTPError)
			require.True(t, ok)
			assert.Equal(t, http.StatusForbidden, he.Code)
		})
	}
}

func TestRouteExecuteRejectsBadEnvelope(t *testing.T) {
	s := testServer()

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{
			name: "wrong schema version",
			body: `{"schema_version": "route.v9", "request_context": {"request_id": "r1"}, "input": {"prompt": "hi"}}`,
			msg:  "schema version",
		},
		{
			name: "missing request id",
			body: `{"schema_version": "route.v1", "request_context": {}, "input": {"prompt": "hi"}}`,
			msg:  "request_id",
		},
		{
			name: "missing prompt",
			body: `{"schema_version": "route.v1", "request_context": {"request_id": "r1"}, "input": {}}`,
			msg:  "prompt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c, _ := newRouteRequest(tt.body, "switchboard")
			err := s.routeExecuteHandler(c)
			require.Error(t, err)
			he, ok := err.(*echo.HTTPError)
			require.True(t, ok)
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, tt.msg)
		})
	}
}

func TestRouteExecuteContractWindow(t *testing.T) {
	s := testServer()
	s.manifest.Switchboard.RouteContractMin = 2
	s.manifest.Switchboard.RouteContractMax = 3

	_, c, _ := newRouteRequest(
		`{"schema_version": "route.v1", "request_context": {"request_id": "r1"}, "input": {"prompt": "hi"}}`,
		"switchboard")
	err := s.routeExecuteHandler(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
	assert.Contains(t, he.Message, "contract")
}

func TestTrustedRouteCaller(t *testing.T) {
	s := testServer()
	assert.True(t, s.trustedRouteCaller("switchboard"))
	assert.False(t, s.trustedRouteCaller("valet"))
	assert.False(t, s.trustedRouteCaller(""))
}
