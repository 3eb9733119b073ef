package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/butlerhq/butlers/pkg/config"
	"github.com/butlerhq/butlers/pkg/module"
	"github.com/butlerhq/butlers/pkg/switchboard"
)

// runAnnouncer keeps this butler's registry entry fresh. The announce period
// is half the liveness TTL so one missed announcement never flips the entry
// to stale.
func runAnnouncer(ctx context.Context, manifest *config.Manifest, registry *module.Registry, logger *slog.Logger) {
	ttl := time.Duration(manifest.Switchboard.LivenessTTLs) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	period := ttl / 2
	if period < 10*time.Second {
		period = 10 * time.Second
	}

	client := &http.Client{Timeout: 10 * time.Second}
	endpointURL := getEnv("BUTLER_ENDPOINT_URL",
		fmt.Sprintf("http://localhost:%d", manifest.Butler.Port))

	announce := func() {
		reg := switchboard.Registration{
			Name:             manifest.Butler.Name,
			EndpointURL:      endpointURL,
			Modules:          manifest.ModuleNames(),
			Capabilities:     registry.ToolNames(),
			RouteContractMin: manifest.Switchboard.RouteContractMin,
			RouteContractMax: manifest.Switchboard.RouteContractMax,
			Advertise:        manifest.Switchboard.Advertise,
		}
		body, err := json.Marshal(reg)
		if err != nil {
			logger.Error("Failed to encode registration", "error", err)
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			manifest.Switchboard.URL+"/api/v1/registry/announce", bytes.NewReader(body))
		if err != nil {
			logger.Error("Failed to build announce request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Butler-Caller", manifest.Butler.Name)
		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("Registry announce failed", "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			logger.Warn("Registry announce rejected", "status", resp.StatusCode)
		}
	}

	announce()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			announce()
		}
	}
}
