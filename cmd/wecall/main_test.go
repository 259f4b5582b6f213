package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/wecall/internal/app"
	"github.com/MrWong99/wecall/internal/call"
	"github.com/MrWong99/wecall/internal/config"
	"github.com/MrWong99/wecall/internal/observe"
)

func TestBuildProviders_MockCallConnectsWithoutAudioHardware(t *testing.T) {
	cfg := &config.Config{}
	cfg.Provider.Name = "mock"
	cfg.Call.RingDelay = -1
	config.ApplyDefaults(cfg)

	reg := config.NewRegistry()
	registerBuiltins(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if providers.Output == nil {
		t.Fatal("mock provider has no playback output; calls would start a speaker process")
	}

	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a, err := app.New(context.Background(), cfg, providers, app.WithMetrics(met))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/v1/call", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/call: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /v1/call = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := getSnapshot(t, srv.URL)
		if snap.Status == call.StatusConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %v, want connected", snap.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func getSnapshot(t *testing.T, base string) call.Snapshot {
	t.Helper()
	resp, err := http.Get(base + "/v1/call")
	if err != nil {
		t.Fatalf("GET /v1/call: %v", err)
	}
	defer resp.Body.Close()
	var snap call.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}
