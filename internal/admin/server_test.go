package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parley-bot/parley/internal/config"
	"github.com/parley-bot/parley/internal/dispatch"
)

func testServer(t *testing.T, rec *Recorder) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	s := NewServer("127.0.0.1", 0, cfg, rec, slog.Default())
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(t, nil)

	var body map[string]any
	getJSON(t, srv.URL+"/health", &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestConfigRedactsCredentials(t *testing.T) {
	srv := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/config")
	if err != nil {
		t.Fatalf("GET config: %v", err)
	}
	defer resp.Body.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"token", "openai_key", "password"} {
		if _, present := raw[key]; present {
			t.Errorf("config view leaks %q", key)
		}
	}
}

func TestCapabilities(t *testing.T) {
	srv := testServer(t, nil)

	var body struct {
		Capabilities []capabilityView `json:"capabilities"`
	}
	getJSON(t, srv.URL+"/v1/capabilities", &body)

	if len(body.Capabilities) == 0 {
		t.Fatal("no capabilities returned")
	}
	var weather *capabilityView
	for i := range body.Capabilities {
		if body.Capabilities[i].Name == "weather" {
			weather = &body.Capabilities[i]
		}
	}
	if weather == nil {
		t.Fatal("weather capability missing")
	}
	if !weather.Retryable {
		t.Error("weather retry policy not reflected")
	}
}

func TestRecentRequests(t *testing.T) {
	rec := NewRecorder(10)
	rec.Observe("weather", "alice", dispatch.RoutedResult{
		FinalAPI:      dispatch.APIWeather,
		FinalResponse: dispatch.Success("sunny"),
		Stages: []dispatch.Stage{
			{API: dispatch.APIWeather, Result: dispatch.Success("sunny")},
		},
	}, 120*time.Millisecond)

	srv := testServer(t, rec)

	var body struct {
		Requests []RequestRecord `json:"requests"`
	}
	getJSON(t, srv.URL+"/v1/requests/recent", &body)

	if len(body.Requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(body.Requests))
	}
	r := body.Requests[0]
	if r.Capability != "weather" || !r.OK || len(r.Stages) != 1 {
		t.Errorf("record = %+v", r)
	}
}

func TestRecorderRingBuffer(t *testing.T) {
	rec := NewRecorder(3)
	for i := 0; i < 5; i++ {
		rec.Observe("weather", "alice", dispatch.RoutedResult{
			FinalResponse: dispatch.Success(string(rune('a' + i))),
		}, time.Millisecond)
	}

	recent := rec.Recent()
	if len(recent) != 3 {
		t.Fatalf("recent = %d entries, want 3", len(recent))
	}
	if rec.Total() != 5 {
		t.Errorf("total = %d, want 5", rec.Total())
	}
}

func TestRecorderWrap(t *testing.T) {
	rec := NewRecorder(10)
	inner := pipelineFunc(func(_ context.Context, cap config.CapabilityConfig, _, _ string, _ []dispatch.Turn) dispatch.RoutedResult {
		return dispatch.RoutedResult{
			FinalAPI:      dispatch.API(cap.API),
			FinalResponse: dispatch.Success("ok"),
		}
	})

	wrapped := rec.Wrap(inner)
	res := wrapped.Route(context.Background(), config.CapabilityConfig{Name: "search", API: "search"}, "q", "alice", nil)
	if !res.FinalResponse.OK {
		t.Fatal("wrapped pipeline altered the result")
	}
	if rec.Total() != 1 {
		t.Errorf("total = %d, want 1", rec.Total())
	}
	if got := rec.Recent()[0].Capability; got != "search" {
		t.Errorf("recorded capability = %q", got)
	}
}

// pipelineFunc adapts a function to the Pipeline interface.
type pipelineFunc func(ctx context.Context, cap config.CapabilityConfig, input, requesterID string, history []dispatch.Turn) dispatch.RoutedResult

func (f pipelineFunc) Route(ctx context.Context, cap config.CapabilityConfig, input, requesterID string, history []dispatch.Turn) dispatch.RoutedResult {
	return f(ctx, cap, input, requesterID, history)
}
