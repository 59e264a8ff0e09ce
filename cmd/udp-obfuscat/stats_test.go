package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/udp-obfuscat/internal/flow"
	"github.com/postalsys/udp-obfuscat/internal/metrics"
	"github.com/postalsys/udp-obfuscat/internal/relay"
)

func metricsServer(t *testing.T) *httptest.Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.SetListeners(2)
	m.FlowCreated(0)
	m.FlowCreated(1)
	m.FlowCreated(1)
	m.FlowEvicted("idle", 3*time.Second)
	m.Datagram(relay.DirectionToRemote, 1500)
	m.Datagram(relay.DirectionToRemote, 500)
	m.Datagram(relay.DirectionToClient, 100)
	m.Dropped(relay.DirectionToRemote, relay.DropTableFull)
	m.Dropped(relay.DirectionToClient, relay.DropWriteFailed)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/flows", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"count": 1,
			"flows": []flow.Info{{
				ID:         flow.ID(1<<32 | 3),
				Client:     "127.0.0.1:40000",
				State:      "active",
				PacketsIn:  4,
				PacketsOut: 2,
				BytesIn:    1000,
				BytesOut:   24,
				LastSeen:   time.Now().Add(-5 * time.Second),
			}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchAndSummarize(t *testing.T) {
	srv := metricsServer(t)

	families, err := fetchMetrics(context.Background(), srv.Client(), srv.URL+"/metrics")
	if err != nil {
		t.Fatalf("fetchMetrics: %v", err)
	}
	s := summarize(families)

	if s.Listeners != 2 {
		t.Errorf("Listeners = %v, want 2", s.Listeners)
	}
	if s.ActiveFlows != 2 {
		t.Errorf("ActiveFlows = %v, want 2", s.ActiveFlows)
	}
	if s.FlowsCreated != 3 {
		t.Errorf("FlowsCreated = %v, want 3", s.FlowsCreated)
	}
	if s.Evicted["idle"] != 1 {
		t.Errorf("Evicted[idle] = %v, want 1", s.Evicted["idle"])
	}
	if s.Datagrams[relay.DirectionToRemote] != 2 || s.Bytes[relay.DirectionToRemote] != 2000 {
		t.Errorf("to remote = %v datagrams, %v bytes",
			s.Datagrams[relay.DirectionToRemote], s.Bytes[relay.DirectionToRemote])
	}
	if s.Drops[relay.DropTableFull] != 1 || s.Drops[relay.DropWriteFailed] != 1 {
		t.Errorf("Drops = %v", s.Drops)
	}
}

func TestFetchMetricsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbage" {
			w.Write([]byte("this is { not metrics\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		path string
	}{
		{"not found", "/metrics"},
		{"unparsable", "/garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fetchMetrics(context.Background(), srv.Client(), srv.URL+tt.path); err == nil {
				t.Error("fetchMetrics should fail")
			}
		})
	}
}

func TestRenderSummary(t *testing.T) {
	s := summary{
		Listeners:    1,
		ActiveFlows:  3,
		FlowsCreated: 1200,
		Evicted:      map[string]float64{"unreplied": 2, "idle": 5, "shutdown": 0},
		Datagrams:    map[string]float64{relay.DirectionToRemote: 10},
		Bytes:        map[string]float64{relay.DirectionToRemote: 2000},
		Drops:        map[string]float64{},
	}

	out := renderSummary("127.0.0.1:9090", s, false)

	for _, want := range []string{
		"udp-obfuscat relay at 127.0.0.1:9090",
		"Flows created:  1,200",
		"Flows evicted:  7 (idle 5, unreplied 2)",
		"To remote:      10 datagrams, 2.0 kB",
		"To client:      0 datagrams, 0 B",
		"Dropped:        0\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestRenderSummaryStyled(t *testing.T) {
	s := summary{
		Listeners: 2,
		Evicted:   map[string]float64{},
		Datagrams: map[string]float64{},
		Bytes:     map[string]float64{},
		Drops:     map[string]float64{relay.DropOversize: 1},
	}

	out := renderSummary("127.0.0.1:9090", s, true)
	for _, want := range []string{"udp-obfuscat relay at 127.0.0.1:9090", "Listeners:", "oversize 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("styled summary missing %q:\n%s", want, out)
		}
	}
}

func TestFetchAndRenderFlows(t *testing.T) {
	srv := metricsServer(t)

	flows, err := fetchFlows(context.Background(), srv.Client(), srv.URL+"/flows")
	if err != nil {
		t.Fatalf("fetchFlows: %v", err)
	}
	if len(flows) != 1 {
		t.Fatalf("got %d flows, want 1", len(flows))
	}

	out := renderFlows(flows, time.Now())
	for _, want := range []string{"CLIENT", "127.0.0.1:40000", "active", "1.0 kB", "ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("flow table missing %q:\n%s", want, out)
		}
	}

	if got := renderFlows(nil, time.Now()); got != "no live flows" {
		t.Errorf("renderFlows(nil) = %q", got)
	}
}
