package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/i474232898/discovergy-poller/internal/metrics"
	"github.com/i474232898/discovergy-poller/internal/readings"
	"github.com/i474232898/discovergy-poller/internal/scheduler"
	"github.com/i474232898/discovergy-poller/internal/store"
)

type stubTasks []scheduler.TaskState

func (s stubTasks) States() []scheduler.TaskState { return s }

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.FetchCycle("awattar", "success")

	writer := store.NewWriter(store.NewMemorySink(), store.Month, nil, m)
	ts := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	if err := writer.Write(context.Background(), "awattar", []readings.Row{
		{Timestamp: ts, Values: map[string]float64{"marketprice": 71.3}},
	}); err != nil {
		t.Fatalf("seed series: %v", err)
	}

	return Deps{
		Tasks:    stubTasks{{Name: "awattar", State: scheduler.Sleeping, Interval: "12h0m0s"}},
		Meters:   store.NewMetadataStore(filepath.Join(t.TempDir(), "meters-metadata.json"), nil),
		Series:   writer,
		Gatherer: reg,
	}
}

func get(t *testing.T, deps Deps, target string) (int, string) {
	t.Helper()
	app := NewApp(deps)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestSeriesEndpoint(t *testing.T) {
	deps := newTestDeps(t)

	code, body := get(t, deps, "/api/v1/series/awattar?period=2024-03")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var out struct {
		Series string         `json:"series"`
		Rows   []readings.Row `json:"rows"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Series != "awattar" || len(out.Rows) != 1 || out.Rows[0].Values["marketprice"] != 71.3 {
		t.Fatalf("unexpected payload %s", body)
	}
}

func TestSeriesPeriodValidation(t *testing.T) {
	deps := newTestDeps(t)

	cases := map[string]int{
		"/api/v1/series/awattar":                   http.StatusBadRequest,
		"/api/v1/series/awattar?period=2024-3":     http.StatusBadRequest,
		"/api/v1/series/awattar?period=2024-03-05": http.StatusBadRequest,
		"/api/v1/series/awattar?period=2023-01":    http.StatusNotFound,
		"/api/v1/series/power_m1?period=2024-03":   http.StatusNotFound,
	}
	for target, want := range cases {
		if code, body := get(t, deps, target); code != want {
			t.Errorf("%s: expected %d, got %d: %s", target, want, code, body)
		}
	}
}

func TestMetersEndpoint(t *testing.T) {
	deps := newTestDeps(t)

	if code, body := get(t, deps, "/api/v1/meters"); code != http.StatusNotFound {
		t.Fatalf("expected 404 before the first describe, got %d: %s", code, body)
	}

	meta := deps.Meters.(*store.MetadataStore)
	if err := meta.Save(map[string]map[string]any{"m1": {"meterId": "m1"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	code, body := get(t, deps, "/api/v1/meters")
	if code != http.StatusOK || !strings.Contains(body, `"meterId":"m1"`) {
		t.Fatalf("expected stored meters, got %d: %s", code, body)
	}
}

func TestSourcesHealthAndMetrics(t *testing.T) {
	deps := newTestDeps(t)

	code, body := get(t, deps, "/api/v1/sources")
	if code != http.StatusOK || !strings.Contains(body, `"state":"sleeping"`) {
		t.Fatalf("unexpected sources response %d: %s", code, body)
	}

	if code, body := get(t, deps, "/health"); code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("unexpected health response %d: %s", code, body)
	}

	code, body = get(t, deps, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", code)
	}
	if !strings.Contains(body, `poller_fetch_cycles_total{outcome="success",source="awattar"} 1`) {
		t.Fatalf("expected fetch cycle counter in metrics output:\n%s", body)
	}
}

func TestErrorHandlerShape(t *testing.T) {
	code, body := get(t, Deps{}, "/api/v1/series/awattar?period=2024-03")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 without storage, got %d", code)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["error"] != true || out["message"] == "" {
		t.Fatalf("unexpected error body %s", body)
	}
}
