package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/i474232898/discovergy-poller/internal/metrics"
)

func testPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		MaxElapsed:  time.Minute,
		MinWait:     time.Millisecond,
		MaxWait:     time.Millisecond,
		sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

// countingSession counts invalidations on top of a StaticSession.
type countingSession struct {
	StaticSession
	invalidated atomic.Int32
}

func (s *countingSession) Invalidate() { s.invalidated.Add(1) }

func TestQueryReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	e := NewEngine("awattar", testPolicy(3), nil, metrics.New(reg))
	body, err := e.Query(context.Background(), StaticSession{HTTP: srv.Client()}, srv.URL)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if n, err := testutil.GatherAndCount(reg, "poller_http_requests_total"); err != nil || n != 1 {
		t.Fatalf("expected one request series, got %d (%v)", n, err)
	}
}

func TestQueryUnauthorizedInvalidatesAndRetriesInline(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	sess := &countingSession{StaticSession: StaticSession{HTTP: srv.Client()}}
	e := NewEngine("discovergy", testPolicy(1), nil, nil)
	if _, err := e.Query(context.Background(), sess, srv.URL); err != nil {
		t.Fatalf("query: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", hits.Load())
	}
	if sess.invalidated.Load() != 1 {
		t.Fatalf("expected 1 invalidation, got %d", sess.invalidated.Load())
	}
}

func TestQueryErrorAfterAuthCycles(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewEngine("discovergy", testPolicy(2), nil, nil)
	_, err := e.Query(context.Background(), StaticSession{HTTP: srv.Client()}, srv.URL+"/readings")
	var qErr *QueryError
	if !errors.As(err, &qErr) {
		t.Fatalf("expected QueryError, got %v", err)
	}
	if qErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", qErr.StatusCode)
	}
	// two attempts of two auth cycles each
	if hits.Load() != 4 {
		t.Fatalf("expected 4 requests, got %d", hits.Load())
	}
}

func TestQueryInvalidJSONIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	e := NewEngine("weather", testPolicy(5), nil, nil)
	_, err := e.Query(context.Background(), StaticSession{HTTP: srv.Client()}, srv.URL)
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single request, got %d", hits.Load())
	}
}

func TestQueryRetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := NewEngine("awattar", testPolicy(3), nil, m)
	if _, err := e.Query(context.Background(), StaticSession{}, url); err == nil {
		t.Fatal("expected an error from a closed server")
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var errorsSeen float64
	for _, mf := range mfs {
		if mf.GetName() != "poller_http_requests_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "code" && l.GetValue() == "error" {
					errorsSeen += metric.GetCounter().GetValue()
				}
			}
		}
	}
	if errorsSeen != 3 {
		t.Fatalf("expected 3 failed round trips, got %f", errorsSeen)
	}
}
