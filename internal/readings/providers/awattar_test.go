package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/i474232898/discovergy-poller/internal/readings"
)

func TestAwattarFetch(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("start") != "1704067200000" || q.Get("end") != "1704074400000" {
			t.Errorf("unexpected window %v", q)
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"start_timestamp":1704067200000,"end_timestamp":1704070800000,"marketprice":91.39,"unit":"Eur/MWh"},
			{"start_timestamp":1704070800000,"end_timestamp":1704074400000,"marketprice":-3,"unit":"Eur/MWh"},
			{"end_timestamp":1704074400000,"unit":"Eur/MWh"}
		],"url":"/at/v1/marketdata"}`))
	}))
	defer srv.Close()

	p := NewAwattarProvider(srv.URL, NewEngine("awattar", testPolicy(1), nil, nil), StaticSession{HTTP: srv.Client()}, time.Hour, nil)
	batch, err := p.Fetch(context.Background(), readings.Window{From: from, To: to})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if batch.Series != "awattar" {
		t.Fatalf("expected series awattar, got %s", batch.Series)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("expected the incomplete slot to be skipped, got %d records", len(batch.Records))
	}

	rows := p.Normalizer().Normalize(batch.Records)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Values["marketprice"] != 91.39 || rows[1].Values["marketprice"] != -3 {
		t.Fatalf("unexpected prices %v", rows)
	}
	if !rows[1].Timestamp.Equal(from.Add(time.Hour)) {
		t.Fatalf("unexpected timestamp %s", rows[1].Timestamp)
	}
}

func TestAwattarFetchDefaultsEndToNow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("end") != "1704110400000" {
			t.Errorf("expected end defaulted to now, got %q", r.URL.Query().Get("end"))
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p := NewAwattarProvider(srv.URL, NewEngine("awattar", testPolicy(1), nil, nil), StaticSession{HTTP: srv.Client()}, time.Hour, nil)
	p.now = func() time.Time { return now }
	batch, err := p.Fetch(context.Background(), readings.Window{From: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch.Records) != 0 {
		t.Fatalf("expected no records, got %d", len(batch.Records))
	}
}

func TestAwattarFetchShiftsFractionalSeconds(t *testing.T) {
	from := time.Unix(1704067200, 500_000_000).UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("start"); got != "1704067200500" {
			t.Errorf("expected start 1704067200500, got %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p := NewAwattarProvider(srv.URL, NewEngine("awattar", testPolicy(1), nil, nil), StaticSession{HTTP: srv.Client()}, time.Hour, nil)
	if _, err := p.Fetch(context.Background(), readings.Window{From: from, To: from.Add(time.Hour)}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
}
