package readings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type stubSource struct {
	batch   RawBatch
	err     error
	windows []Window
}

func (s *stubSource) Descriptor() Descriptor { return Descriptor{Name: "stub"} }

func (s *stubSource) Fetch(_ context.Context, w Window) (RawBatch, error) {
	s.windows = append(s.windows, w)
	return s.batch, s.err
}

func (s *stubSource) Normalizer() Normalizer {
	return Normalizer{Schema: IntSchema([]string{"power"})}
}

type recordingWriter struct {
	series string
	rows   []Row
	err    error
}

func (w *recordingWriter) Write(_ context.Context, series string, rows []Row) error {
	w.series = series
	w.rows = append(w.rows, rows...)
	return w.err
}

type recordingDumper struct {
	bodies [][]byte
}

func (d *recordingDumper) Dump(_ string, _ Window, body []byte) error {
	d.bodies = append(d.bodies, body)
	return nil
}

func TestCollectWritesNormalizedRows(t *testing.T) {
	src := &stubSource{batch: RawBatch{
		Series: "power_m1",
		Records: []RawRecord{
			{Time: 1000, Values: map[string]json.Number{"power": "5"}},
			{Time: 2000, Values: map[string]json.Number{"energy": "5"}},
		},
		Body: json.RawMessage(`[]`),
	}}
	writer := &recordingWriter{}
	dumper := &recordingDumper{}
	svc := NewService(writer, dumper, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	if err := svc.Collect(context.Background(), src, Window{From: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if writer.series != "power_m1" || len(writer.rows) != 1 {
		t.Fatalf("expected one row for power_m1, got %s %v", writer.series, writer.rows)
	}
	if !src.windows[0].To.Equal(now) {
		t.Fatalf("expected the source to see a resolved window, got %+v", src.windows[0])
	}
	if len(dumper.bodies) != 1 {
		t.Fatalf("expected the raw body to be dumped, got %d", len(dumper.bodies))
	}
}

func TestCollectStopsOnFetchError(t *testing.T) {
	boom := errors.New("boom")
	src := &stubSource{err: boom}
	writer := &recordingWriter{}
	svc := NewService(writer, nil, nil)

	err := svc.Collect(context.Background(), src, Window{From: time.Now().Add(-time.Hour)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
	if writer.rows != nil {
		t.Fatalf("expected nothing written, got %v", writer.rows)
	}
}

func TestCollectRejectsInvalidWindow(t *testing.T) {
	src := &stubSource{}
	svc := NewService(&recordingWriter{}, nil, nil)
	now := time.Now()

	err := svc.Collect(context.Background(), src, Window{From: now, To: now.Add(-time.Minute)})
	var winErr *InvalidWindowError
	if !errors.As(err, &winErr) {
		t.Fatalf("expected InvalidWindowError, got %v", err)
	}
	if len(src.windows) != 0 {
		t.Fatal("expected no fetch for an invalid window")
	}
}
