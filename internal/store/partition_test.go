package store

import (
	"testing"
	"time"

	"github.com/i474232898/discovergy-poller/internal/readings"
)

func row(t time.Time, v float64) readings.Row {
	return readings.Row{Timestamp: t, Values: map[string]float64{"power": v}}
}

func TestSplitSinglePeriodKeepsInput(t *testing.T) {
	day := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	rows := []readings.Row{
		row(day.Add(3*time.Hour), 3),
		row(day.Add(1*time.Hour), 1),
		row(day.Add(2*time.Hour), 2),
	}

	segs := Split(rows, Day)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Key != "2024-02-10" {
		t.Fatalf("unexpected key %s", segs[0].Key)
	}
	for i := range rows {
		if !segs[0].Rows[i].Timestamp.Equal(rows[i].Timestamp) {
			t.Fatalf("expected input order to be kept, got %v", segs[0].Rows)
		}
	}
}

func TestSplitAcrossMonthBoundary(t *testing.T) {
	boundary := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := []readings.Row{
		row(boundary, 2),                        // first instant of February
		row(boundary.Add(-time.Millisecond), 1), // last instant of January
		row(boundary.AddDate(0, 1, 0), 3),       // March
		row(boundary.Add(time.Hour), 4),
	}

	segs := Split(rows, Month)
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	wantKeys := []string{"2024-01", "2024-02", "2024-03"}
	wantLens := []int{1, 2, 1}
	total := 0
	for i, seg := range segs {
		if seg.Key != wantKeys[i] || len(seg.Rows) != wantLens[i] {
			t.Fatalf("segment %d: expected %s with %d rows, got %s with %d", i, wantKeys[i], wantLens[i], seg.Key, len(seg.Rows))
		}
		total += len(seg.Rows)
	}
	if total != len(rows) {
		t.Fatalf("expected %d rows in total, got %d", len(rows), total)
	}
	if segs[1].Rows[0].Values["power"] != 2 || segs[1].Rows[1].Values["power"] != 4 {
		t.Fatalf("expected input order within February, got %v", segs[1].Rows)
	}
}

func TestSplitUsesUTC(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	// 00:30 local on Feb 1 is still January in UTC.
	rows := []readings.Row{row(time.Date(2024, 2, 1, 0, 30, 0, 0, berlin), 1)}
	segs := Split(rows, Month)
	if len(segs) != 1 || segs[0].Key != "2024-01" {
		t.Fatalf("expected a January segment, got %+v", segs)
	}
}

func TestSplitEmpty(t *testing.T) {
	if segs := Split(nil, Month); segs != nil {
		t.Fatalf("expected no segments, got %v", segs)
	}
}

func TestPeriodKindKeys(t *testing.T) {
	k, err := ParsePeriodKind("day")
	if err != nil || k != Day {
		t.Fatalf("expected Day, got %v %v", k, err)
	}
	if _, err := ParsePeriodKind("week"); err == nil {
		t.Fatal("expected an error for week")
	}
	start, err := Month.ParseKey("2024-12")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if next := Month.Next(start); Month.Key(next) != "2025-01" {
		t.Fatalf("expected 2025-01, got %s", Month.Key(next))
	}
}
