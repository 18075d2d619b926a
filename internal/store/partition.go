package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/i474232898/discovergy-poller/internal/readings"
)

// PeriodKind is the calendar unit rows are partitioned by.
type PeriodKind int

const (
	Month PeriodKind = iota
	Day
)

// ParsePeriodKind parses "month" or "day".
func ParsePeriodKind(s string) (PeriodKind, error) {
	switch s {
	case "", "month":
		return Month, nil
	case "day":
		return Day, nil
	}
	return 0, fmt.Errorf("unknown partition %q", s)
}

func (k PeriodKind) String() string {
	if k == Day {
		return "day"
	}
	return "month"
}

// Start returns the UTC start of the period containing t.
func (k PeriodKind) Start(t time.Time) time.Time {
	t = t.UTC()
	if k == Day {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Next returns the start of the period following the one that starts at start.
func (k PeriodKind) Next(start time.Time) time.Time {
	if k == Day {
		return start.AddDate(0, 0, 1)
	}
	return start.AddDate(0, 1, 0)
}

// Key names the period containing t: 2006-01 for months, 2006-01-02 for days.
func (k PeriodKind) Key(t time.Time) string {
	if k == Day {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01")
}

// ParseKey parses a key produced by Key.
func (k PeriodKind) ParseKey(key string) (time.Time, error) {
	layout := "2006-01"
	if k == Day {
		layout = "2006-01-02"
	}
	return time.ParseInLocation(layout, key, time.UTC)
}

// Segment is the part of a batch that falls into one period.
type Segment struct {
	Key   string
	Start time.Time
	Rows  []readings.Row
}

// Split buckets rows into the half-open periods [start, next) they fall in. Segments are
// ordered by period; within a segment the input order is kept.
func Split(rows []readings.Row, kind PeriodKind) []Segment {
	if len(rows) == 0 {
		return nil
	}

	byStart := make(map[int64]*Segment)
	for _, r := range rows {
		start := kind.Start(r.Timestamp)
		seg, ok := byStart[start.Unix()]
		if !ok {
			seg = &Segment{Key: kind.Key(start), Start: start}
			byStart[start.Unix()] = seg
		}
		seg.Rows = append(seg.Rows, r)
	}

	out := make([]Segment, 0, len(byStart))
	for _, seg := range byStart {
		out = append(out, *seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
