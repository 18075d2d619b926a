package readings

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestEncodeTimestamp(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{1700000000.5, 1700000000500},
		{1700000000, 1700000000000},
		{1700000000.123456, 1700000000123},
		{1700000000123, 1700000000123},
		{math.NaN(), 0},
	}
	for _, tc := range cases {
		if got := EncodeTimestamp(tc.in); got != tc.want {
			t.Fatalf("EncodeTimestamp(%v): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestEncodeTime(t *testing.T) {
	ts := time.Unix(1700000000, 250_000_000)
	if got := EncodeTime(ts); got != 1700000000250 {
		t.Fatalf("expected 1700000000250, got %d", got)
	}
}

func TestWindowResolve(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	w, err := Window{From: now.Add(-time.Hour)}.Resolve(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.To.Equal(now) {
		t.Fatalf("expected to defaulted to now, got %s", w.To)
	}

	invalid := []Window{
		{},
		{From: now, To: now},
		{From: now, To: now.Add(-time.Second)},
		{From: now.Add(time.Hour)},
	}
	for _, iw := range invalid {
		_, err := iw.Resolve(now)
		var winErr *InvalidWindowError
		if !errors.As(err, &winErr) {
			t.Fatalf("window %+v: expected InvalidWindowError, got %v", iw, err)
		}
	}
}
