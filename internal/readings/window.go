package readings

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InvalidWindowError is returned when a fetch window is empty or inverted.
type InvalidWindowError struct {
	From time.Time
	To   time.Time
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid window: from %s must be before to %s",
		e.From.UTC().Format(time.RFC3339), e.To.UTC().Format(time.RFC3339))
}

// Resolve fills a zero To with now and checks that From lies strictly before To.
func (w Window) Resolve(now time.Time) (Window, error) {
	if w.To.IsZero() {
		w.To = now
	}
	if w.From.IsZero() || !w.From.Before(w.To) {
		return w, &InvalidWindowError{From: w.From, To: w.To}
	}
	return w, nil
}

// EncodeTimestamp renders an epoch timestamp the way the meter API and the persisted
// history expect it: the decimal digits of ts with the dot removed, right padded with
// zeros and cut to 13 digits. It is a string shift, not a unit conversion, so
// 1700000000.5 encodes to 1700000000500 and a value already in milliseconds is unchanged.
func EncodeTimestamp(ts float64) int64 {
	digits := strconv.FormatFloat(ts, 'f', -1, 64)
	digits = strings.Replace(digits, ".", "", 1)
	digits += "000"
	if len(digits) > 13 {
		digits = digits[:13]
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		// NaN and Inf have no digits.
		return 0
	}
	return n
}

// EncodeTime is EncodeTimestamp for a time.Time, taking seconds with a fractional part.
func EncodeTime(t time.Time) int64 {
	return EncodeTimestamp(float64(t.Unix()) + float64(t.Nanosecond())/1e9)
}
