package readings

import (
	"encoding/json"
	"time"
)

// EpochUnit is the resolution of a raw record timestamp.
type EpochUnit int

const (
	Milliseconds EpochUnit = iota
	Seconds
)

// RawRecord is a single source record before normalization.
// Values holds the numeric fields as decoded from the source JSON; nulls are omitted.
type RawRecord struct {
	Time   int64
	Unit   EpochUnit
	Values map[string]json.Number
}

// Instant returns the record timestamp as a UTC time.
func (r RawRecord) Instant() time.Time {
	if r.Unit == Seconds {
		return time.Unix(r.Time, 0).UTC()
	}
	return time.UnixMilli(r.Time).UTC()
}

// RawBatch is everything one fetch returned.
type RawBatch struct {
	// Series is the name rows are persisted under (e.g. power_<meterId>, awattar, weather).
	Series  string
	Records []RawRecord

	// Body is the undecoded response, kept for raw dumps.
	Body json.RawMessage
}

// Row is a normalized time series row.
type Row struct {
	Timestamp time.Time          `json:"-"` // always UTC
	Values    map[string]float64 `json:"values"`
}

type rowJSON struct {
	TS     int64              `json:"ts"`
	Values map[string]float64 `json:"values"`
}

// MarshalJSON encodes the timestamp as unix milliseconds.
func (r Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(rowJSON{TS: r.Timestamp.UnixMilli(), Values: r.Values})
}

// UnmarshalJSON decodes a row written by MarshalJSON.
func (r *Row) UnmarshalJSON(b []byte) error {
	var raw rowJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Timestamp = time.UnixMilli(raw.TS).UTC()
	r.Values = raw.Values
	return nil
}

// Window bounds a single fetch. A zero To means "now", evaluated when the window is resolved.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Descriptor is the static description of a polled source.
type Descriptor struct {
	Name           string        `json:"name"`
	BaseURL        string        `json:"baseUrl"`
	RequiredParams []string      `json:"requiredParams"`
	OptionalParams []string      `json:"optionalParams,omitempty"`
	Interval       time.Duration `json:"interval"`
}
