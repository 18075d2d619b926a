package readings

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// FieldKind is the expected JSON type of a schema field.
type FieldKind int

const (
	Int FieldKind = iota
	Float
)

// Schema maps every expected field to its kind. A record must carry exactly these fields.
type Schema map[string]FieldKind

// MeterFields are the fields a raw meter reading carries when no field filter is given.
var MeterFields = []string{
	"energy", "energy1", "energy2",
	"energyOut", "energyOut1", "energyOut2",
	"power", "power1", "power2", "power3",
	"voltage1", "voltage2", "voltage3",
}

// IntSchema builds a schema where every named field is an integer.
func IntSchema(fields []string) Schema {
	s := make(Schema, len(fields))
	for _, f := range fields {
		s[f] = Int
	}
	return s
}

// SchemaMismatch describes a record that did not match its schema.
type SchemaMismatch struct {
	Time    int64
	Missing []string
	Extra   []string
	Invalid []string
}

func (e *SchemaMismatch) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ","))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Extra, ","))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "wrong type "+strings.Join(e.Invalid, ","))
	}
	return fmt.Sprintf("record at %d does not match schema: %s", e.Time, strings.Join(parts, "; "))
}

// Check validates the record values against the schema.
func (s Schema) Check(rec RawRecord) error {
	mismatch := &SchemaMismatch{Time: rec.Time}
	for name, kind := range s {
		v, ok := rec.Values[name]
		if !ok {
			mismatch.Missing = append(mismatch.Missing, name)
			continue
		}
		switch kind {
		case Int:
			if _, err := v.Int64(); err != nil {
				mismatch.Invalid = append(mismatch.Invalid, name)
			}
		case Float:
			if _, err := v.Float64(); err != nil {
				mismatch.Invalid = append(mismatch.Invalid, name)
			}
		}
	}
	for name := range rec.Values {
		if _, ok := s[name]; !ok {
			mismatch.Extra = append(mismatch.Extra, name)
		}
	}
	if len(mismatch.Missing)+len(mismatch.Extra)+len(mismatch.Invalid) == 0 {
		return nil
	}
	sort.Strings(mismatch.Missing)
	sort.Strings(mismatch.Extra)
	sort.Strings(mismatch.Invalid)
	return mismatch
}

// Normalizer turns raw records into rows.
type Normalizer struct {
	// Schema is optional; without one every numeric value is accepted.
	Schema Schema
	// Resample collapses rows to one per second using the per-field median.
	Resample bool
	Logger   *zap.SugaredLogger
}

// Normalize validates and scales the records. Invalid records are dropped with a warning.
// Row order follows the input order.
func (n Normalizer) Normalize(records []RawRecord) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		if n.Schema != nil {
			if err := n.Schema.Check(rec); err != nil {
				n.warn("dropping invalid record", err)
				continue
			}
		}
		values := make(map[string]float64, len(rec.Values))
		valid := true
		for name, raw := range rec.Values {
			v, err := scaleField(name, raw)
			if err != nil {
				n.warn("dropping invalid record", &SchemaMismatch{Time: rec.Time, Invalid: []string{name}})
				valid = false
				break
			}
			values[name] = v
		}
		if !valid {
			continue
		}
		rows = append(rows, Row{Timestamp: rec.Instant(), Values: values})
	}
	if n.Resample {
		rows = ResampleSeconds(rows)
	}
	return rows
}

func (n Normalizer) warn(msg string, err error) {
	if n.Logger != nil {
		n.Logger.Warnw(msg, "error", err)
	}
}

const (
	energyThreshold = 100
	energyDivisor   = 10_000_000
	voltageDivisor  = 100
)

// scaleField applies the storage scaling rules. Energy counters are reported in
// 10^-10 kWh; dividing by 10^7 keeps watt-hour resolution in an int32. Voltages come in
// mV and the meter never reports below 0.1 V.
func scaleField(name string, raw json.Number) (float64, error) {
	f, err := raw.Float64()
	if err != nil {
		return 0, err
	}
	switch {
	case strings.HasPrefix(name, "energy") && f > energyThreshold:
		return truncDiv(raw, f, energyDivisor), nil
	case strings.HasPrefix(name, "voltage") && f > 0:
		return truncDiv(raw, f, voltageDivisor), nil
	}
	return f, nil
}

func truncDiv(raw json.Number, f float64, div int64) float64 {
	if n, err := raw.Int64(); err == nil {
		return float64(n / div)
	}
	return float64(int64(f / float64(div)))
}
