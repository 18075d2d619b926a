package readings

import (
	"sort"
	"time"
)

// ResampleSeconds combines rows that fall into the same UTC second into one row.
// Each field is the median of the values seen in that second; a field missing from
// some samples is computed over the samples that carry it. Output is ordered by time.
func ResampleSeconds(rows []Row) []Row {
	if len(rows) == 0 {
		return rows
	}

	type bucket struct {
		ts     time.Time
		fields map[string][]float64
	}

	buckets := make(map[int64]*bucket)
	for _, r := range rows {
		sec := r.Timestamp.Unix()
		b, ok := buckets[sec]
		if !ok {
			b = &bucket{
				ts:     time.Unix(sec, 0).UTC(),
				fields: make(map[string][]float64),
			}
			buckets[sec] = b
		}
		for k, v := range r.Values {
			b.fields[k] = append(b.fields[k], v)
		}
	}

	secs := make([]int64, 0, len(buckets))
	for sec := range buckets {
		secs = append(secs, sec)
	}
	sort.Slice(secs, func(i, j int) bool { return secs[i] < secs[j] })

	out := make([]Row, 0, len(secs))
	for _, sec := range secs {
		b := buckets[sec]
		values := make(map[string]float64, len(b.fields))
		for k, vs := range b.fields {
			values[k] = median(vs)
		}
		out = append(out, Row{Timestamp: b.ts, Values: values})
	}
	return out
}

func median(vs []float64) float64 {
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
