package readings

import (
	"context"
)

// Source abstracts a polled data source (meter readings, day-ahead prices, weather).
type Source interface {
	Descriptor() Descriptor
	Fetch(ctx context.Context, w Window) (RawBatch, error)
	Normalizer() Normalizer
}

// Writer is the contract the incremental store writer satisfies.
type Writer interface {
	Write(ctx context.Context, series string, rows []Row) error
}

// RawDumper persists undecoded responses next to the tabular data.
type RawDumper interface {
	Dump(source string, w Window, body []byte) error
}
