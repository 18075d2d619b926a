package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMetadataStoreKeepsMissingMeters(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewMetadataStore(filepath.Join(t.TempDir(), "meters-metadata.json"), zap.New(core).Sugar())
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	if _, err := s.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before the first save, got %v", err)
	}

	err := s.Save(map[string]map[string]any{
		"m1": {"meterId": "m1", "serialNumber": "1"},
		"m2": {"meterId": "m2", "serialNumber": "2"},
	})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}

	err = s.Save(map[string]map[string]any{
		"m1": {"meterId": "m1", "serialNumber": "1-new"},
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}

	meters, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(meters) != 2 {
		t.Fatalf("expected the missing meter to be kept, got %v", meters)
	}
	if meters["m1"]["serialNumber"] != "1-new" {
		t.Fatalf("expected new metadata to overwrite, got %v", meters["m1"])
	}
	if meters["m2"]["serialNumber"] != "2" {
		t.Fatalf("expected old metadata for m2, got %v", meters["m2"])
	}
	if meters["m1"]["timestamp"] != float64(1700000000) {
		t.Fatalf("expected a timestamp, got %v", meters["m1"]["timestamp"])
	}
	if logs.FilterMessage("previously described meters are missing from the account").Len() != 1 {
		t.Fatalf("expected a warning about m2, got %v", logs.All())
	}
}
