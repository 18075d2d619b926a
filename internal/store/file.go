package store

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/discovergy-poller/internal/common"
	"github.com/i474232898/discovergy-poller/internal/readings"
)

// FileSink stores every partition as a gzipped JSON array in {dir}/{series}_{key}.json.gz.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates a sink under dir, creating the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Name() string { return "file" }

// Path returns the file of a partition.
func (s *FileSink) Path(series, key string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json.gz", safeName(series), key))
}

// Merge reads the partition, adds new rows and replaces the file atomically.
func (s *FileSink) Merge(ctx context.Context, series, key string, rows []readings.Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(series, key)
	existing, err := readRows(path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	merged, added := mergeRows(existing, rows)
	if added == 0 && existing != nil {
		return 0, nil
	}
	return added, writeGzipJSON(path, merged)
}

func (s *FileSink) Load(_ context.Context, series, key string) ([]readings.Row, error) {
	return readRows(s.Path(series, key))
}

func readRows(path string) ([]readings.Row, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer zr.Close()

	var rows []readings.Row
	if err := json.NewDecoder(zr).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return rows, nil
}

func writeGzipJSON(path string, v any) error {
	return common.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		if err := json.NewEncoder(zw).Encode(v); err != nil {
			return err
		}
		return zw.Close()
	})
}

func writeGzipBytes(path string, b []byte) error {
	return common.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		if _, err := zw.Write(b); err != nil {
			return err
		}
		return zw.Close()
	})
}

// safeName keeps series and source names usable as file names.
func safeName(s string) string {
	return strings.NewReplacer("/", "_", ":", "_", string(os.PathSeparator), "_").Replace(s)
}

// RawDumper keeps the undecoded responses under {dir}/raw.
type RawDumper struct {
	dir string
}

// NewRawDumper creates a dumper writing below dataDir.
func NewRawDumper(dataDir string) *RawDumper {
	return &RawDumper{dir: filepath.Join(dataDir, "raw")}
}

const dumpLayout = "2006-01-02_15-04-05"

// Path returns the dump file for a source and window.
func (d *RawDumper) Path(source string, w readings.Window) string {
	name := fmt.Sprintf("%s_data_%s_%s.json.gz",
		safeName(source), w.From.UTC().Format(dumpLayout), w.To.UTC().Format(dumpLayout))
	return filepath.Join(d.dir, name)
}

// Dump writes body gzipped. An existing dump for the same window is replaced.
func (d *RawDumper) Dump(source string, w readings.Window, body []byte) error {
	if w.To.IsZero() {
		w.To = time.Now()
	}
	return writeGzipBytes(d.Path(source, w), body)
}
