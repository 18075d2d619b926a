package store

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/discovergy-poller/internal/common"
)

// MetadataStore keeps the last known description of every meter, keyed by meter id.
type MetadataStore struct {
	path   string
	logger *zap.SugaredLogger
	mu     sync.Mutex
	now    func() time.Time
}

// NewMetadataStore creates a store backed by path (usually {config_dir}/meters-metadata.json).
func NewMetadataStore(path string, logger *zap.SugaredLogger) *MetadataStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MetadataStore{path: path, logger: logger, now: time.Now}
}

// Load returns the stored metadata or ErrNotFound.
func (s *MetadataStore) Load() (map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *MetadataStore) load() (map[string]map[string]any, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meters map[string]map[string]any
	if err := json.Unmarshal(b, &meters); err != nil {
		return nil, err
	}
	return meters, nil
}

// Save stamps each described meter with the current time and merges it into the file.
// Meters known from earlier runs but absent from meters are kept.
func (s *MetadataStore) Save(meters map[string]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	toSave := make(map[string]map[string]any, len(meters))
	for id, meta := range meters {
		stamped := make(map[string]any, len(meta)+1)
		for k, v := range meta {
			stamped[k] = v
		}
		stamped["timestamp"] = now
		toSave[id] = stamped
	}

	old, err := s.load()
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Debugw("no meter metadata on disk yet", "path", s.path)
	case err != nil:
		s.logger.Warnw("could not read meter metadata, overwriting it", "path", s.path, "error", err)
	default:
		var missing []string
		for id, meta := range old {
			if _, ok := toSave[id]; !ok {
				missing = append(missing, id)
				toSave[id] = meta
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			s.logger.Warnw("previously described meters are missing from the account", "meters", missing)
		}
	}

	return common.WriteFileAtomic(s.path, 0o600, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(toSave)
	})
}
