package readings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Service runs one fetch → normalize → write pass for a source.
type Service struct {
	writer Writer
	dumper RawDumper
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewService creates a new Service. dumper may be nil to disable raw dumps.
func NewService(writer Writer, dumper RawDumper, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		writer: writer,
		dumper: dumper,
		logger: logger,
		now:    time.Now,
	}
}

// Collect fetches the window from src, normalizes the records and merges them into the
// store. Any error aborts the pass; rows already merged for earlier periods stay merged.
func (s *Service) Collect(ctx context.Context, src Source, w Window) error {
	name := src.Descriptor().Name
	resolved, err := w.Resolve(s.now().UTC())
	if err != nil {
		return err
	}

	start := s.now()
	batch, err := src.Fetch(ctx, resolved)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	s.logger.Debugw("fetched raw records",
		"source", name,
		"records", len(batch.Records),
		"elapsed", s.now().Sub(start).String(),
	)

	if s.dumper != nil && len(batch.Body) > 0 {
		if err := s.dumper.Dump(name, resolved, batch.Body); err != nil {
			return fmt.Errorf("dump %s: %w", name, err)
		}
	}

	rows := src.Normalizer().Normalize(batch.Records)
	if len(rows) == 0 {
		s.logger.Infow("no rows to write", "source", name, "series", batch.Series)
		return nil
	}

	if err := s.writer.Write(ctx, batch.Series, rows); err != nil {
		return fmt.Errorf("write %s: %w", batch.Series, err)
	}
	s.logger.Infow("stored rows", "source", name, "series", batch.Series, "rows", len(rows))
	return nil
}
