package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/i474232898/discovergy-poller/internal/readings"
)

// Dialect selects placeholder style and DDL.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// maxRowsPerInsert keeps multi-row inserts below the bind variable limits.
const maxRowsPerInsert = 500

// SQLSink stores rows in the series_rows table, one row per (series, ts).
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLiteSink opens (or creates) the database at path and migrates it.
func NewSQLiteSink(ctx context.Context, path string) (*SQLSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := NewSQLSink(db, SQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink connects with dsn and migrates the schema.
func NewPostgresSink(ctx context.Context, dsn string) (*SQLSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	s := NewSQLSink(db, Postgres)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSink wraps an open database. The schema is not touched.
func NewSQLSink(db *sql.DB, dialect Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

func (s *SQLSink) Name() string {
	if s.dialect == Postgres {
		return "postgres"
	}
	return "sqlite"
}

func (s *SQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the table and index if they do not exist.
func (s *SQLSink) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS series_rows (
			series TEXT NOT NULL,
			period TEXT NOT NULL,
			ts BIGINT NOT NULL,
			vals TEXT NOT NULL,
			PRIMARY KEY (series, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_series_rows_period ON series_rows (series, period)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.Name(), err)
		}
	}
	return nil
}

func (s *SQLSink) placeholder(n int) string {
	if s.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Merge inserts the rows in one transaction. Rows whose (series, ts) already exists are
// left untouched.
func (s *SQLSink) Merge(ctx context.Context, series, key string, rows []readings.Row) (added int, err error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for start := 0; start < len(rows); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(rows) {
			end = len(rows)
		}

		var b strings.Builder
		b.WriteString("INSERT INTO series_rows (series, period, ts, vals) VALUES ")
		args := make([]any, 0, (end-start)*4)
		for i, r := range rows[start:end] {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "(%s,%s,%s,%s)",
				s.placeholder(len(args)+1), s.placeholder(len(args)+2),
				s.placeholder(len(args)+3), s.placeholder(len(args)+4))

			vals, merr := json.Marshal(r.Values)
			if merr != nil {
				err = fmt.Errorf("marshal values: %w", merr)
				return 0, err
			}
			args = append(args, series, key, r.Timestamp.UnixMilli(), string(vals))
		}
		b.WriteString(" ON CONFLICT (series, ts) DO NOTHING")

		var res sql.Result
		res, err = tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return 0, err
		}
		if n, rerr := res.RowsAffected(); rerr == nil {
			added += int(n)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// Load returns the partition ordered by time.
func (s *SQLSink) Load(ctx context.Context, series, key string) ([]readings.Row, error) {
	query := fmt.Sprintf("SELECT ts, vals FROM series_rows WHERE series = %s AND period = %s ORDER BY ts",
		s.placeholder(1), s.placeholder(2))
	rs, err := s.db.QueryContext(ctx, query, series, key)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []readings.Row
	for rs.Next() {
		var (
			ms   int64
			vals string
		)
		if err := rs.Scan(&ms, &vals); err != nil {
			return nil, err
		}
		row := readings.Row{Timestamp: time.UnixMilli(ms).UTC()}
		if err := json.Unmarshal([]byte(vals), &row.Values); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", ms, err)
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
