// Package history implements the time-series store for tag samples: an
// embedded SQLite database fed through a bounded in-memory queue with a
// batching flusher, plus the bus responder that answers range queries.
//
// Write path:
//
//	poll engine → StoreValue (never blocks) → queue → 1 s flusher →
//	single INSERT transaction (≤ batch size rows)
//
// The queue is the bounded-loss contract: when it is full the newest record
// is dropped and counted, so a stalled disk can never back-pressure the poll
// path.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vpbank/tag_engine/models"
	"github.com/vpbank/tag_engine/pkg/tagengine/task"
)

// Per-call time caps: opening/ping gets openTimeout, every statement
// (flush transaction, query, cleanup) gets commandTimeout.
const (
	openTimeout    = 30 * time.Second
	commandTimeout = 60 * time.Second

	// closeFlushTimeout caps the final synchronous flush on Close.
	closeFlushTimeout = 10 * time.Second
)

// timeLayout is the stored timestamp format. Fixed-width milliseconds keep
// lexicographic TEXT comparison equivalent to chronological order, which the
// range and cleanup queries rely on. All stored timestamps are UTC.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS tag_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id TEXT NOT NULL,
	tag_id        TEXT NOT NULL,
	value         TEXT,
	quality       INTEGER NOT NULL,
	timestamp     TEXT NOT NULL,
	created_at    TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tag_history_conn_tag ON tag_history (connection_id, tag_id);
CREATE INDEX IF NOT EXISTS idx_tag_history_timestamp ON tag_history (timestamp);
CREATE INDEX IF NOT EXISTS idx_tag_history_tag_time ON tag_history (tag_id, timestamp);
`

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the store. Zero values select the defaults.
type Config struct {
	// Path is the database file. The parent directory is created on open.
	Path string

	// FlushEvery is the flusher period.
	FlushEvery time.Duration

	// BatchSize is the maximum rows per flush transaction. The enqueue
	// buffer holds twice this many records before dropping.
	BatchSize int

	// Clock drives the flush timer; tests substitute a mock.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = filepath.Join("data", "history.db")
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// Store is the append-only tag history. Construct with Open, launch the
// flusher with Start, and always Close — Close performs the final flush.
// StoreValue is safe from any goroutine and never blocks.
type Store struct {
	cfg    Config
	db     *sql.DB
	clk    clock.Clock
	logger *slog.Logger

	queue  chan models.TagValue
	tasks  *task.Group
	cancel context.CancelFunc

	mu      sync.Mutex // serialises flush transactions
	written uint64
	dropped uint64

	closeOnce sync.Once
}

// Open creates (or opens) the database file, applies the schema, and returns
// a Store ready for Start. If logger is nil, a no-op logger is substituted.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	cfg.applyDefaults()

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	// WAL keeps readers (range queries) from blocking the flusher; a single
	// connection sidesteps SQLite's writer lock contention entirely.
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, done := context.WithTimeout(context.Background(), openTimeout)
	defer done()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	s := &Store{
		cfg:    cfg,
		db:     db,
		clk:    cfg.Clock,
		logger: logger,
		queue:  make(chan models.TagValue, 2*cfg.BatchSize),
		tasks:  task.NewGroup(logger),
	}
	logger.Info("history: store opened",
		"path", cfg.Path,
		"flush_every", cfg.FlushEvery,
		"batch_size", cfg.BatchSize,
	)
	return s, nil
}

// Start launches the background flusher.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.tasks.Go("history-flusher", func() error {
		s.runFlusher(ctx)
		return nil
	})
}

// StoreValue enqueues one sample for the next flush. When the queue is full
// the record is dropped and counted; the poll path is never blocked.
func (s *Store) StoreValue(v models.TagValue) {
	select {
	case s.queue <- v:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		droppedTotal.Inc()
	}
}

// DroppedRecords returns the number of samples lost to queue overflow or
// failed flushes since open.
func (s *Store) DroppedRecords() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// WrittenRecords returns the number of samples committed since open.
func (s *Store) WrittenRecords() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close stops the flusher, drains the queue in one final synchronous flush
// (capped at 10 s), and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.tasks.Wait()

		ctx, done := context.WithTimeout(context.Background(), closeFlushTimeout)
		defer done()
		for len(s.queue) > 0 && ctx.Err() == nil {
			s.flushOnce(ctx)
		}

		if d := s.DroppedRecords(); d > 0 {
			s.logger.Warn("history: records dropped during lifetime", "dropped", d)
		}
		s.logger.Info("history: store closed", "written", s.WrittenRecords())
		err = s.db.Close()
	})
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// Flusher
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) runFlusher(ctx context.Context) {
	ticker := s.clk.Ticker(s.cfg.FlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushOnce(context.Background())
		}
	}
}

// flushOnce drains up to one batch from the queue and commits it in a single
// transaction. A timed-out transaction re-queues its batch (up to the queue
// cap); any other failure drops the batch with a count.
func (s *Store) flushOnce(ctx context.Context) {
	batch := make([]models.TagValue, 0, s.cfg.BatchSize)
drain:
	for len(batch) < s.cfg.BatchSize {
		select {
		case v := <-s.queue:
			batch = append(batch, v)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return
	}

	if err := s.insertBatch(ctx, batch); err != nil {
		flushErrorsTotal.Inc()
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			s.requeue(batch)
			s.logger.Warn("history: flush timed out, batch re-queued",
				"records", len(batch),
				"error", err.Error(),
			)
			return
		}
		s.mu.Lock()
		s.dropped += uint64(len(batch))
		s.mu.Unlock()
		droppedTotal.Add(float64(len(batch)))
		s.logger.Warn("history: flush failed, batch dropped",
			"records", len(batch),
			"error", err.Error(),
		)
		return
	}

	s.mu.Lock()
	s.written += uint64(len(batch))
	s.mu.Unlock()
	writesTotal.Add(float64(len(batch)))
}

func (s *Store) insertBatch(ctx context.Context, batch []models.TagValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, done := context.WithTimeout(ctx, commandTimeout)
	defer done()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tag_history (connection_id, tag_id, value, quality, timestamp) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		v := &batch[i]
		if _, err := stmt.ExecContext(ctx,
			v.ConnectionID,
			v.TagID,
			encodeValue(v.Value),
			int(v.Quality),
			v.Timestamp.UTC().Format(timeLayout),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// requeue puts a failed batch back for the next attempt, dropping whatever
// no longer fits.
func (s *Store) requeue(batch []models.TagValue) {
	lost := 0
	for i := range batch {
		select {
		case s.queue <- batch[i]:
		default:
			lost++
		}
	}
	if lost > 0 {
		s.mu.Lock()
		s.dropped += uint64(lost)
		s.mu.Unlock()
		droppedTotal.Add(float64(lost))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

// QueryRange returns stored samples for one tag in descending timestamp
// order. start and end bound the range when non-nil; limit caps the result
// when positive.
func (s *Store) QueryRange(ctx context.Context, connectionID, tagID string, start, end *time.Time, limit int) ([]models.HistoryPoint, error) {
	queriesTotal.WithLabelValues("range").Inc()

	q := `SELECT value, quality, timestamp FROM tag_history WHERE connection_id = ? AND tag_id = ?`
	args := []any{connectionID, tagID}
	if start != nil {
		q += ` AND timestamp >= ?`
		args = append(args, start.UTC().Format(timeLayout))
	}
	if end != nil {
		q += ` AND timestamp <= ?`
		args = append(args, end.UTC().Format(timeLayout))
	}
	q += ` ORDER BY timestamp DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	ctx, done := context.WithTimeout(ctx, commandTimeout)
	defer done()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query range %s/%s: %w", connectionID, tagID, err)
	}
	defer rows.Close()

	var out []models.HistoryPoint
	for rows.Next() {
		var (
			raw sql.NullString
			qc  int
			ts  string
		)
		if err := rows.Scan(&raw, &qc, &ts); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("history: parse timestamp %q: %w", ts, err)
		}
		out = append(out, models.HistoryPoint{
			Value:     decodeValue(raw),
			Quality:   models.Quality(qc),
			Timestamp: t,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rows: %w", err)
	}
	return out, nil
}

// Latest returns the most recent sample for one tag, or nil when none is
// stored.
func (s *Store) Latest(ctx context.Context, connectionID, tagID string) (*models.HistoryPoint, error) {
	queriesTotal.WithLabelValues("latest").Inc()
	points, err := s.QueryRange(ctx, connectionID, tagID, nil, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return &points[0], nil
}

// Cleanup deletes samples older than the retention window and returns the
// number of rows removed.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	queriesTotal.WithLabelValues("cleanup").Inc()

	cutoff := s.clk.Now().UTC().Add(-retention).Format(timeLayout)
	ctx, done := context.WithTimeout(ctx, commandTimeout)
	defer done()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tag_history WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: cleanup rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("history: retention cleanup", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Value encoding
// ─────────────────────────────────────────────────────────────────────────────

// encodeValue stores any sample value as its compact JSON text, which
// round-trips scalars (numbers, booleans, strings) losslessly. nil stays
// NULL.
func encodeValue(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func decodeValue(raw sql.NullString) any {
	if !raw.Valid {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return raw.String
	}
	return v
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
