package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteWatermarkStore keeps cursors in a single-file database. Cursors
// are stored as unix nanoseconds so the forward-only guard is a plain
// integer comparison.
type SQLiteWatermarkStore struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteWatermarkStore(path string) (*SQLiteWatermarkStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteWatermarkStore{path: path, openDB: sql.Open}, nil
}

func (s *SQLiteWatermarkStore) Load(stream string) (time.Time, bool, error) {
	if err := s.ensureReady(); err != nil {
		return time.Time{}, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
	defer cancel()

	var cursorNS int64
	err := s.db.QueryRowContext(ctx, "SELECT cursor_ns FROM watermarks WHERE stream = ?", stream).Scan(&cursorNS)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, cursorNS).UTC(), true, nil
}

func (s *SQLiteWatermarkStore) Save(stream string, at time.Time) error {
	if at.IsZero() {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (stream, cursor_ns)
		VALUES (?, ?)
		ON CONFLICT (stream)
		DO UPDATE SET cursor_ns = excluded.cursor_ns
		WHERE excluded.cursor_ns > watermarks.cursor_ns`,
		stream, at.UnixNano())
	return err
}

func (s *SQLiteWatermarkStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteWatermarkStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				s.initErr = fmt.Errorf("create db dir: %w", err)
				return
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", s.path)
		db, err := s.openDB("sqlite", dsn)
		if err != nil {
			s.initErr = fmt.Errorf("open sqlite: %w", err)
			return
		}
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS watermarks (
				stream TEXT PRIMARY KEY,
				cursor_ns INTEGER NOT NULL
			)`); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}
