package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresWatermarkTableName = "mailsync_watermarks"
	storeOperationTimeout      = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresWatermarkStore keeps one cursor row per stream. The schema is
// bootstrapped lazily on first use; Save is forward-only at the SQL level
// so a stale writer can never move a cursor backward.
type PostgresWatermarkStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresWatermarkStore(dsn string) (*PostgresWatermarkStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresWatermarkStore{
		dsn:       dsn,
		tableName: postgresWatermarkTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresWatermarkStore) Load(stream string) (time.Time, bool, error) {
	if err := s.ensureReady(); err != nil {
		return time.Time{}, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT cursor_at FROM %s WHERE stream = $1", postgresQuoteIdentifier(s.tableName))
	var at time.Time
	err := s.db.QueryRowContext(ctx, query, stream).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at.UTC(), true, nil
}

func (s *PostgresWatermarkStore) Save(stream string, at time.Time) error {
	if at.IsZero() {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (stream, cursor_at, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stream)
		DO UPDATE SET cursor_at = EXCLUDED.cursor_at, updated_at = NOW()
		WHERE %[1]s.cursor_at < EXCLUDED.cursor_at`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, stream, at.UTC())
	return err
}

func (s *PostgresWatermarkStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresWatermarkStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				stream TEXT PRIMARY KEY,
				cursor_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
