package bridge

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// WatermarkStore persists, per synchronization stream, the last
// successfully processed point in time. Load reports found=false when the
// stream has no cursor yet; Save only ever moves a cursor forward.
type WatermarkStore interface {
	Load(stream string) (time.Time, bool, error)
	Save(stream string, at time.Time) error
}

// InboundStream and OutboundStream derive the stream id for a project and
// direction. Distinct projects never share a cursor.
func InboundStream(project string) string  { return project + "/inbound" }
func OutboundStream(project string) string { return project + "/outbound" }

// FileWatermarkStore keeps one RFC3339 text file per stream under a
// directory, written atomically.
type FileWatermarkStore struct {
	dir string
}

func NewFileWatermarkStore(dir string) *FileWatermarkStore {
	return &FileWatermarkStore{dir: filepath.Clean(dir)}
}

func (s *FileWatermarkStore) path(stream string) string {
	name := strings.ReplaceAll(strings.TrimSpace(stream), "/", "_")
	return filepath.Join(s.dir, name+".txt")
}

func (s *FileWatermarkStore) Load(stream string) (time.Time, bool, error) {
	data, err := os.ReadFile(s.path(stream))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark %s: %w", stream, err)
	}
	return at, true, nil
}

func (s *FileWatermarkStore) Save(stream string, at time.Time) error {
	if at.IsZero() {
		return ErrInvalidInput
	}
	current, found, err := s.Load(stream)
	if err != nil {
		return err
	}
	if found && !at.After(current) {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	payload := []byte(at.UTC().Format(time.RFC3339))
	return writeFileAtomic(s.path(stream), payload, 0o644)
}

// MemoryWatermarkStore is for tests and throwaway runs.
type MemoryWatermarkStore struct {
	mu      sync.Mutex
	cursors map[string]time.Time
}

func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{cursors: map[string]time.Time{}}
}

func (s *MemoryWatermarkStore) Load(stream string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.cursors[stream]
	return at, ok, nil
}

func (s *MemoryWatermarkStore) Save(stream string, at time.Time) error {
	if at.IsZero() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.cursors[stream]; ok && !at.After(current) {
		return nil
	}
	s.cursors[stream] = at
	return nil
}

// OpenWatermarkStore builds a store from a DSN. Supported schemes:
// file (or none) for a directory of cursor files, memory, postgres, and
// sqlite. Registered factories take precedence over the built-ins.
func OpenWatermarkStore(dsn string) (WatermarkStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupWatermarkStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileWatermarkStore(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryWatermarkStore(), nil
	case "postgres", "postgresql":
		return NewPostgresWatermarkStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteWatermarkStore(path)
	case "mysql":
		return nil, fmt.Errorf("%w: watermark store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported watermark store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		return "", fmt.Errorf("dsn %q carries no path", raw)
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
