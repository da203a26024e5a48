package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"flack/internal/constants"
	"flack/internal/security"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors used by callers to classify storage failures.
var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrUnavailable   = errors.New("storage unavailable")
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

const (
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is a small key-value layer over SQLite holding the persisted queue
// envelope and related bookkeeping values.
type Store struct {
	db        *sql.DB
	encryptor *encryptor
	path      string
}

func Open(dbPath string) (*Store, error) {
	if err := security.ValidateLocalPath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	if err := security.EnsureParentDir(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to apply %q: %w (close error: %v)", pragma, execErr, closeErr)
			}
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Store{db: db, encryptor: encryptor, path: dbPath}, nil
}

// OpenReadOnly opens an existing store without write access, for inspection
// tools running beside a live daemon. The file must already exist; no schema
// is created.
func OpenReadOnly(dbPath string) (*Store, error) {
	if err := security.ValidateLocalPath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	if err := security.ValidateRegularFile(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Store{db: db, encryptor: encryptor, path: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem location of the backing database.
func (s *Store) Path() string {
	return s.path
}

// Get returns the value for key. The second return is false when the key does
// not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var stored string
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&stored)
	})
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	value, err := s.encryptor.DecryptIfEnabled(stored)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt value for key %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	stored, err := s.encryptor.EncryptIfEnabled(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value for key %s: %w", key, err)
	}

	err = retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
			key, stored)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Probe verifies the store can complete a write, read back and delete round
// trip. The whole round trip is bounded so a hung filesystem cannot stall
// startup.
func (s *Store) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.DefaultStorageProbeTimeoutMs*time.Millisecond)
	defer cancel()

	token := fmt.Sprintf("probe-%d", time.Now().UnixNano())
	if err := s.Set(ctx, constants.ProbeStorageKey, token); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}

	got, ok, err := s.Get(ctx, constants.ProbeStorageKey)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if !ok || got != token {
		return fmt.Errorf("probe readback mismatch: %w", ErrUnavailable)
	}

	if err := s.Delete(ctx, constants.ProbeStorageKey); err != nil {
		return fmt.Errorf("probe delete: %w", err)
	}
	return nil
}

// retryOnBusy retries an operation that failed due to SQLite lock contention.
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < constants.DefaultDatabaseRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) || attempt == constants.DefaultDatabaseRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// isBusy reports whether err is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsQuotaExceeded reports whether err means the device or database is out of
// space, the condition that permanently disables persistence for the session.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrFull
	}
	return strings.Contains(err.Error(), "database or disk is full")
}

// IsUnavailable reports whether err indicates the store cannot serve requests
// at all, as opposed to a single failed operation.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrCantOpen || sqliteErr.Code == sqlite3.ErrNotADB ||
			sqliteErr.Code == sqlite3.ErrCorrupt
	}
	return false
}
