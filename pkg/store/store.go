// Package store is a persistent, content-addressed cache of compiled chunks
// backed by SQLite. Chunks are keyed by the SHA-256 of the source they
// were compiled from and stored in their serialized bytecode form.
package store

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/typelox/pkg/bytecode"
)

var log = commonlog.GetLogger("typelox.store")

// Store caches chunks in a SQLite database. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the cache database at path, creating parent
// directories as needed. Use ":memory:" for a throwaway cache.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access from other processes
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		source_hash TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		version     INTEGER NOT NULL,
		bytecode    BLOB NOT NULL,
		created_at  INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened chunk cache %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the chunk cached for sourceHash. Entries written by an older
// bytecode version are treated as missing.
func (s *Store) Get(sourceHash [32]byte) (*bytecode.Chunk, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int
	var data []byte
	err := s.db.QueryRow(
		"SELECT version, bytecode FROM chunks WHERE source_hash = ?",
		hex.EncodeToString(sourceHash[:]),
	).Scan(&version, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("querying chunk: %w", err)
	}
	if version != int(bytecode.BytecodeVersion) {
		return nil, false, nil
	}

	chunk, err := bytecode.Deserialize(data)
	if err != nil {
		return nil, false, fmt.Errorf("decoding cached chunk: %w", err)
	}
	return chunk, true, nil
}

// Put stores chunk under sourceHash, replacing any previous entry.
func (s *Store) Put(sourceHash [32]byte, name string, chunk *bytecode.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO chunks (source_hash, name, version, bytecode, created_at) VALUES (?, ?, ?, ?, ?)",
		hex.EncodeToString(sourceHash[:]), name, int(bytecode.BytecodeVersion), chunk.Serialize(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving chunk: %w", err)
	}
	return nil
}

// Len returns the number of cached chunks.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

// Clear removes every cached chunk.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM chunks"); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	return nil
}
