// Package cache keeps per-file content digests keyed by (path, size, mtime)
// so unchanged corpus files are not re-hashed on every checksum pass.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"kgindex/internal/cas"
)

// FileName is the cache database name inside the cache directory.
const FileName = "files.db"

const schema = `
CREATE TABLE IF NOT EXISTS file_cache (
	path   TEXT PRIMARY KEY,
	size   INTEGER NOT NULL,
	mtime  INTEGER NOT NULL,
	digest TEXT NOT NULL
);
`

// FileCache caches file digests. It is safe for concurrent use.
type FileCache struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the cache in dir.
func Open(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	// Wait on lock instead of failing when the CLI and a server share the cache.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying cache schema: %w", err)
	}
	return &FileCache{db: db}, nil
}

// Close closes the cache database.
func (c *FileCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Lookup returns the cached digest for path when size and mtime still match.
// It returns "" for a miss or a stale entry.
func (c *FileCache) Lookup(path string, size int64, mtime time.Time) (string, error) {
	var cachedSize, cachedMtime int64
	var digest string
	err := c.db.QueryRow(
		"SELECT size, mtime, digest FROM file_cache WHERE path = ?", path,
	).Scan(&cachedSize, &cachedMtime, &digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying cache: %w", err)
	}
	if cachedSize != size || cachedMtime != mtime.UnixNano() {
		return "", nil
	}
	return digest, nil
}

// Store records the digest for path at the given size and mtime.
func (c *FileCache) Store(path string, size int64, mtime time.Time, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO file_cache (path, size, mtime, digest) VALUES (?, ?, ?, ?)`,
		path, size, mtime.UnixNano(), digest,
	)
	if err != nil {
		return fmt.Errorf("updating cache: %w", err)
	}
	return nil
}

// Digest returns the digest of the file at absPath, reading and hashing it
// only when the cache entry for key is missing or stale.
func (c *FileCache) Digest(key, absPath string, info os.FileInfo) (string, error) {
	digest, err := c.Lookup(key, info.Size(), info.ModTime())
	if err != nil {
		return "", err
	}
	if digest != "" {
		return digest, nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return "", err
	}
	digest = cas.Blake3HashHex(content)
	if err := c.Store(key, info.Size(), info.ModTime(), digest); err != nil {
		return "", err
	}
	return digest, nil
}

// Prune removes entries whose paths are not in keep.
func (c *FileCache) Prune(keep map[string]bool) error {
	rows, err := c.db.Query("SELECT path FROM file_cache")
	if err != nil {
		return fmt.Errorf("listing cache: %w", err)
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("scanning cache row: %w", err)
		}
		if !keep[p] {
			stale = append(stale, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range stale {
		if _, err := c.db.Exec("DELETE FROM file_cache WHERE path = ?", p); err != nil {
			return fmt.Errorf("pruning cache: %w", err)
		}
	}
	return nil
}

// Len returns the number of cached entries.
func (c *FileCache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM file_cache").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
