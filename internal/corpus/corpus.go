// Package corpus reads a document directory tree and computes its checksum.
package corpus

import (
	"context"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"kgindex/internal/cache"
	"kgindex/internal/cas"
	"kgindex/internal/ignore"
	"kgindex/internal/logger"
)

// File is a corpus document.
type File struct {
	// Path is relative to the corpus root and slash separated.
	Path    string
	Content []byte
	Size    int64
	ModTime time.Time
	Digest  string
}

// Snapshot is the full content of a corpus at one point in time.
type Snapshot struct {
	Root     string
	Files    []File
	Checksum string
}

// Source walks a corpus root.
type Source struct {
	root     string
	ignore   *ignore.Matcher
	cache    *cache.FileCache
	exclude  []string
	excluded map[string]bool
}

// Option configures a Source.
type Option func(*Source)

// WithIgnore sets the ignore matcher. By default patterns are loaded from the root.
func WithIgnore(m *ignore.Matcher) Option {
	return func(s *Source) {
		s.ignore = m
	}
}

// WithCache lets Checksum reuse digests of files whose size and mtime are unchanged.
func WithCache(c *cache.FileCache) Option {
	return func(s *Source) {
		s.cache = c
	}
}

// WithExclude skips the given directories or files. Paths outside the root
// are ignored, so the store and cache directories can always be passed.
func WithExclude(paths ...string) Option {
	return func(s *Source) {
		s.exclude = append(s.exclude, paths...)
	}
}

// Open prepares a Source for the directory at root.
func Open(root string, opts ...Option) (*Source, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat corpus: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	s := &Source{root: abs, excluded: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	for _, p := range s.exclude {
		if p == "" {
			continue
		}
		pabs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("getting absolute path: %w", err)
		}
		rel, err := filepath.Rel(abs, pabs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		s.excluded[filepath.ToSlash(rel)] = true
	}
	if s.ignore == nil {
		s.ignore, err = ignore.LoadFromDir(abs)
		if err != nil {
			return nil, fmt.Errorf("loading ignore patterns: %w", err)
		}
	}
	return s, nil
}

// Root returns the absolute corpus root.
func (s *Source) Root() string {
	return s.root
}

type entry struct {
	rel  string
	abs  string
	info fs.FileInfo
}

// walk lists regular, non-ignored files sorted by relative path.
func (s *Source) walk(ctx context.Context) ([]entry, error) {
	var entries []entry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("getting relative path: %w", err)
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if s.excluded[rel] || s.ignore.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel: rel, abs: path, info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking corpus: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

// Load reads every corpus file and computes the checksum over the loaded content.
func (s *Source) Load(ctx context.Context) (*Snapshot, error) {
	entries, err := s.walk(ctx)
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	sum := newChecksum()
	for _, e := range entries {
		content, err := os.ReadFile(e.abs)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.rel, err)
		}
		f := File{
			Path:    e.rel,
			Content: content,
			Size:    e.info.Size(),
			ModTime: e.info.ModTime(),
			Digest:  cas.Blake3HashHex(content),
		}
		if s.cache != nil {
			// Warm the cache so the next watch tick does not re-hash this file.
			if err := s.cache.Store(f.Path, f.Size, f.ModTime, f.Digest); err != nil {
				logger.Debug("caching digest", "path", f.Path, "error", err)
			}
		}
		sum.add(f.Path, f.ModTime, f.Digest)
		files = append(files, f)
	}
	return &Snapshot{Root: s.root, Files: files, Checksum: sum.hex()}, nil
}

// Checksum computes the corpus checksum without keeping file contents. With
// a cache configured, unchanged files are not read at all.
func (s *Source) Checksum(ctx context.Context) (string, error) {
	entries, err := s.walk(ctx)
	if err != nil {
		return "", err
	}

	sum := newChecksum()
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		var digest string
		if s.cache != nil {
			digest, err = s.cache.Digest(e.rel, e.abs, e.info)
		} else {
			var content []byte
			content, err = os.ReadFile(e.abs)
			digest = cas.Blake3HashHex(content)
		}
		if err != nil {
			return "", fmt.Errorf("hashing %s: %w", e.rel, err)
		}
		seen[e.rel] = true
		sum.add(e.rel, e.info.ModTime(), digest)
	}
	if s.cache != nil {
		if err := s.cache.Prune(seen); err != nil {
			return "", err
		}
	}
	return sum.hex(), nil
}

// checksum hashes (path, mtime, content digest) records in path order.
type checksum struct {
	h hash.Hash
}

func newChecksum() *checksum {
	return &checksum{h: cas.NewBlake3Hasher()}
}

func (c *checksum) add(path string, mtime time.Time, digest string) {
	c.h.Write([]byte(path))
	c.h.Write([]byte{'\n'})
	c.h.Write([]byte(strconv.FormatInt(mtime.UnixNano(), 10)))
	c.h.Write([]byte{'\n'})
	c.h.Write([]byte(digest))
	c.h.Write([]byte{'\n'})
}

func (c *checksum) hex() string {
	return fmt.Sprintf("%x", c.h.Sum(nil))
}
