package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"kgindex/internal/graph"
	"kgindex/internal/logger"
)

const (
	backupDBFile     = "generation.db.zst"
	backupTimeLayout = "20060102T150405.000000000Z"
	backupTempSuffix = ".tmp"
)

// Backup is an immutable snapshot of a committed generation.
type Backup struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Generation string    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	Path       string    `json:"-"`
}

// Backup snapshots the active generation into backups/<UTC time>-v<version>/.
// It returns nil for an empty store.
func (s *Store) Backup(ctx context.Context) (*Backup, error) {
	g, v := s.acquire()
	if g == nil {
		return nil, nil
	}
	defer g.release()

	version := ""
	if v != nil {
		version = v.Version
	}
	now := time.Now().UTC()
	name := now.Format(backupTimeLayout) + "-v" + version
	final := filepath.Join(s.dir, BackupsDir, name)
	tmp := final + backupTempSuffix
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup: %w", err)
	}
	cleanup := func() { os.RemoveAll(tmp) }

	if err := compressFile(ctx, g.path, filepath.Join(tmp, backupDBFile)); err != nil {
		cleanup()
		return nil, fmt.Errorf("backing up generation: %w", err)
	}
	for _, f := range []string{VersionFile, CurrentFile} {
		if err := copyFile(filepath.Join(s.dir, f), filepath.Join(tmp, f)); err != nil {
			cleanup()
			return nil, fmt.Errorf("backing up %s: %w", f, err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		cleanup()
		return nil, fmt.Errorf("finalising backup: %w", err)
	}

	logger.Debug("wrote backup", "backup", name, "generation", g.name)
	return &Backup{Name: name, Version: version, Generation: g.name, CreatedAt: now, Path: final}, nil
}

// ListBackups returns the backups oldest first.
func (s *Store) ListBackups() ([]Backup, error) {
	dir := filepath.Join(s.dir, BackupsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	var out []Backup
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), backupTempSuffix) {
			continue
		}
		b, err := s.readBackup(e.Name())
		if err != nil {
			logger.Warn("skipping unreadable backup", "backup", e.Name(), "error", err)
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetBackup returns a backup by name.
func (s *Store) GetBackup(name string) (*Backup, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid backup name %q", name)
	}
	return s.readBackup(name)
}

func (s *Store) readBackup(name string) (*Backup, error) {
	path := filepath.Join(s.dir, BackupsDir, name)
	cur, err := os.ReadFile(filepath.Join(path, CurrentFile))
	if err != nil {
		return nil, err
	}
	v, err := readVersion(filepath.Join(path, VersionFile))
	if err != nil {
		return nil, err
	}
	b := &Backup{Name: name, Version: v.Version, Generation: strings.TrimSpace(string(cur)), Path: path}
	if i := strings.Index(name, "-v"); i > 0 {
		if t, err := time.Parse(backupTimeLayout, name[:i]); err == nil {
			b.CreatedAt = t
		}
	}
	return b, nil
}

// Prune removes the oldest backups beyond retain. Zero or less uses the
// store's retention.
func (s *Store) Prune(retain int) ([]string, error) {
	if retain <= 0 {
		retain = s.retain
	}
	backups, err := s.ListBackups()
	if err != nil {
		return nil, err
	}
	var removed []string
	for len(backups) > retain {
		if err := s.RemoveBackup(backups[0].Name); err != nil {
			return removed, err
		}
		removed = append(removed, backups[0].Name)
		backups = backups[1:]
	}
	return removed, nil
}

// RemoveBackup deletes a backup.
func (s *Store) RemoveBackup(name string) error {
	if _, err := s.GetBackup(name); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.dir, BackupsDir, name))
}

// Restore makes the store byte-identical to the backup: the generation file,
// version.json and CURRENT are rewritten and every other generation is
// removed. A nil backup restores the empty store.
func (s *Store) Restore(ctx context.Context, b *Backup) error {
	// Retired generations must be gone before their files can be rewritten.
	s.retiring.Wait()

	if b == nil {
		s.swap(nil, nil, true)
		for _, f := range []string{CurrentFile, VersionFile} {
			if err := os.Remove(filepath.Join(s.dir, f)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		return s.removeGenerationsExcept("")
	}

	cur, err := os.ReadFile(filepath.Join(b.Path, CurrentFile))
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}
	verData, err := os.ReadFile(filepath.Join(b.Path, VersionFile))
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}
	name := strings.TrimSpace(string(cur))

	genPath := s.generationPath(name)
	tmp := genPath + backupTempSuffix
	if err := decompressFile(ctx, filepath.Join(b.Path, backupDBFile), tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restoring generation: %w", err)
	}
	if err := os.Rename(tmp, genPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restoring generation: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, VersionFile), verData); err != nil {
		return fmt.Errorf("restoring version: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, CurrentFile), cur); err != nil {
		return fmt.Errorf("restoring %s: %w", CurrentFile, err)
	}

	g, v, err := s.load()
	if err != nil {
		return err
	}
	s.swap(g, v, true)
	if err := s.removeGenerationsExcept(name); err != nil {
		return err
	}
	logger.Info("restored backup", "backup", b.Name, "version", v.Version)
	return nil
}

func (s *Store) removeGenerationsExcept(keep string) error {
	dir := filepath.Join(s.dir, GenerationsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if keep != "" && e.Name() == keep+".db" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// SetVersion rewrites version.json for the active generation.
func (s *Store) SetVersion(rec graph.VersionRecord) error {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active == nil {
		return ErrNoGeneration
	}
	data, err := encodeVersion(rec)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, VersionFile), data); err != nil {
		return fmt.Errorf("writing version: %w", err)
	}
	s.mu.Lock()
	s.version = &rec
	s.mu.Unlock()
	return nil
}

func compressFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, ctxReader{ctx: ctx, r: in}); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func decompressFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: dec}); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
