package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgindex/internal/cache"
	"kgindex/internal/logger"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAndChecksumAgree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "kb/03-attack-prevention/reentrancy.md", "# Reentrancy")
	writeFile(t, root, "kb/02-contract-templates/ERC20.sol", "pragma solidity ^0.8.20;")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main")

	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	src, err := Open(root, WithCache(c))
	require.NoError(t, err)

	snap, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Files, 2, ".git is ignored")
	assert.Equal(t, "kb/02-contract-templates/ERC20.sol", snap.Files[0].Path, "files are sorted by path")

	sum, err := src.Checksum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Checksum, sum)

	plain, err := Open(root)
	require.NoError(t, err)
	uncached, err := plain.Checksum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sum, uncached)
}

func TestChecksumTracksContentAndMtime(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "kb/a.md", "alpha")

	src, err := Open(root)
	require.NoError(t, err)
	ctx := context.Background()

	before, err := src.Checksum(ctx)
	require.NoError(t, err)

	again, err := src.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, again)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "kb/a.md"), later, later))
	touched, err := src.Checksum(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, touched, "mtime participates in the checksum")

	writeFile(t, root, "kb/b.md", "beta")
	added, err := src.Checksum(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, touched, added)
}

func TestOpenRejectsFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "x")
	_, err := Open(filepath.Join(root, "a.md"))
	assert.Error(t, err)
}

func TestExcludeSkipsStoreUnderRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "kb/a.md", "alpha")
	writeFile(t, root, "index/version.json", `{"version":"1.0.0"}`)
	writeFile(t, root, "index/CURRENT", "gen-1")
	writeFile(t, root, "index/backups/b1/generation.db.zst", "zst")

	src, err := Open(root, WithExclude(filepath.Join(root, "index"), t.TempDir(), ""))
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := src.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Files, 1)
	assert.Equal(t, "kb/a.md", snap.Files[0].Path)

	before, err := src.Checksum(ctx)
	require.NoError(t, err)
	writeFile(t, root, "index/CURRENT", "gen-2")
	after, err := src.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "writes under an excluded dir do not change the corpus")
}

type debugRecorder struct{ debug []string }

func (r *debugRecorder) Debug(m string, _ ...any) { r.debug = append(r.debug, m) }
func (r *debugRecorder) Info(string, ...any)      {}
func (r *debugRecorder) Warn(string, ...any)      {}
func (r *debugRecorder) Error(string, ...any)     {}
func (r *debugRecorder) Fatal(string, ...any)     {}

func TestLoadLogsCacheWriteFailure(t *testing.T) {
	rec := &debugRecorder{}
	logger.Init(rec)
	t.Cleanup(func() { logger.Init() })

	root := t.TempDir()
	writeFile(t, root, "kb/a.md", "alpha")
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	src, err := Open(root, WithCache(c))
	require.NoError(t, err)
	snap, err := src.Load(context.Background())
	require.NoError(t, err, "a failed cache write does not fail the load")
	require.Len(t, snap.Files, 1)
	assert.Contains(t, rec.debug, "caching digest")
}
