package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgindex/internal/auth"
	"kgindex/internal/graph"
	"kgindex/internal/store"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestRebuildThenQuery(t *testing.T) {
	corpus := t.TempDir()
	storeDir := t.TempDir()
	p := filepath.Join(corpus, "knowledge-base-action", "02-attack-prevention", "reentrancy.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("# Reentrancy\n\nAn external call re-enters.\n"), 0o644))

	t.Setenv("KGINDEX_CONFIG", filepath.Join(t.TempDir(), "none.yaml"))
	common := []string{"--corpus", corpus, "--store", storeDir}

	require.NoError(t, execute(t, append(common, "rebuild", "--mode", "full")...))
	require.NoError(t, execute(t, append(common, "query", "stats")...))
	require.NoError(t, execute(t, append(common, "query", "search", "reentrancy")...))
	require.NoError(t, execute(t, append(common, "query", "list", "--type", "Vulnerability", "--severity", "high")...))
	assert.Error(t, execute(t, append(common, "query", "list", "--type", "Exploit")...))
	require.NoError(t, execute(t, append(common, "version", "bump", "minor")...))

	assert.Error(t, execute(t, append(common, "query", "related", "missing", "--type", "CAUSES")...))
	assert.Error(t, execute(t, append(common, "query", "node", "missing")...))

	st, err := store.Open(storeDir)
	require.NoError(t, err)
	defer st.Close()
	require.NotNil(t, st.Version())
	assert.Equal(t, "1.1.0", st.Version().Version)

	nodes, err := st.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, graph.TypeVulnerability, nodes[0].Type)
	assert.DirExists(t, filepath.Join(storeDir, "cache"))
}

func TestStoreUnderCorpusKeepsVersion(t *testing.T) {
	corpus := t.TempDir()
	p := filepath.Join(corpus, "knowledge-base-action", "02-attack-prevention", "reentrancy.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("# Reentrancy\n\nAn external call re-enters.\n"), 0o644))
	storeDir := filepath.Join(corpus, "graph-index")

	t.Setenv("KGINDEX_CONFIG", filepath.Join(t.TempDir(), "none.yaml"))
	common := []string{"--corpus", corpus, "--store", storeDir}
	for i := 0; i < 3; i++ {
		require.NoError(t, execute(t, append(common, "rebuild", "--mode", "incremental")...))
	}

	st, err := store.Open(storeDir)
	require.NoError(t, err)
	defer st.Close()
	require.NotNil(t, st.Version())
	assert.Equal(t, "1.0.0", st.Version().Version)
	backups, err := st.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups, "unchanged runs never commit")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("KGINDEX_CONFIG", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("KGINDEX_API_SECRET", "")
	assert.Error(t, execute(t, "token"), "no secret configured")

	t.Setenv("KGINDEX_API_SECRET", "s3cret")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)
	require.NoError(t, execute(t, "token", "--subject", "ci"))

	ts, err := auth.NewTokenService([]byte("s3cret"), time.Hour)
	require.NoError(t, err)
	claims, err := ts.Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.True(t, claims.HasScope(auth.ScopeRebuild))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdefabcdef", shortID("abcdefabcdef0123"))
	assert.Equal(t, "abc", shortID("abc"))
}
