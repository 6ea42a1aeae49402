package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgindex/internal/graph"
)

// snapshotFiles reads every file under dir except backups.
func snapshotFiles(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if d.IsDir() {
			if rel == BackupsDir {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestBackupAndRestoreByteIdentical(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	commit(t, s, "1.0.0", testNodes(), testEdges())
	before := snapshotFiles(t, s.Dir())

	b, err := s.Backup(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "1.0.0", b.Version)
	assert.Equal(t, s.Generation(), b.Generation)

	commit(t, s, "1.0.1", testNodes()[:1], nil)
	require.Equal(t, "1.0.1", s.Version().Version)

	require.NoError(t, s.Restore(ctx, b))
	require.NoError(t, s.Close())
	assert.Equal(t, before, snapshotFiles(t, s.Dir()))

	s2, err := Open(s.Dir())
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, "1.0.0", s2.Version().Version)
	st, err := s2.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalNodes)
}

func TestCommitFailureThenRestore(t *testing.T) {
	for _, stage := range []string{StageIntegrity, StageSeal, StageMove, StageVersion, StageCurrent, StageSwap} {
		t.Run(stage, func(t *testing.T) {
			fail := false
			s := openStore(t, WithCommitHook(func(st string) error {
				if fail && st == stage {
					return errors.New("injected")
				}
				return nil
			}))
			ctx := context.Background()
			commit(t, s, "1.0.0", testNodes(), testEdges())
			before := snapshotFiles(t, s.Dir())
			b, err := s.Backup(ctx)
			require.NoError(t, err)

			fail = true
			st, err := s.NewStaging(ctx)
			require.NoError(t, err)
			require.NoError(t, st.UpsertNodes(ctx, testNodes()[:1]))
			err = s.Commit(ctx, st, graph.VersionRecord{Version: "1.0.1"})
			require.Error(t, err)
			st.Discard()

			require.NoError(t, s.Restore(ctx, b))
			require.NoError(t, s.RemoveBackup(b.Name))
			assert.Equal(t, "1.0.0", s.Version().Version)
			require.NoError(t, s.Close())
			assert.Equal(t, before, snapshotFiles(t, s.Dir()))
		})
	}
}

func TestRestoreNilEmptiesStore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	commit(t, s, "1.0.0", testNodes(), nil)
	require.NoError(t, s.Restore(ctx, nil))
	assert.Nil(t, s.Version())
	require.NoError(t, s.Close())

	files := snapshotFiles(t, s.Dir())
	assert.Empty(t, files)
}

func TestBackupEmptyStore(t *testing.T) {
	s := openStore(t)
	b, err := s.Backup(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestPruneKeepsNewest(t *testing.T) {
	s := openStore(t, WithRetain(2))
	ctx := context.Background()
	var names []string
	for i, v := range []string{"1.0.0", "1.0.1", "1.0.2", "1.0.3"} {
		commit(t, s, v, testNodes()[:i%3+1], nil)
		b, err := s.Backup(ctx)
		require.NoError(t, err)
		names = append(names, b.Name)
	}

	removed, err := s.Prune(0)
	require.NoError(t, err)
	assert.Equal(t, names[:2], removed)

	backups, err := s.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, names[2], backups[0].Name)
	assert.Equal(t, "1.0.3", backups[1].Version)
	assert.False(t, backups[1].CreatedAt.IsZero())
}

func TestGetBackupRejectsTraversal(t *testing.T) {
	s := openStore(t)
	_, err := s.GetBackup("../CURRENT")
	assert.Error(t, err)
}
