package rebuild

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgindex/internal/corpus"
	"kgindex/internal/graph"
	"kgindex/internal/infer"
	"kgindex/internal/store"
)

var corpusFiles = map[string]string{
	"knowledge-base-action/02-attack-prevention/reentrancy.md": "# Reentrancy\n\n**Severity**: High\n\nAn external call re-enters the vault.\n",
	"knowledge-base-action/02-attack-prevention/flash-loan-attacks.md": "# Flash Loans\n\nBorrow, manipulate, repay.\n",
	"knowledge-base-research/repos/not-so-smart-contracts/reentrancy/Reentrancy_bonus.sol": "pragma solidity ^0.4.24;\ncontract Bonus {}\n",
	"knowledge-base-action/03-contract-templates/Vault.sol": "pragma solidity ^0.8.20;\nimport {ReentrancyGuard} from \"@openzeppelin/contracts/utils/ReentrancyGuard.sol\";\nimport {ERC20} from \"@openzeppelin/contracts/token/ERC20/ERC20.sol\";\ncontract Vault is ReentrancyGuard {}\n",
	"knowledge-base-research/protocols/aave-deep-dive.md": "# Aave\n\nA flash loan pool. Each flash loan is repaid in the same transaction; a flash loan without repayment reverts.\n",
	"knowledge-base-research/protocols/aave-integration.md": "# Aave Integration\n\nDeposit ERC20 collateral.\n",
}

func writeCorpus(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

type fixture struct {
	corpusDir string
	store     *store.Store
	ctrl      *Controller
}

func newFixture(t *testing.T, storeOpts ...store.Option) *fixture {
	t.Helper()
	corpusDir := t.TempDir()
	writeCorpus(t, corpusDir, corpusFiles)

	src, err := corpus.Open(corpusDir)
	require.NoError(t, err)
	st, err := store.Open(t.TempDir(), storeOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &fixture{
		corpusDir: corpusDir,
		store:     st,
		ctrl:      New(Options{Store: st, Source: src, Workers: 3}),
	}
}

func snapshotDir(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	require.NoError(t, filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		out[filepath.ToSlash(rel)] = data
		return nil
	}))
	return out
}

func findEdge(edges []graph.Edge, rel graph.RelationshipType, srcName, dstName string, nodes map[string]graph.Node) (graph.Edge, bool) {
	for _, e := range edges {
		if e.Type == rel && nodes[e.SourceID].Name == srcName && nodes[e.TargetID].Name == dstName {
			return e, true
		}
	}
	return graph.Edge{}, false
}

func TestRebuildCommitsGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ctrl.Rebuild(ctx, ModeFull)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuilt, res.Status)
	assert.Equal(t, "1.0.0", res.Version)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, f.store.Generation(), res.Generation)
	require.NotNil(t, res.Stats)
	assert.Equal(t, 6, res.Stats.TotalNodes)
	assert.Equal(t, Idle, f.ctrl.State())

	nodes, err := f.store.Nodes(ctx)
	require.NoError(t, err)
	byID := make(map[string]graph.Node)
	for _, n := range nodes {
		byID[n.ID] = n
	}
	edges, err := f.store.Edges(ctx)
	require.NoError(t, err)

	e, ok := findEdge(edges, graph.RelDemonstrates, "Reentrancy_bonus.sol", "Reentrancy", byID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, e.Confidence, 0.7)

	_, ok = findEdge(edges, graph.RelPrevents, "Vault.sol", "Reentrancy", byID)
	assert.True(t, ok)
	_, ok = findEdge(edges, graph.RelPairsWith, "Aave", "Aave Integration", byID)
	assert.True(t, ok)
	_, ok = findEdge(edges, graph.RelExplains, "Aave", "Flash Loan Attacks", byID)
	assert.True(t, ok)
	_, ok = findEdge(edges, graph.RelUses, "Aave Integration", "Vault.sol", byID)
	assert.True(t, ok)

	for _, e := range edges {
		assert.Contains(t, byID, e.SourceID)
		assert.Contains(t, byID, e.TargetID)
	}
}

func TestRebuildIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Rebuild(ctx, ModeFull)
	require.NoError(t, err)
	nodes1, _ := f.store.Nodes(ctx)
	edges1, _ := f.store.Edges(ctx)
	v1 := f.store.Version()

	res, err := f.ctrl.Rebuild(ctx, ModeFull)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuilt, res.Status)
	nodes2, _ := f.store.Nodes(ctx)
	edges2, _ := f.store.Edges(ctx)
	v2 := f.store.Version()

	assert.Equal(t, nodes1, nodes2)
	assert.Equal(t, edges1, edges2)
	assert.Equal(t, v1.CorpusChecksum, v2.CorpusChecksum)
	assert.Equal(t, "1.0.0", v2.Version)
}

func TestStoreInsideCorpusIsNotCorpusInput(t *testing.T) {
	corpusDir := t.TempDir()
	writeCorpus(t, corpusDir, corpusFiles)
	storeDir := filepath.Join(corpusDir, "index")

	st, err := store.Open(storeDir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	src, err := corpus.Open(corpusDir, corpus.WithExclude(storeDir))
	require.NoError(t, err)
	ctrl := New(Options{Store: st, Source: src})
	ctx := context.Background()

	res, err := ctrl.Rebuild(ctx, ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuilt, res.Status)
	for i := 0; i < 2; i++ {
		res, err = ctrl.Rebuild(ctx, ModeIncremental)
		require.NoError(t, err)
		assert.Equal(t, StatusUnchanged, res.Status, "run %d", i+1)
		assert.Equal(t, "1.0.0", res.Version)
	}

	sum, err := ctrl.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.Checksum(), sum)
}

func TestIncrementalUnchangedAndChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Rebuild(ctx, ModeIncremental)
	require.NoError(t, err)
	gen := f.store.Generation()

	res, err := f.ctrl.Rebuild(ctx, ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, res.Status)
	assert.Equal(t, "1.0.0", res.Version)
	assert.Equal(t, gen, f.store.Generation(), "no new generation")

	writeCorpus(t, f.corpusDir, map[string]string{
		"knowledge-base-action/02-attack-prevention/tx-origin.md": "# tx.origin\n\nPhishing via tx.origin checks.\n",
	})
	res, err = f.ctrl.Rebuild(ctx, ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuilt, res.Status)
	assert.Equal(t, "1.0.1", res.Version)
	assert.Equal(t, 7, f.store.Version().NodeCount)

	backups, err := f.store.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "1.0.0", backups[0].Version)
}

func TestCommitFailureRollsBack(t *testing.T) {
	var fail atomic.Bool
	f := newFixture(t, store.WithCommitHook(func(stage string) error {
		if fail.Load() && stage == store.StageCurrent {
			return errors.New("disk full")
		}
		return nil
	}))
	ctx := context.Background()

	_, err := f.ctrl.Rebuild(ctx, ModeFull)
	require.NoError(t, err)
	before := snapshotDir(t, f.store.Dir())

	writeCorpus(t, f.corpusDir, map[string]string{
		"knowledge-base-research/protocols/compound-deep-dive.md": "# Compound\n\nLending markets.\n",
	})
	fail.Store(true)
	res, err := f.ctrl.Rebuild(ctx, ModeIncremental)
	var cerr *CommitError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.NoError(t, cerr.RestoreErr)
	require.NotNil(t, res)
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.Equal(t, "1.0.0", res.Version)
	assert.Equal(t, "1.0.0", f.store.Version().Version)
	assert.Equal(t, Idle, f.ctrl.State())

	require.NoError(t, f.store.Close())
	assert.Equal(t, before, snapshotDir(t, f.store.Dir()))
}

func TestConcurrentRebuildFailsFast(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	f := newFixture(t, store.WithCommitHook(func(stage string) error {
		if stage == store.StageIntegrity && once.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return nil
	}))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Rebuild(ctx, ModeFull)
		done <- err
	}()
	<-entered
	assert.Equal(t, Committing, f.ctrl.State())

	_, err := f.ctrl.Rebuild(ctx, ModeFull)
	assert.ErrorIs(t, err, ErrRebuildInProgress)
	_, err = f.ctrl.BumpVersion(store.BumpMinor)
	assert.ErrorIs(t, err, ErrRebuildInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestCancelledRebuildLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.ctrl.Rebuild(ctx, ModeFull)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, f.store.Version())
	assert.Equal(t, Idle, f.ctrl.State())
}

func TestDanglingEdgesDropped(t *testing.T) {
	f := newFixture(t)
	ghost := infer.DetectorFunc{Label: "ghost", Fn: func(nodes []graph.Node, _ *infer.CorpusIndex) []infer.CandidateEdge {
		return []infer.CandidateEdge{{Edge: graph.Edge{
			SourceID: nodes[0].ID, TargetID: "missing", Type: graph.RelRelatesTo, Confidence: 0.5,
		}}}
	}}
	f.ctrl.opts.Registry = infer.NewRegistry(infer.Demonstrates(infer.DefaultThresholds()), ghost)

	res, err := f.ctrl.Rebuild(context.Background(), ModeFull)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuilt, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "missing")

	edges, err := f.store.Edges(context.Background())
	require.NoError(t, err)
	for _, e := range edges {
		assert.NotEqual(t, "missing", e.TargetID)
	}
}

func TestMalformedFileIsWarning(t *testing.T) {
	f := newFixture(t)
	writeCorpus(t, f.corpusDir, map[string]string{
		"knowledge-base-action/02-attack-prevention/broken.md": "---\nkeywords: [oops\n---\n",
	})
	res, err := f.ctrl.Rebuild(context.Background(), ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Stats.TotalNodes)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "broken.md")
}

func TestManualRollbackKeepsVersionMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.Rebuild(ctx, ModeFull)
	require.NoError(t, err)

	writeCorpus(t, f.corpusDir, map[string]string{
		"knowledge-base-research/protocols/compound-deep-dive.md": "# Compound\n\nLending markets.\n",
	})
	_, err = f.ctrl.Rebuild(ctx, ModeIncremental)
	require.NoError(t, err)
	backups, err := f.store.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	rec, err := f.ctrl.Rollback(ctx, backups[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "1.0.2", rec.Version)
	assert.Equal(t, 6, rec.NodeCount)

	res, err := f.ctrl.Rebuild(ctx, ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, StatusRebuilt, res.Status, "restored checksum differs from the corpus")
	assert.Equal(t, "1.0.3", res.Version)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, m)
	m, err = ParseMode("full")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)
	_, err = ParseMode("partial")
	assert.Error(t, err)
}
