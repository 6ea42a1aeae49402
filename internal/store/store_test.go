package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgindex/internal/graph"
	"kgindex/internal/search"
)

func testNodes() []graph.Node {
	return []graph.Node{
		{ID: "n1", Type: graph.TypeVulnerability, Name: "Oracle Manipulation", Collection: graph.CollectionAction,
			FilePath: "kb/attack-prevention/oracle-manipulation.md",
			Attributes: map[string]any{"slug": "oracle_manipulation", "keywords": []string{"oracle"}},
			ContentExcerpt: "Attackers skew prices."},
		{ID: "n2", Type: graph.TypeDeepDive, Name: "Lending Protocols", Collection: graph.CollectionResearch,
			FilePath: "kb/lending-deep-dive.md", Attributes: map[string]any{"protocol": "Lending"},
			ContentExcerpt: "Lending markets read an oracle for collateral prices."},
		{ID: "n3", Type: graph.TypeTemplate, Name: "Vault.sol", Collection: graph.CollectionAction,
			FilePath: "kb/contract-templates/Vault.sol", ContentExcerpt: "contract Vault {}"},
	}
}

func testEdges() []graph.Edge {
	return []graph.Edge{
		{SourceID: "n2", TargetID: "n1", Type: graph.RelExplains, Confidence: 0.5, Evidence: "2 mentions"},
	}
}

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func commit(t *testing.T, s *Store, version string, nodes []graph.Node, edges []graph.Edge) {
	t.Helper()
	ctx := context.Background()
	st, err := s.NewStaging(ctx)
	require.NoError(t, err)
	defer st.Discard()
	require.NoError(t, st.UpsertNodes(ctx, nodes))
	require.NoError(t, st.UpsertEdges(ctx, edges))
	require.NoError(t, st.IndexNodes(ctx, nodes))
	require.NoError(t, s.Commit(ctx, st, graph.VersionRecord{
		Version: version, CorpusChecksum: "sum-" + version, LastRebuild: time.Unix(1700000000, 0).UTC(),
	}))
}

func TestEmptyStore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	assert.Nil(t, s.Version())
	_, err := s.GetNode(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)

	hits, err := s.Search(ctx, "oracle", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	st, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalNodes)
}

func TestCommitAndRead(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	commit(t, s, "1.0.0", testNodes(), testEdges())

	v := s.Version()
	require.NotNil(t, v)
	assert.Equal(t, "1.0.0", v.Version)
	assert.Equal(t, 3, v.NodeCount)
	assert.Equal(t, 1, v.EdgeCount)

	n, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Oracle Manipulation", n.Name)
	assert.Equal(t, []string{"oracle"}, n.AttrList("keywords"))

	_, err = s.GetNode(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	out, err := s.GetRelated(ctx, "n2", "", graph.DirectionOut)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "n1", out[0].TargetID)

	in, err := s.GetRelated(ctx, "n2", "", graph.DirectionIn)
	require.NoError(t, err)
	assert.Empty(t, in)

	both, err := s.GetRelated(ctx, "n1", graph.RelExplains, graph.DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, both, 1)

	none, err := s.GetRelated(ctx, "n1", graph.RelUses, graph.DirectionBoth)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.GetRelated(ctx, "missing", "", "")
	assert.ErrorIs(t, err, ErrNotFound)

	// Reopening reads CURRENT and version.json.
	require.NoError(t, s.Close())
	s2, err := Open(s.Dir())
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, "1.0.0", s2.Version().Version)
	nodes, err := s2.Nodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}

func TestSearchRanksNameMatchFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	commit(t, s, "1.0.0", testNodes(), nil)

	hits, err := s.Search(ctx, "oracle", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "n1", hits[0].NodeID)
	assert.Equal(t, "n2", hits[1].NodeID)
	assert.Equal(t, float64(search.NameWeight), hits[0].Score)
	assert.Equal(t, 1.0, hits[1].Score)
	assert.Contains(t, hits[1].Snippet, "oracle")

	_, err = s.Search(ctx, "oracle", 0)
	assert.ErrorIs(t, err, search.ErrInvalidTopK)
}

func TestSearchTiesBreakByID(t *testing.T) {
	s := openStore(t)
	nodes := []graph.Node{
		{ID: "b", Type: graph.TypePattern, Name: "Pause", ContentExcerpt: "circuit breaker"},
		{ID: "a", Type: graph.TypePattern, Name: "Guard", ContentExcerpt: "circuit breaker"},
	}
	commit(t, s, "1.0.0", nodes, nil)
	hits, err := s.Search(context.Background(), "circuit", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].NodeID)
	assert.Equal(t, "b", hits[1].NodeID)
}

func TestStatistics(t *testing.T) {
	s := openStore(t)
	commit(t, s, "1.0.0", testNodes(), testEdges())

	st, err := s.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalNodes)
	assert.Equal(t, 1, st.TotalEdges)
	assert.Equal(t, 1, st.NodesByType["Vulnerability"])
	assert.Equal(t, 1, st.EdgesByType["EXPLAINS"])
	assert.Equal(t, 2, st.NodesByCollection["Action"])
	assert.InDelta(t, 66.666, st.ConnectivityPercent, 0.01)
	assert.Equal(t, "1.0.0", st.Version)
}

func TestNodesByType(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	empty, err := s.NodesByType(ctx, graph.TypeVulnerability, "")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	nodes := append(testNodes(), graph.Node{
		ID: "n4", Type: graph.TypeVulnerability, Name: "Reentrancy", Collection: graph.CollectionAction,
		FilePath: "kb/attack-prevention/reentrancy.md", Attributes: map[string]any{"severity": "High"},
	})
	nodes[0].Attributes["severity"] = "Medium"
	commit(t, s, "1.0.0", nodes, testEdges())

	vulns, err := s.NodesByType(ctx, graph.TypeVulnerability, "")
	require.NoError(t, err)
	require.Len(t, vulns, 2)
	assert.Equal(t, "n1", vulns[0].ID)
	assert.Equal(t, "n4", vulns[1].ID)

	high, err := s.NodesByType(ctx, graph.TypeVulnerability, "high")
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "Reentrancy", high[0].Name)

	anyType, err := s.NodesByType(ctx, "", "MEDIUM")
	require.NoError(t, err)
	require.Len(t, anyType, 1)
	assert.Equal(t, "n1", anyType[0].ID)

	all, err := s.NodesByType(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := s.NodesByType(ctx, graph.TypePattern, "")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestUpsertEdgeUpdatesInPlace(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	st, err := s.NewStaging(ctx)
	require.NoError(t, err)
	defer st.Discard()

	require.NoError(t, st.UpsertNodes(ctx, testNodes()))
	e := testEdges()[0]
	require.NoError(t, st.UpsertEdges(ctx, []graph.Edge{e}))
	e.Confidence, e.Evidence = 0.9, "6 mentions"
	require.NoError(t, st.UpsertEdges(ctx, []graph.Edge{e}))

	edges, err := st.Edges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.9, edges[0].Confidence)
	assert.Equal(t, "6 mentions", edges[0].Evidence)
}

func TestUpsertEdgesAllOrNothing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	st, err := s.NewStaging(ctx)
	require.NoError(t, err)
	defer st.Discard()

	good := testEdges()[0]
	bad := graph.Edge{SourceID: "n1", TargetID: "n2", Type: graph.RelUses, Confidence: 1.5}
	require.Error(t, st.UpsertEdges(ctx, []graph.Edge{good, bad}))
	edges, err := st.Edges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestCommitRejectsDanglingEdges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	st, err := s.NewStaging(ctx)
	require.NoError(t, err)
	defer st.Discard()

	require.NoError(t, st.UpsertNodes(ctx, testNodes()))
	dangling := graph.Edge{SourceID: "n3", TargetID: "ghost", Type: graph.RelPrevents, Confidence: 1}
	require.NoError(t, st.UpsertEdges(ctx, append(testEdges(), dangling)))

	err = s.Commit(ctx, st, graph.VersionRecord{Version: "1.0.0"})
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []graph.EdgeKey{dangling.Key()}, ie.Dangling)
	assert.Nil(t, s.Version(), "nothing committed")

	require.NoError(t, st.DropEdges(ctx, ie.Dangling))
	require.NoError(t, s.Commit(ctx, st, graph.VersionRecord{Version: "1.0.0"}))
	assert.Equal(t, 1, s.Version().EdgeCount)
}

func TestCommitSwapRetiresOldGeneration(t *testing.T) {
	s := openStore(t)
	commit(t, s, "1.0.0", testNodes(), testEdges())
	first := s.Generation()
	commit(t, s, "1.0.1", testNodes()[:2], nil)
	require.NotEqual(t, first, s.Generation())

	require.NoError(t, s.Close())
	_, err := os.Stat(filepath.Join(s.Dir(), GenerationsDir, first+".db"))
	assert.True(t, os.IsNotExist(err))
}

func TestReadsDuringCommit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	commit(t, s, "1.0.0", testNodes(), testEdges())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				st, err := s.Statistics(ctx)
				if !assert.NoError(t, err) {
					return
				}
				// Either generation in full, never a mix.
				if st.TotalNodes == 3 {
					assert.Equal(t, 1, st.TotalEdges)
				} else {
					assert.Equal(t, 2, st.TotalNodes)
					assert.Equal(t, 0, st.TotalEdges)
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		commit(t, s, fmt.Sprintf("1.0.%d", 2*i+1), testNodes()[:2], nil)
		commit(t, s, fmt.Sprintf("1.0.%d", 2*i+2), testNodes(), testEdges())
	}
	close(stop)
	wg.Wait()
}

func TestNextVersion(t *testing.T) {
	cases := []struct{ prev, kind, want string }{
		{"", BumpPatch, "1.0.0"},
		{"1.0.0", BumpPatch, "1.0.1"},
		{"1.2.3", BumpMinor, "1.3.0"},
		{"1.2.3", BumpMajor, "2.0.0"},
	}
	for _, c := range cases {
		got, err := NextVersion(c.prev, c.kind)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
	_, err := NextVersion("1.0.0", "huge")
	assert.Error(t, err)
}

func TestBumpVersion(t *testing.T) {
	s := openStore(t)
	_, err := s.BumpVersion(BumpMinor)
	assert.ErrorIs(t, err, ErrNoGeneration)

	commit(t, s, "1.0.4", testNodes(), nil)
	rec, err := s.BumpVersion(BumpMinor)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.Equal(t, "sum-1.0.4", rec.CorpusChecksum)

	v, err := readVersion(filepath.Join(s.Dir(), VersionFile))
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v.Version)

	_, err = s.BumpVersion(BumpPatch)
	assert.Error(t, err)
}
