// Package store persists knowledge graph generations.
//
// Each generation is a self-contained SQLite file under generations/. The
// CURRENT file names the active generation and version.json describes it.
// A rebuild fills a staging database, and Commit moves it into place and
// swaps the in-memory handle, so readers see either the old generation or
// the new one in full.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kgindex/internal/graph"
	"kgindex/internal/logger"
	"kgindex/internal/search"
)

// Store layout.
const (
	CurrentFile    = "CURRENT"
	VersionFile    = "version.json"
	GenerationsDir = "generations"
	StagingDir     = "staging"
	BackupsDir     = "backups"
)

// DefaultRetain is the number of backups kept by Prune.
const DefaultRetain = 5

var (
	ErrNotFound     = errors.New("node not found")
	ErrNoGeneration = errors.New("no committed generation")
)

// IntegrityError lists edges whose endpoints are missing from the staged node set.
type IntegrityError struct {
	Dangling []graph.EdgeKey
}

func (e *IntegrityError) Error() string {
	if len(e.Dangling) == 1 {
		return fmt.Sprintf("integrity: dangling edge %s", e.Dangling[0])
	}
	return fmt.Sprintf("integrity: %d dangling edges (first %s)", len(e.Dangling), e.Dangling[0])
}

type generation struct {
	name string
	path string
	db   *sql.DB
	refs sync.WaitGroup
}

func (g *generation) release() {
	g.refs.Done()
}

// Store is the graph store rooted at a directory. Reads are safe for
// concurrent use; writes (staging, commit, restore) are expected to come
// from a single writer.
type Store struct {
	dir    string
	hook   func(stage string) error
	retain int

	mu      sync.RWMutex
	active  *generation
	version *graph.VersionRecord

	retiring sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithCommitHook installs a hook called before each commit stage. A non-nil
// return aborts the commit at that stage.
func WithCommitHook(hook func(stage string) error) Option {
	return func(s *Store) {
		s.hook = hook
	}
}

// WithRetain sets how many backups Prune keeps.
func WithRetain(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retain = n
		}
	}
}

// Open opens the store in dir, creating the layout when missing.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, retain: DefaultRetain}
	for _, opt := range opts {
		opt(s)
	}

	for _, sub := range []string{GenerationsDir, StagingDir, BackupsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
	}
	// Leftovers from an interrupted rebuild are never committed.
	if err := clearDir(filepath.Join(dir, StagingDir)); err != nil {
		return nil, fmt.Errorf("clearing staging: %w", err)
	}

	g, v, err := s.load()
	if err != nil {
		return nil, err
	}
	s.active, s.version = g, v
	return s, nil
}

// load opens the generation named by CURRENT. A store without CURRENT is empty.
func (s *Store) load() (*generation, *graph.VersionRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, CurrentFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", CurrentFile, err)
	}
	name := strings.TrimSpace(string(data))

	g, err := s.openGeneration(name)
	if err != nil {
		return nil, nil, err
	}
	v, err := readVersion(filepath.Join(s.dir, VersionFile))
	if err != nil {
		g.db.Close()
		return nil, nil, err
	}
	return g, v, nil
}

func (s *Store) openGeneration(name string) (*generation, error) {
	path := s.generationPath(name)
	db, err := openGenerationDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening generation %s: %w", name, err)
	}
	return &generation{name: name, path: path, db: db}, nil
}

func (s *Store) generationPath(name string) string {
	return filepath.Join(s.dir, GenerationsDir, name+".db")
}

func readVersion(path string) (*graph.VersionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	var v graph.VersionRecord
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing version: %w", err)
	}
	return &v, nil
}

func encodeVersion(v graph.VersionRecord) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close closes the active generation and waits for retired ones to drain.
func (s *Store) Close() error {
	s.swap(nil, nil, false)
	s.retiring.Wait()
	return nil
}

// acquire pins the active generation. The caller must release a non-nil result.
func (s *Store) acquire() (*generation, *graph.VersionRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active != nil {
		s.active.refs.Add(1)
	}
	return s.active, s.version
}

// swap installs g as the active generation. The previous one is closed once
// its last reader releases it, and its file is removed when removeOld is set
// and it is not the generation being installed.
func (s *Store) swap(g *generation, v *graph.VersionRecord, removeOld bool) {
	s.mu.Lock()
	old := s.active
	s.active, s.version = g, v
	s.mu.Unlock()

	if old == nil {
		return
	}
	remove := removeOld && (g == nil || g.name != old.name)
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		old.refs.Wait()
		if err := old.db.Close(); err != nil {
			logger.Warn("closing retired generation", "generation", old.name, "error", err)
		}
		if remove && s.Generation() != old.name {
			if err := os.Remove(old.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("removing retired generation", "generation", old.name, "error", err)
			}
		}
	}()
}

// Version returns a copy of the committed version record, or nil for an empty store.
func (s *Store) Version() *graph.VersionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.version == nil {
		return nil
	}
	v := *s.version
	return &v
}

// Checksum returns the corpus checksum of the committed generation, or "".
func (s *Store) Checksum() string {
	if v := s.Version(); v != nil {
		return v.CorpusChecksum
	}
	return ""
}

// Generation returns the name of the active generation, or "".
func (s *Store) Generation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.name
}

// GetNode returns a node of the committed generation.
func (s *Store) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	g, _ := s.acquire()
	if g == nil {
		return nil, ErrNotFound
	}
	defer g.release()

	n, err := scanNode(g.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return n, nil
}

// GetRelated returns the edges touching a node, optionally restricted to one
// relationship type. An empty direction means both.
func (s *Store) GetRelated(ctx context.Context, id string, rel graph.RelationshipType, dir graph.Direction) ([]graph.Edge, error) {
	g, _ := s.acquire()
	if g == nil {
		return nil, ErrNotFound
	}
	defer g.release()

	var exists int
	err := g.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}

	var (
		where []string
		args  []any
	)
	switch dir {
	case graph.DirectionOut:
		where, args = append(where, "source_id = ?"), append(args, id)
	case graph.DirectionIn:
		where, args = append(where, "target_id = ?"), append(args, id)
	case graph.DirectionBoth, "":
		where, args = append(where, "(source_id = ? OR target_id = ?)"), append(args, id, id)
	default:
		return nil, fmt.Errorf("invalid direction %q", dir)
	}
	if rel != "" {
		where, args = append(where, "type = ?"), append(args, string(rel))
	}

	query := `SELECT ` + edgeColumns + ` FROM edges WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY source_id, target_id, type`
	edges, err := queryEdges(ctx, g.db, query, args...)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []graph.Edge{}
	}
	return edges, nil
}

// Nodes returns every committed node ordered by id.
func (s *Store) Nodes(ctx context.Context) ([]graph.Node, error) {
	g, _ := s.acquire()
	if g == nil {
		return nil, nil
	}
	defer g.release()
	return queryNodes(ctx, g.db, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
}

// Edges returns every committed edge ordered by key.
func (s *Store) Edges(ctx context.Context) ([]graph.Edge, error) {
	g, _ := s.acquire()
	if g == nil {
		return nil, nil
	}
	defer g.release()
	return queryEdges(ctx, g.db, `SELECT `+edgeColumns+` FROM edges ORDER BY source_id, target_id, type`)
}

// NodesByType returns committed nodes ordered by id, restricted to type t
// when non-empty and to a severity attribute when non-empty. Severity is
// matched case-insensitively.
func (s *Store) NodesByType(ctx context.Context, t graph.NodeType, severity string) ([]graph.Node, error) {
	g, _ := s.acquire()
	if g == nil {
		return []graph.Node{}, nil
	}
	defer g.release()

	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE 1 = 1`
	var args []any
	if t != "" {
		query += ` AND type = ?`
		args = append(args, string(t))
	}
	if severity != "" {
		query += ` AND lower(json_extract(attributes, '$.severity')) = lower(?)`
		args = append(args, severity)
	}
	nodes, err := queryNodes(ctx, g.db, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []graph.Node{}
	}
	return nodes, nil
}

// SnippetWidth is the rune width of search snippets.
const SnippetWidth = 160

// Search ranks committed nodes by weighted term frequency. Ties are broken
// by node id.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]search.Hit, error) {
	if topK <= 0 {
		return nil, search.ErrInvalidTopK
	}
	terms := search.QueryTerms(query)
	hits := []search.Hit{}
	if len(terms) == 0 {
		return hits, nil
	}

	g, _ := s.acquire()
	if g == nil {
		return hits, nil
	}
	defer g.release()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terms)), ",")
	args := make([]any, 0, len(terms)+1)
	for _, t := range terms {
		args = append(args, t)
	}
	args = append(args, topK)

	rows, err := g.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT p.node_id, SUM(%d * p.name_tf + p.body_tf) AS score, n.excerpt
		FROM postings p JOIN nodes n ON n.id = p.node_id
		WHERE p.term IN (%s)
		GROUP BY p.node_id
		ORDER BY score DESC, p.node_id ASC
		LIMIT ?`, search.NameWeight, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			h       search.Hit
			score   int64
			excerpt string
		)
		if err := rows.Scan(&h.NodeID, &score, &excerpt); err != nil {
			return nil, err
		}
		h.Score = float64(score)
		h.Snippet = search.Snippet(excerpt, terms, SnippetWidth)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Statistics summarises a generation.
type Statistics struct {
	TotalNodes          int            `json:"total_nodes"`
	TotalEdges          int            `json:"total_edges"`
	NodesByType         map[string]int `json:"nodes_by_type"`
	EdgesByType         map[string]int `json:"edges_by_type"`
	NodesByCollection   map[string]int `json:"nodes_by_collection"`
	ConnectivityPercent float64        `json:"connectivity_percent"`
	Version             string         `json:"version,omitempty"`
	LastRebuild         *time.Time     `json:"last_rebuild,omitempty"`
}

// Statistics returns statistics of the committed generation. An empty store
// reports zero counts.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	g, v := s.acquire()
	if g == nil {
		return emptyStatistics(), nil
	}
	defer g.release()

	st, err := statistics(ctx, g.db)
	if err != nil {
		return nil, err
	}
	if v != nil {
		st.Version = v.Version
		t := v.LastRebuild
		st.LastRebuild = &t
	}
	return st, nil
}

func emptyStatistics() *Statistics {
	return &Statistics{
		NodesByType:       map[string]int{},
		EdgesByType:       map[string]int{},
		NodesByCollection: map[string]int{},
	}
}

func statistics(ctx context.Context, q queryer) (*Statistics, error) {
	st := emptyStatistics()

	groups := []struct {
		query string
		into  map[string]int
	}{
		{`SELECT type, COUNT(*) FROM nodes GROUP BY type`, st.NodesByType},
		{`SELECT type, COUNT(*) FROM edges GROUP BY type`, st.EdgesByType},
		{`SELECT collection, COUNT(*) FROM nodes GROUP BY collection`, st.NodesByCollection},
	}
	for _, grp := range groups {
		if err := countGroups(ctx, q, grp.query, grp.into); err != nil {
			return nil, err
		}
	}
	for _, n := range st.NodesByType {
		st.TotalNodes += n
	}
	for _, n := range st.EdgesByType {
		st.TotalEdges += n
	}

	if st.TotalNodes > 0 {
		var connected int
		err := q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM nodes
			WHERE id IN (SELECT source_id FROM edges UNION SELECT target_id FROM edges)`).Scan(&connected)
		if err != nil {
			return nil, fmt.Errorf("counting connected nodes: %w", err)
		}
		st.ConnectivityPercent = float64(connected) / float64(st.TotalNodes) * 100
	}
	return st, nil
}

func countGroups(ctx context.Context, q queryer, query string, into map[string]int) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("computing statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
