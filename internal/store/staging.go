package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"kgindex/internal/graph"
	"kgindex/internal/search"
)

// Staging is a generation under construction. It is owned by one rebuild.
type Staging struct {
	name string
	path string
	db   *sql.DB
	done bool
}

// NewStaging creates an empty staging generation.
func (s *Store) NewStaging(ctx context.Context) (*Staging, error) {
	name := time.Now().UTC().Format("20060102T150405.000000000Z") + "-" + uuid.NewString()[:8]
	path := filepath.Join(s.dir, StagingDir, name+".db")
	db, err := openStagingDB(path)
	if err != nil {
		return nil, fmt.Errorf("creating staging generation: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		removeDBFiles(path)
		return nil, err
	}
	return &Staging{name: name, path: path, db: db}, nil
}

// Name returns the generation name the staging will be committed under.
func (st *Staging) Name() string {
	return st.name
}

func (st *Staging) check() error {
	if st.done {
		return errors.New("staging generation already committed or discarded")
	}
	return nil
}

// UpsertNodes writes nodes in one transaction.
func (st *Staging) UpsertNodes(ctx context.Context, nodes []graph.Node) error {
	if err := st.check(); err != nil {
		return err
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type, name = excluded.name, collection = excluded.collection,
			file_path = excluded.file_path, attributes = excluded.attributes, excerpt = excluded.excerpt`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, n := range nodes {
		if n.ID == "" || !n.Type.Valid() {
			return fmt.Errorf("invalid node %q of type %q", n.ID, n.Type)
		}
		attrs, err := encodeMap(n.Attributes)
		if err != nil {
			return fmt.Errorf("encoding attributes of %s: %w", n.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, n.ID, string(n.Type), n.Name, string(n.Collection), n.FilePath, attrs, n.ContentExcerpt); err != nil {
			return fmt.Errorf("upserting node %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// UpsertEdges writes edges in one transaction. An existing edge with the
// same key has its confidence, evidence and properties replaced.
func (st *Staging) UpsertEdges(ctx context.Context, edges []graph.Edge) error {
	if err := st.check(); err != nil {
		return err
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, type) DO UPDATE SET
			confidence = excluded.confidence, evidence = excluded.evidence, properties = excluded.properties`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range edges {
		if !e.Type.Valid() {
			return fmt.Errorf("edge %s: unknown relationship type", e.Key())
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("edge %s: confidence %v outside [0,1]", e.Key(), e.Confidence)
		}
		props, err := encodeMap(e.Properties)
		if err != nil {
			return fmt.Errorf("encoding properties of %s: %w", e.Key(), err)
		}
		if _, err := stmt.ExecContext(ctx, e.SourceID, e.TargetID, string(e.Type), e.Confidence, e.Evidence, props); err != nil {
			return fmt.Errorf("upserting edge %s: %w", e.Key(), err)
		}
	}
	return tx.Commit()
}

// IndexNodes rebuilds the full-text postings from nodes.
func (st *Staging) IndexNodes(ctx context.Context, nodes []graph.Node) error {
	if err := st.check(); err != nil {
		return err
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM postings`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO postings (term, node_id, name_tf, body_tf) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range search.BuildPostings(nodes) {
		if _, err := stmt.ExecContext(ctx, p.Term, p.NodeID, p.NameTF, p.BodyTF); err != nil {
			return fmt.Errorf("indexing %s: %w", p.NodeID, err)
		}
	}
	return tx.Commit()
}

// Nodes returns the staged nodes ordered by id.
func (st *Staging) Nodes(ctx context.Context) ([]graph.Node, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	return queryNodes(ctx, st.db, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
}

// Edges returns the staged edges ordered by key.
func (st *Staging) Edges(ctx context.Context) ([]graph.Edge, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	return queryEdges(ctx, st.db, `SELECT `+edgeColumns+` FROM edges ORDER BY source_id, target_id, type`)
}

// DanglingEdges returns the keys of edges with a missing endpoint.
func (st *Staging) DanglingEdges(ctx context.Context) ([]graph.EdgeKey, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	rows, err := st.db.QueryContext(ctx, `
		SELECT e.source_id, e.target_id, e.type FROM edges e
		LEFT JOIN nodes s ON s.id = e.source_id
		LEFT JOIN nodes t ON t.id = e.target_id
		WHERE s.id IS NULL OR t.id IS NULL
		ORDER BY e.source_id, e.target_id, e.type`)
	if err != nil {
		return nil, fmt.Errorf("checking integrity: %w", err)
	}
	defer rows.Close()

	var keys []graph.EdgeKey
	for rows.Next() {
		var k graph.EdgeKey
		if err := rows.Scan(&k.SourceID, &k.TargetID, &k.Type); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DropEdges deletes edges by key.
func (st *Staging) DropEdges(ctx context.Context, keys []graph.EdgeKey) error {
	if err := st.check(); err != nil {
		return err
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE source_id = ? AND target_id = ? AND type = ?`,
			k.SourceID, k.TargetID, string(k.Type)); err != nil {
			return fmt.Errorf("dropping edge %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Statistics summarises the staged generation.
func (st *Staging) Statistics(ctx context.Context) (*Statistics, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	return statistics(ctx, st.db)
}

// seal checkpoints the WAL into the main file and switches to a rollback
// journal so the closed database is a single self-contained file.
func (st *Staging) seal() error {
	for _, pragma := range []string{"PRAGMA wal_checkpoint(TRUNCATE)", "PRAGMA journal_mode=DELETE"} {
		if _, err := st.db.Exec(pragma); err != nil {
			return fmt.Errorf("sealing staging: %w", err)
		}
	}
	st.done = true
	return st.db.Close()
}

// Discard drops the staging generation. It is a no-op after Commit.
func (st *Staging) Discard() {
	if st == nil || st.done {
		return
	}
	st.done = true
	st.db.Close()
	removeDBFiles(st.path)
}

func removeDBFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		os.Remove(path + suffix)
	}
}
