package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"kgindex/internal/graph"
	"kgindex/internal/logger"
)

// Commit stages, in order. The commit hook is called before each.
const (
	StageIntegrity = "integrity"
	StageSeal      = "seal"
	StageMove      = "move"
	StageVersion   = "version"
	StageCurrent   = "current"
	StageSwap      = "swap"
)

func (s *Store) runHook(stage string) error {
	if s.hook == nil {
		return nil
	}
	if err := s.hook(stage); err != nil {
		return fmt.Errorf("commit stage %s: %w", stage, err)
	}
	return nil
}

// Commit makes the staged generation the active one. It fails with an
// *IntegrityError, leaving the staging usable, when an edge has a missing
// endpoint. The node and edge counts of rec are taken from the staging.
// Any other failure consumes the staging and may leave files of the new
// generation behind; callers restore from a backup.
func (s *Store) Commit(ctx context.Context, st *Staging, rec graph.VersionRecord) error {
	if err := st.check(); err != nil {
		return err
	}

	if err := s.runHook(StageIntegrity); err != nil {
		st.Discard()
		return err
	}
	dangling, err := st.DanglingEdges(ctx)
	if err != nil {
		st.Discard()
		return err
	}
	if len(dangling) > 0 {
		return &IntegrityError{Dangling: dangling}
	}
	stats, err := st.Statistics(ctx)
	if err != nil {
		st.Discard()
		return err
	}
	rec.NodeCount, rec.EdgeCount = stats.TotalNodes, stats.TotalEdges

	if err := s.runHook(StageSeal); err != nil {
		st.Discard()
		return err
	}
	if err := st.seal(); err != nil {
		removeDBFiles(st.path)
		return err
	}

	if err := s.runHook(StageMove); err != nil {
		removeDBFiles(st.path)
		return err
	}
	genPath := s.generationPath(st.name)
	if err := os.Rename(st.path, genPath); err != nil {
		removeDBFiles(st.path)
		return fmt.Errorf("moving generation: %w", err)
	}

	if err := s.runHook(StageVersion); err != nil {
		return err
	}
	data, err := encodeVersion(rec)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, VersionFile), data); err != nil {
		return fmt.Errorf("writing version: %w", err)
	}

	if err := s.runHook(StageCurrent); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, CurrentFile), []byte(st.name+"\n")); err != nil {
		return fmt.Errorf("writing %s: %w", CurrentFile, err)
	}

	if err := s.runHook(StageSwap); err != nil {
		return err
	}
	g, err := s.openGeneration(st.name)
	if err != nil {
		return err
	}
	s.swap(g, &rec, true)

	logger.Info("committed generation", "generation", st.name, "version", rec.Version,
		"nodes", rec.NodeCount, "edges", rec.EdgeCount)
	return nil
}
