// Package rebuild orchestrates extraction, inference and commit of a new
// graph generation under a single-writer lock.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kgindex/internal/corpus"
	"kgindex/internal/extract"
	"kgindex/internal/graph"
	"kgindex/internal/infer"
	"kgindex/internal/logger"
	"kgindex/internal/store"
)

// ErrRebuildInProgress is returned when another rebuild holds the writer lock.
var ErrRebuildInProgress = errors.New("rebuild in progress")

// Mode selects whether an unchanged corpus short-circuits the rebuild.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ParseMode parses a mode name. An empty string is incremental.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeFull:
		return ModeFull, nil
	}
	return "", fmt.Errorf("invalid mode %q (want full or incremental)", s)
}

// State is the controller's position in the rebuild state machine.
type State int32

const (
	Idle State = iota
	Extracting
	Inferring
	Validating
	Committing
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Extracting:
		return "extracting"
	case Inferring:
		return "inferring"
	case Validating:
		return "validating"
	case Committing:
		return "committing"
	case RolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Status is the outcome of a rebuild.
type Status string

const (
	StatusRebuilt    Status = "rebuilt"
	StatusUnchanged  Status = "unchanged"
	StatusRolledBack Status = "rolled_back"
)

// Result describes a finished rebuild.
type Result struct {
	RunID          string            `json:"run_id"`
	Mode           Mode              `json:"mode"`
	Status         Status            `json:"status"`
	Version        string            `json:"version"`
	Generation     string            `json:"generation,omitempty"`
	CorpusChecksum string            `json:"corpus_checksum"`
	Stats          *store.Statistics `json:"stats,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	Duration       time.Duration     `json:"duration"`
}

// CommitError reports a failed commit and the outcome of the automatic restore.
type CommitError struct {
	Err        error
	RestoreErr error
}

func (e *CommitError) Error() string {
	if e.RestoreErr != nil {
		return fmt.Sprintf("commit failed: %v (restore failed: %v)", e.Err, e.RestoreErr)
	}
	return fmt.Sprintf("commit failed, rolled back: %v", e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Options configures a Controller.
type Options struct {
	Store     *store.Store
	Source    *corpus.Source
	Extractor *extract.Extractor
	Registry  *infer.Registry
	// Workers bounds parallel file extraction.
	Workers   int
	// Retain is the number of backups kept after a successful commit.
	Retain    int
	Now       func() time.Time
}

// Controller runs rebuilds. At most one rebuild runs at a time.
type Controller struct {
	opts  Options
	mu    sync.Mutex
	state atomic.Int32
}

// New creates a controller. Missing extractor and registry fall back to defaults.
func New(opts Options) *Controller {
	if opts.Extractor == nil {
		opts.Extractor = extract.New(nil)
	}
	if opts.Registry == nil {
		opts.Registry = infer.DefaultRegistry(infer.DefaultThresholds())
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retain <= 0 {
		opts.Retain = store.DefaultRetain
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{opts: opts}
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// Checksum computes the current corpus checksum.
func (c *Controller) Checksum(ctx context.Context) (string, error) {
	return c.opts.Source.Checksum(ctx)
}

// Rebuild builds and commits a new generation. It fails fast with
// ErrRebuildInProgress when another rebuild is running. Cancellation is
// honoured between stages; once committing starts the run completes.
func (c *Controller) Rebuild(ctx context.Context, mode Mode) (*Result, error) {
	if !c.mu.TryLock() {
		return nil, ErrRebuildInProgress
	}
	defer c.mu.Unlock()
	defer c.setState(Idle)

	start := time.Now()
	res := &Result{RunID: uuid.NewString(), Mode: mode}
	defer func() { res.Duration = time.Since(start) }()
	log := func(msg string, kv ...any) {
		logger.Info(msg, append([]any{"run", res.RunID}, kv...)...)
	}

	st := c.opts.Store
	prev := st.Version()

	if mode == ModeIncremental && prev != nil {
		sum, err := c.opts.Source.Checksum(ctx)
		if err != nil {
			return nil, fmt.Errorf("computing checksum: %w", err)
		}
		if sum == prev.CorpusChecksum {
			res.Status, res.Version, res.CorpusChecksum = StatusUnchanged, prev.Version, sum
			log("corpus unchanged", "version", prev.Version)
			return res, nil
		}
	}

	c.setState(Extracting)
	snap, err := c.opts.Source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading corpus: %w", err)
	}
	res.CorpusChecksum = snap.Checksum
	nodes, warns, err := c.opts.Extractor.ExtractAll(ctx, snap.Files, c.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("extracting: %w", err)
	}
	for _, w := range warns {
		res.Warnings = append(res.Warnings, w.Error())
	}
	log("extracted nodes", "files", len(snap.Files), "nodes", len(nodes), "warnings", len(warns))

	staging, err := st.NewStaging(ctx)
	if err != nil {
		return nil, err
	}
	defer staging.Discard()
	logger.Debug("staging generation", "run", res.RunID, "generation", staging.Name())
	if err := staging.UpsertNodes(ctx, nodes); err != nil {
		return nil, fmt.Errorf("staging nodes: %w", err)
	}
	if err := staging.IndexNodes(ctx, nodes); err != nil {
		return nil, fmt.Errorf("indexing nodes: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.setState(Inferring)
	staged, err := staging.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	edges := c.opts.Registry.Run(staged, corpusIndex(staged, snap))
	if err := staging.UpsertEdges(ctx, edges); err != nil {
		return nil, fmt.Errorf("staging edges: %w", err)
	}
	log("inferred edges", "edges", len(edges))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.setState(Validating)
	dangling, err := staging.DanglingEdges(ctx)
	if err != nil {
		return nil, err
	}
	if len(dangling) > 0 {
		for _, k := range dangling {
			logger.Warn("dropping dangling edge", "run", res.RunID, "edge", k.String())
			res.Warnings = append(res.Warnings, (&store.IntegrityError{Dangling: []graph.EdgeKey{k}}).Error())
		}
		if err := staging.DropEdges(ctx, dangling); err != nil {
			return nil, err
		}
	}

	version := graph.InitialVersion
	if prev != nil {
		version = prev.Version
		if snap.Checksum != prev.CorpusChecksum {
			if version, err = store.NextVersion(prev.Version, store.BumpPatch); err != nil {
				return nil, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.setState(Committing)
	// Past this point the run is not interrupted.
	cctx := context.WithoutCancel(ctx)

	backup, err := st.Backup(cctx)
	if err != nil {
		return nil, fmt.Errorf("backing up: %w", err)
	}
	rec := graph.VersionRecord{
		Version:        version,
		CorpusChecksum: snap.Checksum,
		LastRebuild:    c.opts.Now().UTC(),
	}
	if err := st.Commit(cctx, staging, rec); err != nil {
		c.setState(RolledBack)
		cerr := &CommitError{Err: err}
		cerr.RestoreErr = st.Restore(cctx, backup)
		if cerr.RestoreErr == nil && backup != nil {
			if rmErr := st.RemoveBackup(backup.Name); rmErr != nil {
				logger.Warn("removing rollback backup", "run", res.RunID, "backup", backup.Name, "error", rmErr)
			}
		}
		logger.Error("commit failed, rolled back", "run", res.RunID, "error", err, "restore_error", cerr.RestoreErr)
		res.Status = StatusRolledBack
		if prev != nil {
			res.Version = prev.Version
		}
		return res, cerr
	}

	if removed, err := st.Prune(c.opts.Retain); err != nil {
		logger.Warn("pruning backups", "run", res.RunID, "error", err)
	} else if len(removed) > 0 {
		logger.Debug("pruned backups", "run", res.RunID, "removed", removed)
	}

	res.Status, res.Version, res.Generation = StatusRebuilt, version, staging.Name()
	if res.Stats, err = st.Statistics(cctx); err != nil {
		logger.Warn("reading statistics", "run", res.RunID, "error", err)
	}
	log("rebuild committed", "version", version, "nodes", len(staged), "edges", len(edges)-len(dangling))
	return res, nil
}

// corpusIndex maps each node to the full text of its source file.
func corpusIndex(nodes []graph.Node, snap *corpus.Snapshot) *infer.CorpusIndex {
	content := make(map[string][]byte, len(snap.Files))
	for _, f := range snap.Files {
		content[f.Path] = f.Content
	}
	texts := make(map[string]string, len(nodes))
	for _, n := range nodes {
		texts[n.ID] = n.Name + "\n" + string(content[n.FilePath])
	}
	return infer.NewCorpusIndex(texts)
}

// Rollback restores a named backup as an operator action. The current
// generation is backed up first, and the version is bumped past the current
// one so it never decreases.
func (c *Controller) Rollback(ctx context.Context, name string) (*graph.VersionRecord, error) {
	if !c.mu.TryLock() {
		return nil, ErrRebuildInProgress
	}
	defer c.mu.Unlock()

	st := c.opts.Store
	b, err := st.GetBackup(name)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", name, err)
	}
	prev := st.Version()
	if _, err := st.Backup(ctx); err != nil {
		return nil, fmt.Errorf("backing up: %w", err)
	}
	if err := st.Restore(ctx, b); err != nil {
		return nil, fmt.Errorf("restoring %s: %w", name, err)
	}

	restored := st.Version()
	if prev != nil && restored != nil {
		cmp, err := store.CompareVersions(restored.Version, prev.Version)
		if err != nil {
			return nil, err
		}
		if cmp <= 0 {
			next, err := store.NextVersion(prev.Version, store.BumpPatch)
			if err != nil {
				return nil, err
			}
			rec := *restored
			rec.Version = next
			if err := st.SetVersion(rec); err != nil {
				return nil, err
			}
		}
	}
	if _, err := st.Prune(c.opts.Retain); err != nil {
		logger.Warn("pruning backups", "error", err)
	}
	logger.Info("rolled back", "backup", name, "version", st.Version().Version)
	return st.Version(), nil
}

// BumpVersion applies an explicit minor or major version bump.
func (c *Controller) BumpVersion(kind string) (*graph.VersionRecord, error) {
	if !c.mu.TryLock() {
		return nil, ErrRebuildInProgress
	}
	defer c.mu.Unlock()
	return c.opts.Store.BumpVersion(kind)
}
