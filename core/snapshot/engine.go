package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"citation-capture/core/database"
	"citation-capture/core/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine turns snapshot files into ordered change sets.
type Engine struct {
	db            *gorm.DB
	cfg           Config
	store         *Store
	logger        *zap.Logger
	reconstructor Reconstructor
	archiver      *Archiver
}

// Option configures an Engine.
type Option func(*Engine)

// WithReconstructor enables the continuity check against the registry.
func WithReconstructor(r Reconstructor) Option {
	return func(e *Engine) { e.reconstructor = r }
}

// WithArchiver uploads every successfully ingested file.
func WithArchiver(a *Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// NewEngine creates a snapshot engine.
func NewEngine(db *gorm.DB, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:     db,
		cfg:    cfg.withDefaults(),
		store:  NewStore(db, logger),
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the namespace store.
func (e *Engine) Store() *Store {
	return e.store
}

// Input describes one snapshot to ingest.
type Input struct {
	// Reader yields the tab-separated edge list.
	Reader io.Reader
	// ImportedAt is the snapshot timestamp, normally the file modification time.
	ImportedAt time.Time
	// SourcePath is recorded in the registry.
	SourcePath string
	// Force drops and rebuilds an existing namespace with the same timestamp.
	Force bool
}

// Cycle is the outcome of one ingestion.
type Cycle struct {
	Namespace  Namespace         `json:"namespace"`
	Previous   *Namespace        `json:"previous,omitempty"`
	Reused     bool              `json:"reused"`
	Counts     map[Status]int64  `json:"counts"`
	Continuity *ContinuityReport `json:"continuity,omitempty"`
	Pruned     []string          `json:"pruned,omitempty"`
}

// Run imports in, diffs it against the latest namespace and registers the
// result. A namespace that already exists is reused unless Force is set. Any
// failure after the namespace was created drops it again.
func (e *Engine) Run(ctx context.Context, in Input) (*Cycle, error) {
	started := time.Now()
	ts := normalizeTimestamp(in.ImportedAt)
	name := NamespaceName(ts)
	t, err := tablesFor(name)
	if err != nil {
		return nil, err
	}

	if err := e.store.DropIncomplete(ctx); err != nil {
		return nil, err
	}

	existing, err := e.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil && !in.Force {
		return e.reuse(ctx, existing, t)
	}

	prev, err := e.store.latestExcept(ctx, name)
	if err != nil {
		return nil, err
	}
	if prev != nil && !ts.After(prev.ImportedAt.UTC()) {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrNonMonotonic,
			ts.Format(time.RFC3339), prev.ImportedAt.UTC().Format(time.RFC3339))
	}

	if existing != nil {
		e.logger.Info("Rebuilding namespace", zap.String("namespace", name))
		if err := e.store.Drop(ctx, name); err != nil {
			return nil, err
		}
	}

	ns := &Namespace{Name: name, ImportedAt: ts, SourcePath: in.SourcePath}
	if err := e.store.register(ctx, ns); err != nil {
		return nil, err
	}
	if err := e.store.createTables(ctx, t); err != nil {
		e.discard(name, err)
		return nil, err
	}

	cycle, err := e.build(ctx, ns, t, prev, in.Reader)
	if err != nil {
		e.discard(name, err)
		return nil, err
	}

	if pruned, err := e.store.Prune(ctx, e.cfg.Retain); err != nil {
		e.logger.Warn("Failed to prune namespaces", zap.Error(err))
	} else {
		cycle.Pruned = pruned
	}

	metrics.CycleDuration.Observe(time.Since(started).Seconds())
	for status, n := range cycle.Counts {
		metrics.ChangesTotal.WithLabelValues(string(status)).Add(float64(n))
	}
	e.logger.Info("Snapshot cycle ready",
		zap.String("namespace", name),
		zap.Int64("edges", cycle.Namespace.Edges),
		zap.Int64("new", cycle.Counts[StatusNew]),
		zap.Int64("updated", cycle.Counts[StatusUpdated]),
		zap.Int64("deleted", cycle.Counts[StatusDeleted]),
		zap.Duration("duration", time.Since(started)))
	return cycle, nil
}

func (e *Engine) build(ctx context.Context, ns *Namespace, t tables, prev *Namespace, r io.Reader) (*Cycle, error) {
	if _, err := e.importRaw(ctx, t, r); err != nil {
		return nil, err
	}
	if err := e.expand(ctx, t, ns.ImportedAt); err != nil {
		return nil, err
	}
	if err := e.dedupe(ctx, t); err != nil {
		return nil, err
	}
	if err := e.validate(ctx, t); err != nil {
		return nil, err
	}
	if err := e.store.dropTable(ctx, t.staged); err != nil {
		return nil, err
	}

	cycle := &Cycle{Previous: prev}
	var prevTables *tables
	if prev != nil {
		pt, err := tablesFor(prev.Name)
		if err != nil {
			return nil, err
		}
		prevTables = &pt
		if !prev.Drained() {
			e.logger.Warn("Previous namespace was not fully dispatched",
				zap.String("previous", prev.Name),
				zap.Int64("offset", prev.ReadOffset),
				zap.Int64("total", prev.Total))
		}
	}

	if err := e.diff(ctx, t, prevTables); err != nil {
		return nil, err
	}

	if prev != nil && e.reconstructor != nil {
		report, err := e.checkContinuity(ctx, t, prev)
		if err != nil {
			e.logger.Warn("Continuity check failed", zap.String("previous", prev.Name), zap.Error(err))
		} else {
			cycle.Continuity = report
			if e.cfg.RetryUnprocessed && !report.Consistent() {
				retried, err := e.appendRetries(ctx, t)
				if err != nil {
					return nil, err
				}
				report.Retried = retried
				if retried > 0 {
					e.logger.Info("Appended retry changes", zap.Int64("count", retried))
				}
			}
		}
		for _, table := range []string{t.reconstructed, t.tombstones} {
			if err := e.store.dropTable(ctx, table); err != nil {
				return nil, err
			}
		}
	}

	if err := e.store.stamp(ctx, t.changes, ns.ImportedAt); err != nil {
		return nil, err
	}
	total, err := e.store.count(ctx, t.changes)
	if err != nil {
		return nil, err
	}
	edges, err := e.store.count(ctx, t.expanded)
	if err != nil {
		return nil, err
	}
	if err := e.store.markReady(ctx, ns.Name, total, edges); err != nil {
		return nil, err
	}
	ns.State, ns.Total, ns.Edges, ns.ReadOffset = StateReady, total, edges, 0
	cycle.Namespace = *ns

	counts, err := e.store.Counts(ctx, ns.Name)
	if err != nil {
		return nil, err
	}
	cycle.Counts = counts
	return cycle, nil
}

// reuse returns the cycle of an existing namespace after checking its change table.
func (e *Engine) reuse(ctx context.Context, ns *Namespace, t tables) (*Cycle, error) {
	if ns.State != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidNamespace, ns.Name, ns.State)
	}
	missing, err := database.MissingColumns(e.db.WithContext(ctx), t.changes, changeColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", t.changes, err)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s lacks columns %v, rerun with force", ErrInvalidNamespace, t.changes, missing)
	}
	counts, err := e.store.Counts(ctx, ns.Name)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Reusing existing namespace", zap.String("namespace", ns.Name),
		zap.Int64("offset", ns.ReadOffset), zap.Int64("total", ns.Total))
	return &Cycle{Namespace: *ns, Reused: true, Counts: counts}, nil
}

// discard drops a half-built namespace. It runs on a fresh context so a
// cancelled cycle still cleans up.
func (e *Engine) discard(name string, cause error) {
	e.logger.Error("Snapshot cycle failed", zap.String("namespace", name), zap.Error(cause))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := e.store.Drop(ctx, name); err != nil {
		e.logger.Error("Failed to drop namespace", zap.String("namespace", name), zap.Error(err))
	}
}

// RunFile ingests the file at path using its modification time as the
// snapshot timestamp, and archives it when an archiver is configured.
func (e *Engine) RunFile(ctx context.Context, path string, force bool) (*Cycle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrMalformedSnapshot, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	cycle, err := e.Run(ctx, Input{Reader: f, ImportedAt: info.ModTime(), SourcePath: path, Force: force})
	if err != nil {
		return nil, err
	}
	if cycle.Reused || e.archiver == nil || !e.cfg.Archive {
		return cycle, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		e.logger.Warn("Failed to rewind snapshot for archiving", zap.Error(err))
		return cycle, nil
	}
	if err := e.archiver.Archive(ctx, cycle.Namespace.Name, f); err != nil {
		e.logger.Warn("Failed to archive snapshot", zap.Error(err))
	}
	return cycle, nil
}

// IsFatal reports whether err is one of the cycle-level failures.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNonMonotonic) || errors.Is(err, ErrMalformedSnapshot) || errors.Is(err, ErrInvalidNamespace)
}
