package citation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"citation-capture/core/broker"
	"citation-capture/core/reconcile"
	"citation-capture/core/snapshot"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dependencies are the collaborators of a Processor. Nil broker, sink and
// canonical resolver fall back to no-op implementations.
type Dependencies struct {
	Metadata  MetadataResolver
	Liveness  LivenessChecker
	Canonical CanonicalResolver
	Broker    Broker
	Sink      Sink
}

// Processor applies snapshot changes to the registry.
type Processor struct {
	store      *Store
	metadata   MetadataResolver
	liveness   LivenessChecker
	canonical  CanonicalResolver
	emit       *emitter
	pidBaseURL string
	logger     *zap.Logger
	enqueue    func(ctx context.Context, task reconcile.Task) error
	fetches    singleflight.Group
}

// NewProcessor creates a processor. pidBaseURL prefixes PIDs for liveness checks.
func NewProcessor(store *Store, deps Dependencies, pidBaseURL string, logger *zap.Logger) *Processor {
	if deps.Canonical == nil {
		deps.Canonical = IdentityResolver{}
	}
	if deps.Broker == nil {
		deps.Broker = broker.Discard{}
	}
	if deps.Sink == nil {
		deps.Sink = DiscardSink{}
	}
	return &Processor{
		store:      store,
		metadata:   deps.Metadata,
		liveness:   deps.Liveness,
		canonical:  deps.Canonical,
		emit:       &emitter{broker: deps.Broker, sink: deps.Sink, logger: logger},
		pidBaseURL: pidBaseURL,
		logger:     logger,
	}
}

// Store returns the registry store.
func (p *Processor) Store() *Store {
	return p.store
}

// Register installs the task handlers on pool. Follow-up tasks are enqueued on
// the same pool.
func (p *Processor) Register(pool *reconcile.Pool) {
	pool.Handle(KindChange, p.handle)
	pool.Handle(KindSibling, p.handle)
	pool.Handle(KindCodeHost, p.handle)
	p.enqueue = pool.Enqueue
}

func (p *Processor) handle(ctx context.Context, task reconcile.Task) error {
	switch t := task.(type) {
	case ChangeTask:
		return p.Process(ctx, t.Change)
	case SiblingTask:
		return p.UpdateSibling(ctx, t)
	case CodeHostTask:
		return p.CheckCodeHost(ctx, t)
	default:
		return reconcile.Structuralf("unexpected task %T", task)
	}
}

// schedule hands follow-up tasks to the pool, or runs them inline when the
// processor is not attached to one.
func (p *Processor) schedule(ctx context.Context, tasks []reconcile.Task) error {
	var errs []error
	for _, task := range tasks {
		var err error
		if p.enqueue != nil {
			err = p.enqueue(ctx, task)
		} else {
			err = p.handle(ctx, task)
		}
		if reconcile.IsTransient(err) || reconcile.IsStructural(err) {
			p.logger.Warn("Follow-up task failed", zap.String("kind", task.Kind()), zap.String("key", task.Key()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Process applies one change record.
func (p *Processor) Process(ctx context.Context, c snapshot.Change) error {
	if strings.TrimSpace(c.Citing) == "" || strings.TrimSpace(c.Content) == "" {
		return reconcile.Structuralf("change %d has an empty citing or content", c.ID)
	}
	if !c.ContentType.Valid() {
		return reconcile.Structuralf("change %s has unknown content type %q", c.Key(), c.ContentType)
	}
	c.Timestamp = c.Timestamp.UTC()

	switch c.Status {
	case snapshot.StatusNew:
		return p.processNew(ctx, c)
	case snapshot.StatusUpdated:
		return p.processUpdated(ctx, c)
	case snapshot.StatusDeleted:
		return p.processDeleted(ctx, c)
	default:
		return reconcile.Structuralf("change %s has unknown status %q", c.Key(), c.Status)
	}
}

func (p *Processor) processNew(ctx context.Context, c snapshot.Change) error {
	existing, err := p.store.FindCitation(ctx, c.Citing, c.Content)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("citation %s: %w", c.Key(), reconcile.ErrAlreadyExists)
	}

	citing, err := p.canonical.ToCanonical(ctx, c.Citing)
	if errors.Is(err, ErrUnknownCiting) {
		return reconcile.Structural(fmt.Errorf("citation %s: %w", c.Key(), err))
	}
	if err != nil {
		return fmt.Errorf("failed to canonicalize %s: %w", c.Citing, err)
	}

	target, err := p.ensureTarget(ctx, c.Content, c.ContentType)
	if err != nil {
		return err
	}

	if target.Status.Emits() {
		if err := p.emit.cites(ctx, p.store, broker.ActionCreated, citing, target, c.Timestamp); err != nil {
			return err
		}
		// The edge is stored below, so the record counts it ahead of time.
		pending := int64(0)
		if target.Status == StatusRegistered {
			pending = 1
		}
		if err := p.emit.publishCounting(ctx, p.store, target, pending); err != nil {
			return err
		}
	}

	edge := &Citation{
		Citing:          c.Citing,
		Content:         c.Content,
		CitingCanonical: citing,
		Cited:           c.NewCited,
		Resolved:        c.NewResolved,
		Timestamp:       c.Timestamp,
		Status:          target.Status,
	}
	ok, err := p.store.CreateCitation(ctx, edge)
	if err != nil {
		return fmt.Errorf("failed to store citation %s: %w", c.Key(), err)
	}
	if !ok {
		p.logger.Warn("Citation already created by a concurrent worker", zap.String("key", c.Key()))
		return fmt.Errorf("citation %s: %w", c.Key(), reconcile.ErrAlreadyExists)
	}
	return nil
}

// ensureTarget returns the target of content, resolving and creating it when absent.
func (p *Processor) ensureTarget(ctx context.Context, content string, ct snapshot.ContentType) (*Target, error) {
	t, err := p.store.FindTarget(ctx, content)
	if err != nil || t != nil {
		return t, err
	}

	t, followups, err := p.resolveTarget(ctx, content, ct)
	if err != nil {
		return nil, err
	}
	ok, err := p.store.CreateTarget(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to store target %s: %w", content, err)
	}
	if !ok {
		p.logger.Warn("Target already created by a concurrent worker", zap.String("content", content))
		t, err = p.store.FindTarget(ctx, content)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("target %s vanished after a concurrent create", content)
		}
		return t, nil
	}

	p.logger.Info("Target created",
		zap.String("content", content),
		zap.String("status", string(t.Status)),
		zap.String("bibcode", t.Bibcode))
	if err := p.schedule(ctx, followups); err != nil {
		p.logger.Warn("Some follow-up tasks failed", zap.String("content", content), zap.Error(err))
	}
	return t, nil
}

// resolveTarget builds a new target for content without storing it.
func (p *Processor) resolveTarget(ctx context.Context, content string, ct snapshot.ContentType) (*Target, []reconcile.Task, error) {
	t := &Target{Content: content, ContentType: ct}
	t.SetWorks(nil)

	switch ct {
	case snapshot.ContentDOI:
		raw, meta, err := p.fetchMetadata(ctx, content)
		if err != nil {
			return nil, nil, err
		}
		t.RawMetadata = string(raw)
		t.SetParsed(meta)
		var related []string
		if meta.IsSoftware() {
			related = p.relatedVersions(ctx, meta, content)
		}
		followups, err := p.register(ctx, p.store, t, meta, related)
		if err != nil {
			return nil, nil, err
		}
		return t, followups, nil

	case snapshot.ContentPID:
		alive, err := p.liveness.IsAlive(ctx, p.pidBaseURL+content)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to check %s: %w", content, err)
		}
		t.SetParsed(Metadata{LinkAlive: &alive})
		t.Status = StatusEmittable
		return t, nil, nil

	default:
		if !p.liveness.IsCodeHost(content) {
			t.SetParsed(Metadata{})
			t.Status = StatusDiscarded
			return t, nil, nil
		}
		t.SetParsed(Metadata{})
		t.Status = StatusEmittable
		return t, []reconcile.Task{CodeHostTask{Content: content}}, nil
	}
}

// register classifies a DOI target from its metadata: non-software or
// underivable targets are DISCARDED, the rest REGISTERED and linked to their
// registered sibling versions. related are the versions listed by the
// target's concept records.
func (p *Processor) register(ctx context.Context, s *Store, t *Target, meta Metadata, related []string) ([]reconcile.Task, error) {
	if !meta.IsSoftware() {
		t.Status = StatusDiscarded
		return nil, nil
	}
	effective, err := overlay(meta, t.CuratedMetadata)
	if err != nil {
		effective = meta
	}
	code, err := BuildBibcode(t.Content, effective)
	if err != nil {
		p.logger.Info("Discarding target without bibcode", zap.String("content", t.Content), zap.Error(err))
		t.Status = StatusDiscarded
		return nil, nil
	}
	t.Bibcode = code
	t.Status = StatusRegistered
	return linkVersions(ctx, s, t, meta, related)
}

// fetchMetadata fetches and parses the metadata of a DOI. Concurrent fetches
// for the same DOI share one request.
func (p *Processor) fetchMetadata(ctx context.Context, content string) ([]byte, Metadata, error) {
	v, err, _ := p.fetches.Do(content, func() (interface{}, error) {
		return p.metadata.Fetch(ctx, content)
	})
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to fetch metadata for %s: %w", content, err)
	}
	raw := v.([]byte)
	meta, err := p.metadata.Parse(raw)
	if err != nil {
		return nil, Metadata{}, reconcile.Structural(fmt.Errorf("failed to parse metadata for %s: %w", content, err))
	}
	return raw, meta, nil
}

func (p *Processor) processUpdated(ctx context.Context, c snapshot.Change) error {
	edge, err := p.store.FindCitation(ctx, c.Citing, c.Content)
	if err != nil {
		return err
	}
	if edge == nil {
		return reconcile.Structuralf("citation %s does not exist", c.Key())
	}
	if !c.Timestamp.After(edge.Timestamp) {
		p.logger.Debug("Ignoring stale update", zap.String("key", c.Key()))
		return fmt.Errorf("citation %s: %w", c.Key(), reconcile.ErrStale)
	}

	target, err := p.store.FindTarget(ctx, c.Content)
	if err != nil {
		return err
	}
	var refreshed *Metadata
	var raw []byte
	if target != nil && target.Status == StatusRegistered && target.ContentType == snapshot.ContentDOI {
		r, meta, err := p.fetchMetadata(ctx, c.Content)
		switch {
		case reconcile.IsStructural(err):
			p.logger.Warn("Keeping stored metadata", zap.String("content", c.Content), zap.Error(err))
		case err != nil:
			return err
		default:
			raw, refreshed = r, &meta
		}
	}
	var related []string
	if target != nil && target.Status == StatusRegistered {
		base := effectiveOrParsed(target)
		if refreshed != nil {
			base = *refreshed
		}
		related = p.relatedVersions(ctx, base, c.Content)
	}

	var followups []reconcile.Task
	err = p.store.WithTx(ctx, func(tx *Store) error {
		edge, err := tx.LockCitation(ctx, c.Citing, c.Content)
		if err != nil {
			return err
		}
		if edge == nil {
			return reconcile.Structuralf("citation %s does not exist", c.Key())
		}
		if !c.Timestamp.After(edge.Timestamp) {
			return fmt.Errorf("citation %s: %w", c.Key(), reconcile.ErrStale)
		}
		edge.Cited = c.NewCited
		edge.Resolved = c.NewResolved
		edge.Timestamp = c.Timestamp
		if err := tx.SaveCitation(ctx, edge); err != nil {
			return err
		}
		if target == nil || target.Status != StatusRegistered || edge.Status != StatusRegistered {
			return nil
		}

		t, err := tx.LockTarget(ctx, c.Content)
		if err != nil {
			return err
		}
		if t == nil || t.Status != StatusRegistered {
			return nil
		}
		if refreshed != nil {
			applyRefresh(t, raw, *refreshed)
		}
		change, err := recomputeBibcode(t)
		if err != nil {
			p.logger.Warn("Keeping stored bibcode", zap.String("content", t.Content), zap.Error(err))
			change = identityChange{Old: t.Bibcode, New: t.Bibcode}
		}
		followups, err = linkVersions(ctx, tx, t, effectiveOrParsed(t), related)
		if err != nil {
			return err
		}
		if err := tx.SaveTarget(ctx, t); err != nil {
			return err
		}
		if err := p.emit.cites(ctx, tx, broker.ActionCreated, edge.CitingCanonical, t, c.Timestamp); err != nil {
			return err
		}
		if change.Changed() {
			return p.emit.reidentify(ctx, tx, t, change)
		}
		return p.emit.publish(ctx, tx, t)
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrStale) {
			p.logger.Debug("Ignoring stale update", zap.String("key", c.Key()))
		}
		return err
	}
	return p.schedule(ctx, followups)
}

// applyRefresh stores freshly fetched metadata on t, carrying over the
// alternate bibcodes accumulated so far.
func applyRefresh(t *Target, raw []byte, meta Metadata) {
	meta.AlternateBibcodes = mergeAlternates(append(t.Parsed().AlternateBibcodes, meta.AlternateBibcodes...), "", t.Bibcode)
	t.RawMetadata = string(raw)
	t.SetParsed(meta)
}

func (p *Processor) processDeleted(ctx context.Context, c snapshot.Change) error {
	err := p.store.WithTx(ctx, func(tx *Store) error {
		edge, err := tx.LockCitation(ctx, c.Citing, c.Content)
		if err != nil {
			return err
		}
		if edge == nil {
			return reconcile.Structuralf("citation %s does not exist", c.Key())
		}
		if !c.Timestamp.After(edge.Timestamp) {
			return fmt.Errorf("citation %s: %w", c.Key(), reconcile.ErrStale)
		}
		previous := edge.Status
		edge.Status = StatusDeleted
		edge.Timestamp = c.Timestamp
		if err := tx.SaveCitation(ctx, edge); err != nil {
			return err
		}
		if previous != StatusRegistered {
			return nil
		}

		t, err := tx.FindTarget(ctx, c.Content)
		if err != nil {
			return err
		}
		if t == nil {
			return nil
		}
		if err := p.emit.cites(ctx, tx, broker.ActionDeleted, edge.CitingCanonical, t, c.Timestamp); err != nil {
			return err
		}
		return p.emit.publish(ctx, tx, t)
	})
	if errors.Is(err, reconcile.ErrStale) {
		p.logger.Debug("Ignoring stale delete", zap.String("key", c.Key()))
	}
	return err
}

// UpdateSibling adds the task's source version to a sibling's associated works
// and republishes the sibling. Repeated deliveries are no-ops.
func (p *Processor) UpdateSibling(ctx context.Context, task SiblingTask) error {
	return p.store.WithTx(ctx, func(tx *Store) error {
		t, err := tx.LockTarget(ctx, task.Sibling)
		if err != nil {
			return err
		}
		if t == nil {
			return reconcile.Structuralf("sibling %s does not exist", task.Sibling)
		}
		if t.Status != StatusRegistered || t.Content == task.Source {
			return nil
		}
		works := t.Works()
		if current, ok := works[task.Label]; ok && current == task.Bibcode {
			return nil
		}
		works[task.Label] = task.Bibcode
		t.SetWorks(works)
		if err := tx.SaveTarget(ctx, t); err != nil {
			return err
		}
		p.logger.Info("Linked sibling version",
			zap.String("sibling", task.Sibling),
			zap.String("source", task.Source),
			zap.String("label", task.Label))
		return p.emit.publish(ctx, tx, t)
	})
}

// CheckCodeHost rechecks the liveness of a code-host URL target and records
// the repository license when the checker can look it up.
func (p *Processor) CheckCodeHost(ctx context.Context, task CodeHostTask) error {
	alive, err := p.liveness.IsAlive(ctx, task.Content)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", task.Content, err)
	}
	license := ""
	if finder, ok := p.liveness.(LicenseFinder); ok && alive {
		license, err = finder.License(ctx, task.Content)
		if err != nil {
			return fmt.Errorf("failed to look up license of %s: %w", task.Content, err)
		}
	}

	return p.store.WithTx(ctx, func(tx *Store) error {
		t, err := tx.LockTarget(ctx, task.Content)
		if err != nil {
			return err
		}
		if t == nil {
			return reconcile.Structuralf("target %s does not exist", task.Content)
		}
		meta := t.Parsed()
		meta.LinkAlive = &alive
		if license != "" {
			meta.License = license
		}
		t.SetParsed(meta)
		return tx.SaveTarget(ctx, t)
	})
}
