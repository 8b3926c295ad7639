package citation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"citation-capture/core/broker"
	"citation-capture/core/reconcile"
	"citation-capture/core/snapshot"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Report summarizes a maintenance operation.
type Report struct {
	Operation string            `json:"operation"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Failures  map[string]string `json:"failures,omitempty"`
}

func newReport(op string) *Report {
	return &Report{Operation: op, Failures: map[string]string{}}
}

var errSkipped = errors.New("skipped")

func (r *Report) add(key string, err error) {
	r.Total++
	switch {
	case err == nil:
		r.Succeeded++
	case errors.Is(err, errSkipped):
		r.Skipped++
	default:
		r.Failed++
		r.Failures[key] = err.Error()
	}
}

func (p *Processor) logReport(r *Report) {
	p.logger.Info("Maintenance finished",
		zap.String("operation", r.Operation),
		zap.Int("total", r.Total),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Int("skipped", r.Skipped))
}

// reidentifyLocked recomputes the bibcode of a locked REGISTERED target and
// emits the change, or republishes when publishUnchanged is set.
func (p *Processor) reidentifyLocked(ctx context.Context, tx *Store, t *Target, publishUnchanged bool) error {
	change, err := recomputeBibcode(t)
	if err != nil {
		return err
	}
	if err := tx.SaveTarget(ctx, t); err != nil {
		return err
	}
	if change.Changed() {
		p.logger.Info("Bibcode changed", zap.String("content", t.Content),
			zap.String("old", change.Old), zap.String("new", change.New))
		return p.emit.reidentify(ctx, tx, t, change)
	}
	if publishUnchanged {
		return p.emit.publish(ctx, tx, t)
	}
	return nil
}

// ReresolveBibcodes recomputes the bibcode of registered targets. An empty
// contents list selects every registered target.
func (p *Processor) ReresolveBibcodes(ctx context.Context, contents []string) (*Report, error) {
	targets, err := p.store.ListTargets(ctx, contents, StatusRegistered)
	if err != nil {
		return nil, err
	}
	report := newReport("reresolve")
	for _, target := range targets {
		err := p.store.WithTx(ctx, func(tx *Store) error {
			t, err := tx.LockTarget(ctx, target.Content)
			if err != nil {
				return err
			}
			if t == nil || t.Status != StatusRegistered {
				return errSkipped
			}
			return p.reidentifyLocked(ctx, tx, t, false)
		})
		report.add(target.Content, err)
	}
	p.logReport(report)
	return report, nil
}

// RefetchMetadata fetches the metadata of registered DOI targets again and
// applies it. An empty contents list selects every registered target.
func (p *Processor) RefetchMetadata(ctx context.Context, contents []string) (*Report, error) {
	targets, err := p.store.ListTargets(ctx, contents, StatusRegistered)
	if err != nil {
		return nil, err
	}
	report := newReport("refetch")
	for _, target := range targets {
		if target.ContentType != snapshot.ContentDOI {
			report.add(target.Content, errSkipped)
			continue
		}
		raw, meta, err := p.fetchMetadata(ctx, target.Content)
		if err != nil {
			report.add(target.Content, err)
			continue
		}
		related := p.relatedVersions(ctx, meta, target.Content)
		var followups []reconcile.Task
		err = p.store.WithTx(ctx, func(tx *Store) error {
			t, err := tx.LockTarget(ctx, target.Content)
			if err != nil {
				return err
			}
			if t == nil || t.Status != StatusRegistered {
				return errSkipped
			}
			applyRefresh(t, raw, meta)
			if followups, err = linkVersions(ctx, tx, t, effectiveOrParsed(t), related); err != nil {
				return err
			}
			return p.reidentifyLocked(ctx, tx, t, true)
		})
		if err == nil {
			err = p.schedule(ctx, followups)
		}
		report.add(target.Content, err)
	}
	p.logReport(report)
	return report, nil
}

// ApplyCuration merges each entry's fields into the target's curated metadata.
// Unknown keys are dropped and noted on the target; a value of the wrong type
// aborts that entry and its error is stored on the target.
func (p *Processor) ApplyCuration(ctx context.Context, entries []CurationEntry) (*Report, error) {
	report := newReport("curate")
	for _, entry := range entries {
		content := strings.TrimSpace(entry.Content)
		var entryErr error
		err := p.store.WithTx(ctx, func(tx *Store) error {
			t, err := tx.LockTarget(ctx, content)
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("target %s does not exist", content)
			}

			known, unknown := splitCuration(entry.Fields)
			curated := map[string]interface{}{}
			for k, v := range t.CuratedMetadata {
				curated[k] = v
			}
			for k, v := range known {
				curated[k] = v
			}
			if _, err := overlay(t.Parsed(), curated); err != nil {
				t.CurationError = err.Error()
				entryErr = err
				return tx.SaveTarget(ctx, t)
			}

			t.CuratedMetadata = datatypes.JSONMap(curated)
			t.CurationError = ""
			if len(unknown) > 0 {
				t.CurationError = "unknown fields dropped: " + strings.Join(unknown, ", ")
				p.logger.Warn("Dropped unknown curation fields", zap.String("content", content), zap.Strings("fields", unknown))
			}
			if t.Status != StatusRegistered {
				return tx.SaveTarget(ctx, t)
			}
			return p.reidentifyLocked(ctx, tx, t, true)
		})
		if err == nil {
			err = entryErr
		}
		report.add(content, err)
	}
	p.logReport(report)
	return report, nil
}

// ResetCuration clears the curated metadata of targets and recomputes their
// bibcode from parsed metadata. An empty contents list selects every target
// that carries a curation.
func (p *Processor) ResetCuration(ctx context.Context, contents []string) (*Report, error) {
	targets, err := p.store.ListTargets(ctx, contents)
	if err != nil {
		return nil, err
	}
	report := newReport("reset-curation")
	for _, target := range targets {
		if len(contents) == 0 && len(target.CuratedMetadata) == 0 && target.CurationError == "" {
			continue
		}
		err := p.store.WithTx(ctx, func(tx *Store) error {
			t, err := tx.LockTarget(ctx, target.Content)
			if err != nil {
				return err
			}
			if t == nil {
				return errSkipped
			}
			t.CuratedMetadata = datatypes.JSONMap{}
			t.CurationError = ""
			if t.Status != StatusRegistered {
				return tx.SaveTarget(ctx, t)
			}
			return p.reidentifyLocked(ctx, tx, t, true)
		})
		report.add(target.Content, err)
	}
	p.logReport(report)
	return report, nil
}

// ResendRegistered republishes the record of every registered target.
func (p *Processor) ResendRegistered(ctx context.Context) (*Report, error) {
	targets, err := p.store.ListTargets(ctx, nil, StatusRegistered)
	if err != nil {
		return nil, err
	}
	report := newReport("resend")
	for i := range targets {
		report.add(targets[i].Content, p.emit.publish(ctx, p.store, &targets[i]))
	}
	p.logReport(report)
	return report, nil
}

// ReprocessDiscarded refetches discarded DOI targets. Targets that now qualify
// become REGISTERED together with their discarded citations, which are emitted.
func (p *Processor) ReprocessDiscarded(ctx context.Context) (*Report, error) {
	targets, err := p.store.ListTargets(ctx, nil, StatusDiscarded)
	if err != nil {
		return nil, err
	}
	report := newReport("reprocess-discarded")
	for _, target := range targets {
		if target.ContentType != snapshot.ContentDOI {
			report.add(target.Content, errSkipped)
			continue
		}
		raw, meta, err := p.fetchMetadata(ctx, target.Content)
		if err != nil {
			report.add(target.Content, err)
			continue
		}
		var related []string
		if meta.IsSoftware() {
			related = p.relatedVersions(ctx, meta, target.Content)
		}
		var followups []reconcile.Task
		err = p.store.WithTx(ctx, func(tx *Store) error {
			t, err := tx.LockTarget(ctx, target.Content)
			if err != nil {
				return err
			}
			if t == nil || t.Status != StatusDiscarded {
				return errSkipped
			}
			candidate := *t
			candidate.RawMetadata = string(raw)
			candidate.SetParsed(meta)
			if followups, err = p.register(ctx, tx, &candidate, meta, related); err != nil {
				return err
			}
			if candidate.Status != StatusRegistered {
				return errSkipped
			}
			*t = candidate
			if err := tx.SaveTarget(ctx, t); err != nil {
				return err
			}

			edges, err := tx.CitationsOf(ctx, t.Content, StatusDiscarded)
			if err != nil {
				return err
			}
			for i := range edges {
				edges[i].Status = StatusRegistered
				if err := tx.SaveCitation(ctx, &edges[i]); err != nil {
					return err
				}
				if err := p.emit.cites(ctx, tx, broker.ActionCreated, edges[i].CitingCanonical, t, edges[i].Timestamp); err != nil {
					return err
				}
			}
			p.logger.Info("Registered previously discarded target",
				zap.String("content", t.Content), zap.String("bibcode", t.Bibcode), zap.Int("citations", len(edges)))
			return p.emit.publish(ctx, tx, t)
		})
		if err == nil {
			err = p.schedule(ctx, followups)
		}
		report.add(target.Content, err)
	}
	p.logReport(report)
	return report, nil
}

// FailedKeys returns the failed keys of a report in order.
func (r *Report) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failures))
	for k := range r.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
