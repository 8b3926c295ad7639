package snapshot

import (
	"context"
	"fmt"
	"time"

	"citation-capture/core/metrics"

	"github.com/huandu/go-sqlbuilder"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const continuitySampleSize = 5

// Reconstructor materializes the registry's view of the edge set.
type Reconstructor interface {
	// Reconstruct fills table, which has the Row schema, with every non-deleted
	// edge whose last change is not newer than asOf.
	Reconstruct(ctx context.Context, db *gorm.DB, table string, asOf time.Time) error
	// Tombstones fills table, which has the Row schema, with every deleted edge
	// whose deletion is not newer than asOf.
	Tombstones(ctx context.Context, db *gorm.DB, table string, asOf time.Time) error
}

// ContinuityReport compares the previous namespace with the registry.
type ContinuityReport struct {
	Previous            string   `json:"previous"`
	// Reconstructed is the number of edges the registry holds as of the previous cycle.
	Reconstructed       int64    `json:"reconstructed"`
	// MissingFromRegistry counts previous snapshot edges the registry lacks.
	MissingFromRegistry int64    `json:"missing_from_registry"`
	// MissingFromSnapshot counts registry edges the previous snapshot lacks.
	MissingFromSnapshot int64    `json:"missing_from_snapshot"`
	// Mismatched counts edges present on both sides whose cited or resolved differ.
	Mismatched          int64    `json:"mismatched"`
	// Tombstoned counts previous snapshot edges the registry holds as deleted.
	// They are never retried and do not make the report inconsistent.
	Tombstoned          int64    `json:"tombstoned"`
	// Retried is the number of retry changes appended to the cycle.
	Retried             int64    `json:"retried"`
	Samples             []string `json:"samples,omitempty"`
}

// Consistent reports whether both directions matched.
func (r *ContinuityReport) Consistent() bool {
	return r.MissingFromRegistry == 0 && r.MissingFromSnapshot == 0 && r.Mismatched == 0
}

// compare counts the rows of left selected by shape and samples a few of their
// keys. shape adds the joins and conditions to a builder reading left as "l".
func (e *Engine) compare(ctx context.Context, left string, shape func(sb *sqlbuilder.SelectBuilder)) (int64, []string, error) {
	db := e.db.WithContext(ctx)
	flavor := flavorFor(e.db)

	count := sqlbuilder.NewSelectBuilder()
	count.Select("COUNT(*)").From(count.As(left, "l"))
	shape(count)
	query, args := count.BuildWithFlavor(flavor)
	var n int64
	if err := db.Raw(query, args...).Scan(&n).Error; err != nil {
		return 0, nil, fmt.Errorf("failed to compare %s: %w", left, err)
	}
	if n == 0 {
		return 0, nil, nil
	}

	sample := sqlbuilder.NewSelectBuilder()
	sample.Select("l.citing", "l.content").From(sample.As(left, "l"))
	shape(sample)
	sample.OrderBy("l.id").Limit(continuitySampleSize)
	query, args = sample.BuildWithFlavor(flavor)
	var rows []struct {
		Citing  string
		Content string
	}
	if err := db.Raw(query, args...).Scan(&rows).Error; err != nil {
		return 0, nil, fmt.Errorf("failed to sample %s: %w", left, err)
	}
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Citing+"|"+r.Content)
	}
	return n, keys, nil
}

// absentFrom selects left rows whose key is in none of the given tables.
func absentFrom(right ...string) func(sb *sqlbuilder.SelectBuilder) {
	return func(sb *sqlbuilder.SelectBuilder) {
		for i, table := range right {
			alias := fmt.Sprintf("r%d", i)
			sb.JoinWithOption(sqlbuilder.LeftJoin, sb.As(table, alias), joinKey(alias, "l")...)
			sb.Where(alias + ".id IS NULL")
		}
	}
}

// differsFrom selects left rows whose key is in right with another cited or resolved.
func differsFrom(right string) func(sb *sqlbuilder.SelectBuilder) {
	return func(sb *sqlbuilder.SelectBuilder) {
		sb.Join(sb.As(right, "r"), joinKey("r", "l")...)
		sb.Where(valuesDiffer("l", "r"))
	}
}

// tombstonedIn selects left rows whose key is absent from live but present in dead.
func tombstonedIn(live, dead string) func(sb *sqlbuilder.SelectBuilder) {
	return func(sb *sqlbuilder.SelectBuilder) {
		sb.JoinWithOption(sqlbuilder.LeftJoin, sb.As(live, "r"), joinKey("r", "l")...)
		sb.Join(sb.As(dead, "d"), joinKey("d", "l")...)
		sb.Where("r.id IS NULL")
	}
}

func valuesDiffer(a, b string) string {
	return "(" + a + ".cited <> " + b + ".cited OR " + a + ".resolved <> " + b + ".resolved)"
}

// checkContinuity reconstructs the registry as of the previous namespace and
// compares it with that namespace's edges.
func (e *Engine) checkContinuity(ctx context.Context, cur tables, prev *Namespace) (*ContinuityReport, error) {
	prevTables, err := tablesFor(prev.Name)
	if err != nil {
		return nil, err
	}
	if err := e.store.dropTable(ctx, cur.reconstructed); err != nil {
		return nil, err
	}
	if err := e.store.createRowTable(ctx, cur.reconstructed); err != nil {
		return nil, err
	}
	if err := e.reconstructor.Reconstruct(ctx, e.db.WithContext(ctx), cur.reconstructed, prev.ImportedAt); err != nil {
		return nil, fmt.Errorf("failed to reconstruct registry: %w", err)
	}
	if err := e.store.dropTable(ctx, cur.tombstones); err != nil {
		return nil, err
	}
	if err := e.store.createRowTable(ctx, cur.tombstones); err != nil {
		return nil, err
	}
	if err := e.reconstructor.Tombstones(ctx, e.db.WithContext(ctx), cur.tombstones, prev.ImportedAt); err != nil {
		return nil, fmt.Errorf("failed to reconstruct deleted edges: %w", err)
	}

	report := &ContinuityReport{Previous: prev.Name}
	if report.Reconstructed, err = e.store.count(ctx, cur.reconstructed); err != nil {
		return nil, err
	}
	missingReg, sampleReg, err := e.compare(ctx, prevTables.expanded, absentFrom(cur.reconstructed, cur.tombstones))
	if err != nil {
		return nil, err
	}
	missingSnap, sampleSnap, err := e.compare(ctx, cur.reconstructed, absentFrom(prevTables.expanded))
	if err != nil {
		return nil, err
	}
	mismatched, sampleMis, err := e.compare(ctx, prevTables.expanded, differsFrom(cur.reconstructed))
	if err != nil {
		return nil, err
	}
	tombstoned, sampleDead, err := e.compare(ctx, prevTables.expanded, tombstonedIn(cur.reconstructed, cur.tombstones))
	if err != nil {
		return nil, err
	}
	report.MissingFromRegistry = missingReg
	report.MissingFromSnapshot = missingSnap
	report.Mismatched = mismatched
	report.Tombstoned = tombstoned
	report.Samples = append(append(sampleReg, sampleSnap...), sampleMis...)

	metrics.ContinuityMismatches.WithLabelValues("missing_from_registry").Add(float64(missingReg))
	metrics.ContinuityMismatches.WithLabelValues("missing_from_snapshot").Add(float64(missingSnap))
	metrics.ContinuityMismatches.WithLabelValues("mismatched").Add(float64(mismatched))

	if tombstoned > 0 {
		e.logger.Info("Previous snapshot holds edges the registry deleted",
			zap.String("previous", prev.Name),
			zap.Int64("tombstoned", tombstoned),
			zap.Strings("sample", sampleDead))
	}
	if !report.Consistent() {
		e.logger.Warn("Registry diverges from previous snapshot",
			zap.String("previous", prev.Name),
			zap.Int64("missing_from_registry", missingReg),
			zap.Int64("missing_from_snapshot", missingSnap),
			zap.Int64("mismatched", mismatched),
			zap.Strings("sample", report.Samples))
	}
	return report, nil
}

// appendRetries adds changes for edges the diff considers unchanged but the
// registry never reflected. Current rows the registry lacks become NEW unless
// the registry deleted them, registry edges missing from the current snapshot
// become DELETED, and rows whose cited or resolved disagree become UPDATED.
func (e *Engine) appendRetries(ctx context.Context, cur tables) (int64, error) {
	db := e.db.WithContext(ctx)
	flavor := flavorFor(e.db)

	before, err := e.store.count(ctx, cur.changes)
	if err != nil {
		return 0, err
	}

	add := sqlbuilder.NewSelectBuilder()
	add.Select("'NEW'", "c.citing", "c.content", contentTypeExpr("c"),
		"c.cited", "c.resolved", "''", "FALSE", "c.timestamp", "TRUE").
		From(add.As(cur.expanded, "c")).
		JoinWithOption(sqlbuilder.LeftJoin, add.As(cur.reconstructed, "r"), joinKey("r", "c")...).
		JoinWithOption(sqlbuilder.LeftJoin, add.As(cur.tombstones, "d"), joinKey("d", "c")...).
		JoinWithOption(sqlbuilder.LeftJoin, add.As(cur.changes, "x"), joinKey("x", "c")...).
		Where("r.id IS NULL", "d.id IS NULL", "x.id IS NULL").
		OrderBy("c.id")
	query, args := add.BuildWithFlavor(flavor)
	if err := db.Exec(insertInto(cur.changes, changeInsertColumns, query), args...).Error; err != nil {
		return 0, fmt.Errorf("failed to append retried new rows: %w", err)
	}

	del := sqlbuilder.NewSelectBuilder()
	del.Select("'DELETED'", "r.citing", "r.content", contentTypeExpr("r"),
		"''", "FALSE", "r.cited", "r.resolved", "r.timestamp", "TRUE").
		From(del.As(cur.reconstructed, "r")).
		JoinWithOption(sqlbuilder.LeftJoin, del.As(cur.expanded, "c"), joinKey("c", "r")...).
		JoinWithOption(sqlbuilder.LeftJoin, del.As(cur.changes, "x"), joinKey("x", "r")...).
		Where("c.id IS NULL", "x.id IS NULL").
		OrderBy("r.id")
	query, args = del.BuildWithFlavor(flavor)
	if err := db.Exec(insertInto(cur.changes, changeInsertColumns, query), args...).Error; err != nil {
		return 0, fmt.Errorf("failed to append retried deleted rows: %w", err)
	}

	upd := sqlbuilder.NewSelectBuilder()
	upd.Select("'UPDATED'", "c.citing", "c.content", contentTypeExpr("c"),
		"c.cited", "c.resolved", "r.cited", "r.resolved", "c.timestamp", "TRUE").
		From(upd.As(cur.expanded, "c")).
		Join(upd.As(cur.reconstructed, "r"), joinKey("r", "c")...).
		JoinWithOption(sqlbuilder.LeftJoin, upd.As(cur.changes, "x"), joinKey("x", "c")...).
		Where(valuesDiffer("c", "r"), "x.id IS NULL").
		OrderBy("c.id")
	query, args = upd.BuildWithFlavor(flavor)
	if err := db.Exec(insertInto(cur.changes, changeInsertColumns, query), args...).Error; err != nil {
		return 0, fmt.Errorf("failed to append retried updated rows: %w", err)
	}

	after, err := e.store.count(ctx, cur.changes)
	if err != nil {
		return 0, err
	}
	return after - before, nil
}
