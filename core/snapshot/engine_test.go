package snapshot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"citation-capture/core/database/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func edgeLine(citing, cited, idType, id string, score int) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"citing": citing,
		"cited":  cited,
		"score":  score,
		"source": "test",
		idType:   id,
	})
	return citing + "\t" + string(payload)
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	require.NoError(t, Migrate(db))
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2
	}
	return NewEngine(db, cfg, zap.NewNop(), opts...), db
}

func runCycle(t *testing.T, e *Engine, ts time.Time, lines ...string) *Cycle {
	t.Helper()
	cycle, err := e.Run(context.Background(), Input{Reader: strings.NewReader(strings.Join(lines, "\n")), ImportedAt: ts})
	require.NoError(t, err)
	return cycle
}

func changesOf(t *testing.T, e *Engine, cycle *Cycle) []Change {
	t.Helper()
	changes, err := e.Store().Changes(context.Background(), cycle.Namespace.Name, 0, 1000)
	require.NoError(t, err)
	return changes
}

func byKey(changes []Change) map[string]Change {
	out := make(map[string]Change, len(changes))
	for _, c := range changes {
		out[c.Key()] = c
	}
	return out
}

func TestEngine_FirstCycleIsAllNew(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	cycle := runCycle(t, e, baseTime,
		edgeLine("2020A&A...1..1A", "", "doi", "10.5281/ZENODO.11020", 1),
		edgeLine("2020A&A...1..1A", "", "pid", "ascl:1901.001", 0),
		edgeLine("2021ApJ...2..2B", "", "url", "https://github.com/org/repo", 0),
	)

	assert.Equal(t, "snapshot_20240301_120000", cycle.Namespace.Name)
	assert.Equal(t, StateReady, cycle.Namespace.State)
	assert.Equal(t, int64(3), cycle.Namespace.Total)
	assert.Equal(t, int64(3), cycle.Counts[StatusNew])
	assert.Nil(t, cycle.Previous)

	changes := byKey(changesOf(t, e, cycle))
	require.Len(t, changes, 3)

	doi := changes["2020A&A...1..1A|10.5281/zenodo.11020"]
	assert.Equal(t, StatusNew, doi.Status)
	assert.Equal(t, ContentDOI, doi.ContentType)
	assert.True(t, doi.NewResolved)
	assert.True(t, doi.Timestamp.Equal(baseTime))

	assert.Equal(t, ContentPID, changes["2020A&A...1..1A|ascl:1901.001"].ContentType)
	assert.Equal(t, ContentURL, changes["2021ApJ...2..2B|https://github.com/org/repo"].ContentType)
}

func TestEngine_ResolvedFlipEmitsOneUpdated(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	runCycle(t, e, baseTime, edgeLine("A", "", "doi", "10.5281/zenodo.11020", 0))
	cycle := runCycle(t, e, baseTime.Add(time.Hour), edgeLine("A", "", "doi", "10.5281/zenodo.11020", 1))

	changes := changesOf(t, e, cycle)
	require.Len(t, changes, 1)
	assert.Equal(t, StatusUpdated, changes[0].Status)
	assert.Equal(t, "A", changes[0].Citing)
	assert.Equal(t, "10.5281/zenodo.11020", changes[0].Content)
	assert.True(t, changes[0].NewResolved)
	assert.False(t, changes[0].PreviousResolved)
	assert.True(t, changes[0].Timestamp.Equal(baseTime.Add(time.Hour)))
}

func TestEngine_DiffCorrectness(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	first := []string{
		edgeLine("A", "C1", "doi", "10.1/same", 1),
		edgeLine("A", "C1", "doi", "10.1/changed", 1),
		edgeLine("B", "", "url", "https://example.org/gone", 0),
	}
	second := []string{
		edgeLine("A", "C1", "doi", "10.1/same", 1),
		edgeLine("A", "C2", "doi", "10.1/changed", 1),
		edgeLine("B", "", "pid", "ascl:2001.001", 0),
	}
	runCycle(t, e, baseTime, first...)
	cycle := runCycle(t, e, baseTime.Add(time.Hour), second...)

	assert.Equal(t, map[Status]int64{StatusNew: 1, StatusUpdated: 1, StatusDeleted: 1}, cycle.Counts)
	require.NotNil(t, cycle.Previous)
	assert.Equal(t, "snapshot_20240301_120000", cycle.Previous.Name)

	changes := byKey(changesOf(t, e, cycle))
	require.Len(t, changes, 3)
	assert.NotContains(t, changes, "A|10.1/same")

	updated := changes["A|10.1/changed"]
	assert.Equal(t, StatusUpdated, updated.Status)
	assert.Equal(t, "C2", updated.NewCited)
	assert.Equal(t, "C1", updated.PreviousCited)

	deleted := changes["B|https://example.org/gone"]
	assert.Equal(t, StatusDeleted, deleted.Status)
	assert.Equal(t, ContentURL, deleted.ContentType)
	assert.Empty(t, deleted.NewCited)
	assert.True(t, deleted.Timestamp.Equal(baseTime.Add(time.Hour)))

	added := changes["B|ascl:2001.001"]
	assert.Equal(t, StatusNew, added.Status)
	assert.Equal(t, ContentPID, added.ContentType)
}

func TestEngine_DedupePrefersResolved(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	cycle := runCycle(t, e, baseTime,
		edgeLine("A", "X", "doi", "10.1/dup", 0),
		edgeLine("A", "Y", "doi", "10.1/DUP", 1),
		edgeLine("A", "Z", "doi", "10.1/dup", 1),
	)

	rows, err := e.Store().Expanded(context.Background(), cycle.Namespace.Name)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Resolved)
	assert.Equal(t, "Y", rows[0].Cited)
	assert.Equal(t, "10.1/dup", rows[0].Content)
}

func TestEngine_CitingFallsBackToBibcode(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	cycle := runCycle(t, e, baseTime, "2019MNRAS.1..1C\t{\"score\":\"1\",\"doi\":\"10.1/x\"}")

	changes := changesOf(t, e, cycle)
	require.Len(t, changes, 1)
	assert.Equal(t, "2019MNRAS.1..1C", changes[0].Citing)
	assert.True(t, changes[0].NewResolved)
}

func TestEngine_MalformedInputDropsNamespace(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
	}{
		{"Missing Tab", []string{edgeLine("A", "", "doi", "10.1/a", 1), "no separator here"}},
		{"Two Identifiers", []string{"A\t{\"citing\":\"A\",\"doi\":\"10.1/a\",\"url\":\"https://x\"}"}},
		{"No Identifier", []string{"A\t{\"citing\":\"A\",\"score\":1}"}},
		{"Bad Payload", []string{"A\t{not json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, db := newTestEngine(t, Config{})
			ctx := context.Background()

			_, err := e.Run(ctx, Input{Reader: strings.NewReader(strings.Join(tt.lines, "\n")), ImportedAt: baseTime})
			require.ErrorIs(t, err, ErrMalformedSnapshot)
			assert.True(t, IsFatal(err))

			ns, err := e.Store().Get(ctx, NamespaceName(baseTime))
			require.NoError(t, err)
			assert.Nil(t, ns)
			assert.False(t, db.Migrator().HasTable(NamespaceName(baseTime)+"_raw"))
			assert.False(t, db.Migrator().HasTable(NamespaceName(baseTime)+"_changes"))
		})
	}
}

func TestEngine_RejectsNonMonotonicTimestamp(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	runCycle(t, e, baseTime.Add(time.Hour), edgeLine("A", "", "doi", "10.1/a", 1))

	_, err := e.Run(ctx, Input{Reader: strings.NewReader(edgeLine("A", "", "doi", "10.1/b", 1)), ImportedAt: baseTime})
	require.ErrorIs(t, err, ErrNonMonotonic)

	all, err := e.Store().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, NamespaceName(baseTime.Add(time.Hour)), all[0].Name)
}

func TestEngine_ReusesExistingNamespace(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	first := runCycle(t, e, baseTime, edgeLine("A", "", "doi", "10.1/a", 1))
	require.NoError(t, e.Store().SaveOffset(ctx, first.Namespace.Name, 1))

	again := runCycle(t, e, baseTime.Add(300*time.Millisecond), edgeLine("B", "", "doi", "10.1/other", 1))
	assert.True(t, again.Reused)
	assert.Equal(t, first.Namespace.Name, again.Namespace.Name)
	assert.Equal(t, int64(1), again.Namespace.ReadOffset)
	assert.Equal(t, first.Counts, again.Counts)

	forced, err := e.Run(ctx, Input{
		Reader:     strings.NewReader(edgeLine("B", "", "doi", "10.1/other", 1)),
		ImportedAt: baseTime,
		Force:      true,
	})
	require.NoError(t, err)
	assert.False(t, forced.Reused)
	assert.Equal(t, int64(0), forced.Namespace.ReadOffset)
	changes := changesOf(t, e, forced)
	require.Len(t, changes, 1)
	assert.Equal(t, "B", changes[0].Citing)
}

func TestEngine_PrunesToRetain(t *testing.T) {
	e, db := newTestEngine(t, Config{Retain: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		runCycle(t, e, baseTime.Add(time.Duration(i)*time.Hour), edgeLine("A", "", "doi", "10.1/a", i%2))
	}

	all, err := e.Store().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, NamespaceName(baseTime.Add(4*time.Hour)), all[0].Name)
	assert.Equal(t, NamespaceName(baseTime.Add(2*time.Hour)), all[2].Name)
	assert.False(t, db.Migrator().HasTable(NamespaceName(baseTime)+"_expanded"))
	assert.True(t, db.Migrator().HasTable(NamespaceName(baseTime.Add(2*time.Hour))+"_expanded"))
}

func TestEngine_DropsIncompleteNamespaces(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	stale := &Namespace{Name: NamespaceName(baseTime), ImportedAt: baseTime}
	require.NoError(t, e.Store().register(ctx, stale))

	cycle := runCycle(t, e, baseTime, edgeLine("A", "", "doi", "10.1/a", 1))
	assert.False(t, cycle.Reused)
	assert.Equal(t, int64(1), cycle.Counts[StatusNew])
}

type fakeReconstructor struct {
	rows    []Row
	deleted []Row
	asOf    time.Time
}

func (f *fakeReconstructor) Reconstruct(ctx context.Context, db *gorm.DB, table string, asOf time.Time) error {
	f.asOf = asOf
	return insertRows(db, table, f.rows)
}

func (f *fakeReconstructor) Tombstones(ctx context.Context, db *gorm.DB, table string, asOf time.Time) error {
	return insertRows(db, table, f.deleted)
}

func insertRows(db *gorm.DB, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	rows = append([]Row(nil), rows...)
	return db.Table(table).Create(&rows).Error
}

func TestEngine_ContinuityRetries(t *testing.T) {
	snapshotLines := []string{
		edgeLine("A", "", "doi", "10.1/kept", 1),
		edgeLine("B", "", "doi", "10.1/unprocessed", 1),
	}
	registry := []Row{
		{Citing: "A", Content: "10.1/kept", HasDOI: true, Resolved: true, Timestamp: baseTime},
		{Citing: "X", Content: "https://example.org/orphan", HasURL: true, Timestamp: baseTime},
	}

	t.Run("Retry Enabled", func(t *testing.T) {
		recon := &fakeReconstructor{rows: registry}
		e, _ := newTestEngine(t, Config{RetryUnprocessed: true}, WithReconstructor(recon))

		runCycle(t, e, baseTime, snapshotLines...)
		cycle := runCycle(t, e, baseTime.Add(time.Hour), snapshotLines...)

		assert.True(t, recon.asOf.Equal(baseTime))
		require.NotNil(t, cycle.Continuity)
		assert.Equal(t, int64(2), cycle.Continuity.Reconstructed)
		assert.Equal(t, int64(1), cycle.Continuity.MissingFromRegistry)
		assert.Equal(t, int64(1), cycle.Continuity.MissingFromSnapshot)
		assert.Equal(t, int64(2), cycle.Continuity.Retried)
		assert.ElementsMatch(t, []string{"B|10.1/unprocessed", "X|https://example.org/orphan"}, cycle.Continuity.Samples)

		changes := byKey(changesOf(t, e, cycle))
		require.Len(t, changes, 2)
		assert.Equal(t, StatusNew, changes["B|10.1/unprocessed"].Status)
		assert.True(t, changes["B|10.1/unprocessed"].Retry)
		orphan := changes["X|https://example.org/orphan"]
		assert.Equal(t, StatusDeleted, orphan.Status)
		assert.Equal(t, ContentURL, orphan.ContentType)
		assert.True(t, orphan.Retry)
		assert.True(t, orphan.Timestamp.Equal(baseTime.Add(time.Hour)))
	})

	t.Run("Retry Disabled", func(t *testing.T) {
		recon := &fakeReconstructor{rows: registry}
		e, db := newTestEngine(t, Config{RetryUnprocessed: false}, WithReconstructor(recon))

		runCycle(t, e, baseTime, snapshotLines...)
		cycle := runCycle(t, e, baseTime.Add(time.Hour), snapshotLines...)

		require.NotNil(t, cycle.Continuity)
		assert.False(t, cycle.Continuity.Consistent())
		assert.Zero(t, cycle.Continuity.Retried)
		assert.Empty(t, changesOf(t, e, cycle))
		assert.False(t, db.Migrator().HasTable(cycle.Namespace.Name+"_reconstructed"))
		assert.False(t, db.Migrator().HasTable(cycle.Namespace.Name+"_tombstones"))
	})

	t.Run("Mismatched Values", func(t *testing.T) {
		recon := &fakeReconstructor{rows: []Row{
			{Citing: "A", Content: "10.1/kept", HasDOI: true, Resolved: false, Timestamp: baseTime},
			{Citing: "B", Cited: "2019B", Content: "10.1/unprocessed", HasDOI: true, Resolved: true, Timestamp: baseTime},
		}}
		e, _ := newTestEngine(t, Config{RetryUnprocessed: true}, WithReconstructor(recon))

		runCycle(t, e, baseTime, snapshotLines...)
		cycle := runCycle(t, e, baseTime.Add(time.Hour), snapshotLines...)

		require.NotNil(t, cycle.Continuity)
		assert.Zero(t, cycle.Continuity.MissingFromRegistry)
		assert.Zero(t, cycle.Continuity.MissingFromSnapshot)
		assert.Equal(t, int64(2), cycle.Continuity.Mismatched)
		assert.False(t, cycle.Continuity.Consistent())
		assert.Equal(t, int64(2), cycle.Continuity.Retried)

		changes := byKey(changesOf(t, e, cycle))
		require.Len(t, changes, 2)
		kept := changes["A|10.1/kept"]
		assert.Equal(t, StatusUpdated, kept.Status)
		assert.True(t, kept.NewResolved)
		assert.False(t, kept.PreviousResolved)
		assert.True(t, kept.Retry)
		assert.True(t, kept.Timestamp.Equal(baseTime.Add(time.Hour)))
		unprocessed := changes["B|10.1/unprocessed"]
		assert.Equal(t, StatusUpdated, unprocessed.Status)
		assert.Empty(t, unprocessed.NewCited)
		assert.Equal(t, "2019B", unprocessed.PreviousCited)
	})
}

func TestEngine_ContinuityTombstones(t *testing.T) {
	snapshotLines := []string{
		edgeLine("A", "", "doi", "10.1/kept", 1),
		edgeLine("B", "", "doi", "10.1/reappeared", 1),
	}
	kept := Row{Citing: "A", Content: "10.1/kept", HasDOI: true, Resolved: true, Timestamp: baseTime}
	deleted := []Row{{Citing: "B", Content: "10.1/reappeared", HasDOI: true, Timestamp: baseTime}}

	t.Run("Consistent", func(t *testing.T) {
		recon := &fakeReconstructor{rows: []Row{kept}, deleted: deleted}
		e, _ := newTestEngine(t, Config{RetryUnprocessed: true}, WithReconstructor(recon))

		runCycle(t, e, baseTime, snapshotLines...)
		cycle := runCycle(t, e, baseTime.Add(time.Hour), snapshotLines...)

		require.NotNil(t, cycle.Continuity)
		assert.Zero(t, cycle.Continuity.MissingFromRegistry)
		assert.Equal(t, int64(1), cycle.Continuity.Tombstoned)
		assert.True(t, cycle.Continuity.Consistent())
		assert.Zero(t, cycle.Continuity.Retried)
		assert.Empty(t, changesOf(t, e, cycle))
	})

	t.Run("Not Retried", func(t *testing.T) {
		orphan := Row{Citing: "X", Content: "https://example.org/orphan", HasURL: true, Timestamp: baseTime}
		recon := &fakeReconstructor{rows: []Row{kept, orphan}, deleted: deleted}
		e, _ := newTestEngine(t, Config{RetryUnprocessed: true}, WithReconstructor(recon))

		runCycle(t, e, baseTime, snapshotLines...)
		cycle := runCycle(t, e, baseTime.Add(time.Hour), snapshotLines...)

		require.NotNil(t, cycle.Continuity)
		assert.Equal(t, int64(1), cycle.Continuity.Tombstoned)
		assert.Equal(t, int64(1), cycle.Continuity.MissingFromSnapshot)
		assert.Equal(t, int64(1), cycle.Continuity.Retried)

		changes := byKey(changesOf(t, e, cycle))
		require.Len(t, changes, 1)
		assert.Equal(t, StatusDeleted, changes["X|https://example.org/orphan"].Status)
	})
}
