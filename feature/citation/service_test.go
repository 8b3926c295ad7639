package citation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"citation-capture/core/reconcile"
	"citation-capture/core/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const zenodo = "10.5281/zenodo.11020"

func TestProcess_NewRegisteredDOI(t *testing.T) {
	h := newHarness(t)
	h.metadata.set(zenodo, software("Astropy", "2014-05-01", "Smith, Jane"))

	require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "2020ApJ...1..1A", zenodo, snapshot.ContentDOI, t0)))

	target := h.mustTarget(t, zenodo)
	assert.Equal(t, StatusRegistered, target.Status)
	assert.Equal(t, "2014zndo.....11020S", target.Bibcode)
	assert.Equal(t, "Astropy", target.Parsed().Title)
	assert.NotEmpty(t, target.RawMetadata)

	edge := h.mustCitation(t, "2020ApJ...1..1A", zenodo)
	assert.Equal(t, StatusRegistered, edge.Status)
	assert.Equal(t, "canon:2020ApJ...1..1A", edge.CitingCanonical)
	assert.True(t, edge.Timestamp.Equal(t0))

	assert.Equal(t, []string{"Cites.created"}, h.broker.types())
	require.Equal(t, 1, h.sink.count())
	rec := h.sink.last()
	assert.Equal(t, SinkPublish, rec.Action)
	assert.Equal(t, "2014zndo.....11020S", rec.Bibcode)
	assert.EqualValues(t, 1, rec.CitationCount)
}

func TestProcess_NonSoftwareDiscarded(t *testing.T) {
	h := newHarness(t)
	h.metadata.set("10.1000/paper", Metadata{Title: "A paper", PubDate: "2019", DocType: "article"})

	require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", "10.1000/paper", snapshot.ContentDOI, t0)))

	target := h.mustTarget(t, "10.1000/paper")
	assert.Equal(t, StatusDiscarded, target.Status)
	assert.Empty(t, target.Bibcode)
	assert.Equal(t, StatusDiscarded, h.mustCitation(t, "citing", "10.1000/paper").Status)
	assert.Empty(t, h.broker.types())
	assert.Zero(t, h.sink.count())
}

func TestProcess_FailureClassification(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		change     snapshot.Change
		structural bool
	}{
		{
			name:   "FetchError",
			setup:  func(h *harness) { h.metadata.failing[zenodo] = errors.New("timeout") },
			change: change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentDOI, t0),
		},
		{
			name:       "UnparsableMetadata",
			setup:      func(h *harness) { h.metadata.broken[zenodo] = true },
			change:     change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentDOI, t0),
			structural: true,
		},
		{
			name:       "UnknownCiting",
			setup:      func(h *harness) { h.metadata.set(zenodo, software("x", "2014", "Smith")) },
			change:     change(snapshot.StatusNew, "UNKNOWN", zenodo, snapshot.ContentDOI, t0),
			structural: true,
		},
		{
			name:       "EmptyContent",
			setup:      func(*harness) {},
			change:     change(snapshot.StatusNew, "citing", " ", snapshot.ContentDOI, t0),
			structural: true,
		},
		{
			name:       "UnknownContentType",
			setup:      func(*harness) {},
			change:     change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentType("ISBN"), t0),
			structural: true,
		},
		{
			name:       "UpdateWithoutEdge",
			setup:      func(*harness) {},
			change:     change(snapshot.StatusUpdated, "citing", zenodo, snapshot.ContentDOI, t0),
			structural: true,
		},
		{
			name:   "PidLivenessError",
			setup:  func(*harness) {},
			change: change(snapshot.StatusNew, "citing", "ascl:9999.999", snapshot.ContentPID, t0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			err := h.proc.Process(context.Background(), tt.change)
			require.Error(t, err)
			assert.Equal(t, tt.structural, reconcile.IsStructural(err))
			assert.Equal(t, !tt.structural, reconcile.IsTransient(err))

			edge, err := h.store.FindCitation(context.Background(), tt.change.Citing, tt.change.Content)
			require.NoError(t, err)
			assert.Nil(t, edge)
		})
	}
}

func TestProcess_PIDEmittable(t *testing.T) {
	h := newHarness(t)
	h.liveness.alive["https://ascl.net/ascl:1010.001"] = true

	require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", "ascl:1010.001", snapshot.ContentPID, t0)))

	target := h.mustTarget(t, "ascl:1010.001")
	assert.Equal(t, StatusEmittable, target.Status)
	require.NotNil(t, target.Parsed().LinkAlive)
	assert.True(t, *target.Parsed().LinkAlive)
	assert.Equal(t, []string{"https://ascl.net/ascl:1010.001"}, h.liveness.checked)

	assert.Equal(t, StatusEmittable, h.mustCitation(t, "citing", "ascl:1010.001").Status)
	assert.Equal(t, []string{"Cites.created"}, h.broker.types())
	// Targets without a bibcode have no sink record.
	assert.Zero(t, h.sink.count())
}

func TestProcess_URLTargets(t *testing.T) {
	t.Run("CodeHost", func(t *testing.T) {
		h := newHarness(t)
		repo := "https://github.com/astropy/astropy"
		h.liveness.alive[repo] = true
		h.liveness.license = "BSD-3-Clause"

		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", repo, snapshot.ContentURL, t0)))

		target := h.mustTarget(t, repo)
		assert.Equal(t, StatusEmittable, target.Status)
		assert.Equal(t, "BSD-3-Clause", target.Parsed().License)
		require.NotNil(t, target.Parsed().LinkAlive)
		assert.True(t, *target.Parsed().LinkAlive)
	})

	t.Run("Other", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", "https://example.org/tool", snapshot.ContentURL, t0)))

		assert.Equal(t, StatusDiscarded, h.mustTarget(t, "https://example.org/tool").Status)
		assert.Empty(t, h.liveness.checked)
		assert.Empty(t, h.broker.types())
	})
}

func TestProcess_DuplicateNew(t *testing.T) {
	h := newHarness(t)
	h.metadata.set(zenodo, software("Astropy", "2014", "Smith"))
	c := change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentDOI, t0)

	require.NoError(t, h.proc.Process(context.Background(), c))
	err := h.proc.Process(context.Background(), c)
	assert.ErrorIs(t, err, reconcile.ErrAlreadyExists)
	assert.Len(t, h.broker.types(), 1)
	assert.EqualValues(t, 1, h.metadata.fetches.Load())
}

func TestProcess_ConcurrentNewShareTarget(t *testing.T) {
	h := newHarness(t)
	h.metadata.set(zenodo, software("Astropy", "2014", "Smith"))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			citing := string(rune('a'+i)) + "-paper"
			errs[i] = h.proc.Process(context.Background(), change(snapshot.StatusNew, citing, zenodo, snapshot.ContentDOI, t0))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	targets, err := h.store.ListTargets(context.Background(), []string{zenodo})
	require.NoError(t, err)
	assert.Len(t, targets, 1)

	count, err := h.store.CountCitations(context.Background(), zenodo, StatusRegistered)
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
}

func TestProcess_Updated(t *testing.T) {
	newRegistered := func(t *testing.T) *harness {
		h := newHarness(t)
		h.metadata.set(zenodo, software("Astropy", "2014", "Smith, Jane"))
		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentDOI, t0)))
		return h
	}

	t.Run("Stale", func(t *testing.T) {
		h := newRegistered(t)
		c := change(snapshot.StatusUpdated, "citing", zenodo, snapshot.ContentDOI, t0)
		c.NewResolved = true

		err := h.proc.Process(context.Background(), c)
		assert.ErrorIs(t, err, reconcile.ErrStale)
		assert.False(t, h.mustCitation(t, "citing", zenodo).Resolved)
		assert.Len(t, h.broker.types(), 1)
	})

	t.Run("Newer", func(t *testing.T) {
		h := newRegistered(t)
		c := change(snapshot.StatusUpdated, "citing", zenodo, snapshot.ContentDOI, t0.Add(time.Hour))
		c.NewCited = "2014zndo.....11020S"
		c.NewResolved = true

		require.NoError(t, h.proc.Process(context.Background(), c))
		edge := h.mustCitation(t, "citing", zenodo)
		assert.True(t, edge.Resolved)
		assert.Equal(t, "2014zndo.....11020S", edge.Cited)
		assert.True(t, edge.Timestamp.Equal(t0.Add(time.Hour)))

		assert.Equal(t, []string{"Cites.created", "Cites.created"}, h.broker.types())
		assert.Equal(t, 2, h.sink.count())
		assert.Equal(t, "2014zndo.....11020S", h.sink.last().Bibcode)
		assert.EqualValues(t, 2, h.metadata.fetches.Load())
	})

	t.Run("BibcodeChange", func(t *testing.T) {
		h := newRegistered(t)
		h.metadata.set(zenodo, software("Astropy", "2016", "Jones, Ann"))

		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusUpdated, "citing", zenodo, snapshot.ContentDOI, t0.Add(time.Hour))))

		target := h.mustTarget(t, zenodo)
		assert.Equal(t, "2014zndo.....11020J", target.Bibcode)
		assert.Equal(t, []string{"2014zndo.....11020S"}, target.Parsed().AlternateBibcodes)

		assert.Equal(t, []string{"Cites.created", "Cites.created", "IsIdenticalTo.created"}, h.broker.types())
		h.sink.mu.Lock()
		records := append([]SinkRecord(nil), h.sink.records...)
		h.sink.mu.Unlock()
		require.Len(t, records, 3)
		assert.Equal(t, SinkRetract, records[1].Action)
		assert.Equal(t, "2014zndo.....11020S", records[1].Bibcode)
		assert.Equal(t, SinkPublish, records[2].Action)
		assert.Equal(t, "2014zndo.....11020J", records[2].Bibcode)
		assert.Equal(t, []string{"2014zndo.....11020S"}, records[2].AltBibcodes)
	})

	t.Run("DiscardedTarget", func(t *testing.T) {
		h := newHarness(t)
		h.metadata.set("10.1000/paper", Metadata{DocType: "article", PubDate: "2010"})
		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", "10.1000/paper", snapshot.ContentDOI, t0)))

		c := change(snapshot.StatusUpdated, "citing", "10.1000/paper", snapshot.ContentDOI, t0.Add(time.Minute))
		c.NewResolved = true
		require.NoError(t, h.proc.Process(context.Background(), c))

		assert.True(t, h.mustCitation(t, "citing", "10.1000/paper").Resolved)
		assert.Empty(t, h.broker.types())
		assert.EqualValues(t, 1, h.metadata.fetches.Load())
	})
}

func TestProcess_Deleted(t *testing.T) {
	t.Run("Registered", func(t *testing.T) {
		h := newHarness(t)
		h.metadata.set(zenodo, software("Astropy", "2014", "Smith"))
		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentDOI, t0)))

		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusDeleted, "citing", zenodo, snapshot.ContentDOI, t0.Add(time.Hour))))

		assert.Equal(t, StatusDeleted, h.mustCitation(t, "citing", zenodo).Status)
		assert.Equal(t, StatusRegistered, h.mustTarget(t, zenodo).Status)
		assert.Equal(t, []string{"Cites.created", "Cites.deleted"}, h.broker.types())
		assert.EqualValues(t, 0, h.sink.last().CitationCount)
	})

	t.Run("Discarded", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", "https://example.org", snapshot.ContentURL, t0)))

		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusDeleted, "citing", "https://example.org", snapshot.ContentURL, t0.Add(time.Hour))))

		assert.Equal(t, StatusDeleted, h.mustCitation(t, "citing", "https://example.org").Status)
		assert.Empty(t, h.broker.types())
	})

	t.Run("Stale", func(t *testing.T) {
		h := newHarness(t)
		h.metadata.set(zenodo, software("Astropy", "2014", "Smith"))
		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentDOI, t0)))

		err := h.proc.Process(context.Background(), change(snapshot.StatusDeleted, "citing", zenodo, snapshot.ContentDOI, t0.Add(-time.Hour)))
		assert.ErrorIs(t, err, reconcile.ErrStale)
		assert.Equal(t, StatusRegistered, h.mustCitation(t, "citing", zenodo).Status)
	})

	t.Run("BrokerFailureRollsBack", func(t *testing.T) {
		h := newHarness(t)
		h.metadata.set(zenodo, software("Astropy", "2014", "Smith"))
		require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentDOI, t0)))
		h.broker.err = errors.New("broker unavailable")

		err := h.proc.Process(context.Background(), change(snapshot.StatusDeleted, "citing", zenodo, snapshot.ContentDOI, t0.Add(time.Hour)))
		require.Error(t, err)
		assert.True(t, reconcile.IsTransient(err))

		edge := h.mustCitation(t, "citing", zenodo)
		assert.Equal(t, StatusRegistered, edge.Status)
		assert.True(t, edge.Timestamp.Equal(t0))
	})
}

func versioned(m Metadata, version string, concepts ...string) Metadata {
	m.Version = version
	m.VersionOf = concepts
	return m
}

func TestProcess_SiblingVersions(t *testing.T) {
	h := newHarness(t)
	concept := "10.5281/zenodo.100"
	v1, v2, v3, other := "10.5281/zenodo.1", "10.5281/zenodo.2", "10.5281/zenodo.3", "10.5281/zenodo.99"

	h.metadata.set(concept, Metadata{Title: "Tool", Versions: []string{v1, v2, v3}})
	h.metadata.set(v1, versioned(software("Tool", "2020", "Lee, K"), "1.0", concept))
	h.metadata.set(v2, versioned(software("Tool", "2021", "Lee, K"), "2.0", concept))
	h.metadata.set(other, software("Other", "2021", "Kim, P"))
	h.metadata.set(v3, versioned(software("Tool", "2022", "Lee, K"), "3.0", concept))

	ctx := context.Background()
	for _, content := range []string{v1, v2, other, v3} {
		require.NoError(t, h.proc.Process(ctx, change(snapshot.StatusNew, "citing", content, snapshot.ContentDOI, t0)))
	}

	code1, code2, code3 := h.mustTarget(t, v1).Bibcode, h.mustTarget(t, v2).Bibcode, h.mustTarget(t, v3).Bibcode
	assert.Equal(t, map[string]string{"Version 1.0": code1, "Version 2.0": code2}, h.mustTarget(t, v3).Works())
	assert.Equal(t, map[string]string{"Version 2.0": code2, "Version 3.0": code3}, h.mustTarget(t, v1).Works())
	assert.Equal(t, map[string]string{"Version 1.0": code1, "Version 3.0": code3}, h.mustTarget(t, v2).Works())
	assert.Empty(t, h.mustTarget(t, other).Works())
	assert.Equal(t, concept, h.mustTarget(t, v3).Concept)

	// Four registrations, v1 once for v2, both siblings once for v3.
	assert.Equal(t, 7, h.sink.count())
}

func TestProcess_SiblingsFromConceptRecord(t *testing.T) {
	h := newHarness(t)
	concept := "10.5281/zenodo.100"
	v1, v2, v3 := "10.5281/zenodo.1", "10.5281/zenodo.2", "10.5281/zenodo.3"

	// Older releases carry no relation; only the concept lists them.
	h.metadata.set(v1, versioned(software("Tool", "2020", "Lee, K"), "1.0"))
	h.metadata.set(v2, versioned(software("Tool", "2021", "Lee, K"), "2.0"))
	h.metadata.set(v3, versioned(software("Tool", "2022", "Lee, K"), "3.0", concept))
	h.metadata.set(concept, Metadata{Title: "Tool", Versions: []string{v1, v2, v3}})

	ctx := context.Background()
	for _, content := range []string{v1, v2, v3} {
		require.NoError(t, h.proc.Process(ctx, change(snapshot.StatusNew, "citing", content, snapshot.ContentDOI, t0)))
	}

	latest := h.mustTarget(t, v3)
	assert.Equal(t, map[string]string{
		"Version 1.0": h.mustTarget(t, v1).Bibcode,
		"Version 2.0": h.mustTarget(t, v2).Bibcode,
	}, latest.Works())
	for _, sib := range []string{v1, v2} {
		assert.Equal(t, map[string]string{"Version 3.0": latest.Bibcode}, h.mustTarget(t, sib).Works(), sib)
	}
}

func TestProcess_SiblingsWithoutConceptRecord(t *testing.T) {
	h := newHarness(t)
	concept := "10.5281/zenodo.100"
	v1, v2 := "10.5281/zenodo.1", "10.5281/zenodo.2"

	h.metadata.set(v1, versioned(software("Tool", "2020", "Lee, K"), "1.0", concept))
	h.metadata.set(v2, versioned(software("Tool", "2021", "Lee, K"), "2.0", concept))

	ctx := context.Background()
	for _, content := range []string{v1, v2} {
		require.NoError(t, h.proc.Process(ctx, change(snapshot.StatusNew, "citing", content, snapshot.ContentDOI, t0)))
	}

	assert.Equal(t, map[string]string{"Version 1.0": h.mustTarget(t, v1).Bibcode}, h.mustTarget(t, v2).Works())
	assert.Equal(t, map[string]string{"Version 2.0": h.mustTarget(t, v2).Bibcode}, h.mustTarget(t, v1).Works())
}

func TestUpdateSibling_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.metadata.set(zenodo, software("Astropy", "2014", "Smith"))
	require.NoError(t, h.proc.Process(context.Background(), change(snapshot.StatusNew, "citing", zenodo, snapshot.ContentDOI, t0)))

	task := SiblingTask{Sibling: zenodo, Source: "10.5281/zenodo.2", Label: "Version 2.0", Bibcode: "2015zndo.........2S"}
	require.NoError(t, h.proc.UpdateSibling(context.Background(), task))
	require.NoError(t, h.proc.UpdateSibling(context.Background(), task))

	assert.Equal(t, map[string]string{"Version 2.0": "2015zndo.........2S"}, h.mustTarget(t, zenodo).Works())
	assert.Equal(t, 2, h.sink.count())

	err := h.proc.UpdateSibling(context.Background(), SiblingTask{Sibling: "10.5281/zenodo.404", Source: zenodo})
	assert.True(t, reconcile.IsStructural(err))
}

func TestProcessor_Pool(t *testing.T) {
	h := newHarness(t)
	repo := "https://github.com/org/tool"
	h.liveness.alive[repo] = true
	h.liveness.license = "MIT"
	h.metadata.set(zenodo, software("Astropy", "2014", "Smith"))

	pool := reconcile.NewPool(reconcile.Config{Workers: 2, MaxAttempts: 2}, zap.NewNop())
	h.proc.Register(pool)
	pool.Start(context.Background())

	changes := []snapshot.Change{
		change(snapshot.StatusNew, "a", zenodo, snapshot.ContentDOI, t0),
		change(snapshot.StatusNew, "b", repo, snapshot.ContentURL, t0),
		change(snapshot.StatusNew, "c", "https://example.org", snapshot.ContentURL, t0),
	}
	for _, c := range changes {
		require.NoError(t, pool.Enqueue(context.Background(), NewChangeTask(c)))
	}
	pool.Close()

	s := pool.Summary()
	assert.Equal(t, 4, s.Outcomes[reconcile.OutcomeSucceeded])
	assert.Equal(t, 0, s.Failed())
	assert.Equal(t, 1, s.ByKind[KindCodeHost])
	assert.Equal(t, "MIT", h.mustTarget(t, repo).Parsed().License)
}
