package citation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"citation-capture/core/broker"
	"citation-capture/core/database/dbtest"
	"citation-capture/core/snapshot"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMetadata struct {
	mu      sync.Mutex
	docs    map[string]Metadata
	broken  map[string]bool
	failing map[string]error
	fetches atomic.Int32
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{docs: map[string]Metadata{}, broken: map[string]bool{}, failing: map[string]error{}}
}

func (f *fakeMetadata) set(content string, m Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[content] = m
}

func (f *fakeMetadata) Fetch(_ context.Context, content string) ([]byte, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing[content]; err != nil {
		return nil, err
	}
	if f.broken[content] {
		return []byte("<html>"), nil
	}
	m, ok := f.docs[content]
	if !ok {
		return nil, errors.New("404 from metadata service")
	}
	return json.Marshal(m)
}

func (f *fakeMetadata) Parse(raw []byte) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal(raw, &m)
	return m, err
}

type fakeLiveness struct {
	alive   map[string]bool
	license string
	checked []string
	mu      sync.Mutex
}

func (f *fakeLiveness) IsAlive(_ context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, url)
	alive, ok := f.alive[url]
	if !ok {
		return false, errors.New("connection refused")
	}
	return alive, nil
}

func (f *fakeLiveness) IsCodeHost(url string) bool {
	return strings.HasPrefix(url, "https://github.com/")
}

func (f *fakeLiveness) License(context.Context, string) (string, error) {
	return f.license, nil
}

type fakeCanonical struct {
	unknown map[string]bool
}

func (f fakeCanonical) ToCanonical(_ context.Context, code string) (string, error) {
	if f.unknown[code] {
		return "", ErrUnknownCiting
	}
	return "canon:" + code, nil
}

type fakeBroker struct {
	mu     sync.Mutex
	events []broker.Event
	err    error
}

func (f *fakeBroker) Emit(_ context.Context, ev broker.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBroker) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.EventType())
	}
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	records []SinkRecord
	err     error
}

func (f *fakeSink) Forward(_ context.Context, rec SinkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) last() SinkRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[len(f.records)-1]
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type harness struct {
	proc     *Processor
	store    *Store
	metadata *fakeMetadata
	liveness *fakeLiveness
	broker   *fakeBroker
	sink     *fakeSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t)
	require.NoError(t, Migrate(db))
	h := &harness{
		store:    NewStore(db),
		metadata: newFakeMetadata(),
		liveness: &fakeLiveness{alive: map[string]bool{}},
		broker:   &fakeBroker{},
		sink:     &fakeSink{},
	}
	h.proc = NewProcessor(h.store, Dependencies{
		Metadata:  h.metadata,
		Liveness:  h.liveness,
		Canonical: fakeCanonical{unknown: map[string]bool{"UNKNOWN": true}},
		Broker:    h.broker,
		Sink:      h.sink,
	}, "https://ascl.net/", zap.NewNop())
	return h
}

func software(title, pubdate string, authors ...string) Metadata {
	return Metadata{Title: title, PubDate: pubdate, Authors: authors, DocType: "software"}
}

func change(status snapshot.Status, citing, content string, ct snapshot.ContentType, at time.Time) snapshot.Change {
	return snapshot.Change{Status: status, Citing: citing, Content: content, ContentType: ct, Timestamp: at}
}

func (h *harness) mustTarget(t *testing.T, content string) *Target {
	t.Helper()
	target, err := h.store.FindTarget(context.Background(), content)
	require.NoError(t, err)
	require.NotNil(t, target)
	return target
}

func (h *harness) mustCitation(t *testing.T, citing, content string) *Citation {
	t.Helper()
	c, err := h.store.FindCitation(context.Background(), citing, content)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}
