package cmd

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"citation-capture/core/config"
	"citation-capture/core/database/dbtest"
	"citation-capture/core/snapshot"
	"citation-capture/feature/citation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testApp(t *testing.T, apiKey string) *app {
	t.Helper()
	db := dbtest.Open(t)
	require.NoError(t, migrate(db))

	cfg := &config.Config{}
	cfg.Server.ApiKey = apiKey
	l := zap.NewNop()

	return &app{
		cfg:       cfg,
		logger:    l,
		db:        db,
		processor: citation.NewProcessor(citation.NewStore(db), citation.Dependencies{}, "", l),
		engine:    snapshot.NewEngine(db, cfg.Snapshot, l),
	}
}

func TestServer_Health(t *testing.T) {
	server, err := newServer(testApp(t, "secret"))
	require.NoError(t, err)

	resp, err := server.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Ray-ID"))

	resp, err = server.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServer_Auth(t *testing.T) {
	server, err := newServer(testApp(t, "secret"))
	require.NoError(t, err)

	resp, err := server.Test(httptest.NewRequest("GET", "/snapshots", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	req := httptest.NewRequest("GET", "/snapshots", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = server.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestReadCuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curation.jsonl")
	content := `{"content":"10.5281/zenodo.1","fields":{"title":"Astropy"}}

{"content":"10.5281/zenodo.2","fields":{"authors":["Smith, Jane"]}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, err := readCuration(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "10.5281/zenodo.1", entries[0].Content)
	assert.Equal(t, "Astropy", entries[0].Fields["title"])
	assert.Equal(t, "10.5281/zenodo.2", entries[1].Content)

	require.NoError(t, os.WriteFile(path, []byte(`{"fields":{}}`), 0o644))
	_, err = readCuration(path)
	assert.ErrorContains(t, err, "line 1 has no content")

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = readCuration(path)
	assert.ErrorContains(t, err, "curation line 1")
}
