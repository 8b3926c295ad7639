package snapshot

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"citation-capture/core/storage/mocks"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeSnapshotFile(t *testing.T, content string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "citations.tsv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestEngine_RunFileArchivesSnapshot(t *testing.T) {
	content := edgeLine("A", "", "doi", "10.1/a", 1) + "\n"
	path := writeSnapshotFile(t, content, baseTime)

	client := new(mocks.Client)
	var uploaded []byte
	client.On("PutObject", mock.Anything, "bucket", "snapshots/snapshot_20240301_120000.tsv.gz", mock.Anything, int64(-1), mock.Anything).
		Run(func(args mock.Arguments) {
			gz, err := gzip.NewReader(args.Get(3).(io.Reader))
			require.NoError(t, err)
			uploaded, err = io.ReadAll(gz)
			require.NoError(t, err)
		}).
		Return(minio.UploadInfo{}, nil)

	archiver := NewArchiver(client, "bucket", "snapshots", zap.NewNop())
	e, _ := newTestEngine(t, Config{Archive: true}, WithArchiver(archiver))

	cycle, err := e.RunFile(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, "snapshot_20240301_120000", cycle.Namespace.Name)
	assert.Equal(t, content, string(uploaded))
	client.AssertExpectations(t)

	// A reused namespace is not archived again.
	_, err = e.RunFile(context.Background(), path, false)
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "PutObject", 1)
}

func TestArchiver_ReportsUploadFailure(t *testing.T) {
	client := new(mocks.Client)
	client.On("PutObject", mock.Anything, "bucket", "archive/ns.tsv.gz", mock.Anything, int64(-1), mock.Anything).
		Return(minio.UploadInfo{}, errors.New("connection refused"))

	archiver := NewArchiver(client, "bucket", "archive", zap.NewNop())
	err := archiver.Archive(context.Background(), "ns", io.LimitReader(zeroReader{}, 1<<20))
	assert.ErrorContains(t, err, "connection refused")
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
