package snapshot

import (
	"context"
	"fmt"
	"io"

	"citation-capture/core/storage"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// Archiver uploads compressed snapshot files to object storage.
type Archiver struct {
	client storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewArchiver creates an archiver writing under prefix in bucket.
func NewArchiver(client storage.Client, bucket, prefix string, logger *zap.Logger) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// ObjectName returns the object key of a namespace archive.
func (a *Archiver) ObjectName(namespace string) string {
	return storage.ObjectName(a.prefix, namespace+".tsv.gz")
}

// Archive streams r through gzip into the namespace archive object.
func (a *Archiver) Archive(ctx context.Context, namespace string, r io.Reader) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, r)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
		done <- err
	}()

	name := a.ObjectName(namespace)
	_, err := a.client.PutObject(ctx, a.bucket, name, pr, -1, minio.PutObjectOptions{
		ContentType:     "text/tab-separated-values",
		ContentEncoding: "gzip",
	})
	pr.Close()
	werr := <-done
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", namespace, err)
	}
	if werr != nil {
		return fmt.Errorf("failed to compress %s: %w", namespace, werr)
	}
	a.logger.Info("Archived snapshot", zap.String("namespace", namespace), zap.String("object", name))
	return nil
}
