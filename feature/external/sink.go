package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"citation-capture/core/storage"
	"citation-capture/feature/citation"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// ObjectSink stores one JSON object per bibcode. Publishing overwrites the
// object and retracting removes it.
type ObjectSink struct {
	client storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewObjectSink creates a sink writing under prefix in bucket.
func NewObjectSink(client storage.Client, bucket, prefix string, logger *zap.Logger) *ObjectSink {
	return &ObjectSink{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// ObjectName returns the key of the record for bibcode.
func (s *ObjectSink) ObjectName(bibcode string) string {
	return storage.ObjectName(s.prefix, bibcode+".json")
}

// Forward implements citation.Sink.
func (s *ObjectSink) Forward(ctx context.Context, rec citation.SinkRecord) error {
	if rec.Bibcode == "" {
		return fmt.Errorf("record of %s has no bibcode", rec.Identifier)
	}
	name := s.ObjectName(rec.Bibcode)

	if rec.Action == citation.SinkRetract {
		if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove record %s: %w", name, err)
		}
		s.logger.Debug("Retracted record", zap.String("object", name))
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to upload record %s: %w", name, err)
	}
	s.logger.Debug("Published record", zap.String("object", name), zap.Int64("citations", rec.CitationCount))
	return nil
}
