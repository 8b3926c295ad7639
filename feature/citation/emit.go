package citation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"citation-capture/core/broker"
	"citation-capture/core/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	channelBroker = "broker"
	channelSink   = "sink"
)

// emitter sends broker events and sink records and logs every attempt.
type emitter struct {
	broker Broker
	sink   Sink
	logger *zap.Logger
}

// record appends the attempt to the event log of s. A failing log write is
// reported but never fails the emission.
func (e *emitter) record(ctx context.Context, s *Store, channel, action, key string, payload interface{}, emitErr error) {
	outcome := "success"
	if emitErr != nil {
		outcome = "failure"
	}
	metrics.EmissionsTotal.WithLabelValues(channel, outcome).Inc()

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	entry := &EventLog{
		ID:        uuid.NewString(),
		Channel:   channel,
		Action:    action,
		Key:       key,
		Payload:   raw,
		Success:   emitErr == nil,
		CreatedAt: time.Now().UTC(),
	}
	if emitErr != nil {
		entry.Error = emitErr.Error()
	}
	if err := s.LogEvent(ctx, entry); err != nil {
		e.logger.Warn("Failed to log emission", zap.String("channel", channel), zap.String("key", key), zap.Error(err))
	}
}

// relationship emits one relationship event.
func (e *emitter) relationship(ctx context.Context, s *Store, ev broker.Event) error {
	err := e.broker.Emit(ctx, ev)
	e.record(ctx, s, channelBroker, ev.EventType(), ev.Key(), ev, err)
	if err != nil {
		return fmt.Errorf("failed to emit %s for %s: %w", ev.EventType(), ev.Key(), err)
	}
	return nil
}

// cites emits a Cites event from the canonical citing code to the target.
func (e *emitter) cites(ctx context.Context, s *Store, action broker.Action, citing string, t *Target, at time.Time) error {
	ev := broker.NewEvent(broker.RelationshipCites, action, citing, t.Content, string(t.ContentType), at)
	ev.TargetCode = t.Bibcode
	return e.relationship(ctx, s, ev)
}

// identical emits an IsIdenticalTo event linking an old code to its replacement.
func (e *emitter) identical(ctx context.Context, s *Store, change identityChange, t *Target) error {
	ev := broker.NewEvent(broker.RelationshipIsIdenticalTo, broker.ActionCreated, change.Old, change.New, "bibcode", time.Now())
	ev.TargetCode = t.Content
	return e.relationship(ctx, s, ev)
}

// forward sends one sink record.
func (e *emitter) forward(ctx context.Context, s *Store, rec SinkRecord) error {
	err := e.sink.Forward(ctx, rec)
	e.record(ctx, s, channelSink, string(rec.Action), rec.Bibcode, rec, err)
	if err != nil {
		return fmt.Errorf("failed to %s record %s: %w", rec.Action, rec.Bibcode, err)
	}
	return nil
}

// buildRecord denormalizes t into a sink record.
func buildRecord(ctx context.Context, s *Store, t *Target, action SinkAction) (SinkRecord, error) {
	meta := effectiveOrParsed(t)
	count, err := s.CountCitations(ctx, t.Content, StatusRegistered)
	if err != nil {
		return SinkRecord{}, err
	}
	return SinkRecord{
		Action:          action,
		Bibcode:         t.Bibcode,
		Identifier:      t.Content,
		ContentType:     string(t.ContentType),
		Status:          t.Status,
		Title:           meta.Title,
		Authors:         meta.Authors,
		PubDate:         meta.PubDate,
		Version:         meta.Version,
		Abstract:        meta.Abstract,
		Keywords:        meta.Keywords,
		License:         meta.License,
		AltBibcodes:     meta.AlternateBibcodes,
		AssociatedWorks: t.Works(),
		CitationCount:   count,
	}, nil
}

// publish forwards the current record of t. Targets without a bibcode have no
// sink record.
func (e *emitter) publish(ctx context.Context, s *Store, t *Target) error {
	return e.publishCounting(ctx, s, t, 0)
}

// publishCounting is publish with pending not yet stored citations added to the count.
func (e *emitter) publishCounting(ctx context.Context, s *Store, t *Target, pending int64) error {
	if t.Bibcode == "" {
		return nil
	}
	rec, err := buildRecord(ctx, s, t, SinkPublish)
	if err != nil {
		return err
	}
	rec.CitationCount += pending
	return e.forward(ctx, s, rec)
}

// reidentify emits the consequences of a bibcode change: the identity link
// and a retract of the old record followed by a publish of the new one.
func (e *emitter) reidentify(ctx context.Context, s *Store, t *Target, change identityChange) error {
	if change.Old != "" {
		if err := e.identical(ctx, s, change, t); err != nil {
			return err
		}
		rec, err := buildRecord(ctx, s, t, SinkRetract)
		if err != nil {
			return err
		}
		rec.Bibcode = change.Old
		if err := e.forward(ctx, s, rec); err != nil {
			return err
		}
	}
	return e.publish(ctx, s, t)
}
