package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

const storageScopeName = "github.com/claudelens/claudelens/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics on
// the data-plane paths: message writes, fan-out queries, and the
// enforcement counters the rate limiter hits on every request. Control
// plane methods pass through via the embedded store.
// Use WrapStore to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStore struct {
	storage.Store
	tracer     trace.Tracer
	ops        metric.Int64Counter
	dur        metric.Float64Histogram
	errs       metric.Int64Counter
	msgWritten metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("claudelens.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("claudelens.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("claudelens.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	msgWritten, _ := m.Int64Counter("claudelens.messages.written",
		metric.WithDescription("Messages inserted or replaced in partition tables"),
	)
	return &InstrumentedStore{
		Store:      s,
		tracer:     Tracer(storageScopeName),
		ops:        ops,
		dur:        dur,
		errs:       errs,
		msgWritten: msgWritten,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Messages ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) InsertMessage(ctx context.Context, m *types.Message) error {
	attrs := []attribute.KeyValue{attribute.String("message.type", string(m.Type))}
	ctx, span, t := s.op(ctx, "InsertMessage", attrs...)
	err := s.Store.InsertMessage(ctx, m)
	if err == nil {
		s.msgWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "insert")))
	}
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ReplaceMessage(ctx context.Context, m *types.Message) error {
	attrs := []attribute.KeyValue{attribute.String("message.type", string(m.Type))}
	ctx, span, t := s.op(ctx, "ReplaceMessage", attrs...)
	err := s.Store.ReplaceMessage(ctx, m)
	if err == nil {
		s.msgWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "replace")))
	}
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetMessage(ctx context.Context, uuid string, hint *time.Time) (*types.Message, error) {
	attrs := []attribute.KeyValue{attribute.Bool("message.hinted", hint != nil)}
	ctx, span, t := s.op(ctx, "GetMessage", attrs...)
	v, err := s.Store.GetMessage(ctx, uuid, hint)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) QueryMessages(ctx context.Context, f storage.MessageFilter) ([]*types.Message, error) {
	ctx, span, t := s.op(ctx, "QueryMessages")
	v, err := s.Store.QueryMessages(ctx, f)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) SearchMessages(ctx context.Context, query string, f storage.MessageFilter) ([]*types.Message, error) {
	attrs := []attribute.KeyValue{attribute.Int("query.length", len(query))}
	ctx, span, t := s.op(ctx, "SearchMessages", attrs...)
	v, err := s.Store.SearchMessages(ctx, query, f)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CountMessages(ctx context.Context, f storage.MessageFilter) (int64, error) {
	ctx, span, t := s.op(ctx, "CountMessages")
	v, err := s.Store.CountMessages(ctx, f)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) AggregateCosts(ctx context.Context, f storage.MessageFilter) ([]storage.CostAggregate, error) {
	ctx, span, t := s.op(ctx, "AggregateCosts")
	v, err := s.Store.AggregateCosts(ctx, f)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Rate-limit hot path ─────────────────────────────────────────────────────

func (s *InstrumentedStore) CountAttempts(ctx context.Context, userID string, axis types.LimitAxis, since time.Time) (int64, time.Time, error) {
	attrs := []attribute.KeyValue{attribute.String("limit.axis", string(axis))}
	ctx, span, t := s.op(ctx, "CountAttempts", attrs...)
	n, oldest, err := s.Store.CountAttempts(ctx, userID, axis, since)
	s.done(ctx, span, t, err, attrs...)
	return n, oldest, err
}

func (s *InstrumentedStore) AddAttempt(ctx context.Context, a storage.Attempt) error {
	attrs := []attribute.KeyValue{attribute.String("limit.axis", string(a.Axis))}
	ctx, span, t := s.op(ctx, "AddAttempt", attrs...)
	err := s.Store.AddAttempt(ctx, a)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) UpsertUsageRollups(ctx context.Context, rollups []*types.UsageRollup) error {
	attrs := []attribute.KeyValue{attribute.Int("rollup.count", len(rollups))}
	ctx, span, t := s.op(ctx, "UpsertUsageRollups", attrs...)
	err := s.Store.UpsertUsageRollups(ctx, rollups)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Archive jobs ────────────────────────────────────────────────────────────

func (s *InstrumentedStore) CreateBackup(ctx context.Context, b *types.BackupMetadata) error {
	attrs := []attribute.KeyValue{attribute.String("backup.type", string(b.Type))}
	ctx, span, t := s.op(ctx, "CreateBackup", attrs...)
	err := s.Store.CreateBackup(ctx, b)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) CreateRestoreJob(ctx context.Context, j *types.RestoreJob) error {
	attrs := []attribute.KeyValue{
		attribute.String("restore.mode", string(j.Mode)),
		attribute.String("restore.policy", string(j.Policy)),
	}
	ctx, span, t := s.op(ctx, "CreateRestoreJob", attrs...)
	err := s.Store.CreateRestoreJob(ctx, j)
	s.done(ctx, span, t, err, attrs...)
	return err
}
