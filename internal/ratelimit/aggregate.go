package ratelimit

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/types"
)

// Aggregate re-buckets a principal's minute rollups at the requested
// interval. Unflushed in-memory counters are flushed first so a dashboard
// read reflects current traffic.
func (e *Engine) Aggregate(ctx context.Context, userID string, axis types.LimitAxis,
	interval types.AggregateInterval, start, end time.Time) ([]types.UsageAggregate, error) {

	if err := e.Flush(ctx); err != nil {
		e.log.Warn("pre-aggregate flush failed", zap.Error(err))
	}
	rollups, err := e.store.QueryUsageRollups(ctx, userID, axis, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}

	byInterval := map[int64]*types.UsageAggregate{}
	ratioSums := map[int64]float64{}
	buckets := map[int64]int64{}
	for _, r := range rollups {
		is := intervalStart(r.BucketStart, interval)
		key := is.Unix()
		agg, ok := byInterval[key]
		if !ok {
			agg = &types.UsageAggregate{IntervalStart: is}
			byInterval[key] = agg
		}
		agg.Requests += r.Requests
		agg.Allowed += r.Allowed
		agg.Blocked += r.Blocked
		agg.BytesIn += r.BytesIn
		agg.BytesOut += r.BytesOut
		if r.PeakRatio > agg.PeakRatio {
			agg.PeakRatio = r.PeakRatio
		}
		ratioSums[key] += r.PeakRatio
		buckets[key]++
		// AvgLatencyMS is finalized below once requests are summed
		agg.AvgLatencyMS += float64(r.TotalLatencyMS)
	}

	out := make([]types.UsageAggregate, 0, len(byInterval))
	for key, agg := range byInterval {
		if agg.Requests > 0 {
			agg.AvgLatencyMS /= float64(agg.Requests)
		}
		if n := buckets[key]; n > 0 {
			agg.AvgRatio = ratioSums[key] / float64(n)
		}
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntervalStart.Before(out[j].IntervalStart) })
	return out, nil
}

// intervalStart floors a minute bucket onto its containing interval. Weeks
// start on Monday, UTC.
func intervalStart(t time.Time, interval types.AggregateInterval) time.Time {
	t = t.UTC()
	switch interval {
	case types.IntervalHour:
		return t.Truncate(time.Hour)
	case types.IntervalDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case types.IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case types.IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Minute)
	}
}
