package types

import "time"

// LimitAxis is one rate-limited activity kind. Enforcement and accounting
// both key on the axis.
type LimitAxis string

const (
	AxisHTTP      LimitAxis = "http"
	AxisIngest    LimitAxis = "ingest"
	AxisAI        LimitAxis = "ai"
	AxisExport    LimitAxis = "export"
	AxisImport    LimitAxis = "import"
	AxisBackup    LimitAxis = "backup"
	AxisRestore   LimitAxis = "restore"
	AxisSearch    LimitAxis = "search"
	AxisAnalytics LimitAxis = "analytics"
	AxisWebsocket LimitAxis = "websocket"
)

// AllAxes lists every recognized axis, in a stable order.
var AllAxes = []LimitAxis{
	AxisHTTP, AxisIngest, AxisAI, AxisExport, AxisImport,
	AxisBackup, AxisRestore, AxisSearch, AxisAnalytics, AxisWebsocket,
}

// IsValid reports whether a is a recognized axis.
func (a LimitAxis) IsValid() bool {
	for _, x := range AllAxes {
		if a == x {
			return true
		}
	}
	return false
}

// AxisLimit is the limit descriptor for one axis. Limit 0 means unlimited.
type AxisLimit struct {
	Limit   int           `json:"limit"`
	Window  time.Duration `json:"window"`
	Enabled bool          `json:"enabled"`
}

// Unlimited reports whether the axis imposes no cap.
func (l AxisLimit) Unlimited() bool { return !l.Enabled || l.Limit <= 0 }

// LimitSettings is the single settings document holding every axis
// descriptor. Readers observe a whole snapshot; writers publish a new one.
type LimitSettings struct {
	GloballyEnabled bool                    `json:"globally_enabled"`
	Axes            map[LimitAxis]AxisLimit `json:"axes"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// DefaultLimitSettings returns the settings used before an operator has
// saved any: rate limiting on, every axis unlimited.
func DefaultLimitSettings() *LimitSettings {
	axes := make(map[LimitAxis]AxisLimit, len(AllAxes))
	for _, a := range AllAxes {
		axes[a] = AxisLimit{Limit: 0, Window: time.Hour, Enabled: true}
	}
	return &LimitSettings{GloballyEnabled: true, Axes: axes, UpdatedAt: time.Now().UTC()}
}

// UsageRollup is one durable accounting record, keyed by
// (user_id, axis, bucket_start). Buckets are one minute wide; coarser
// intervals are re-aggregated on read.
type UsageRollup struct {
	UserID         string    `json:"user_id"`
	Axis           LimitAxis `json:"axis"`
	BucketStart    time.Time `json:"bucket_start"`
	Requests       int64     `json:"requests"`
	Allowed        int64     `json:"allowed"`
	Blocked        int64     `json:"blocked"`
	PeakRatio      float64   `json:"peak_ratio"` // Max observed count/limit within the bucket
	TotalLatencyMS int64     `json:"total_latency_ms"`
	BytesIn        int64     `json:"bytes_in"`
	BytesOut       int64     `json:"bytes_out"`
}

// AggregateInterval selects the re-aggregation granularity on read.
type AggregateInterval string

const (
	IntervalMinute AggregateInterval = "minute"
	IntervalHour   AggregateInterval = "hour"
	IntervalDay    AggregateInterval = "day"
	IntervalWeek   AggregateInterval = "week"
	IntervalMonth  AggregateInterval = "month"
)

// UsageAggregate is one per-interval total produced by re-aggregation.
type UsageAggregate struct {
	IntervalStart time.Time `json:"interval_start"`
	Requests      int64     `json:"requests"`
	Allowed       int64     `json:"allowed"`
	Blocked       int64     `json:"blocked"`
	PeakRatio     float64   `json:"peak_ratio"`
	AvgRatio      float64   `json:"avg_ratio"`
	AvgLatencyMS  float64   `json:"avg_latency_ms"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
}

// Decision is the outcome of one enforcement check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAfter time.Duration `json:"reset_after"` // Time until the window frees a slot
}
