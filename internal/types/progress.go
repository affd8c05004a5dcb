package types

import "time"

// ProgressEvent is the wire shape shared by ingest, backup, and restore
// progress reporting. Subscribers receive these as JSON with a
// discriminating type field.
type ProgressEvent struct {
	Type      string    `json:"type"` // e.g. "backup_progress", "restore_complete"
	JobID     string    `json:"job_id"`
	Progress  float64   `json:"progress"` // 0..100
	Current   int64     `json:"current"`
	Total     int64     `json:"total"`
	Message   string    `json:"message,omitempty"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// NewProgress builds a non-terminal progress event with the percentage
// derived from current/total (clamped when total is unknown).
func NewProgress(kind, jobID string, current, total int64, msg string) ProgressEvent {
	var pct float64
	if total > 0 {
		pct = float64(current) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return ProgressEvent{
		Type:      kind,
		JobID:     jobID,
		Progress:  pct,
		Current:   current,
		Total:     total,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

// NewTerminal builds the final event for a job. Progress is forced to 100
// only on success; failed and cancelled jobs report their last position.
func NewTerminal(kind, jobID string, current, total int64, msg string, success bool) ProgressEvent {
	ev := NewProgress(kind, jobID, current, total, msg)
	ev.Completed = true
	if success {
		ev.Progress = 100
	}
	return ev
}
