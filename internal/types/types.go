// Package types defines core data structures for the claudelens archive.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a transcript record.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
	MessageTool      MessageType = "tool"
	MessageSummary   MessageType = "summary"
)

// IsValid reports whether t is one of the recognized message types.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageUser, MessageAssistant, MessageSystem, MessageTool, MessageSummary:
		return true
	}
	return false
}

// MaxCostDollars is the exclusive upper bound for a single message's cost.
// Anything at or above this is treated as corrupt input.
const MaxCostDollars = 100.0

// Message is one transcript record. The UUID is externally supplied and
// globally unique across all month partitions. Content is an opaque nested
// structure; it is stored as-is and only decoded when a reader needs it.
type Message struct {
	UUID        string          `json:"uuid"`
	SessionID   string          `json:"session_id"`
	ParentUUID  *string         `json:"parent_uuid,omitempty"`
	Type        MessageType     `json:"type"`
	Content     json.RawMessage `json:"message,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	ContentHash string          `json:"-"` // Internal: sha256 of normalized content, not exported to archives

	// Attribution fields (optional)
	Model               string   `json:"model,omitempty"`
	InputTokens         int64    `json:"input_tokens,omitempty"`
	OutputTokens        int64    `json:"output_tokens,omitempty"`
	CacheCreationTokens int64    `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int64    `json:"cache_read_tokens,omitempty"`
	CostMicros          int64    `json:"cost_micros,omitempty"`
	LatencyMS           int64    `json:"latency_ms,omitempty"`
	GitBranch           string   `json:"git_branch,omitempty"`
	CWD                 string   `json:"cwd,omitempty"`
	CostUSD             *float64 `json:"cost_usd,omitempty"` // Explicit cost from the client, if present

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// uuidShape accepts non-RFC identifiers the sync agent occasionally emits
// (hex fragments, tool-call ids). Anything shorter than 8 chars is rejected.
var uuidShape = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{7,63}$`)

// ValidUUID reports whether s is an acceptable message identifier: a
// canonical RFC 4122 UUID or a conservative opaque-identifier shape.
func ValidUUID(s string) bool {
	if uuid.Validate(s) == nil {
		return true
	}
	return uuidShape.MatchString(s)
}

// ComputeContentHash creates a deterministic hash of the message's content.
// Uses all substantive fields (excluding UUID and server-side timestamps) in
// a stable order so that identical content produces identical hashes across
// independent ingests. The payload is normalized through a canonical JSON
// re-marshal: map keys are sorted, insignificant whitespace is dropped.
func (m *Message) ComputeContentHash() string {
	h := sha256.New()

	h.Write([]byte(m.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(m.Type))
	h.Write([]byte{0})
	h.Write(normalizeJSON(m.Content))
	h.Write([]byte{0})
	h.Write([]byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	if m.ParentUUID != nil {
		h.Write([]byte(*m.ParentUUID))
	}
	h.Write([]byte{0})
	h.Write([]byte(m.Model))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d|%d|%d|%d", m.InputTokens, m.OutputTokens, m.CacheCreationTokens, m.CacheReadTokens)
	h.Write([]byte{0})
	h.Write([]byte(m.GitBranch))
	h.Write([]byte{0})
	h.Write([]byte(m.CWD))

	return fmt.Sprintf("%x", h.Sum(nil))
}

// normalizeJSON re-marshals raw JSON so that key order and whitespace do not
// affect the content hash. Invalid or empty payloads hash as their raw bytes.
func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return bytes.TrimSpace(raw)
	}
	out, err := json.Marshal(v) // encoding/json sorts map keys
	if err != nil {
		return bytes.TrimSpace(raw)
	}
	return out
}

// Validate checks the message's field values. Assistant messages must carry
// a payload; explicit costs must be within [0, MaxCostDollars).
func (m *Message) Validate() error {
	if !ValidUUID(m.UUID) {
		return fmt.Errorf("invalid uuid: %q", m.UUID)
	}
	if m.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid message type: %s", m.Type)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if m.Type == MessageAssistant && len(m.Content) == 0 {
		return fmt.Errorf("assistant messages must carry a message payload")
	}
	if m.CostUSD != nil && (*m.CostUSD < 0 || *m.CostUSD >= MaxCostDollars) {
		return fmt.Errorf("cost must be in [0, %g) (got %g)", MaxCostDollars, *m.CostUSD)
	}
	return nil
}

// Project groups sessions sharing a working directory, owned by exactly one
// principal. Counters are denormalized and maintained by the ingest pipeline.
type Project struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Path         string    `json:"path"` // Canonical path; unique per owner
	Name         string    `json:"name,omitempty"`
	SessionCount int64     `json:"session_count"`
	MessageCount int64     `json:"message_count"`
	TotalBytes   int64     `json:"total_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is one conversation. Ownership is transitive through the parent
// project; sessions deliberately carry no owner_id of their own.
type Session struct {
	ID              string    `json:"id"` // Externally supplied session_id
	ProjectID       string    `json:"project_id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	MessageCount    int64     `json:"message_count"`
	TotalCostMicros int64     `json:"total_cost_micros"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TotalCostDollars returns the session cost rollup in major units, rounded
// to six decimal digits.
func (s *Session) TotalCostDollars() float64 {
	return RoundCost(float64(s.TotalCostMicros) / 1e6)
}

// CostToMicros converts a major-unit cost into micro-units, rounding to the
// nearest micro (six decimal digits of the major unit).
func CostToMicros(cost float64) int64 {
	if cost <= 0 {
		return 0
	}
	return int64(cost*1e6 + 0.5)
}

// RoundCost rounds a major-unit cost to six decimal digits.
func RoundCost(cost float64) float64 {
	return float64(int64(cost*1e6+0.5)) / 1e6
}
