package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestComputeContentHashDeterministic(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	m := &Message{
		UUID:      "11111111-1111-1111-1111-111111111111",
		SessionID: "sess-1",
		Type:      MessageUser,
		Content:   json.RawMessage(`{"role":"user","text":"hello"}`),
		Timestamp: ts,
	}

	h1 := m.ComputeContentHash()
	h2 := m.ComputeContentHash()
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64-char sha256 hex, got %d chars", len(h1))
	}
}

func TestComputeContentHashNormalizesJSON(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	a := &Message{SessionID: "s", Type: MessageUser, Timestamp: ts,
		Content: json.RawMessage(`{"a":1,"b":2}`)}
	b := &Message{SessionID: "s", Type: MessageUser, Timestamp: ts,
		Content: json.RawMessage("{ \"b\": 2,\n  \"a\": 1 }")}

	if a.ComputeContentHash() != b.ComputeContentHash() {
		t.Error("key order and whitespace should not affect the content hash")
	}

	c := &Message{SessionID: "s", Type: MessageUser, Timestamp: ts,
		Content: json.RawMessage(`{"a":1,"b":3}`)}
	if a.ComputeContentHash() == c.ComputeContentHash() {
		t.Error("different payloads must hash differently")
	}
}

func TestComputeContentHashUUIDExcluded(t *testing.T) {
	ts := time.Now().UTC()
	a := &Message{UUID: "aaaaaaaa-1111-1111-1111-111111111111", SessionID: "s", Type: MessageSystem, Timestamp: ts}
	b := &Message{UUID: "bbbbbbbb-2222-2222-2222-222222222222", SessionID: "s", Type: MessageSystem, Timestamp: ts}
	if a.ComputeContentHash() != b.ComputeContentHash() {
		t.Error("uuid must not participate in the content hash")
	}
}

func TestMessageValidate(t *testing.T) {
	ts := time.Now().UTC()
	valid := func() *Message {
		return &Message{
			UUID:      "11111111-1111-1111-1111-111111111111",
			SessionID: "sess-1",
			Type:      MessageUser,
			Timestamp: ts,
		}
	}

	t.Run("valid", func(t *testing.T) {
		if err := valid().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("bad uuid", func(t *testing.T) {
		m := valid()
		m.UUID = "x"
		if err := m.Validate(); err == nil {
			t.Error("expected error for short uuid")
		}
	})

	t.Run("missing session", func(t *testing.T) {
		m := valid()
		m.SessionID = ""
		if err := m.Validate(); err == nil {
			t.Error("expected error for missing session_id")
		}
	})

	t.Run("bad type", func(t *testing.T) {
		m := valid()
		m.Type = "robot"
		if err := m.Validate(); err == nil {
			t.Error("expected error for unknown type")
		}
	})

	t.Run("assistant needs payload", func(t *testing.T) {
		m := valid()
		m.Type = MessageAssistant
		if err := m.Validate(); err == nil {
			t.Error("expected error for assistant without message payload")
		}
		m.Content = json.RawMessage(`{"text":"hi"}`)
		if err := m.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("cost range", func(t *testing.T) {
		m := valid()
		cost := 100.0
		m.CostUSD = &cost
		if err := m.Validate(); err == nil {
			t.Error("expected error for cost >= 100")
		}
		cost = -0.01
		if err := m.Validate(); err == nil {
			t.Error("expected error for negative cost")
		}
		cost = 0.42
		if err := m.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestValidUUID(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"3f6c0891-7f2e-4b86-9d35-6a2b1c0d9e88", true},
		{"msg_0123456789abcdef", true},
		{"toolu-abc.def-123", true},
		{"short", false},
		{"", false},
		{"has spaces not allowed", false},
	}
	for _, c := range cases {
		if got := ValidUUID(c.in); got != c.ok {
			t.Errorf("ValidUUID(%q) = %v, want %v", c.in, got, c.ok)
		}
	}
}

func TestCostConversions(t *testing.T) {
	if got := CostToMicros(0.123456); got != 123456 {
		t.Errorf("CostToMicros(0.123456) = %d, want 123456", got)
	}
	if got := CostToMicros(-1); got != 0 {
		t.Errorf("negative cost should clamp to 0, got %d", got)
	}
	if got := RoundCost(0.1234567); got != 0.123457 {
		t.Errorf("RoundCost = %v, want 0.123457", got)
	}

	s := &Session{TotalCostMicros: 2_500_000}
	if got := s.TotalCostDollars(); got != 2.5 {
		t.Errorf("TotalCostDollars = %v, want 2.5", got)
	}
}

func TestAPIKeyExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if (&APIKey{ExpiresAt: &past}).Expired(now) != true {
		t.Error("past expiry should be expired")
	}
	if (&APIKey{ExpiresAt: &future}).Expired(now) != false {
		t.Error("future expiry should not be expired")
	}
	if (&APIKey{}).Expired(now) != false {
		t.Error("nil expiry never expires")
	}
}

func TestProgressEvents(t *testing.T) {
	ev := NewProgress("backup_progress", "job-1", 50, 200, "messages")
	if ev.Progress != 25 {
		t.Errorf("Progress = %v, want 25", ev.Progress)
	}
	if ev.Completed {
		t.Error("non-terminal event must not be completed")
	}

	done := NewTerminal("backup_complete", "job-1", 200, 200, "done", true)
	if !done.Completed || done.Progress != 100 {
		t.Errorf("terminal success should be completed at 100%%, got %+v", done)
	}

	failed := NewTerminal("restore_failed", "job-2", 7, 10, "boom", false)
	if !failed.Completed || failed.Progress == 100 {
		t.Errorf("terminal failure should keep last position, got %+v", failed)
	}
}
