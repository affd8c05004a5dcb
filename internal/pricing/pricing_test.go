package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/claudelens/claudelens/internal/types"
)

func TestFallbackFamilyLookup(t *testing.T) {
	s, err := NewService("", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	p, remote := s.Lookup(ctx, "claude-opus-4-20250514")
	if remote {
		t.Error("no remote configured, lookup should report fallback")
	}
	if p.Input != 15.0 || p.Output != 75.0 {
		t.Errorf("opus family price = %+v", p)
	}

	// Longest-prefix wins over a shorter family
	p, _ = s.Lookup(ctx, "claude-3-5-haiku-20241022")
	if p.Input != 0.80 {
		t.Errorf("haiku family price = %+v", p)
	}

	// Unknown models get the default row, never a zero price
	p, _ = s.Lookup(ctx, "gpt-unknown")
	if p.Input == 0 || p.Output == 0 {
		t.Errorf("default price = %+v", p)
	}
}

func TestCost(t *testing.T) {
	s, err := NewService("", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	t.Run("explicit cost wins", func(t *testing.T) {
		c := 0.123456
		m := &types.Message{Model: "claude-opus-4", CostUSD: &c, InputTokens: 1000000}
		if got := s.Cost(ctx, m); got != 123456 {
			t.Errorf("cost = %d micros", got)
		}
	})
	t.Run("derived from tokens", func(t *testing.T) {
		m := &types.Message{Model: "claude-opus-4", InputTokens: 1000000, OutputTokens: 100000}
		// 1M input at $15/M + 100k output at $75/M = 15 + 7.5 = $22.50
		if got := s.Cost(ctx, m); got != 22500000 {
			t.Errorf("cost = %d micros", got)
		}
	})
	t.Run("cache axes priced", func(t *testing.T) {
		m := &types.Message{Model: "claude-sonnet-4", CacheCreationTokens: 1000000, CacheReadTokens: 1000000}
		// $3.75 + $0.30
		if got := s.Cost(ctx, m); got != 4050000 {
			t.Errorf("cost = %d micros", got)
		}
	})
	t.Run("no usage no cost", func(t *testing.T) {
		if got := s.Cost(ctx, &types.Message{Model: "claude-opus-4"}); got != 0 {
			t.Errorf("cost = %d micros", got)
		}
	})
	t.Run("usage never costs zero", func(t *testing.T) {
		m := &types.Message{Model: "completely-unknown", OutputTokens: 50000}
		if got := s.Cost(ctx, m); got <= 0 {
			t.Errorf("cost = %d micros", got)
		}
	})
}

func TestRemoteTableCachedByTTL(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]ModelPrice{
			"custom-model": {Input: 1.0, Output: 2.0},
		})
	}))
	defer srv.Close()

	s, err := NewService(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	p, remote := s.Lookup(ctx, "custom-model")
	if !remote || p.Input != 1.0 {
		t.Errorf("remote lookup = %+v (remote=%v)", p, remote)
	}
	// Second lookup within TTL hits the cache
	_, _ = s.Lookup(ctx, "custom-model")
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	// Expire and refetch
	s.ttl = 0
	_, _ = s.Lookup(ctx, "custom-model")
	if n := fetches.Load(); n < 2 {
		t.Errorf("fetches = %d after expiry", n)
	}
}

func TestRemoteFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewService(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, remote := s.Lookup(ctx, "claude-haiku-3")
	if remote {
		t.Error("failed fetch must not report a remote hit")
	}
	if p.Input != 0.80 {
		t.Errorf("fallback price = %+v", p)
	}
}
