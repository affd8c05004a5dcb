// Package pricing computes per-message cost from token usage.
//
// Prices come from a remote table fetched once per TTL and cached; when the
// remote is unreachable or has no entry for a model, a built-in per-family
// fallback table (embedded TOML) is consulted instead.
package pricing

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff/v4"

	"github.com/claudelens/claudelens/internal/types"
)

//go:embed fallback.toml
var fallbackTOML []byte

// ModelPrice holds per-million-token prices for the four usage axes, in
// dollars.
type ModelPrice struct {
	Input         float64 `json:"input" toml:"input"`
	Output        float64 `json:"output" toml:"output"`
	CacheCreation float64 `json:"cache_creation" toml:"cache_creation"`
	CacheRead     float64 `json:"cache_read" toml:"cache_read"`
}

type fallbackTable struct {
	Families map[string]ModelPrice `toml:"families"`
	Default  ModelPrice            `toml:"default"`
}

// DefaultTTL is how long a fetched remote table stays fresh.
const DefaultTTL = time.Hour

// Service resolves model prices and computes costs.
type Service struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	remote    map[string]ModelPrice
	fetchedAt time.Time

	fallback fallbackTable
}

// NewService builds a pricing service. An empty url disables remote
// fetching and relies entirely on the fallback table.
func NewService(url string, client *http.Client) (*Service, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	s := &Service{
		url:    url,
		client: client,
		ttl:    DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := toml.Unmarshal(fallbackTOML, &s.fallback); err != nil {
		return nil, fmt.Errorf("corrupt embedded pricing table: %w", err)
	}
	return s, nil
}

// Lookup returns the price row for a model, trying the remote table first
// and the family fallback second. The bool reports whether an exact remote
// entry matched.
func (s *Service) Lookup(ctx context.Context, model string) (ModelPrice, bool) {
	if table := s.remoteTable(ctx); table != nil {
		if p, ok := table[model]; ok {
			return p, true
		}
	}
	return s.familyPrice(model), false
}

// Cost computes a message's cost in micro-dollars from its token counts.
// An explicit client-supplied cost wins. The result is never negative and
// never zero when usage is present (the fallback default keeps every axis
// priced).
func (s *Service) Cost(ctx context.Context, m *types.Message) int64 {
	if m.CostUSD != nil {
		return types.CostToMicros(*m.CostUSD)
	}
	if m.InputTokens == 0 && m.OutputTokens == 0 && m.CacheCreationTokens == 0 && m.CacheReadTokens == 0 {
		return 0
	}
	p, _ := s.Lookup(ctx, m.Model)
	perTok := func(tokens int64, perMillion float64) float64 {
		return float64(tokens) * perMillion / 1e6
	}
	cost := perTok(m.InputTokens, p.Input) +
		perTok(m.OutputTokens, p.Output) +
		perTok(m.CacheCreationTokens, p.CacheCreation) +
		perTok(m.CacheReadTokens, p.CacheRead)
	return types.CostToMicros(cost)
}

// remoteTable returns the cached remote table, refreshing it when stale.
// Fetch failures leave the previous table (or nil) in place.
func (s *Service) remoteTable(ctx context.Context) map[string]ModelPrice {
	if s.url == "" {
		return nil
	}
	s.mu.RLock()
	fresh := s.remote != nil && s.now().Sub(s.fetchedAt) < s.ttl
	table := s.remote
	s.mu.RUnlock()
	if fresh {
		return table
	}

	fetched, err := s.fetch(ctx)
	if err != nil {
		return table
	}
	s.mu.Lock()
	s.remote = fetched
	s.fetchedAt = s.now()
	s.mu.Unlock()
	return fetched
}

func (s *Service) fetch(ctx context.Context) (map[string]ModelPrice, error) {
	var table map[string]ModelPrice
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("pricing fetch: unexpected status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&table)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return table, nil
}

// familyPrice maps a model name onto the embedded fallback table by the
// longest matching family prefix.
func (s *Service) familyPrice(model string) ModelPrice {
	best := ""
	for family := range s.fallback.Families {
		if strings.HasPrefix(model, family) && len(family) > len(best) {
			best = family
		}
	}
	if best != "" {
		return s.fallback.Families[best]
	}
	return s.fallback.Default
}
