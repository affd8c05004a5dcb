package tenant

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/claudelens/claudelens/internal/storage/sqlite"
	"github.com/claudelens/claudelens/internal/types"
)

func setupResolver(t *testing.T, trustLoopback bool) (*Resolver, *sqlite.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claudelens.db")
	store, err := sqlite.New(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewResolver(store, []byte("test-secret"), trustLoopback, "root"), store
}

func TestResolveAPIKey(t *testing.T) {
	r, store := setupResolver(t, false)
	ctx := context.Background()

	if err := store.CreateUser(ctx, &types.User{ID: "alice", Role: types.RoleUser}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateAPIKey(ctx, &types.APIKey{Hash: HashKey("sk-live-1"), UserID: "alice", Label: "ci"}); err != nil {
		t.Fatal(err)
	}

	p := r.Resolve(ctx, Credentials{APIKey: "sk-live-1"})
	if p.UserID != "alice" || p.Role != types.RoleUser || p.KeyLabel != "ci" {
		t.Errorf("principal = %+v", p)
	}

	// last_used was stamped
	k, err := store.GetAPIKeyByHash(ctx, HashKey("sk-live-1"))
	if err != nil {
		t.Fatal(err)
	}
	if k.LastUsed == nil {
		t.Error("last_used not stamped")
	}

	// Wrong key falls through to anonymous
	p = r.Resolve(ctx, Credentials{APIKey: "sk-live-wrong"})
	if !p.IsAnonymous() {
		t.Errorf("bad key resolved to %+v", p)
	}
}

func TestResolveExpiredKey(t *testing.T) {
	r, store := setupResolver(t, false)
	ctx := context.Background()

	if err := store.CreateUser(ctx, &types.User{ID: "alice", Role: types.RoleUser}); err != nil {
		t.Fatal(err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	if err := store.CreateAPIKey(ctx, &types.APIKey{Hash: HashKey("sk-old"), UserID: "alice", ExpiresAt: &past}); err != nil {
		t.Fatal(err)
	}
	p := r.Resolve(ctx, Credentials{APIKey: "sk-old"})
	if !p.IsAnonymous() {
		t.Errorf("expired key resolved to %+v", p)
	}
}

func TestBearerTokenRoundTrip(t *testing.T) {
	r, _ := setupResolver(t, false)
	ctx := context.Background()

	tok := r.MintToken("bob", types.RoleAdmin, time.Now().Add(time.Hour))
	p := r.Resolve(ctx, Credentials{Bearer: tok})
	if p.UserID != "bob" || !p.IsAdmin() {
		t.Errorf("principal = %+v", p)
	}

	t.Run("expired", func(t *testing.T) {
		tok := r.MintToken("bob", types.RoleUser, time.Now().Add(-time.Minute))
		if p := r.Resolve(ctx, Credentials{Bearer: tok}); !p.IsAnonymous() {
			t.Errorf("expired token resolved to %+v", p)
		}
	})
	t.Run("tampered", func(t *testing.T) {
		tok := r.MintToken("bob", types.RoleUser, time.Now().Add(time.Hour))
		forged := "admin" + tok[3:]
		if p := r.Resolve(ctx, Credentials{Bearer: forged}); !p.IsAnonymous() {
			t.Errorf("tampered token resolved to %+v", p)
		}
	})
	t.Run("wrong secret", func(t *testing.T) {
		tok := r.MintToken("bob", types.RoleUser, time.Now().Add(time.Hour))
		other := NewResolver(nil, []byte("other-secret"), false, "")
		if p, ok := other.VerifyToken(tok); ok {
			t.Errorf("cross-secret token resolved to %+v", p)
		}
	})
	t.Run("garbage", func(t *testing.T) {
		if p := r.Resolve(ctx, Credentials{Bearer: "not-a-token"}); !p.IsAnonymous() {
			t.Errorf("garbage resolved to %+v", p)
		}
	})
}

func TestLoopbackFallback(t *testing.T) {
	trusted, _ := setupResolver(t, true)
	untrusted, _ := setupResolver(t, false)
	ctx := context.Background()

	p := trusted.Resolve(ctx, Credentials{RemoteAddr: "127.0.0.1:54321"})
	if p.UserID != "root" || !p.IsAdmin() {
		t.Errorf("loopback principal = %+v", p)
	}
	p = trusted.Resolve(ctx, Credentials{RemoteAddr: "[::1]:54321"})
	if !p.IsAdmin() {
		t.Errorf("ipv6 loopback principal = %+v", p)
	}
	// Off by default
	p = untrusted.Resolve(ctx, Credentials{RemoteAddr: "127.0.0.1:54321"})
	if !p.IsAnonymous() {
		t.Errorf("untrusted loopback resolved to %+v", p)
	}
	// Non-loopback peers never get the fallback
	p = trusted.Resolve(ctx, Credentials{RemoteAddr: "10.0.0.5:1234"})
	if !p.IsAnonymous() {
		t.Errorf("remote peer resolved to %+v", p)
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if p := FromContext(ctx); !p.IsAnonymous() {
		t.Errorf("unstamped context = %+v", p)
	}
	ctx = WithPrincipal(ctx, types.Principal{UserID: "alice", Role: types.RoleUser})
	if p := FromContext(ctx); p.UserID != "alice" {
		t.Errorf("stamped context = %+v", p)
	}
}
