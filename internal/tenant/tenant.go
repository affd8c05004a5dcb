// Package tenant resolves the acting principal for each request.
//
// Resolution tries, in order: a stored API key (sha-256 match), a signed
// bearer token, and a loopback fallback to the configured admin principal.
// When nothing matches the request proceeds as Anonymous; downstream
// components decide whether to serve or reject.
package tenant

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

type ctxKey struct{}

// WithPrincipal stamps the resolved principal on the context.
func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stamped by the resolver, or Anonymous
// when resolution never ran.
func FromContext(ctx context.Context) types.Principal {
	if p, ok := ctx.Value(ctxKey{}).(types.Principal); ok {
		return p
	}
	return types.Anonymous
}

// Resolver turns request credentials into a Principal.
type Resolver struct {
	store         storage.Store
	secret        []byte
	trustLoopback bool
	adminID       string
	now           func() time.Time
}

// NewResolver builds a resolver. secret signs bearer tokens; adminID is the
// principal granted to loopback callers when trustLoopback is set.
func NewResolver(store storage.Store, secret []byte, trustLoopback bool, adminID string) *Resolver {
	return &Resolver{
		store:         store,
		secret:        secret,
		trustLoopback: trustLoopback,
		adminID:       adminID,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// HashKey returns the sha-256 hex digest of raw key material. Only this
// digest is ever stored or compared.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Credentials carries everything extracted from a request that can identify
// the caller.
type Credentials struct {
	APIKey     string // X-API-Key header value
	Bearer     string // Authorization: Bearer token
	RemoteAddr string // Connection peer, host:port
}

// Resolve derives the principal for one request. It never returns an error
// for bad credentials; failed methods fall through to the next one and the
// final fallback is Anonymous.
func (r *Resolver) Resolve(ctx context.Context, c Credentials) types.Principal {
	if c.APIKey != "" {
		if p, ok := r.resolveAPIKey(ctx, c.APIKey); ok {
			return p
		}
	}
	if c.Bearer != "" {
		if p, ok := r.VerifyToken(c.Bearer); ok {
			return p
		}
	}
	if r.trustLoopback && isLoopback(c.RemoteAddr) {
		return types.Principal{UserID: r.adminID, Role: types.RoleAdmin}
	}
	return types.Anonymous
}

func (r *Resolver) resolveAPIKey(ctx context.Context, raw string) (types.Principal, bool) {
	key, err := r.store.GetAPIKeyByHash(ctx, HashKey(raw))
	if err != nil {
		return types.Principal{}, false
	}
	if key.Expired(r.now()) {
		return types.Principal{}, false
	}
	role := types.RoleUser
	if u, err := r.store.GetUser(ctx, key.UserID); err == nil {
		role = u.Role
	}
	// Best-effort stamp; a failure never fails the request.
	_ = r.store.TouchAPIKey(ctx, key.Hash, r.now())
	return types.Principal{UserID: key.UserID, Role: role, KeyLabel: key.Label}, true
}

// MintToken issues a signed bearer token for a principal, valid until
// expiry. Format: user:role:expiryUnix:hex(hmac-sha256).
func (r *Resolver) MintToken(userID string, role types.Role, expiry time.Time) string {
	payload := fmt.Sprintf("%s:%s:%d", userID, role, expiry.UTC().Unix())
	return payload + ":" + r.sign(payload)
}

// VerifyToken checks a bearer token's signature and expiry.
func (r *Resolver) VerifyToken(token string) (types.Principal, bool) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return types.Principal{}, false
	}
	userID, role, expiryStr, sig := parts[0], parts[1], parts[2], parts[3]
	payload := userID + ":" + role + ":" + expiryStr

	want, err := hex.DecodeString(sig)
	if err != nil {
		return types.Principal{}, false
	}
	got, err := hex.DecodeString(r.sign(payload))
	if err != nil || !hmac.Equal(want, got) {
		return types.Principal{}, false
	}

	exp, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil || !r.now().Before(time.Unix(exp, 0)) {
		return types.Principal{}, false
	}
	rl := types.Role(role)
	if rl != types.RoleAdmin && rl != types.RoleUser {
		return types.Principal{}, false
	}
	return types.Principal{UserID: userID, Role: rl}, true
}

func (r *Resolver) sign(payload string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
