package types

import "time"

// Role is the coarse access level of a principal.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleAnon  Role = "anonymous"
)

// Principal is the authenticated actor for a request. Derived once by the
// tenant resolver and stamped on the request context; every downstream
// filter reads it from there.
type Principal struct {
	UserID      string   `json:"user_id"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	KeyLabel    string   `json:"key_label,omitempty"` // Label of the matched API key, if any
}

// Anonymous is the principal used when no authentication method succeeds.
// Downstream components decide whether to serve or reject.
var Anonymous = Principal{Role: RoleAnon}

// IsAdmin reports whether the principal bypasses ownership filters.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// IsAnonymous reports whether no authentication method succeeded.
func (p Principal) IsAnonymous() bool { return p.Role == RoleAnon || p.UserID == "" }

// User is a stored account. Passwords and OIDC subjects live with the
// external auth service; the core only needs identity and role.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a stored credential. Only the sha-256 hash of the key material
// is persisted. Timestamps are UTC; expiry comparisons must be
// timezone-aware.
type APIKey struct {
	Hash      string     `json:"hash"` // sha256 hex of the presented key
	UserID    string     `json:"user_id"`
	Label     string     `json:"label,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the key is past its expiry at instant now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now.UTC())
}
