package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Hospital claims
// ---------------------------------------------------------------------------

// TokenContext carries the hospital-specific access attributes attached to a
// token at issuance time. The core copies these claims verbatim from the
// subject directory into the issued token and back out through
// introspection; it never interprets them.
type TokenContext struct {
	HospitalRole string `json:"hospital_role,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	PHIAccess    bool   `json:"phi_access,omitempty"`
}

// SubjectDirectory resolves a subject's hospital profile at the moment of
// code exchange. It is an external collaborator; the in-memory
// implementation exists for development and tests.
type SubjectDirectory interface {
	Resolve(ctx context.Context, orgID, subject string) (TokenContext, error)
}

// ---------------------------------------------------------------------------
// Authorization codes
// ---------------------------------------------------------------------------

// AuthorizationCode is a short-lived, single-use code issued by the
// authorization endpoint and exchanged exactly once at the token endpoint.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	OrganizationID      string
	Subject             string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
}

// CodeStore persists authorization codes. Every operation is scoped by
// organization ID; a code created under one organization is invisible to
// every other.
type CodeStore interface {
	// CreateCode persists a new authorization code.
	CreateCode(ctx context.Context, orgID string, code *AuthorizationCode) error

	// ConsumeCode atomically retrieves and invalidates an unexpired code.
	// The check-and-consume must be a single step: of N concurrent calls
	// for the same code, exactly one receives the code and the rest receive
	// ErrCodeNotFound. Expired codes are ErrCodeNotFound.
	ConsumeCode(ctx context.Context, orgID, code string) (*AuthorizationCode, error)
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// TokenKind distinguishes access tokens from refresh tokens in the store.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Token is a stored access or refresh token. The opaque token string handed
// to the client is never persisted; only its SHA-256 hash is. LineageID ties
// every token descending from one grant together so that a detected refresh
// replay can revoke the whole chain.
type Token struct {
	ID             string
	Hash           string
	Kind           TokenKind
	ClientID       string
	OrganizationID string
	Subject        string
	Scope          string
	LineageID      string
	Context        TokenContext
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Revoked        bool
}

// Expired reports whether the token is past its expiry at the given time.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Active reports whether the token is neither revoked nor expired.
func (t *Token) Active(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

// TokenStore persists issued tokens. All operations are org-scoped; the
// interface offers no way to look up or mutate a token across tenant
// boundaries.
type TokenStore interface {
	// CreateTokens persists one or more tokens (typically an access/refresh
	// pair sharing a lineage) in a single operation.
	CreateTokens(ctx context.Context, orgID string, tokens ...*Token) error

	// LookupToken returns the token with the given hash, regardless of its
	// revoked or expired state. Missing tokens are ErrTokenNotFound.
	LookupToken(ctx context.Context, orgID, hash string) (*Token, error)

	// RevokeToken marks the token revoked. The update is conditional: if
	// the token was already revoked, ErrTokenRevoked is returned. This is
	// what makes concurrent refresh replay detectable: of N concurrent
	// rotations of one refresh token, exactly one revocation succeeds.
	RevokeToken(ctx context.Context, orgID, hash string) error

	// RevokeLineage revokes every token carrying the lineage ID.
	RevokeLineage(ctx context.Context, orgID, lineageID string) error

	// RevokeClientTokens revokes every token issued to the client. Used when
	// a client is disabled.
	RevokeClientTokens(ctx context.Context, orgID, clientID string) error
}

// ---------------------------------------------------------------------------
// Opaque token material
// ---------------------------------------------------------------------------

// NewOpaqueToken generates a cryptographically random opaque token string.
func NewOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the hex-encoded SHA-256 hash of an opaque token string.
// Stores index tokens by this hash so a database leak does not leak usable
// credentials.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix returns a short, loggable prefix of a token for audit
// correlation. Raw tokens must never appear in logs or audit events.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// ---------------------------------------------------------------------------
// Scope helpers
// ---------------------------------------------------------------------------

// SplitScope splits a space-separated scope string into fields.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}

// ScopeSubset reports whether every scope in requested appears in granted.
// Both arguments are space-separated scope strings.
func ScopeSubset(requested, granted string) bool {
	grantedSet := make(map[string]bool)
	for _, s := range SplitScope(granted) {
		grantedSet[s] = true
	}
	for _, s := range SplitScope(requested) {
		if !grantedSet[s] {
			return false
		}
	}
	return true
}

// IntersectScope returns the scopes present in both arguments, preserving
// the order of the requested string.
func IntersectScope(requested, allowed string) string {
	allowedSet := make(map[string]bool)
	for _, s := range SplitScope(allowed) {
		allowedSet[s] = true
	}
	var out []string
	for _, s := range SplitScope(requested) {
		if allowedSet[s] {
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}
