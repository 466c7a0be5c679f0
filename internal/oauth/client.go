package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// ---------------------------------------------------------------------------
// Client model
// ---------------------------------------------------------------------------

// GrantType identifies an OAuth 2.0 grant strategy.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// SupportedGrantTypes lists every grant type the token endpoint dispatches.
var SupportedGrantTypes = []GrantType{
	GrantAuthorizationCode,
	GrantRefreshToken,
	GrantClientCredentials,
}

// ClientType distinguishes confidential clients (which hold a secret) from
// public clients (browser/mobile apps that rely on PKCE).
type ClientType string

const (
	ClientConfidential ClientType = "confidential"
	ClientPublic       ClientType = "public"
)

// Client is a registered OAuth application owned by an organization.
// The secret material is never stored; only a SHA-256 hash is persisted,
// plus a short prefix for log correlation. Clients are never deleted, only
// disabled.
type Client struct {
	ClientID       string     `json:"client_id"`
	Name           string     `json:"client_name"`
	SecretHash     string     `json:"-"`
	SecretPrefix   string     `json:"secret_prefix,omitempty"`
	OrganizationID string     `json:"organization_id"`
	Type           ClientType `json:"client_type"`
	GrantTypes     []GrantType `json:"grant_types"`
	RedirectURIs   []string   `json:"redirect_uris,omitempty"`
	Scopes         []string   `json:"scopes"`
	PublicKeyPEM   string     `json:"-"`
	Disabled       bool       `json:"disabled"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AllowsGrant reports whether the client is registered for the grant type.
func (c *Client) AllowsGrant(gt GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// AllowsRedirectURI reports whether the redirect URI is registered for the
// client. Exact string match only; no pattern matching.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Registry interface
// ---------------------------------------------------------------------------

// ClientRegistry provides org-scoped lookups of registered clients.
// Implementations must treat clients from other organizations and disabled
// clients as ErrClientNotFound; there is no way to query without an
// organization ID.
type ClientRegistry interface {
	// Lookup returns the client with the given ID within the organization.
	Lookup(ctx context.Context, orgID, clientID string) (*Client, error)

	// Register persists a new client.
	Register(ctx context.Context, client *Client) error

	// List returns all clients for an organization, including disabled ones.
	List(ctx context.Context, orgID string) ([]*Client, error)

	// Update persists changes to an existing client (rotation, disable).
	Update(ctx context.Context, client *Client) error
}

// ---------------------------------------------------------------------------
// Secret handling
// ---------------------------------------------------------------------------

// secretPrefixLen is how many characters of a freshly generated secret are
// retained for audit/log correlation. Enough to identify, useless to replay.
const secretPrefixLen = 8

// NewClientSecret generates a random client secret and returns the raw
// secret alongside its stored form (hash + prefix). The raw secret is shown
// to the caller exactly once.
func NewClientSecret() (raw, hash, prefix string, err error) {
	b := make([]byte, 32)
	if _, err = rand.Read(b); err != nil {
		return "", "", "", err
	}
	raw = hex.EncodeToString(b)
	return raw, HashSecret(raw), raw[:secretPrefixLen], nil
}

// HashSecret returns the hex-encoded SHA-256 hash of a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifySecret compares a provided secret against the client's stored hash
// in constant time. Timing-safe comparison is a correctness requirement
// here, not an optimization.
func VerifySecret(client *Client, provided string) bool {
	if client.SecretHash == "" || provided == "" {
		return false
	}
	providedHash := HashSecret(provided)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(client.SecretHash)) == 1
}
