package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationOAuthCore is the SQL DDL for the authorization server tables. It
// is safe to execute multiple times (uses IF NOT EXISTS); callers can run it
// at application startup as an auto-migration step. The same DDL ships as a
// file under migrations/.
const MigrationOAuthCore = `
CREATE TABLE IF NOT EXISTS oauth_clients (
    organization_id TEXT        NOT NULL,
    client_id       TEXT        NOT NULL,
    client_name     TEXT        NOT NULL DEFAULT '',
    secret_hash     TEXT        NOT NULL DEFAULT '',
    secret_prefix   TEXT        NOT NULL DEFAULT '',
    client_type     TEXT        NOT NULL,
    grant_types     TEXT[]      NOT NULL DEFAULT '{}',
    redirect_uris   TEXT[]      NOT NULL DEFAULT '{}',
    scopes          TEXT[]      NOT NULL DEFAULT '{}',
    public_key_pem  TEXT        NOT NULL DEFAULT '',
    disabled        BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (organization_id, client_id)
);

CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
    organization_id       TEXT        NOT NULL,
    code                  TEXT        NOT NULL,
    client_id             TEXT        NOT NULL,
    subject               TEXT        NOT NULL DEFAULT '',
    redirect_uri          TEXT        NOT NULL DEFAULT '',
    scope                 TEXT        NOT NULL DEFAULT '',
    code_challenge        TEXT        NOT NULL DEFAULT '',
    code_challenge_method TEXT        NOT NULL DEFAULT '',
    expires_at            TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (organization_id, code)
);

CREATE INDEX IF NOT EXISTS idx_oauth_codes_expires_at
    ON oauth_authorization_codes (expires_at);

CREATE TABLE IF NOT EXISTS oauth_tokens (
    organization_id TEXT        NOT NULL,
    token_hash      TEXT        NOT NULL,
    id              TEXT        NOT NULL,
    kind            TEXT        NOT NULL,
    client_id       TEXT        NOT NULL,
    subject         TEXT        NOT NULL DEFAULT '',
    scope           TEXT        NOT NULL DEFAULT '',
    lineage_id      TEXT        NOT NULL DEFAULT '',
    hospital_role   TEXT        NOT NULL DEFAULT '',
    department_id   TEXT        NOT NULL DEFAULT '',
    phi_access      BOOLEAN     NOT NULL DEFAULT FALSE,
    issued_at       TIMESTAMPTZ NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    revoked         BOOLEAN     NOT NULL DEFAULT FALSE,
    PRIMARY KEY (organization_id, token_hash)
);

CREATE INDEX IF NOT EXISTS idx_oauth_tokens_lineage
    ON oauth_tokens (organization_id, lineage_id);

CREATE INDEX IF NOT EXISTS idx_oauth_tokens_expires_at
    ON oauth_tokens (expires_at);

CREATE TABLE IF NOT EXISTS oauth_subjects (
    organization_id TEXT    NOT NULL,
    subject         TEXT    NOT NULL,
    hospital_role   TEXT    NOT NULL DEFAULT '',
    department_id   TEXT    NOT NULL DEFAULT '',
    phi_access      BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (organization_id, subject)
);
`

// ---------------------------------------------------------------------------
// pgRow / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgRows represents a multi-row result.
type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// pgConn is the minimal database interface required by the Postgres-backed
// stores. Both *pgxpool.Pool (via a thin adapter) and test mocks implement
// this.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Query(ctx context.Context, sql string, args ...any) (pgRows, error)
	Exec(ctx context.Context, sql string, args ...any) error
}

// isNoRows returns true when the error represents a "no rows" condition.
// It works with both pgx (pgx.ErrNoRows) and the mocks used in tests.
func isNoRows(err error) bool {
	if err == pgx.ErrNoRows {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// ---------------------------------------------------------------------------
// pgxPoolWrapper adapts *pgxpool.Pool to the pgConn interface
// ---------------------------------------------------------------------------

type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Query(ctx context.Context, sql string, args ...any) (pgRows, error) {
	rows, err := w.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRowsWrapper{rows}, nil
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

type pgxRowsWrapper struct {
	rows pgx.Rows
}

func (w pgxRowsWrapper) Next() bool             { return w.rows.Next() }
func (w pgxRowsWrapper) Scan(dest ...any) error { return w.rows.Scan(dest...) }
func (w pgxRowsWrapper) Err() error             { return w.rows.Err() }
func (w pgxRowsWrapper) Close()                 { w.rows.Close() }

// ---------------------------------------------------------------------------
// PGClientRegistry
// ---------------------------------------------------------------------------

// PGClientRegistry is a PostgreSQL-backed ClientRegistry.
type PGClientRegistry struct {
	db pgConn
}

// NewPGClientRegistry creates a registry over any pgConn; use
// NewPGClientRegistryFromPool in production.
func NewPGClientRegistry(db pgConn) *PGClientRegistry {
	return &PGClientRegistry{db: db}
}

// NewPGClientRegistryFromPool creates a PG-backed registry from a pool.
func NewPGClientRegistryFromPool(pool *pgxpool.Pool) *PGClientRegistry {
	return &PGClientRegistry{db: &pgxPoolWrapper{pool: pool}}
}

const clientColumns = `client_id, client_name, secret_hash, secret_prefix, client_type,
grant_types, redirect_uris, scopes, public_key_pem, disabled, created_at`

// Lookup implements ClientRegistry. Disabled clients are not found.
func (r *PGClientRegistry) Lookup(ctx context.Context, orgID, clientID string) (*Client, error) {
	query := `SELECT ` + clientColumns + ` FROM oauth_clients
WHERE organization_id = $1 AND client_id = $2 AND NOT disabled`

	c, err := scanClient(r.db.QueryRow(ctx, query, orgID, clientID))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("lookup client: %w", err)
	}
	c.OrganizationID = orgID
	return c, nil
}

// Register implements ClientRegistry.
func (r *PGClientRegistry) Register(ctx context.Context, client *Client) error {
	const query = `INSERT INTO oauth_clients
(organization_id, client_id, client_name, secret_hash, secret_prefix, client_type,
 grant_types, redirect_uris, scopes, public_key_pem, disabled, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	err := r.db.Exec(ctx, query,
		client.OrganizationID, client.ClientID, client.Name,
		client.SecretHash, client.SecretPrefix, string(client.Type),
		grantTypeStrings(client.GrantTypes), client.RedirectURIs, client.Scopes,
		client.PublicKeyPEM, client.Disabled, client.CreatedAt)
	if err != nil {
		return fmt.Errorf("register client: %w", err)
	}
	return nil
}

// List implements ClientRegistry. Disabled clients are included so the
// admin surface can show them.
func (r *PGClientRegistry) List(ctx context.Context, orgID string) ([]*Client, error) {
	query := `SELECT ` + clientColumns + ` FROM oauth_clients
WHERE organization_id = $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var result []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("list clients: %w", err)
		}
		c.OrganizationID = orgID
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return result, nil
}

// Update implements ClientRegistry.
func (r *PGClientRegistry) Update(ctx context.Context, client *Client) error {
	const query = `UPDATE oauth_clients
SET client_name = $3, secret_hash = $4, secret_prefix = $5, client_type = $6,
    grant_types = $7, redirect_uris = $8, scopes = $9, public_key_pem = $10,
    disabled = $11
WHERE organization_id = $1 AND client_id = $2`

	err := r.db.Exec(ctx, query,
		client.OrganizationID, client.ClientID, client.Name,
		client.SecretHash, client.SecretPrefix, string(client.Type),
		grantTypeStrings(client.GrantTypes), client.RedirectURIs, client.Scopes,
		client.PublicKeyPEM, client.Disabled)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	return nil
}

func scanClient(row pgRow) (*Client, error) {
	var c Client
	var clientType string
	var grantTypes []string
	if err := row.Scan(&c.ClientID, &c.Name, &c.SecretHash, &c.SecretPrefix, &clientType,
		&grantTypes, &c.RedirectURIs, &c.Scopes, &c.PublicKeyPEM, &c.Disabled, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Type = ClientType(clientType)
	for _, g := range grantTypes {
		c.GrantTypes = append(c.GrantTypes, GrantType(g))
	}
	return &c, nil
}

func grantTypeStrings(gts []GrantType) []string {
	out := make([]string, len(gts))
	for i, g := range gts {
		out[i] = string(g)
	}
	return out
}

// ---------------------------------------------------------------------------
// PGCodeStore
// ---------------------------------------------------------------------------

// PGCodeStore is a PostgreSQL-backed CodeStore. Consumption is a single
// DELETE ... RETURNING statement, which makes it atomic across replicated
// server processes: the database hands the row to exactly one deleter.
type PGCodeStore struct {
	db pgConn
}

// NewPGCodeStore creates a code store over any pgConn.
func NewPGCodeStore(db pgConn) *PGCodeStore {
	return &PGCodeStore{db: db}
}

// NewPGCodeStoreFromPool creates a PG-backed code store from a pool.
func NewPGCodeStoreFromPool(pool *pgxpool.Pool) *PGCodeStore {
	return &PGCodeStore{db: &pgxPoolWrapper{pool: pool}}
}

// CreateCode implements CodeStore.
func (s *PGCodeStore) CreateCode(ctx context.Context, orgID string, code *AuthorizationCode) error {
	const query = `INSERT INTO oauth_authorization_codes
(organization_id, code, client_id, subject, redirect_uri, scope,
 code_challenge, code_challenge_method, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	err := s.db.Exec(ctx, query, orgID, code.Code, code.ClientID, code.Subject,
		code.RedirectURI, code.Scope, code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

// ConsumeCode implements CodeStore.
func (s *PGCodeStore) ConsumeCode(ctx context.Context, orgID, code string) (*AuthorizationCode, error) {
	const query = `DELETE FROM oauth_authorization_codes
WHERE organization_id = $1 AND code = $2 AND expires_at > now()
RETURNING client_id, subject, redirect_uri, scope, code_challenge, code_challenge_method, expires_at`

	ac := AuthorizationCode{Code: code, OrganizationID: orgID}
	err := s.db.QueryRow(ctx, query, orgID, code).Scan(
		&ac.ClientID, &ac.Subject, &ac.RedirectURI, &ac.Scope,
		&ac.CodeChallenge, &ac.CodeChallengeMethod, &ac.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	return &ac, nil
}

// Cleanup deletes expired codes. Intended for a periodic job.
func (s *PGCodeStore) Cleanup(ctx context.Context) error {
	const query = `DELETE FROM oauth_authorization_codes WHERE expires_at <= now()`
	if err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("cleanup authorization codes: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// PGTokenStore
// ---------------------------------------------------------------------------

// PGTokenStore is a PostgreSQL-backed TokenStore. RevokeToken is a
// conditional UPDATE so concurrent rotations of one refresh token resolve to
// a single winner at the database.
type PGTokenStore struct {
	db pgConn
}

// NewPGTokenStore creates a token store over any pgConn.
func NewPGTokenStore(db pgConn) *PGTokenStore {
	return &PGTokenStore{db: db}
}

// NewPGTokenStoreFromPool creates a PG-backed token store from a pool.
func NewPGTokenStoreFromPool(pool *pgxpool.Pool) *PGTokenStore {
	return &PGTokenStore{db: &pgxPoolWrapper{pool: pool}}
}

// CreateTokens implements TokenStore.
func (s *PGTokenStore) CreateTokens(ctx context.Context, orgID string, tokens ...*Token) error {
	const query = `INSERT INTO oauth_tokens
(organization_id, token_hash, id, kind, client_id, subject, scope, lineage_id,
 hospital_role, department_id, phi_access, issued_at, expires_at, revoked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	for _, t := range tokens {
		if t == nil {
			continue
		}
		err := s.db.Exec(ctx, query, orgID, t.Hash, t.ID, string(t.Kind), t.ClientID,
			t.Subject, t.Scope, t.LineageID,
			t.Context.HospitalRole, t.Context.DepartmentID, t.Context.PHIAccess,
			t.IssuedAt, t.ExpiresAt, t.Revoked)
		if err != nil {
			return fmt.Errorf("create token: %w", err)
		}
	}
	return nil
}

// LookupToken implements TokenStore.
func (s *PGTokenStore) LookupToken(ctx context.Context, orgID, hash string) (*Token, error) {
	const query = `SELECT id, kind, client_id, subject, scope, lineage_id,
hospital_role, department_id, phi_access, issued_at, expires_at, revoked
FROM oauth_tokens WHERE organization_id = $1 AND token_hash = $2`

	t := Token{Hash: hash, OrganizationID: orgID}
	var kind string
	err := s.db.QueryRow(ctx, query, orgID, hash).Scan(
		&t.ID, &kind, &t.ClientID, &t.Subject, &t.Scope, &t.LineageID,
		&t.Context.HospitalRole, &t.Context.DepartmentID, &t.Context.PHIAccess,
		&t.IssuedAt, &t.ExpiresAt, &t.Revoked)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	t.Kind = TokenKind(kind)
	return &t, nil
}

// RevokeToken implements TokenStore. The WHERE NOT revoked clause is the
// atomicity point: only one concurrent caller observes the transition, the
// rest fall through to the revoked check below.
func (s *PGTokenStore) RevokeToken(ctx context.Context, orgID, hash string) error {
	const update = `UPDATE oauth_tokens SET revoked = TRUE
WHERE organization_id = $1 AND token_hash = $2 AND NOT revoked
RETURNING id`

	var id string
	err := s.db.QueryRow(ctx, update, orgID, hash).Scan(&id)
	if err == nil {
		return nil
	}
	if !isNoRows(err) {
		return fmt.Errorf("revoke token: %w", err)
	}

	// No row updated: either unknown or already revoked.
	const check = `SELECT revoked FROM oauth_tokens
WHERE organization_id = $1 AND token_hash = $2`
	var revoked bool
	if err := s.db.QueryRow(ctx, check, orgID, hash).Scan(&revoked); err != nil {
		if isNoRows(err) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("revoke token: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	return ErrTokenNotFound
}

// RevokeLineage implements TokenStore.
func (s *PGTokenStore) RevokeLineage(ctx context.Context, orgID, lineageID string) error {
	const query = `UPDATE oauth_tokens SET revoked = TRUE
WHERE organization_id = $1 AND lineage_id = $2`

	if err := s.db.Exec(ctx, query, orgID, lineageID); err != nil {
		return fmt.Errorf("revoke lineage: %w", err)
	}
	return nil
}

// RevokeClientTokens implements TokenStore.
func (s *PGTokenStore) RevokeClientTokens(ctx context.Context, orgID, clientID string) error {
	const query = `UPDATE oauth_tokens SET revoked = TRUE
WHERE organization_id = $1 AND client_id = $2`

	if err := s.db.Exec(ctx, query, orgID, clientID); err != nil {
		return fmt.Errorf("revoke client tokens: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// PGSubjectDirectory
// ---------------------------------------------------------------------------

// PGSubjectDirectory resolves hospital profiles from the oauth_subjects
// table. Unknown subjects resolve to an empty context, matching the
// in-memory directory: a missing profile withholds claims, it does not
// block issuance.
type PGSubjectDirectory struct {
	db pgConn
}

// NewPGSubjectDirectory creates a directory over any pgConn.
func NewPGSubjectDirectory(db pgConn) *PGSubjectDirectory {
	return &PGSubjectDirectory{db: db}
}

// NewPGSubjectDirectoryFromPool creates a PG-backed directory from a pool.
func NewPGSubjectDirectoryFromPool(pool *pgxpool.Pool) *PGSubjectDirectory {
	return &PGSubjectDirectory{db: &pgxPoolWrapper{pool: pool}}
}

// Resolve implements SubjectDirectory.
func (d *PGSubjectDirectory) Resolve(ctx context.Context, orgID, subject string) (TokenContext, error) {
	const query = `SELECT hospital_role, department_id, phi_access
FROM oauth_subjects WHERE organization_id = $1 AND subject = $2`

	var tc TokenContext
	err := d.db.QueryRow(ctx, query, orgID, subject).Scan(
		&tc.HospitalRole, &tc.DepartmentID, &tc.PHIAccess)
	if err != nil {
		if isNoRows(err) {
			return TokenContext{}, nil
		}
		return TokenContext{}, fmt.Errorf("resolve subject: %w", err)
	}
	return tc, nil
}

// Cleanup deletes tokens that expired more than the grace period ago.
// Recently expired tokens are kept so replayed rotated tokens still resolve
// to their lineage.
func (s *PGTokenStore) Cleanup(ctx context.Context, grace time.Duration) error {
	const query = `DELETE FROM oauth_tokens WHERE expires_at <= now() - $1::interval`
	if err := s.db.Exec(ctx, query, grace.String()); err != nil {
		return fmt.Errorf("cleanup tokens: %w", err)
	}
	return nil
}
