// Package oauth implements the OAuth 2.0 authorization server core for the
// hospital platform: token issuance (authorization_code, refresh_token,
// client_credentials), RFC 7662 introspection, RFC 7009 revocation, and the
// client registry. Transport, tenancy resolution, and audit persistence are
// external collaborators.
package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hms/authcore/internal/audit"
)

// ---------------------------------------------------------------------------
// Policy constants
// ---------------------------------------------------------------------------

const (
	// DefaultCodeTTL bounds authorization code lifetime. Must never exceed
	// ten minutes.
	DefaultCodeTTL = 5 * time.Minute

	// DefaultAccessTokenTTL is the access token lifetime.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL is the refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultStoreTimeout bounds every backing-store call. A store that
	// exceeds it surfaces to the caller as server_error.
	DefaultStoreTimeout = 5 * time.Second
)

// ---------------------------------------------------------------------------
// Request / response shapes (transport-agnostic)
// ---------------------------------------------------------------------------

// TokenRequest is a parsed token endpoint request. The HTTP layer fills it
// from form or JSON bodies and from Basic credentials; the core never sees
// the raw request.
type TokenRequest struct {
	GrantType           string
	ClientID            string
	ClientSecret        string
	ClientAssertionType string
	ClientAssertion     string
	Code                string
	RedirectURI         string
	CodeVerifier        string
	RefreshToken        string
	Scope               string
}

// TokenResponse is the RFC 6749 token response with the hospital claims the
// platform attaches at issuance.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	HospitalRole string `json:"hospital_role,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	PHIAccess    bool   `json:"phi_access,omitempty"`
}

// IntrospectionRequest is a parsed RFC 7662 introspection request.
type IntrospectionRequest struct {
	Token               string
	ClientID            string
	ClientSecret        string
	ClientAssertionType string
	ClientAssertion     string
}

// Introspection is the RFC 7662 response. Inactive tokens carry only
// Active=false: not-found, expired, and revoked are indistinguishable to
// the caller.
type Introspection struct {
	Active       bool   `json:"active"`
	Scope        string `json:"scope,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	Subject      string `json:"sub,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"exp,omitempty"`
	IssuedAt     int64  `json:"iat,omitempty"`
	HospitalRole string `json:"hospital_role,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	PHIAccess    bool   `json:"phi_access,omitempty"`
}

// RevocationRequest is a parsed RFC 7009 revocation request.
type RevocationRequest struct {
	Token        string
	ClientID     string
	ClientSecret string
}

// AuthorizeRequest carries the parameters needed to mint an authorization
// code once the authorization endpoint has authenticated the end user.
type AuthorizeRequest struct {
	ClientID            string
	Subject             string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server orchestrates the token, introspection, and revocation flows. It is
// stateless between requests; all shared mutable state lives behind the
// store interfaces, which is what allows the server to be replicated.
type Server struct {
	registry ClientRegistry
	codes    CodeStore
	tokens   TokenStore
	subjects SubjectDirectory
	audit    audit.Emitter

	assertions *assertionVerifier

	codeTTL         time.Duration
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	storeTimeout    time.Duration

	now func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithCodeTTL overrides the authorization code lifetime. Values above ten
// minutes are clamped.
func WithCodeTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 10*time.Minute {
			d = 10 * time.Minute
		}
		s.codeTTL = d
	}
}

// WithAccessTokenTTL overrides the access token lifetime.
func WithAccessTokenTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTokenTTL = d }
}

// WithRefreshTokenTTL overrides the refresh token lifetime.
func WithRefreshTokenTTL(d time.Duration) Option {
	return func(s *Server) { s.refreshTokenTTL = d }
}

// WithStoreTimeout overrides the per-operation store timeout.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Server) { s.storeTimeout = d }
}

// WithClock overrides the server's time source. Tests use this to cross
// expiry boundaries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates the authorization server core.
func NewServer(registry ClientRegistry, codes CodeStore, tokens TokenStore, subjects SubjectDirectory, emitter audit.Emitter, opts ...Option) *Server {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	s := &Server{
		registry:        registry,
		codes:           codes,
		tokens:          tokens,
		subjects:        subjects,
		audit:           emitter,
		codeTTL:         DefaultCodeTTL,
		accessTokenTTL:  DefaultAccessTokenTTL,
		refreshTokenTTL: DefaultRefreshTokenTTL,
		storeTimeout:    DefaultStoreTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.assertions = newAssertionVerifier(s.now)
	return s
}

// storeCtx bounds a backing-store call.
func (s *Server) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// ---------------------------------------------------------------------------
// Token endpoint
// ---------------------------------------------------------------------------

// Token handles a token endpoint request for the given organization. It
// validates the grant type, authenticates the client, dispatches to the
// grant handler, and emits exactly one audit event for the attempt.
func (s *Server) Token(ctx context.Context, orgID string, req *TokenRequest) (*TokenResponse, error) {
	resp, err := s.token(ctx, orgID, req)
	s.emitTokenAudit(orgID, req, resp, err)
	return resp, err
}

func (s *Server) token(ctx context.Context, orgID string, req *TokenRequest) (*TokenResponse, error) {
	grantType := GrantType(req.GrantType)
	switch grantType {
	case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
	case "":
		return nil, NewError(ErrorInvalidRequest, "grant_type is required")
	default:
		return nil, Errorf(ErrorUnsupportedGrantType, "unsupported grant_type %q", req.GrantType)
	}

	client, err := s.authenticateClient(ctx, orgID, req.ClientID, req.ClientSecret, req.ClientAssertionType, req.ClientAssertion)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrant(grantType) {
		return nil, Errorf(ErrorUnauthorizedClient, "client is not authorized for grant_type %q", req.GrantType)
	}

	switch grantType {
	case GrantAuthorizationCode:
		return s.grantAuthorizationCode(ctx, orgID, client, req)
	case GrantRefreshToken:
		return s.grantRefreshToken(ctx, orgID, client, req)
	default:
		return s.grantClientCredentials(ctx, orgID, client, req)
	}
}

// authenticateClient resolves and authenticates the client. Confidential
// clients present either their secret (Basic or body, already merged by the
// HTTP layer) or a signed client assertion. Public clients present neither;
// their proof is PKCE, checked by the grant handler.
func (s *Server) authenticateClient(ctx context.Context, orgID, clientID, clientSecret, assertionType, assertion string) (*Client, error) {
	if assertion != "" {
		return s.authenticateAssertion(ctx, orgID, assertionType, assertion)
	}

	if clientID == "" {
		return nil, NewError(ErrorInvalidClient, "client authentication required")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	client, err := s.registry.Lookup(sctx, orgID, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, NewError(ErrorInvalidClient, "unknown client")
		}
		return nil, NewError(ErrorServerError, "internal server error")
	}

	switch client.Type {
	case ClientPublic:
		if clientSecret != "" {
			return nil, NewError(ErrorInvalidClient, "public clients must not send a client_secret")
		}
	default:
		if !VerifySecret(client, clientSecret) {
			return nil, NewError(ErrorInvalidClient, "invalid client credentials")
		}
	}
	return client, nil
}

// ---------------------------------------------------------------------------
// Authorization endpoint support
// ---------------------------------------------------------------------------

// IssueCode validates an authorization request and mints a single-use code.
// The caller (the authorization endpoint, after authenticating the end user)
// supplies the subject; the code records everything the exchange will need.
func (s *Server) IssueCode(ctx context.Context, orgID string, req *AuthorizeRequest) (*AuthorizationCode, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	client, err := s.registry.Lookup(sctx, orgID, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, NewError(ErrorInvalidClient, "unknown client")
		}
		return nil, NewError(ErrorServerError, "internal server error")
	}

	if !client.AllowsGrant(GrantAuthorizationCode) {
		return nil, Errorf(ErrorUnauthorizedClient, "client is not authorized for grant_type %q", GrantAuthorizationCode)
	}
	if !client.AllowsRedirectURI(req.RedirectURI) {
		return nil, NewError(ErrorInvalidRequest, "redirect_uri is not registered for this client")
	}

	scope := req.Scope
	if scope == "" {
		return nil, NewError(ErrorInvalidScope, "no scope requested")
	}
	if !ScopeSubset(scope, joinScopes(client.Scopes)) {
		return nil, NewError(ErrorInvalidScope, "requested scope exceeds the client's allowed scopes")
	}

	if client.Type == ClientPublic && req.CodeChallenge == "" {
		return nil, NewError(ErrorInvalidRequest, "PKCE is required for public clients")
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		return nil, NewError(ErrorInvalidRequest, "code_challenge_method must be S256")
	}

	code, err := NewOpaqueToken()
	if err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	ac := &AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		OrganizationID:      orgID,
		Subject:             req.Subject,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           s.now().Add(s.codeTTL),
	}

	cctx, cancel2 := s.storeCtx(ctx)
	defer cancel2()
	if err := s.codes.CreateCode(cctx, orgID, ac); err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	s.audit.Emit(audit.Event{
		OrganizationID: orgID,
		Action:         "oauth.code_issued",
		Resource:       "authorization_code",
		ResourceID:     client.ClientID,
		Metadata: map[string]string{
			"code_prefix": TokenPrefix(code),
			"scope":       scope,
		},
		Success: true,
	})
	return ac, nil
}

// ---------------------------------------------------------------------------
// Introspection endpoint (RFC 7662)
// ---------------------------------------------------------------------------

// Introspect handles an introspection request for the given organization.
// Client authentication is mandatory; an unauthenticated caller learns
// nothing about any token's existence.
func (s *Server) Introspect(ctx context.Context, orgID string, req *IntrospectionRequest) (*Introspection, error) {
	if _, err := s.authenticateClient(ctx, orgID, req.ClientID, req.ClientSecret, req.ClientAssertionType, req.ClientAssertion); err != nil {
		s.emitIntrospectAudit(orgID, req, nil, err)
		return nil, err
	}

	if req.Token == "" {
		err := NewError(ErrorInvalidRequest, "token is required")
		s.emitIntrospectAudit(orgID, req, nil, err)
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	token, err := s.tokens.LookupToken(sctx, orgID, HashToken(req.Token))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			// Inactive, not an error: unknown tokens look exactly like
			// expired or revoked ones.
			return &Introspection{Active: false}, nil
		}
		serr := NewError(ErrorServerError, "internal server error")
		s.emitIntrospectAudit(orgID, req, nil, serr)
		return nil, serr
	}

	if !token.Active(s.now()) {
		return &Introspection{Active: false}, nil
	}

	resp := &Introspection{
		Active:       true,
		Scope:        token.Scope,
		ClientID:     token.ClientID,
		Subject:      token.Subject,
		TokenType:    "Bearer",
		ExpiresAt:    token.ExpiresAt.Unix(),
		IssuedAt:     token.IssuedAt.Unix(),
		HospitalRole: token.Context.HospitalRole,
		DepartmentID: token.Context.DepartmentID,
		PHIAccess:    token.Context.PHIAccess,
	}
	s.emitIntrospectAudit(orgID, req, resp, nil)
	return resp, nil
}

// ---------------------------------------------------------------------------
// Revocation endpoint (RFC 7009)
// ---------------------------------------------------------------------------

// Revoke handles a revocation request. Per RFC 7009 an unknown token is not
// an error: the desired end state (token unusable) already holds. Revoking
// a refresh token revokes its entire lineage.
func (s *Server) Revoke(ctx context.Context, orgID string, req *RevocationRequest) error {
	client, err := s.authenticateClient(ctx, orgID, req.ClientID, req.ClientSecret, "", "")
	if err != nil {
		return err
	}
	if req.Token == "" {
		return NewError(ErrorInvalidRequest, "token is required")
	}

	hash := HashToken(req.Token)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	token, err := s.tokens.LookupToken(sctx, orgID, hash)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil
		}
		return NewError(ErrorServerError, "internal server error")
	}

	// A client may only revoke its own tokens.
	if token.ClientID != client.ClientID {
		return nil
	}

	rctx, cancel2 := s.storeCtx(ctx)
	defer cancel2()
	if token.Kind == KindRefresh && token.LineageID != "" {
		err = s.tokens.RevokeLineage(rctx, orgID, token.LineageID)
	} else {
		err = s.tokens.RevokeToken(rctx, orgID, hash)
		if errors.Is(err, ErrTokenRevoked) {
			err = nil
		}
	}
	if err != nil {
		return NewError(ErrorServerError, "internal server error")
	}

	s.audit.Emit(audit.Event{
		OrganizationID: orgID,
		Action:         "oauth.token_revoked",
		Resource:       string(token.Kind) + "_token",
		ResourceID:     client.ClientID,
		Metadata:       map[string]string{"token_prefix": TokenPrefix(req.Token)},
		Success:        true,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Issuance helpers
// ---------------------------------------------------------------------------

// issuedPair is the result of minting tokens for a grant.
type issuedPair struct {
	access     *Token
	refresh    *Token
	accessRaw  string
	refreshRaw string
}

// mintPair creates an access/refresh token pair sharing a lineage. When
// lineageID is empty a new lineage is started.
func (s *Server) mintPair(orgID, clientID, subject, scope, lineageID string, tc TokenContext, withRefresh bool) (*issuedPair, error) {
	now := s.now()
	if lineageID == "" {
		lineageID = uuid.New().String()
	}

	accessRaw, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	pair := &issuedPair{
		accessRaw: accessRaw,
		access: &Token{
			ID:             uuid.New().String(),
			Hash:           HashToken(accessRaw),
			Kind:           KindAccess,
			ClientID:       clientID,
			OrganizationID: orgID,
			Subject:        subject,
			Scope:          scope,
			LineageID:      lineageID,
			Context:        tc,
			IssuedAt:       now,
			ExpiresAt:      now.Add(s.accessTokenTTL),
		},
	}

	if withRefresh {
		refreshRaw, err := NewOpaqueToken()
		if err != nil {
			return nil, err
		}
		pair.refreshRaw = refreshRaw
		pair.refresh = &Token{
			ID:             uuid.New().String(),
			Hash:           HashToken(refreshRaw),
			Kind:           KindRefresh,
			ClientID:       clientID,
			OrganizationID: orgID,
			Subject:        subject,
			Scope:          scope,
			LineageID:      lineageID,
			Context:        tc,
			IssuedAt:       now,
			ExpiresAt:      now.Add(s.refreshTokenTTL),
		}
	}
	return pair, nil
}

func (s *Server) tokenResponse(pair *issuedPair) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  pair.accessRaw,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTokenTTL.Seconds()),
		Scope:        pair.access.Scope,
		HospitalRole: pair.access.Context.HospitalRole,
		DepartmentID: pair.access.Context.DepartmentID,
		PHIAccess:    pair.access.Context.PHIAccess,
	}
	if pair.refresh != nil {
		resp.RefreshToken = pair.refreshRaw
	}
	return resp
}

// ---------------------------------------------------------------------------
// PKCE (S256)
// ---------------------------------------------------------------------------

// verifyPKCE checks a code_verifier against a recorded S256 challenge.
func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ---------------------------------------------------------------------------
// Audit emission
// ---------------------------------------------------------------------------

func (s *Server) emitTokenAudit(orgID string, req *TokenRequest, resp *TokenResponse, err error) {
	event := audit.Event{
		OrganizationID: orgID,
		Action:         "oauth.token",
		Resource:       req.GrantType,
		ResourceID:     req.ClientID,
		Success:        err == nil,
		Metadata:       map[string]string{},
	}
	if err != nil {
		event.ErrorMessage = AsError(err).Code
	}
	if resp != nil {
		event.Metadata["token_prefix"] = TokenPrefix(resp.AccessToken)
		event.Metadata["scope"] = resp.Scope
	}
	if req.RefreshToken != "" {
		event.Metadata["refresh_prefix"] = TokenPrefix(req.RefreshToken)
	}
	if req.Code != "" {
		event.Metadata["code_prefix"] = TokenPrefix(req.Code)
	}
	s.audit.Emit(event)
}

func (s *Server) emitIntrospectAudit(orgID string, req *IntrospectionRequest, resp *Introspection, err error) {
	// Inactive results are not audited: only active hits and hard failures.
	event := audit.Event{
		OrganizationID: orgID,
		Action:         "oauth.introspect",
		Resource:       "token",
		ResourceID:     req.ClientID,
		Success:        err == nil,
		Metadata:       map[string]string{"token_prefix": TokenPrefix(req.Token)},
	}
	if err != nil {
		event.ErrorMessage = AsError(err).Code
	}
	if resp != nil {
		event.Metadata["scope"] = resp.Scope
	}
	s.audit.Emit(event)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
