package oauth

import (
	"context"
	"errors"

	"github.com/hms/authcore/internal/audit"
)

// ---------------------------------------------------------------------------
// Grant: authorization_code
// ---------------------------------------------------------------------------

// grantAuthorizationCode exchanges a single-use code for an access/refresh
// token pair. Consumption of the code is a single atomic store operation, so
// two concurrent exchanges of the same code cannot both reach issuance.
func (s *Server) grantAuthorizationCode(ctx context.Context, orgID string, client *Client, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, NewError(ErrorInvalidRequest, "code is required")
	}
	if req.RedirectURI == "" {
		return nil, NewError(ErrorInvalidRequest, "redirect_uri is required")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	ac, err := s.codes.ConsumeCode(sctx, orgID, req.Code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return nil, NewError(ErrorInvalidGrant, "authorization code is invalid, expired, or already used")
		}
		return nil, NewError(ErrorServerError, "internal server error")
	}

	// The code is burned at this point. Any validation failure below leaves
	// it unusable, which is the safe direction: a mismatched exchange
	// attempt invalidates the code rather than leaving it replayable.
	if ac.ClientID != client.ClientID {
		return nil, NewError(ErrorInvalidGrant, "authorization code was issued to a different client")
	}
	if ac.RedirectURI != req.RedirectURI {
		return nil, NewError(ErrorInvalidGrant, "redirect_uri does not match the authorization request")
	}

	if client.Type == ClientPublic && ac.CodeChallenge == "" {
		return nil, NewError(ErrorInvalidGrant, "PKCE is required for public clients")
	}
	if ac.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, NewError(ErrorInvalidGrant, "code_verifier is required")
		}
		if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			return nil, NewError(ErrorInvalidGrant, "PKCE verification failed")
		}
	}

	// Hospital claims are resolved at exchange time from the subject's
	// current profile, then frozen into the issued tokens.
	tc, err := s.subjects.Resolve(ctx, orgID, ac.Subject)
	if err != nil && !errors.Is(err, ErrSubjectNotFound) {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	pair, err := s.mintPair(orgID, client.ClientID, ac.Subject, ac.Scope, "", tc, true)
	if err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	tctx, cancel2 := s.storeCtx(ctx)
	defer cancel2()
	if err := s.tokens.CreateTokens(tctx, orgID, pair.access, pair.refresh); err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	return s.tokenResponse(pair), nil
}

// ---------------------------------------------------------------------------
// Grant: refresh_token
// ---------------------------------------------------------------------------

// grantRefreshToken rotates a refresh token: the presented token is revoked
// and a fresh pair is issued in the same lineage. Presentation of an
// already-revoked token is treated as theft and revokes the whole lineage.
func (s *Server) grantRefreshToken(ctx context.Context, orgID string, client *Client, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, NewError(ErrorInvalidRequest, "refresh_token is required")
	}

	hash := HashToken(req.RefreshToken)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	token, err := s.tokens.LookupToken(sctx, orgID, hash)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, NewError(ErrorInvalidGrant, "refresh token is invalid")
		}
		return nil, NewError(ErrorServerError, "internal server error")
	}

	if token.Kind != KindRefresh || token.ClientID != client.ClientID {
		return nil, NewError(ErrorInvalidGrant, "refresh token is invalid")
	}
	if token.Expired(s.now()) {
		return nil, NewError(ErrorInvalidGrant, "refresh token has expired")
	}
	if token.Revoked {
		// Replay of a rotated-away token: the legitimate holder may already
		// have descendants, all of which are now suspect.
		s.revokeLineageForReplay(ctx, orgID, token)
		return nil, NewError(ErrorInvalidGrant, "refresh token has been revoked")
	}

	// Rotation scope may narrow, never widen.
	scope := token.Scope
	if req.Scope != "" {
		if !ScopeSubset(req.Scope, token.Scope) {
			return nil, NewError(ErrorInvalidScope, "requested scope exceeds the scope of the refresh token")
		}
		scope = req.Scope
	}

	// Conditional revocation is the rotation's atomicity point: of N
	// concurrent uses of one refresh token, exactly one revocation
	// succeeds and the rest observe ErrTokenRevoked.
	rctx, cancel2 := s.storeCtx(ctx)
	defer cancel2()
	if err := s.tokens.RevokeToken(rctx, orgID, hash); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			s.revokeLineageForReplay(ctx, orgID, token)
			return nil, NewError(ErrorInvalidGrant, "refresh token has been revoked")
		}
		if errors.Is(err, ErrTokenNotFound) {
			return nil, NewError(ErrorInvalidGrant, "refresh token is invalid")
		}
		return nil, NewError(ErrorServerError, "internal server error")
	}

	pair, err := s.mintPair(orgID, client.ClientID, token.Subject, scope, token.LineageID, token.Context, true)
	if err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	tctx, cancel3 := s.storeCtx(ctx)
	defer cancel3()
	if err := s.tokens.CreateTokens(tctx, orgID, pair.access, pair.refresh); err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	return s.tokenResponse(pair), nil
}

// revokeLineageForReplay performs fail-safe revocation of every token
// descending from the same grant, and records the security event.
func (s *Server) revokeLineageForReplay(ctx context.Context, orgID string, token *Token) {
	if token.LineageID == "" {
		return
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	err := s.tokens.RevokeLineage(sctx, orgID, token.LineageID)

	event := audit.Event{
		OrganizationID: orgID,
		Action:         "oauth.refresh_replay",
		Resource:       "refresh_token",
		ResourceID:     token.ClientID,
		Metadata: map[string]string{
			"lineage_id": token.LineageID,
			"token_id":   token.ID,
		},
		Success: err == nil,
	}
	if err != nil {
		event.ErrorMessage = "lineage revocation failed"
	}
	s.audit.Emit(event)
}

// ---------------------------------------------------------------------------
// Grant: client_credentials
// ---------------------------------------------------------------------------

// grantClientCredentials issues a service access token for the client
// itself. No user subject and no refresh token are involved.
func (s *Server) grantClientCredentials(ctx context.Context, orgID string, client *Client, req *TokenRequest) (*TokenResponse, error) {
	if client.Type == ClientPublic {
		return nil, NewError(ErrorUnauthorizedClient, "public clients cannot use client_credentials")
	}

	allowed := joinScopes(client.Scopes)
	scope := allowed
	if req.Scope != "" {
		if !ScopeSubset(req.Scope, allowed) {
			return nil, NewError(ErrorInvalidScope, "requested scope exceeds the client's allowed scopes")
		}
		scope = IntersectScope(req.Scope, allowed)
	}
	if scope == "" {
		return nil, NewError(ErrorInvalidScope, "client has no scopes to grant")
	}

	pair, err := s.mintPair(orgID, client.ClientID, client.ClientID, scope, "", TokenContext{}, false)
	if err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.tokens.CreateTokens(tctx, orgID, pair.access); err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}

	return s.tokenResponse(pair), nil
}
