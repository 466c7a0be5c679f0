package oauth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hms/authcore/internal/audit"
)

// NewClientSpec describes a client to be registered. The secret is generated
// server-side and returned exactly once.
type NewClientSpec struct {
	Name         string
	Type         ClientType
	GrantTypes   []string
	RedirectURIs []string
	Scopes       []string
	PublicKeyPEM string
}

func (spec *NewClientSpec) validate() error {
	if spec.Name == "" {
		return NewError(ErrorInvalidRequest, "client_name is required")
	}
	switch spec.Type {
	case ClientConfidential, ClientPublic:
	default:
		return Errorf(ErrorInvalidRequest, "client_type must be %q or %q", ClientConfidential, ClientPublic)
	}
	if len(spec.GrantTypes) == 0 {
		return NewError(ErrorInvalidRequest, "at least one grant type is required")
	}
	for _, gt := range spec.GrantTypes {
		switch GrantType(gt) {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
		default:
			return Errorf(ErrorInvalidRequest, "unsupported grant type %q", gt)
		}
		if GrantType(gt) == GrantClientCredentials && spec.Type == ClientPublic {
			return NewError(ErrorInvalidRequest, "public clients cannot use client_credentials")
		}
	}
	if len(spec.Scopes) == 0 {
		return NewError(ErrorInvalidRequest, "at least one scope is required")
	}
	return nil
}

func (spec *NewClientSpec) grantTypes() []GrantType {
	gts := make([]GrantType, 0, len(spec.GrantTypes))
	for _, gt := range spec.GrantTypes {
		gts = append(gts, GrantType(gt))
	}
	return gts
}

// RegisterNewClient creates a client in the organization and returns it with
// the raw secret. The secret is never stored or shown again; confidential
// clients that lose it must rotate. Public clients get no secret at all.
func (s *Server) RegisterNewClient(ctx context.Context, orgID string, spec *NewClientSpec) (*Client, string, error) {
	if err := spec.validate(); err != nil {
		return nil, "", err
	}

	client := &Client{
		ClientID:       uuid.New().String(),
		Name:           spec.Name,
		OrganizationID: orgID,
		Type:           spec.Type,
		GrantTypes:     spec.grantTypes(),
		RedirectURIs:   spec.RedirectURIs,
		Scopes:         spec.Scopes,
		PublicKeyPEM:   spec.PublicKeyPEM,
		CreatedAt:      s.now().UTC(),
	}

	var rawSecret string
	if spec.Type == ClientConfidential {
		raw, hash, prefix, err := NewClientSecret()
		if err != nil {
			return nil, "", NewError(ErrorServerError, "internal server error")
		}
		rawSecret = raw
		client.SecretHash = hash
		client.SecretPrefix = prefix
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.registry.Register(sctx, client); err != nil {
		return nil, "", NewError(ErrorServerError, "internal server error")
	}

	s.audit.Emit(audit.Event{
		OrganizationID: orgID,
		Action:         "oauth.client_registered",
		Resource:       "oauth_client",
		ResourceID:     client.ClientID,
		Metadata:       map[string]string{"client_type": string(client.Type)},
		Success:        true,
	})
	return client, rawSecret, nil
}

// ListClients returns the organization's clients, disabled ones included.
func (s *Server) ListClients(ctx context.Context, orgID string) ([]*Client, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	clients, err := s.registry.List(sctx, orgID)
	if err != nil {
		return nil, NewError(ErrorServerError, "internal server error")
	}
	return clients, nil
}

// RotateClientSecret replaces a confidential client's secret and returns the
// new raw value once. Tokens already issued remain valid.
func (s *Server) RotateClientSecret(ctx context.Context, orgID, clientID string) (*Client, string, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	client, err := s.registry.Lookup(sctx, orgID, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, "", NewError(ErrorInvalidRequest, "unknown client")
		}
		return nil, "", NewError(ErrorServerError, "internal server error")
	}
	if client.Type != ClientConfidential {
		return nil, "", NewError(ErrorInvalidRequest, "public clients have no secret to rotate")
	}

	raw, hash, prefix, err := NewClientSecret()
	if err != nil {
		return nil, "", NewError(ErrorServerError, "internal server error")
	}
	client.SecretHash = hash
	client.SecretPrefix = prefix

	uctx, cancel2 := s.storeCtx(ctx)
	defer cancel2()
	if err := s.registry.Update(uctx, client); err != nil {
		return nil, "", NewError(ErrorServerError, "internal server error")
	}

	s.audit.Emit(audit.Event{
		OrganizationID: orgID,
		Action:         "oauth.client_secret_rotated",
		Resource:       "oauth_client",
		ResourceID:     clientID,
		Metadata:       map[string]string{"secret_prefix": prefix},
		Success:        true,
	})
	return client, raw, nil
}

// DisableClient disables a client and revokes every token lineage it holds.
// Disabling is the kill switch for a compromised integration, so token
// cleanup failures are reported rather than swallowed.
func (s *Server) DisableClient(ctx context.Context, orgID, clientID string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	client, err := s.registry.Lookup(sctx, orgID, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return NewError(ErrorInvalidRequest, "unknown client")
		}
		return NewError(ErrorServerError, "internal server error")
	}

	client.Disabled = true
	uctx, cancel2 := s.storeCtx(ctx)
	defer cancel2()
	if err := s.registry.Update(uctx, client); err != nil {
		return NewError(ErrorServerError, "internal server error")
	}

	rctx, cancel3 := s.storeCtx(ctx)
	defer cancel3()
	if err := s.tokens.RevokeClientTokens(rctx, orgID, clientID); err != nil {
		return NewError(ErrorServerError, "internal server error")
	}

	s.audit.Emit(audit.Event{
		OrganizationID: orgID,
		Action:         "oauth.client_disabled",
		Resource:       "oauth_client",
		ResourceID:     clientID,
		Success:        true,
	})
	return nil
}
