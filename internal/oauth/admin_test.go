package oauth

import (
	"context"
	"testing"
)

func validSpec() *NewClientSpec {
	return &NewClientSpec{
		Name:       "Lab Integration",
		Type:       ClientConfidential,
		GrantTypes: []string{"client_credentials"},
		Scopes:     []string{"patient.read"},
	}
}

func TestNewClientSpec_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*NewClientSpec)
	}{
		{"missing name", func(s *NewClientSpec) { s.Name = "" }},
		{"bad type", func(s *NewClientSpec) { s.Type = "internal" }},
		{"no grant types", func(s *NewClientSpec) { s.GrantTypes = nil }},
		{"unsupported grant type", func(s *NewClientSpec) { s.GrantTypes = []string{"password"} }},
		{"public with client_credentials", func(s *NewClientSpec) { s.Type = ClientPublic }},
		{"no scopes", func(s *NewClientSpec) { s.Scopes = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			spec := validSpec()
			tc.mutate(spec)

			_, _, err := f.server.RegisterNewClient(context.Background(), testOrg, spec)
			wantOAuthError(t, err, ErrorInvalidRequest)
		})
	}
}

func TestRegisterNewClient_Confidential(t *testing.T) {
	f := newFixture(t)

	client, secret, err := f.server.RegisterNewClient(context.Background(), testOrg, validSpec())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if client.ClientID == "" {
		t.Fatal("no client_id assigned")
	}
	if secret == "" {
		t.Fatal("confidential client must receive a secret")
	}
	if !VerifySecret(client, secret) {
		t.Error("returned secret does not verify against the stored hash")
	}

	// The client is immediately usable at the token endpoint.
	resp, err := f.server.Token(context.Background(), testOrg, &TokenRequest{
		GrantType:    string(GrantClientCredentials),
		ClientID:     client.ClientID,
		ClientSecret: secret,
	})
	if err != nil {
		t.Fatalf("token with fresh client: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("no access token issued")
	}

	if events := f.eventsByAction("oauth.client_registered"); len(events) != 1 {
		t.Errorf("expected 1 registration event, got %d", len(events))
	}
}

func TestRegisterNewClient_PublicHasNoSecret(t *testing.T) {
	f := newFixture(t)

	spec := &NewClientSpec{
		Name:         "Patient Portal SPA",
		Type:         ClientPublic,
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		RedirectURIs: []string{"https://portal.example.com/cb"},
		Scopes:       []string{"patient.read"},
	}
	client, secret, err := f.server.RegisterNewClient(context.Background(), testOrg, spec)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if secret != "" {
		t.Error("public client must not receive a secret")
	}
	if client.SecretHash != "" || client.SecretPrefix != "" {
		t.Error("public client must not carry secret material")
	}
}

func TestRotateClientSecret(t *testing.T) {
	f := newFixture(t)
	client, oldSecret := seedConfidentialClient(t, f, testOrg)

	rotated, newSecret, err := f.server.RotateClientSecret(context.Background(), testOrg, client.ClientID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newSecret == "" || newSecret == oldSecret {
		t.Fatal("rotation must produce a fresh secret")
	}
	if !VerifySecret(rotated, newSecret) {
		t.Error("new secret does not verify")
	}

	// The old secret stops working at the token endpoint.
	_, err = f.server.Token(context.Background(), testOrg, &TokenRequest{
		GrantType:    string(GrantClientCredentials),
		ClientID:     client.ClientID,
		ClientSecret: oldSecret,
	})
	wantOAuthError(t, err, ErrorInvalidClient)

	events := f.eventsByAction("oauth.client_secret_rotated")
	if len(events) != 1 {
		t.Fatalf("expected 1 rotation event, got %d", len(events))
	}
	if events[0].Metadata["secret_prefix"] == newSecret {
		t.Error("audit event must not carry the raw secret")
	}
}

func TestRotateClientSecret_PublicClientRejected(t *testing.T) {
	f := newFixture(t)
	client := seedPublicClient(t, f, testOrg)

	_, _, err := f.server.RotateClientSecret(context.Background(), testOrg, client.ClientID)
	wantOAuthError(t, err, ErrorInvalidRequest)
}

func TestRotateClientSecret_UnknownClient(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.server.RotateClientSecret(context.Background(), testOrg, "ghost")
	wantOAuthError(t, err, ErrorInvalidRequest)
}

func TestDisableClient(t *testing.T) {
	f := newFixture(t)
	client, secret := seedConfidentialClient(t, f, testOrg)

	// Issue a token first so disabling has something to revoke.
	resp, err := f.server.Token(context.Background(), testOrg, &TokenRequest{
		GrantType:    string(GrantClientCredentials),
		ClientID:     client.ClientID,
		ClientSecret: secret,
	})
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	if err := f.server.DisableClient(context.Background(), testOrg, client.ClientID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	// The client can no longer authenticate.
	_, err = f.server.Token(context.Background(), testOrg, &TokenRequest{
		GrantType:    string(GrantClientCredentials),
		ClientID:     client.ClientID,
		ClientSecret: secret,
	})
	wantOAuthError(t, err, ErrorInvalidClient)

	// Its outstanding tokens are dead.
	tok, err := f.tokens.LookupToken(context.Background(), testOrg, HashToken(resp.AccessToken))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !tok.Revoked {
		t.Error("disabling a client must revoke its tokens")
	}

	if events := f.eventsByAction("oauth.client_disabled"); len(events) != 1 {
		t.Errorf("expected 1 disable event, got %d", len(events))
	}
}

func TestListClients(t *testing.T) {
	f := newFixture(t)
	seedConfidentialClient(t, f, testOrg)
	seedPublicClient(t, f, testOrg)

	clients, err := f.server.ListClients(context.Background(), testOrg)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}

	other, err := f.server.ListClients(context.Background(), "hospital-b")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("clients leaked into another organization: %d", len(other))
	}
}
