package oauth

import (
	"strings"
	"testing"
)

func TestNewClientSecret(t *testing.T) {
	raw, hash, prefix, err := NewClientSecret()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, prefix) {
		t.Error("prefix must come from the raw secret")
	}
	if len(prefix) != secretPrefixLen {
		t.Errorf("expected prefix length %d, got %d", secretPrefixLen, len(prefix))
	}
	if hash == raw {
		t.Error("stored hash must not be the raw secret")
	}
	if hash != HashSecret(raw) {
		t.Error("hash does not verify against the raw secret")
	}
}

func TestVerifySecret(t *testing.T) {
	raw, hash, prefix, err := NewClientSecret()
	if err != nil {
		t.Fatal(err)
	}
	client := &Client{SecretHash: hash, SecretPrefix: prefix}

	if !VerifySecret(client, raw) {
		t.Error("correct secret rejected")
	}
	if VerifySecret(client, raw+"x") {
		t.Error("wrong secret accepted")
	}
	if VerifySecret(client, "") {
		t.Error("empty secret accepted")
	}
	if VerifySecret(&Client{}, raw) {
		t.Error("client without a stored hash accepted a secret")
	}
}

func TestClientAllowsGrant(t *testing.T) {
	c := &Client{GrantTypes: []GrantType{GrantAuthorizationCode, GrantRefreshToken}}
	if !c.AllowsGrant(GrantAuthorizationCode) {
		t.Error("registered grant rejected")
	}
	if c.AllowsGrant(GrantClientCredentials) {
		t.Error("unregistered grant allowed")
	}
}

func TestClientAllowsRedirectURI_ExactMatchOnly(t *testing.T) {
	c := &Client{RedirectURIs: []string{"https://app.example.com/callback"}}
	if !c.AllowsRedirectURI("https://app.example.com/callback") {
		t.Error("registered URI rejected")
	}
	if c.AllowsRedirectURI("https://app.example.com/callback/extra") {
		t.Error("prefix match must not be accepted")
	}
	if c.AllowsRedirectURI("https://app.example.com") {
		t.Error("partial URI must not be accepted")
	}
}
