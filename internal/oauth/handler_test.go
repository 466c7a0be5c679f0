package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/hms/authcore/internal/platform/middleware"
)

func newTestHandler(t *testing.T) (*fixture, *echo.Echo) {
	t.Helper()

	f := newFixture(t)
	e := echo.New()
	e.Use(middleware.Organization(testOrg))
	admin := e.Group("/admin")
	NewHandler(f.server, "https://auth.example.com").RegisterRoutes(e, admin)
	return f, e
}

func postForm(e *echo.Echo, path string, form url.Values, mod func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func postJSON(e *echo.Echo, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHandlerToken_FormRequest(t *testing.T) {
	f, e := newTestHandler(t)
	client, secret := seedConfidentialClient(t, f, testOrg)

	rec := postForm(e, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {client.ClientID},
		"client_secret": {secret},
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("Pragma"); got != "no-cache" {
		t.Errorf("Pragma = %q", got)
	}

	var resp TokenResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" || resp.TokenType != "Bearer" {
		t.Errorf("got %+v", resp)
	}
}

func TestHandlerToken_JSONRequest(t *testing.T) {
	f, e := newTestHandler(t)
	client, secret := seedConfidentialClient(t, f, testOrg)

	body := `{"grant_type":"client_credentials","client_id":"` + client.ClientID + `","client_secret":"` + secret + `"}`
	rec := postJSON(e, "/oauth/token", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerToken_BasicAuthWinsOverBody(t *testing.T) {
	f, e := newTestHandler(t)
	client, secret := seedConfidentialClient(t, f, testOrg)

	rec := postForm(e, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"someone-else"},
		"client_secret": {"bogus"},
	}, func(req *http.Request) {
		req.SetBasicAuth(client.ClientID, secret)
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerToken_BadSecret(t *testing.T) {
	f, e := newTestHandler(t)
	client, _ := seedConfidentialClient(t, f, testOrg)

	rec := postForm(e, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {client.ClientID},
		"client_secret": {"wrong"},
	}, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 must carry WWW-Authenticate")
	}

	var oerr Error
	decodeBody(t, rec, &oerr)
	if oerr.Code != ErrorInvalidClient {
		t.Errorf("got error %q", oerr.Code)
	}
}

func TestHandlerToken_MissingGrantType(t *testing.T) {
	_, e := newTestHandler(t)

	rec := postForm(e, "/oauth/token", url.Values{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var oerr Error
	decodeBody(t, rec, &oerr)
	if oerr.Code != ErrorInvalidRequest {
		t.Errorf("got error %q", oerr.Code)
	}
}

func TestHandlerToken_OrgFromHeader(t *testing.T) {
	f, e := newTestHandler(t)
	client, secret := seedConfidentialClient(t, f, testOrg)

	// The same credentials fail in another organization.
	rec := postForm(e, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {client.ClientID},
		"client_secret": {secret},
	}, func(req *http.Request) {
		req.Header.Set("X-Organization-ID", "hospital-b")
	})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 in foreign org, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerAuthorize_ThenExchange(t *testing.T) {
	f, e := newTestHandler(t)
	client := seedPublicClient(t, f, testOrg)
	verifier := "0123456789abcdef0123456789abcdef0123456789abcdef"

	rec := postForm(e, "/oauth/authorize", url.Values{
		"client_id":             {client.ClientID},
		"subject":               {"dr-house"},
		"redirect_uri":          {client.RedirectURIs[0]},
		"scope":                 {"patient.read"},
		"code_challenge":        {pkceChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status %d: %s", rec.Code, rec.Body.String())
	}

	var issued struct {
		Code      string `json:"code"`
		ExpiresIn int    `json:"expires_in"`
	}
	decodeBody(t, rec, &issued)
	if issued.Code == "" {
		t.Fatal("no code returned")
	}

	rec = postForm(e, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ClientID},
		"code":          {issued.Code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"code_verifier": {verifier},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("exchange status %d: %s", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	decodeBody(t, rec, &resp)
	if resp.RefreshToken == "" {
		t.Error("authorization code exchange must issue a refresh token")
	}
}

func TestHandlerAuthorize_MissingSubject(t *testing.T) {
	f, e := newTestHandler(t)
	client := seedPublicClient(t, f, testOrg)

	rec := postForm(e, "/oauth/authorize", url.Values{
		"client_id":    {client.ClientID},
		"redirect_uri": {client.RedirectURIs[0]},
		"scope":        {"patient.read"},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerIntrospectAndRevoke(t *testing.T) {
	f, e := newTestHandler(t)
	client, secret := seedConfidentialClient(t, f, testOrg)

	resp, err := f.server.Token(context.Background(), testOrg, &TokenRequest{
		GrantType:    string(GrantClientCredentials),
		ClientID:     client.ClientID,
		ClientSecret: secret,
	})
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	introspect := func() Introspection {
		rec := postForm(e, "/oauth/introspect", url.Values{"token": {resp.AccessToken}}, func(req *http.Request) {
			req.SetBasicAuth(client.ClientID, secret)
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("introspect status %d: %s", rec.Code, rec.Body.String())
		}
		var in Introspection
		decodeBody(t, rec, &in)
		return in
	}

	if in := introspect(); !in.Active {
		t.Fatal("fresh token must introspect active")
	}

	rec := postForm(e, "/oauth/revoke", url.Values{"token": {resp.AccessToken}}, func(req *http.Request) {
		req.SetBasicAuth(client.ClientID, secret)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status %d: %s", rec.Code, rec.Body.String())
	}

	if in := introspect(); in.Active {
		t.Fatal("revoked token must introspect inactive")
	}
}

func TestHandlerIntrospect_RequiresAuth(t *testing.T) {
	_, e := newTestHandler(t)

	rec := postForm(e, "/oauth/introspect", url.Values{"token": {"whatever"}}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerMetadata(t *testing.T) {
	_, e := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var meta struct {
		Issuer        string   `json:"issuer"`
		TokenEndpoint string   `json:"token_endpoint"`
		CodeMethods   []string `json:"code_challenge_methods_supported"`
		GrantTypes    []string `json:"grant_types_supported"`
	}
	decodeBody(t, rec, &meta)
	if meta.Issuer != "https://auth.example.com" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != "https://auth.example.com/oauth/token" {
		t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
	}
	if len(meta.CodeMethods) != 1 || meta.CodeMethods[0] != "S256" {
		t.Errorf("code_challenge_methods = %v", meta.CodeMethods)
	}
	if len(meta.GrantTypes) != 3 {
		t.Errorf("grant_types = %v", meta.GrantTypes)
	}
}

func TestHandlerAdmin_ClientLifecycle(t *testing.T) {
	_, e := newTestHandler(t)

	rec := postJSON(e, "/admin/clients", `{
		"client_name": "Lab Feed",
		"client_type": "confidential",
		"grant_types": ["client_credentials"],
		"scopes": ["patient.read"]
	}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	decodeBody(t, rec, &created)
	if created.ClientID == "" || created.ClientSecret == "" {
		t.Fatalf("got %+v", created)
	}

	// The created client works at the token endpoint.
	rec = postForm(e, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {created.ClientID},
		"client_secret": {created.ClientSecret},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status %d: %s", rec.Code, rec.Body.String())
	}

	// Rotate: new secret returned, old one dead.
	rec = postForm(e, "/admin/clients/"+created.ClientID+"/rotate", url.Values{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status %d: %s", rec.Code, rec.Body.String())
	}
	var rotated struct {
		ClientSecret string `json:"client_secret"`
	}
	decodeBody(t, rec, &rotated)
	if rotated.ClientSecret == "" || rotated.ClientSecret == created.ClientSecret {
		t.Fatal("rotation must return a fresh secret")
	}

	rec = postForm(e, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {created.ClientID},
		"client_secret": {created.ClientSecret},
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("old secret still works: %d", rec.Code)
	}

	// Disable.
	req := httptest.NewRequest(http.MethodDelete, "/admin/clients/"+created.ClientID, nil)
	del := httptest.NewRecorder()
	e.ServeHTTP(del, req)
	if del.Code != http.StatusNoContent {
		t.Fatalf("disable status %d: %s", del.Code, del.Body.String())
	}

	rec = postForm(e, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {created.ClientID},
		"client_secret": {rotated.ClientSecret},
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("disabled client still works: %d", rec.Code)
	}
}

func TestHandlerAdmin_ListClients(t *testing.T) {
	f, e := newTestHandler(t)
	seedConfidentialClient(t, f, testOrg)

	req := httptest.NewRequest(http.MethodGet, "/admin/clients", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var clients []json.RawMessage
	decodeBody(t, rec, &clients)
	if len(clients) != 1 {
		t.Fatalf("expected 1 client, got %d", len(clients))
	}

	// Secret material never leaves the server on list.
	if strings.Contains(rec.Body.String(), "secret_hash") {
		t.Error("secret hash leaked in list response")
	}
}
