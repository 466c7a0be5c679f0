package oauth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hms/authcore/internal/platform/middleware"
)

// Handler exposes the authorization server core over HTTP. It owns request
// parsing and response shaping only; every decision is made by the Server.
type Handler struct {
	server *Server
	issuer string
}

// NewHandler creates the HTTP handler for the core.
func NewHandler(server *Server, issuer string) *Handler {
	return &Handler{server: server, issuer: issuer}
}

// RegisterRoutes registers the OAuth endpoints on the echo instance. The
// admin group is expected to carry the platform's operator authentication;
// this package does not add its own.
func (h *Handler) RegisterRoutes(e *echo.Echo, admin *echo.Group) {
	e.POST("/oauth/token", h.handleToken)
	e.POST("/oauth/introspect", h.handleIntrospect)
	e.POST("/oauth/revoke", h.handleRevoke)
	e.POST("/oauth/authorize", h.handleAuthorize)
	e.GET("/.well-known/oauth-authorization-server", h.handleMetadata)

	admin.POST("/clients", h.handleCreateClient)
	admin.GET("/clients", h.handleListClients)
	admin.POST("/clients/:id/rotate", h.handleRotateClient)
	admin.DELETE("/clients/:id", h.handleDisableClient)
}

// noStore sets the response caching headers required on every token and
// introspection response (RFC 6749 §5.1).
func noStore(c echo.Context) {
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
}

// orgID returns the organization resolved by the tenancy middleware.
func orgID(c echo.Context) string {
	return middleware.OrganizationFromContext(c.Request().Context())
}

// writeOAuthError shapes an error from the core into the RFC 6749 error
// object with its fixed status code.
func writeOAuthError(c echo.Context, err error) error {
	oerr := AsError(err)
	status := ErrorStatus(oerr.Code)
	if status == http.StatusUnauthorized {
		c.Response().Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}
	return c.JSON(status, oerr)
}

// ---------------------------------------------------------------------------
// Request parsing
// ---------------------------------------------------------------------------

// tokenRequestBody is the JSON shape of a token request; form requests use
// the standard urlencoded field names.
type tokenRequestBody struct {
	GrantType           string `json:"grant_type" form:"grant_type"`
	ClientID            string `json:"client_id" form:"client_id"`
	ClientSecret        string `json:"client_secret" form:"client_secret"`
	ClientAssertionType string `json:"client_assertion_type" form:"client_assertion_type"`
	ClientAssertion     string `json:"client_assertion" form:"client_assertion"`
	Code                string `json:"code" form:"code"`
	RedirectURI         string `json:"redirect_uri" form:"redirect_uri"`
	CodeVerifier        string `json:"code_verifier" form:"code_verifier"`
	RefreshToken        string `json:"refresh_token" form:"refresh_token"`
	Scope               string `json:"scope" form:"scope"`
}

// parseTokenRequest builds the transport-agnostic request from the HTTP
// request. Client credentials may arrive via HTTP Basic; Basic wins over
// body credentials when both are present.
func parseTokenRequest(c echo.Context) (*TokenRequest, error) {
	var body tokenRequestBody
	if err := c.Bind(&body); err != nil {
		return nil, NewError(ErrorInvalidRequest, "malformed request body")
	}

	req := &TokenRequest{
		GrantType:           body.GrantType,
		ClientID:            body.ClientID,
		ClientSecret:        body.ClientSecret,
		ClientAssertionType: body.ClientAssertionType,
		ClientAssertion:     body.ClientAssertion,
		Code:                body.Code,
		RedirectURI:         body.RedirectURI,
		CodeVerifier:        body.CodeVerifier,
		RefreshToken:        body.RefreshToken,
		Scope:               body.Scope,
	}

	if clientID, clientSecret, ok := c.Request().BasicAuth(); ok && clientID != "" {
		req.ClientID = clientID
		req.ClientSecret = clientSecret
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Token endpoint
// ---------------------------------------------------------------------------

func (h *Handler) handleToken(c echo.Context) error {
	noStore(c)

	org := orgID(c)
	if org == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "organization could not be resolved"))
	}

	req, err := parseTokenRequest(c)
	if err != nil {
		return writeOAuthError(c, err)
	}

	resp, err := h.server.Token(c.Request().Context(), org, req)
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Introspection endpoint
// ---------------------------------------------------------------------------

type introspectRequestBody struct {
	Token               string `json:"token" form:"token"`
	ClientID            string `json:"client_id" form:"client_id"`
	ClientSecret        string `json:"client_secret" form:"client_secret"`
	ClientAssertionType string `json:"client_assertion_type" form:"client_assertion_type"`
	ClientAssertion     string `json:"client_assertion" form:"client_assertion"`
}

func (h *Handler) handleIntrospect(c echo.Context) error {
	noStore(c)

	org := orgID(c)
	if org == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "organization could not be resolved"))
	}

	var body introspectRequestBody
	if err := c.Bind(&body); err != nil {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "malformed request body"))
	}
	req := &IntrospectionRequest{
		Token:               body.Token,
		ClientID:            body.ClientID,
		ClientSecret:        body.ClientSecret,
		ClientAssertionType: body.ClientAssertionType,
		ClientAssertion:     body.ClientAssertion,
	}
	if clientID, clientSecret, ok := c.Request().BasicAuth(); ok && clientID != "" {
		req.ClientID = clientID
		req.ClientSecret = clientSecret
	}

	resp, err := h.server.Introspect(c.Request().Context(), org, req)
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Revocation endpoint
// ---------------------------------------------------------------------------

func (h *Handler) handleRevoke(c echo.Context) error {
	noStore(c)

	org := orgID(c)
	if org == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "organization could not be resolved"))
	}

	req := &RevocationRequest{
		Token:        c.FormValue("token"),
		ClientID:     c.FormValue("client_id"),
		ClientSecret: c.FormValue("client_secret"),
	}
	if clientID, clientSecret, ok := c.Request().BasicAuth(); ok && clientID != "" {
		req.ClientID = clientID
		req.ClientSecret = clientSecret
	}

	if err := h.server.Revoke(c.Request().Context(), org, req); err != nil {
		return writeOAuthError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// ---------------------------------------------------------------------------
// Authorization endpoint (platform-internal)
// ---------------------------------------------------------------------------

// authorizeRequestBody is posted by the host platform after it has
// authenticated the end user; the core never sees user credentials.
type authorizeRequestBody struct {
	ClientID            string `json:"client_id" form:"client_id"`
	Subject             string `json:"subject" form:"subject"`
	RedirectURI         string `json:"redirect_uri" form:"redirect_uri"`
	Scope               string `json:"scope" form:"scope"`
	CodeChallenge       string `json:"code_challenge" form:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method" form:"code_challenge_method"`
}

type authorizeResponse struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expires_in"`
}

func (h *Handler) handleAuthorize(c echo.Context) error {
	noStore(c)

	org := orgID(c)
	if org == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "organization could not be resolved"))
	}

	var body authorizeRequestBody
	if err := c.Bind(&body); err != nil {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "malformed request body"))
	}
	if body.Subject == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "subject is required"))
	}

	ac, err := h.server.IssueCode(c.Request().Context(), org, &AuthorizeRequest{
		ClientID:            body.ClientID,
		Subject:             body.Subject,
		RedirectURI:         body.RedirectURI,
		Scope:               body.Scope,
		CodeChallenge:       body.CodeChallenge,
		CodeChallengeMethod: body.CodeChallengeMethod,
	})
	if err != nil {
		return writeOAuthError(c, err)
	}

	return c.JSON(http.StatusOK, authorizeResponse{
		Code:      ac.Code,
		ExpiresIn: int(time.Until(ac.ExpiresAt).Seconds()),
	})
}

// ---------------------------------------------------------------------------
// Server metadata (RFC 8414)
// ---------------------------------------------------------------------------

func (h *Handler) handleMetadata(c echo.Context) error {
	meta := map[string]any{
		"issuer":                 h.issuer,
		"token_endpoint":         h.issuer + "/oauth/token",
		"introspection_endpoint": h.issuer + "/oauth/introspect",
		"revocation_endpoint":    h.issuer + "/oauth/revoke",
		"grant_types_supported": []string{
			string(GrantAuthorizationCode),
			string(GrantRefreshToken),
			string(GrantClientCredentials),
		},
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic", "client_secret_post", "private_key_jwt", "none",
		},
		"response_types_supported":         []string{"code"},
		"code_challenge_methods_supported": []string{"S256"},
	}
	return c.JSON(http.StatusOK, meta)
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

type createClientRequest struct {
	Name         string   `json:"client_name"`
	Type         string   `json:"client_type"`
	GrantTypes   []string `json:"grant_types"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	PublicKeyPEM string   `json:"public_key_pem"`
}

// createClientResponse carries the one-time secret alongside the stored
// client record.
type createClientResponse struct {
	*Client
	ClientSecret string `json:"client_secret,omitempty"`
}

func (h *Handler) handleCreateClient(c echo.Context) error {
	org := orgID(c)
	if org == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "organization could not be resolved"))
	}

	var req createClientRequest
	if err := c.Bind(&req); err != nil {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "malformed request body"))
	}

	client, secret, err := h.server.RegisterNewClient(c.Request().Context(), org, &NewClientSpec{
		Name:         req.Name,
		Type:         ClientType(req.Type),
		GrantTypes:   req.GrantTypes,
		RedirectURIs: req.RedirectURIs,
		Scopes:       req.Scopes,
		PublicKeyPEM: req.PublicKeyPEM,
	})
	if err != nil {
		return writeOAuthError(c, err)
	}

	return c.JSON(http.StatusCreated, createClientResponse{Client: client, ClientSecret: secret})
}

func (h *Handler) handleListClients(c echo.Context) error {
	org := orgID(c)
	if org == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "organization could not be resolved"))
	}

	clients, err := h.server.ListClients(c.Request().Context(), org)
	if err != nil {
		return writeOAuthError(c, err)
	}
	if clients == nil {
		clients = []*Client{}
	}
	return c.JSON(http.StatusOK, clients)
}

func (h *Handler) handleRotateClient(c echo.Context) error {
	org := orgID(c)
	if org == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "organization could not be resolved"))
	}

	client, secret, err := h.server.RotateClientSecret(c.Request().Context(), org, c.Param("id"))
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, createClientResponse{Client: client, ClientSecret: secret})
}

func (h *Handler) handleDisableClient(c echo.Context) error {
	org := orgID(c)
	if org == "" {
		return writeOAuthError(c, NewError(ErrorInvalidRequest, "organization could not be resolved"))
	}

	if err := h.server.DisableClient(c.Request().Context(), org, c.Param("id")); err != nil {
		return writeOAuthError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
