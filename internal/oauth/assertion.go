package oauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClientAssertionType is the only client_assertion_type the token endpoint
// accepts (RFC 7523 JWT bearer client authentication).
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// maxAssertionLifetime bounds how far in the future an assertion's exp may
// lie. Long-lived assertions defeat the point of per-request proof.
const maxAssertionLifetime = 5 * time.Minute

// assertionVerifier validates private_key_jwt client assertions and tracks
// seen jti values for replay protection.
type assertionVerifier struct {
	now func() time.Time

	mu       sync.Mutex
	jtiSeen  map[string]time.Time
	lastSwep time.Time
}

func newAssertionVerifier(now func() time.Time) *assertionVerifier {
	return &assertionVerifier{
		now:     now,
		jtiSeen: make(map[string]time.Time),
	}
}

// checkAndRecordJTI rejects a jti that has been presented before and records
// it until the assertion's own expiry. Expired entries are swept lazily.
func (v *assertionVerifier) checkAndRecordJTI(jti string, exp time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if now.Sub(v.lastSwep) > time.Minute {
		for id, e := range v.jtiSeen {
			if now.After(e) {
				delete(v.jtiSeen, id)
			}
		}
		v.lastSwep = now
	}

	if _, seen := v.jtiSeen[jti]; seen {
		return errors.New("assertion jti has already been used")
	}
	v.jtiSeen[jti] = exp
	return nil
}

// authenticateAssertion authenticates a client by a signed JWT assertion
// (RFC 7523). The assertion must be signed RS256 or RS384 with the key
// registered for the client, carry iss == sub == client_id, and present a
// fresh, unused jti. Any failure is reported to the caller as
// invalid_client without detail.
func (s *Server) authenticateAssertion(ctx context.Context, orgID, assertionType, assertion string) (*Client, error) {
	if assertionType != ClientAssertionType {
		return nil, Errorf(ErrorInvalidRequest, "client_assertion_type must be %q", ClientAssertionType)
	}

	// First pass without verification, to learn which client's key to use.
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverified, _, err := parser.ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return nil, NewError(ErrorInvalidClient, "malformed client assertion")
	}
	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, NewError(ErrorInvalidClient, "malformed client assertion")
	}

	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	jti, _ := claims["jti"].(string)
	if iss == "" || iss != sub {
		return nil, NewError(ErrorInvalidClient, "assertion iss and sub must both be the client_id")
	}
	if jti == "" {
		return nil, NewError(ErrorInvalidClient, "assertion is missing a jti")
	}

	expDate, err := claims.GetExpirationTime()
	if err != nil || expDate == nil {
		return nil, NewError(ErrorInvalidClient, "assertion is missing exp")
	}
	now := s.now()
	if now.After(expDate.Time) {
		return nil, NewError(ErrorInvalidClient, "assertion has expired")
	}
	if expDate.Time.After(now.Add(maxAssertionLifetime + 30*time.Second)) {
		return nil, NewError(ErrorInvalidClient, "assertion exp is too far in the future")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	client, err := s.registry.Lookup(sctx, orgID, iss)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, NewError(ErrorInvalidClient, "unknown client")
		}
		return nil, NewError(ErrorServerError, "internal server error")
	}
	if client.Type != ClientConfidential || client.PublicKeyPEM == "" {
		return nil, NewError(ErrorInvalidClient, "client is not registered for assertion authentication")
	}

	if err := s.assertions.checkAndRecordJTI(jti, expDate.Time); err != nil {
		return nil, NewError(ErrorInvalidClient, "assertion replay detected")
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(client.PublicKeyPEM))
	if err != nil {
		return nil, NewError(ErrorInvalidClient, "client public key is invalid")
	}

	verified, err := jwt.Parse(assertion, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case "RS256", "RS384":
			return publicKey, nil
		default:
			return nil, errors.New("unexpected signing method")
		}
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil || !verified.Valid {
		return nil, NewError(ErrorInvalidClient, "assertion signature verification failed")
	}

	return client, nil
}
