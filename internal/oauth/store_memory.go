package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// In-memory client registry
// ---------------------------------------------------------------------------

// MemoryClientRegistry is a thread-safe in-memory ClientRegistry, suitable
// for development, testing, and single-node deployments.
type MemoryClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client // orgID + "/" + clientID
}

// NewMemoryClientRegistry creates an empty in-memory registry.
func NewMemoryClientRegistry() *MemoryClientRegistry {
	return &MemoryClientRegistry{clients: make(map[string]*Client)}
}

func clientKey(orgID, clientID string) string {
	return orgID + "/" + clientID
}

// Lookup implements ClientRegistry. Disabled clients are not found.
func (r *MemoryClientRegistry) Lookup(_ context.Context, orgID, clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientKey(orgID, clientID)]
	if !ok || c.Disabled {
		return nil, ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

// Register implements ClientRegistry.
func (r *MemoryClientRegistry) Register(_ context.Context, client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientKey(client.OrganizationID, client.ClientID)
	if _, exists := r.clients[key]; exists {
		return fmt.Errorf("client %q already registered", client.ClientID)
	}
	cp := *client
	r.clients[key] = &cp
	return nil
}

// List implements ClientRegistry.
func (r *MemoryClientRegistry) List(_ context.Context, orgID string) ([]*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Client
	for _, c := range r.clients {
		if c.OrganizationID == orgID {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Update implements ClientRegistry.
func (r *MemoryClientRegistry) Update(_ context.Context, client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientKey(client.OrganizationID, client.ClientID)
	if _, exists := r.clients[key]; !exists {
		return ErrClientNotFound
	}
	cp := *client
	r.clients[key] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// In-memory code store
// ---------------------------------------------------------------------------

// MemoryCodeStore is a thread-safe in-memory CodeStore. Consumption is
// atomic under the store mutex: the code is removed in the same critical
// section that finds it, so concurrent replay of one code cannot both
// succeed.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]*AuthorizationCode // orgID + "/" + code

	now func() time.Time
}

// NewMemoryCodeStore creates an empty in-memory code store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		codes: make(map[string]*AuthorizationCode),
		now:   time.Now,
	}
}

// CreateCode implements CodeStore.
func (s *MemoryCodeStore) CreateCode(_ context.Context, orgID string, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[orgID+"/"+code.Code] = &cp
	return nil
}

// ConsumeCode implements CodeStore.
func (s *MemoryCodeStore) ConsumeCode(_ context.Context, orgID, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orgID + "/" + code
	ac, ok := s.codes[key]
	if !ok {
		return nil, ErrCodeNotFound
	}
	delete(s.codes, key)

	if s.now().After(ac.ExpiresAt) {
		return nil, ErrCodeNotFound
	}
	cp := *ac
	return &cp, nil
}

// Cleanup removes expired codes.
func (s *MemoryCodeStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, key)
		}
	}
}

// ---------------------------------------------------------------------------
// In-memory token store
// ---------------------------------------------------------------------------

// MemoryTokenStore is a thread-safe in-memory TokenStore with a secondary
// index by lineage for bulk revocation.
type MemoryTokenStore struct {
	mu        sync.Mutex
	tokens    map[string]*Token   // orgID + "/" + hash
	byLineage map[string][]string // orgID + "/" + lineageID -> keys
	done      chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// NewMemoryTokenStore creates an empty in-memory token store and starts a
// background goroutine that drops long-expired tokens every 5 minutes.
func NewMemoryTokenStore() *MemoryTokenStore {
	s := &MemoryTokenStore{
		tokens:    make(map[string]*Token),
		byLineage: make(map[string][]string),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go s.cleanupLoop()
	return s
}

// CreateTokens implements TokenStore.
func (s *MemoryTokenStore) CreateTokens(_ context.Context, orgID string, tokens ...*Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tokens {
		cp := *t
		key := orgID + "/" + t.Hash
		s.tokens[key] = &cp
		if t.LineageID != "" {
			lk := orgID + "/" + t.LineageID
			s.byLineage[lk] = append(s.byLineage[lk], key)
		}
	}
	return nil
}

// LookupToken implements TokenStore.
func (s *MemoryTokenStore) LookupToken(_ context.Context, orgID, hash string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[orgID+"/"+hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

// RevokeToken implements TokenStore. The revoked check and the flag flip
// happen under one lock so only a single caller ever observes the
// transition.
func (s *MemoryTokenStore) RevokeToken(_ context.Context, orgID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[orgID+"/"+hash]
	if !ok {
		return ErrTokenNotFound
	}
	if t.Revoked {
		return ErrTokenRevoked
	}
	t.Revoked = true
	return nil
}

// RevokeLineage implements TokenStore.
func (s *MemoryTokenStore) RevokeLineage(_ context.Context, orgID, lineageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.byLineage[orgID+"/"+lineageID] {
		if t, ok := s.tokens[key]; ok {
			t.Revoked = true
		}
	}
	return nil
}

// RevokeClientTokens implements TokenStore.
func (s *MemoryTokenStore) RevokeClientTokens(_ context.Context, orgID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.OrganizationID == orgID && t.ClientID == clientID {
			t.Revoked = true
		}
	}
	return nil
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (s *MemoryTokenStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemoryTokenStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops tokens that expired more than an hour ago. The grace period
// keeps recently expired refresh tokens visible so replay of an expired
// rotated token still resolves to its lineage.
func (s *MemoryTokenStore) cleanup() {
	cutoff := s.now().Add(-1 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.tokens, key)
			if t.LineageID != "" {
				lk := t.OrganizationID + "/" + t.LineageID
				keys := s.byLineage[lk]
				for i, k := range keys {
					if k == key {
						s.byLineage[lk] = append(keys[:i], keys[i+1:]...)
						break
					}
				}
				if len(s.byLineage[lk]) == 0 {
					delete(s.byLineage, lk)
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Static subject directory
// ---------------------------------------------------------------------------

// StaticSubjectDirectory is an in-memory SubjectDirectory keyed by
// organization and subject. Production deployments plug in the identity
// service; this exists for development and tests.
type StaticSubjectDirectory struct {
	mu       sync.RWMutex
	profiles map[string]TokenContext // orgID + "/" + subject
}

// NewStaticSubjectDirectory creates an empty directory.
func NewStaticSubjectDirectory() *StaticSubjectDirectory {
	return &StaticSubjectDirectory{profiles: make(map[string]TokenContext)}
}

// Set records the hospital profile for a subject.
func (d *StaticSubjectDirectory) Set(orgID, subject string, tc TokenContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[orgID+"/"+subject] = tc
}

// Resolve implements SubjectDirectory. Unknown subjects resolve to an empty
// context rather than an error: a missing hospital profile withholds claims,
// it does not block issuance.
func (d *StaticSubjectDirectory) Resolve(_ context.Context, orgID, subject string) (TokenContext, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profiles[orgID+"/"+subject], nil
}
