package state

import (
	"fmt"
	"sync"

	"github.com/miguelosoWA/novabank-demo-sub001/internal/schema"
)

// Conversation is a read-only snapshot of one domain's accumulated state.
type Conversation struct {
	Fields       map[string]any `json:"fields"`
	LastResponse string         `json:"lastResponse"`
}

// entry holds the live state for one domain. Its mutex serializes merges so
// a second turn's merge never starts before the prior turn's completes.
type entry struct {
	mu           sync.Mutex
	fields       map[string]any
	lastResponse string
}

// Store holds conversation state for every domain, created lazily on first
// interaction. It is the single owner of mutable conversation state.
type Store struct {
	registry *schema.Registry

	mu      sync.Mutex
	domains map[string]*entry
}

// NewStore creates an empty store backed by the schema registry.
func NewStore(registry *schema.Registry) *Store {
	return &Store{
		registry: registry,
		domains:  make(map[string]*entry),
	}
}

// lookup returns the live entry for a domain, creating it from the domain's
// documented defaults on first access.
func (s *Store) lookup(domainID string) (*entry, *schema.Domain, error) {
	domain, err := s.registry.Get(domainID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.domains[domainID]
	if !ok {
		e = &entry{fields: domain.DefaultState()}
		s.domains[domainID] = e
	}
	return e, domain, nil
}

// Get returns a snapshot of the domain's current state.
func (s *Store) Get(domainID string) (Conversation, error) {
	e, _, err := s.lookup(domainID)
	if err != nil {
		return Conversation{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Conversation{
		Fields:       copyFields(e.fields),
		LastResponse: e.lastResponse,
	}, nil
}

// Merge applies a partial field update: only the given fields are written,
// per-field, and every value is validated against the domain schema first so
// the store never holds a value that violates its declared type. Fields not
// mentioned retain their previous value. Returns the post-merge snapshot.
func (s *Store) Merge(domainID string, fields map[string]any, response string) (Conversation, error) {
	e, domain, err := s.lookup(domainID)
	if err != nil {
		return Conversation{}, err
	}

	if err := domain.ValidateFields(fields); err != nil {
		return Conversation{}, fmt.Errorf("rejecting merge: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, value := range fields {
		e.fields[name] = value
	}
	if response != "" {
		e.lastResponse = response
	}

	return Conversation{
		Fields:       copyFields(e.fields),
		LastResponse: e.lastResponse,
	}, nil
}

// Reset restores the domain's documented default values. Idempotent: a reset
// followed by Get always yields the defaults regardless of prior state.
func (s *Store) Reset(domainID string) error {
	e, domain, err := s.lookup(domainID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.fields = domain.DefaultState()
	e.lastResponse = ""
	return nil
}

// Snapshot returns a copy of every initialized domain's state, for the
// monitoring surface.
func (s *Store) Snapshot() map[string]Conversation {
	s.mu.Lock()
	ids := make([]string, 0, len(s.domains))
	for id := range s.domains {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make(map[string]Conversation, len(ids))
	for _, id := range ids {
		if conv, err := s.Get(id); err == nil {
			out[id] = conv
		}
	}
	return out
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
