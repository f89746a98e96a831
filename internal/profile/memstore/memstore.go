// Package memstore provides an in-memory implementation of profile.Store.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"sync"

	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// Store holds customer profiles in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]ticket.Profile // customer ID -> profile
}

// New initializes an empty Store.
func New() *Store {
	return &Store{profiles: make(map[string]ticket.Profile)}
}

// Load reads a JSON array of profile objects, each carrying a customer_id.
func Load(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var items []ticket.Profile
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	s := New()
	for i, p := range items {
		id, _ := p["customer_id"].(string)
		if id == "" {
			return nil, fmt.Errorf("profile %d: missing customer_id", i)
		}
		s.Put(id, p)
	}
	return s, nil
}

// Get returns a copy of the profile for customerID.
func (s *Store) Get(_ context.Context, customerID string) (ticket.Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[customerID]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(p), true, nil
}

// Put stores a copy of p under customerID.
func (s *Store) Put(customerID string, p ticket.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[customerID] = maps.Clone(p)
}

// All returns a copy of every stored profile keyed by customer ID.
func (s *Store) All() map[string]ticket.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ticket.Profile, len(s.profiles))
	for id, p := range s.profiles {
		out[id] = maps.Clone(p)
	}
	return out
}

// Len returns the number of stored profiles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
