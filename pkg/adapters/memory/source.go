package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/labrun/pkg/domain"
)

// Source implements ports.ProtocolSource using an in-memory map.
type Source struct {
	mu       sync.RWMutex
	programs map[string]domain.Program
}

// NewSource creates a source from the given programs, keyed by ProtocolID.
func NewSource(programs ...domain.Program) *Source {
	s := &Source{programs: make(map[string]domain.Program)}
	for _, p := range programs {
		s.programs[p.ProtocolID] = p
	}
	return s
}

// NewLuaSource is a shortcut for tests: one Lua program per ID.
func NewLuaSource(sources map[string]string) *Source {
	s := NewSource()
	for id, code := range sources {
		s.programs[id] = domain.Program{ProtocolID: id, Name: id, Language: "lua", Source: code}
	}
	return s
}

// Put registers or replaces a program.
func (s *Source) Put(p domain.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[p.ProtocolID] = p
}

// Load returns the program for protocolID.
func (s *Source) Load(ctx context.Context, protocolID string) (domain.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.programs[protocolID]
	if !ok {
		return domain.Program{}, fmt.Errorf("%w: %s", domain.ErrProtocolNotFound, protocolID)
	}
	return p, nil
}

// List returns a catalog entry per registered program, sorted by ID.
func (s *Source) List(ctx context.Context) ([]domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CatalogEntry, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, domain.CatalogEntry{ProtocolID: p.ProtocolID, Name: p.Name, Modes: []string{string(domain.ModeLocal), string(domain.ModeRemote)}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProtocolID < out[j].ProtocolID })
	return out, nil
}
