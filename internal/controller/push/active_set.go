package push

import (
	"sort"
	"sync"
)

// ActiveSet is the set of scenarios whose live metrics are being streamed. It is safe for
// concurrent use.
type ActiveSet struct {
	mu        sync.RWMutex
	scenarios map[string]struct{}
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{scenarios: make(map[string]struct{})}
}

// Subscribe adds a scenario and reports whether it was not already present.
func (s *ActiveSet) Subscribe(scenarioId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scenarios[scenarioId]; ok {
		return false
	}
	s.scenarios[scenarioId] = struct{}{}
	return true
}

// Unsubscribe removes a scenario and reports whether it was present.
func (s *ActiveSet) Unsubscribe(scenarioId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scenarios[scenarioId]; !ok {
		return false
	}
	delete(s.scenarios, scenarioId)
	return true
}

func (s *ActiveSet) Contains(scenarioId string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scenarios[scenarioId]
	return ok
}

// Snapshot returns the current members in sorted order. Later changes to the set don't affect it.
func (s *ActiveSet) Snapshot() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.scenarios))
	for id := range s.scenarios {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *ActiveSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scenarios)
}
