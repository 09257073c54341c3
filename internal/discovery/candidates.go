package discovery

import (
	"sort"
	"sync"
	"time"

	"classlock/internal/models"
)

// CandidateSet is the live list of discovered sessions.
type CandidateSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]models.Candidate
}

func NewCandidateSet(ttl time.Duration) *CandidateSet {
	return &CandidateSet{ttl: ttl, items: make(map[string]models.Candidate)}
}

// Upsert records c. LastSeen always moves forward; the returned flag is
// true only when the candidate is new or something other than LastSeen
// changed, so the UI redraws only on real changes.
func (s *CandidateSet) Upsert(c models.Candidate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.Key()
	prev, ok := s.items[key]
	s.items[key] = c
	return !ok || !prev.SameContent(c)
}

// Prune drops candidates not refreshed within the TTL and reports whether
// anything was removed.
func (s *CandidateSet) Prune(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for key, c := range s.items {
		if now.Sub(c.LastSeen) >= s.ttl {
			delete(s.items, key)
			removed = true
		}
	}
	return removed
}

func (s *CandidateSet) Get(key string) (models.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[key]
	return c, ok
}

func (s *CandidateSet) List() []models.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Candidate, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func (s *CandidateSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]models.Candidate)
}
