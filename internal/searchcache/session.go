package searchcache

import "sync"

// Session remembers video ids already handed downstream during one run.
type Session struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSession returns an empty Session.
func NewSession() *Session {
	return &Session{seen: make(map[string]struct{})}
}

// Filter returns the ids not seen before, in order, and marks them seen.
// Duplicates within ids are collapsed.
func (s *Session) Filter(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Len reports how many distinct ids the session has seen.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
