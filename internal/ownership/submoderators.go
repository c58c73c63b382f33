package ownership

import "sync"

// Submoderators holds the per-session set of delegated moderators. The
// owner is an implicit super-moderator and never appears in the set.
type Submoderators struct {
	mu     sync.RWMutex
	owners *Registry
	sets   map[string]map[string]struct{}
	saver  Saver
}

// NewSubmoderators creates an empty set registry backed by owners.
func NewSubmoderators(owners *Registry, saver Saver) *Submoderators {
	if saver == nil {
		saver = nopSaver{}
	}
	return &Submoderators{owners: owners, sets: make(map[string]map[string]struct{}), saver: saver}
}

// SetSaver replaces the mutation observer.
func (s *Submoderators) SetSaver(saver Saver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saver = saver
}

// Promote adds userID. callerID must be the owner. Returns
// (changed, authorized).
func (s *Submoderators) Promote(sessionID, callerID, userID string) (changed, authorized bool) {
	if !s.owners.IsOwner(sessionID, callerID) {
		return false, false
	}
	if s.owners.IsOwner(sessionID, userID) {
		return false, true
	}
	s.mu.Lock()
	set := s.sets[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		s.sets[sessionID] = set
	}
	if _, ok := set[userID]; ok {
		s.mu.Unlock()
		return false, true
	}
	set[userID] = struct{}{}
	saver := s.saver
	s.mu.Unlock()
	saver.Save()
	return true, true
}

// Demote removes userID. callerID must be the owner; demoting the owner is
// never a change.
func (s *Submoderators) Demote(sessionID, callerID, userID string) (changed, authorized bool) {
	if !s.owners.IsOwner(sessionID, callerID) {
		return false, false
	}
	s.mu.Lock()
	set := s.sets[sessionID]
	if _, ok := set[userID]; !ok {
		s.mu.Unlock()
		return false, true
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(s.sets, sessionID)
	}
	saver := s.saver
	s.mu.Unlock()
	saver.Save()
	return true, true
}

// IsSubmoderator reports explicit membership only.
func (s *Submoderators) IsSubmoderator(sessionID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sets[sessionID][userID]
	return ok
}

// IsModerator reports whether userID is the owner or a submoderator.
func (s *Submoderators) IsModerator(sessionID, userID string) bool {
	return s.owners.IsOwner(sessionID, userID) || s.IsSubmoderator(sessionID, userID)
}

// List returns the submoderators of sessionID.
func (s *Submoderators) List(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.sets[sessionID])
}

// Purge drops the set for sessionID.
func (s *Submoderators) Purge(sessionID string) bool {
	s.mu.Lock()
	if _, ok := s.sets[sessionID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sets, sessionID)
	saver := s.saver
	s.mu.Unlock()
	saver.Save()
	return true
}

// Sessions returns the session ids with a non-empty set.
func (s *Submoderators) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.sets))
	for id := range s.sets {
		seen[id] = struct{}{}
	}
	return sortedKeys(seen)
}

// Export returns session -> sorted user ids.
func (s *Submoderators) Export() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.sets))
	for id, set := range s.sets {
		out[id] = sortedKeys(set)
	}
	return out
}

// Import replaces the contents without notifying the saver.
func (s *Submoderators) Import(sets map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = make(map[string]map[string]struct{}, len(sets))
	for id, users := range sets {
		if len(users) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(users))
		for _, u := range users {
			set[u] = struct{}{}
		}
		s.sets[id] = set
	}
}
