// Package ownership tracks who owns each voice session, the per-session
// flags the owner controls, and delegated submoderators. It holds only the
// mappings; presence checks are made by the caller against live platform
// data.
package ownership

import (
	"sort"
	"sync"
)

// Saver is notified after every mutation so the snapshotter can schedule a
// (debounced) write.
type Saver interface {
	Save()
}

type nopSaver struct{}

func (nopSaver) Save() {}

// State is the persisted form of a Registry.
type State struct {
	Owners       map[string]string   `json:"owners"`
	Hidden       map[string]bool     `json:"hidden"`
	Locked       map[string]bool     `json:"locked"`
	WaitingRooms map[string]string   `json:"waiting_rooms"`
	Bans         map[string][]string `json:"bans"`
}

// Registry maps session -> owner plus owner-controlled flags.
type Registry struct {
	mu           sync.RWMutex
	owners       map[string]string
	hidden       map[string]bool
	locked       map[string]bool
	waitingRooms map[string]string
	bans         map[string]map[string]struct{}
	saver        Saver
}

// NewRegistry creates an empty registry. saver may be nil.
func NewRegistry(saver Saver) *Registry {
	if saver == nil {
		saver = nopSaver{}
	}
	return &Registry{
		owners:       make(map[string]string),
		hidden:       make(map[string]bool),
		locked:       make(map[string]bool),
		waitingRooms: make(map[string]string),
		bans:         make(map[string]map[string]struct{}),
		saver:        saver,
	}
}

// SetSaver replaces the mutation observer.
func (r *Registry) SetSaver(saver Saver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saver = saver
}

// Owner returns the owner of sessionID.
func (r *Registry) Owner(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[sessionID]
	return owner, ok
}

// Tracked reports whether sessionID has an ownership record.
func (r *Registry) Tracked(sessionID string) bool {
	_, ok := r.Owner(sessionID)
	return ok
}

// IsOwner reports whether userID owns sessionID.
func (r *Registry) IsOwner(sessionID, userID string) bool {
	owner, ok := r.Owner(sessionID)
	return ok && owner == userID
}

// Register records a freshly spawned session with default flags
// (public, unlocked).
func (r *Registry) Register(sessionID, ownerID string) {
	r.mu.Lock()
	r.owners[sessionID] = ownerID
	delete(r.hidden, sessionID)
	delete(r.locked, sessionID)
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
}

// Adopt records userID as owner only if the session has none. Existing
// flags are kept. Returns false if an owner was already set.
func (r *Registry) Adopt(sessionID, userID string) bool {
	r.mu.Lock()
	if _, ok := r.owners[sessionID]; ok {
		r.mu.Unlock()
		return false
	}
	r.owners[sessionID] = userID
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
	return true
}

// Claim makes userID the owner unless the current owner is present.
// ownerPresent is evaluated by the caller against live participants.
// Returns false when the claim was refused.
func (r *Registry) Claim(sessionID, userID string, ownerPresent bool) bool {
	r.mu.Lock()
	if current, ok := r.owners[sessionID]; ok && current != userID && ownerPresent {
		r.mu.Unlock()
		return false
	}
	r.owners[sessionID] = userID
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
	return true
}

// Transfer hands ownership from fromUserID to toUserID. Unless elevated,
// fromUserID must be the current owner.
func (r *Registry) Transfer(sessionID, fromUserID, toUserID string, elevated bool) bool {
	r.mu.Lock()
	current, ok := r.owners[sessionID]
	if !elevated && (!ok || current != fromUserID) {
		r.mu.Unlock()
		return false
	}
	r.owners[sessionID] = toUserID
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
	return true
}

// SetHidden sets the visibility flag. Returns false if unchanged.
func (r *Registry) SetHidden(sessionID string, hidden bool) bool {
	return r.setFlag(r.hidden, sessionID, hidden)
}

// SetLocked sets the lock flag. Returns false if unchanged.
func (r *Registry) SetLocked(sessionID string, locked bool) bool {
	return r.setFlag(r.locked, sessionID, locked)
}

func (r *Registry) setFlag(flags map[string]bool, sessionID string, v bool) bool {
	r.mu.Lock()
	if flags[sessionID] == v {
		r.mu.Unlock()
		return false
	}
	if v {
		flags[sessionID] = true
	} else {
		delete(flags, sessionID)
	}
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
	return true
}

// Hidden reports the visibility flag.
func (r *Registry) Hidden(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hidden[sessionID]
}

// Locked reports the lock flag.
func (r *Registry) Locked(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked[sessionID]
}

// SetWaitingRoom pairs waitingRoomID with sessionID; an empty id unpairs.
func (r *Registry) SetWaitingRoom(sessionID, waitingRoomID string) {
	r.mu.Lock()
	if waitingRoomID == "" {
		delete(r.waitingRooms, sessionID)
	} else {
		r.waitingRooms[sessionID] = waitingRoomID
	}
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
}

// WaitingRoom returns the paired waiting room.
func (r *Registry) WaitingRoom(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.waitingRooms[sessionID]
	return id, ok
}

// PairedWith returns the main session a waiting room belongs to.
func (r *Registry) PairedWith(waitingRoomID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for session, wr := range r.waitingRooms {
		if wr == waitingRoomID {
			return session, true
		}
	}
	return "", false
}

// Bans lists the users banned from sessionID.
func (r *Registry) Bans(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.bans[sessionID])
}

// Ban adds userID to the session's ban list. Returns false if already banned.
func (r *Registry) Ban(sessionID, userID string) bool {
	r.mu.Lock()
	set := r.bans[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		r.bans[sessionID] = set
	}
	if _, ok := set[userID]; ok {
		r.mu.Unlock()
		return false
	}
	set[userID] = struct{}{}
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
	return true
}

// Unban removes userID from the ban list. Returns false if not banned.
func (r *Registry) Unban(sessionID, userID string) bool {
	r.mu.Lock()
	set := r.bans[sessionID]
	if _, ok := set[userID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(r.bans, sessionID)
	}
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
	return true
}

// IsBanned reports whether userID is banned from sessionID.
func (r *Registry) IsBanned(sessionID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bans[sessionID][userID]
	return ok
}

// Purge drops every record for sessionID. Returns false if nothing was held.
func (r *Registry) Purge(sessionID string) bool {
	r.mu.Lock()
	_, owned := r.owners[sessionID]
	_, hidden := r.hidden[sessionID]
	_, locked := r.locked[sessionID]
	_, paired := r.waitingRooms[sessionID]
	_, banned := r.bans[sessionID]
	if !owned && !hidden && !locked && !paired && !banned {
		r.mu.Unlock()
		return false
	}
	delete(r.owners, sessionID)
	delete(r.hidden, sessionID)
	delete(r.locked, sessionID)
	delete(r.waitingRooms, sessionID)
	delete(r.bans, sessionID)
	saver := r.saver
	r.mu.Unlock()
	saver.Save()
	return true
}

// Sessions returns every session id referenced by the registry.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for id := range r.owners {
		seen[id] = struct{}{}
	}
	for id := range r.hidden {
		seen[id] = struct{}{}
	}
	for id := range r.locked {
		seen[id] = struct{}{}
	}
	for id := range r.waitingRooms {
		seen[id] = struct{}{}
	}
	for id := range r.bans {
		seen[id] = struct{}{}
	}
	return sortedKeys(seen)
}

// Export copies the registry into its persisted form.
func (r *Registry) Export() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := State{
		Owners:       make(map[string]string, len(r.owners)),
		Hidden:       make(map[string]bool, len(r.hidden)),
		Locked:       make(map[string]bool, len(r.locked)),
		WaitingRooms: make(map[string]string, len(r.waitingRooms)),
		Bans:         make(map[string][]string, len(r.bans)),
	}
	for k, v := range r.owners {
		st.Owners[k] = v
	}
	for k, v := range r.hidden {
		st.Hidden[k] = v
	}
	for k, v := range r.locked {
		st.Locked[k] = v
	}
	for k, v := range r.waitingRooms {
		st.WaitingRooms[k] = v
	}
	for k, set := range r.bans {
		st.Bans[k] = sortedKeys(set)
	}
	return st
}

// Import replaces the registry contents without notifying the saver.
func (r *Registry) Import(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = make(map[string]string, len(st.Owners))
	for k, v := range st.Owners {
		r.owners[k] = v
	}
	r.hidden = make(map[string]bool)
	for k, v := range st.Hidden {
		if v {
			r.hidden[k] = true
		}
	}
	r.locked = make(map[string]bool)
	for k, v := range st.Locked {
		if v {
			r.locked[k] = true
		}
	}
	r.waitingRooms = make(map[string]string, len(st.WaitingRooms))
	for k, v := range st.WaitingRooms {
		r.waitingRooms[k] = v
	}
	r.bans = make(map[string]map[string]struct{}, len(st.Bans))
	for k, users := range st.Bans {
		if len(users) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(users))
		for _, u := range users {
			set[u] = struct{}{}
		}
		r.bans[k] = set
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
