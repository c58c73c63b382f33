// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aura-voice/backend/internal/platform"
)

// MuteCall records one SetParticipantMute invocation.
type MuteCall struct {
	SessionID string
	UserID    string
	Muted     bool
}

// Message is a sent message and its latest content.
type Message struct {
	ID        string
	SessionID string
	Content   string
	Edits     int
}

// Fake is a concurrency-safe in-memory platform.
type Fake struct {
	mu        sync.Mutex
	seq       int
	sessions  map[string]platform.SessionInfo
	hidden    map[string]bool
	locked    map[string]bool
	location  map[string]string // user -> session
	muted     map[string]bool   // user -> platform mute flag
	bots      map[string]bool
	names     map[string]string
	messages  map[string]*Message
	reactions map[string]map[string]bool // message -> users

	MuteCalls    []MuteCall
	Deleted      []string
	Moves        []string
	Disconnected []string

	// Failure injection.
	FailMove   bool
	FailDelete error
	FailMute   error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		sessions:  make(map[string]platform.SessionInfo),
		hidden:    make(map[string]bool),
		locked:    make(map[string]bool),
		location:  make(map[string]string),
		muted:     make(map[string]bool),
		bots:      make(map[string]bool),
		names:     make(map[string]string),
		messages:  make(map[string]*Message),
		reactions: make(map[string]map[string]bool),
	}
}

var _ platform.Client = (*Fake)(nil)

// AddSession registers an existing session.
func (f *Fake) AddSession(id, parentID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = platform.SessionInfo{ID: id, ParentID: parentID, Name: name}
}

// HasSession reports whether the session exists.
func (f *Fake) HasSession(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok
}

// Connect places userID in sessionID ("" disconnects).
func (f *Fake) Connect(userID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == "" {
		delete(f.location, userID)
		return
	}
	f.location[userID] = sessionID
}

// SetBot marks userID as a bot account.
func (f *Fake) SetBot(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bots[userID] = true
}

// SetName sets the display name returned for userID.
func (f *Fake) SetName(userID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[userID] = name
}

// SetMutedFlag sets the platform mute flag without recording a call.
func (f *Fake) SetMutedFlag(userID string, muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted[userID] = muted
}

// IsMuted returns the platform mute flag.
func (f *Fake) IsMuted(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted[userID]
}

// React adds userID's reaction to messageID.
func (f *Fake) React(messageID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactions[messageID] == nil {
		f.reactions[messageID] = make(map[string]bool)
	}
	f.reactions[messageID][userID] = true
}

// MessagesIn returns the messages sent to sessionID in send order.
func (f *Fake) MessagesIn(sessionID string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Message returns a message by id.
func (f *Fake) Message(id string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Flags returns the hidden and locked flags of a session.
func (f *Fake) Flags(sessionID string) (hidden, locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hidden[sessionID], f.locked[sessionID]
}

// MuteCallsFor returns the recorded mute calls for userID.
func (f *Fake) MuteCallsFor(userID string) []MuteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []MuteCall
	for _, c := range f.MuteCalls {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%04d", prefix, f.seq)
}

func (f *Fake) CreateSession(_ context.Context, req platform.CreateSessionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("session")
	f.sessions[id] = platform.SessionInfo{ID: id, ParentID: req.ParentID, Name: req.Name, UserLimit: req.UserLimit}
	return id, nil
}

func (f *Fake) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDelete != nil {
		return f.FailDelete
	}
	f.Deleted = append(f.Deleted, sessionID)
	delete(f.sessions, sessionID)
	for u, s := range f.location {
		if s == sessionID {
			delete(f.location, u)
		}
	}
	return nil
}

func (f *Fake) Session(_ context.Context, sessionID string) (platform.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return platform.SessionInfo{}, platform.ErrNotFound
	}
	return s, nil
}

func (f *Fake) ListSessions(_ context.Context, parentID string) ([]platform.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.SessionInfo
	for _, s := range f.sessions {
		if s.ParentID == parentID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) EditSession(_ context.Context, sessionID string, edit platform.SessionEdit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return platform.ErrNotFound
	}
	if edit.Name != nil {
		s.Name = *edit.Name
	}
	if edit.UserLimit != nil {
		s.UserLimit = *edit.UserLimit
	}
	if edit.Hidden != nil {
		f.hidden[sessionID] = *edit.Hidden
	}
	if edit.Locked != nil {
		f.locked[sessionID] = *edit.Locked
	}
	f.sessions[sessionID] = s
	return nil
}

func (f *Fake) Participants(_ context.Context, sessionID string) ([]platform.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.Participant
	for u, s := range f.location {
		if s == sessionID {
			out = append(out, platform.Participant{UserID: u, Muted: f.muted[u], Bot: f.bots[u]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *Fake) VoiceState(_ context.Context, userID string) (platform.VoiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return platform.VoiceState{UserID: userID, SessionID: f.location[userID], Muted: f.muted[userID]}, nil
}

func (f *Fake) DisplayName(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.names[userID]; ok {
		return n, nil
	}
	return userID, nil
}

func (f *Fake) SetParticipantMute(_ context.Context, sessionID, userID string, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MuteCalls = append(f.MuteCalls, MuteCall{SessionID: sessionID, UserID: userID, Muted: muted})
	if f.FailMute != nil {
		return f.FailMute
	}
	f.muted[userID] = muted
	return nil
}

func (f *Fake) MoveParticipant(_ context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailMove {
		return fmt.Errorf("move %s: user not connected", userID)
	}
	f.Moves = append(f.Moves, userID+"->"+sessionID)
	f.location[userID] = sessionID
	return nil
}

func (f *Fake) DisconnectParticipant(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = append(f.Disconnected, userID)
	delete(f.location, userID)
	return nil
}

func (f *Fake) SendMessage(_ context.Context, sessionID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID("msg")
	f.messages[id] = &Message{ID: id, SessionID: sessionID, Content: content}
	return id, nil
}

func (f *Fake) EditMessage(_ context.Context, _, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return platform.ErrNotFound
	}
	m.Content = content
	m.Edits++
	return nil
}

func (f *Fake) AddReaction(_ context.Context, _, messageID, _ string) error {
	return nil
}

func (f *Fake) Reactions(_ context.Context, _, messageID, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for u := range f.reactions[messageID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}
