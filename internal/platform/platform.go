// Package platform describes the voice platform the engine drives: the
// presence events it consumes and the actions it invokes.
package platform

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the target session, message or participant
// no longer exists on the platform.
var ErrNotFound = errors.New("platform: not found")

// EventKind is the presence transition reported by the gateway.
type EventKind string

const (
	EventEnter EventKind = "enter"
	EventLeave EventKind = "leave"
	EventMove  EventKind = "move"
)

// PresenceEvent is one participant transition. Before/After are empty when
// the user was not (or is no longer) connected to any session.
type PresenceEvent struct {
	Kind   EventKind `json:"kind"`
	UserID string    `json:"user_id"`
	Before string    `json:"before,omitempty"`
	After  string    `json:"after,omitempty"`
	// Muted is the platform's own server-mute flag at event time.
	Muted bool `json:"muted"`
}

// Classify fills Kind from Before/After when the gateway left it empty.
func (e PresenceEvent) Classify() EventKind {
	switch {
	case e.Kind != "":
		return e.Kind
	case e.Before == "" && e.After != "":
		return EventEnter
	case e.Before != "" && e.After == "":
		return EventLeave
	default:
		return EventMove
	}
}

// SessionInfo describes a voice session as the platform sees it.
type SessionInfo struct {
	ID        string `json:"id"`
	ParentID  string `json:"parent_id"`
	Name      string `json:"name"`
	UserLimit int    `json:"user_limit"`
}

// Participant is a user connected to a session.
type Participant struct {
	UserID string `json:"user_id"`
	Muted  bool   `json:"muted"`
	Bot    bool   `json:"bot"`
}

// VoiceState is where a user currently is. SessionID is empty when the user
// is not connected.
type VoiceState struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Muted     bool   `json:"muted"`
}

// CreateSessionRequest creates a session with OwnerID granted elevated
// control over it.
type CreateSessionRequest struct {
	ParentID  string `json:"parent_id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	UserLimit int    `json:"user_limit,omitempty"`
}

// SessionEdit changes the set fields only.
type SessionEdit struct {
	Name      *string `json:"name,omitempty"`
	UserLimit *int    `json:"user_limit,omitempty"`
	Hidden    *bool   `json:"hidden,omitempty"`
	Locked    *bool   `json:"locked,omitempty"`
}

// Client is the full set of platform actions.
type Client interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (string, error)
	// DeleteSession is idempotent: an already-deleted session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (SessionInfo, error)
	ListSessions(ctx context.Context, parentID string) ([]SessionInfo, error)
	EditSession(ctx context.Context, sessionID string, edit SessionEdit) error

	Participants(ctx context.Context, sessionID string) ([]Participant, error)
	VoiceState(ctx context.Context, userID string) (VoiceState, error)
	DisplayName(ctx context.Context, userID string) (string, error)
	// SetParticipantMute is idempotent.
	SetParticipantMute(ctx context.Context, sessionID, userID string, muted bool) error
	MoveParticipant(ctx context.Context, userID, sessionID string) error
	DisconnectParticipant(ctx context.Context, userID string) error

	SendMessage(ctx context.Context, sessionID, content string) (string, error)
	EditMessage(ctx context.Context, sessionID, messageID, content string) error
	AddReaction(ctx context.Context, sessionID, messageID, emoji string) error
	Reactions(ctx context.Context, sessionID, messageID, emoji string) ([]string, error)
}

// Contains reports whether userID is among participants.
func Contains(participants []Participant, userID string) bool {
	for _, p := range participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Humans drops bot participants.
func Humans(participants []Participant) []Participant {
	out := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if !p.Bot {
			out = append(out, p)
		}
	}
	return out
}
