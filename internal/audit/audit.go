// Package audit records moderation outcomes. Entries are queued on Redis by
// the server and written to Postgres by the worker.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-voice/backend/pkg/queue"
)

// Action names a recorded moderation outcome.
type Action string

const (
	ActionSpawn       Action = "spawn"
	ActionDelete      Action = "delete"
	ActionClaim       Action = "claim"
	ActionRecover     Action = "recover"
	ActionTransfer    Action = "transfer"
	ActionPromote     Action = "promote"
	ActionDemote      Action = "demote"
	ActionMute        Action = "mute"
	ActionUnmute      Action = "unmute"
	ActionKick        Action = "kick"
	ActionBan         Action = "ban"
	ActionUnban       Action = "unban"
	ActionEdit        Action = "edit"
	ActionVoteStart   Action = "vote_start"
	ActionVotePass    Action = "vote_pass"
	ActionVoteFail    Action = "vote_fail"
	ActionAutoUnmute  Action = "auto_unmute"
	ActionWaitingRoom Action = "waiting_room"
)

// Entry is one audit record.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Action    Action    `json:"action"`
	SessionID string    `json:"session_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder accepts entries. Recording never fails the moderation action
// that produced the entry.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Nop drops every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

// QueueRecorder pushes entries to the audit job queue.
type QueueRecorder struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueRecorder creates a recorder backed by q.
func NewQueueRecorder(q *queue.Queue, logger *zap.Logger) *QueueRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueRecorder{queue: q, logger: logger}
}

func (r *QueueRecorder) Record(ctx context.Context, e Entry) {
	stamp(&e)
	if _, err := r.queue.Enqueue(ctx, queue.JobTypeAuditEntry, e); err != nil {
		r.logger.Warn("audit enqueue failed",
			zap.String("action", string(e.Action)),
			zap.String("session_id", e.SessionID),
			zap.Error(err),
		)
	}
}

// Memory keeps entries in process.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Record(_ context.Context, e Entry) {
	stamp(&e)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

// Entries returns a copy of everything recorded.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Count returns how many entries carry action.
func (m *Memory) Count(action Action) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func stamp(e *Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}
