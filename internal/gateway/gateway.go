// Package gateway feeds platform presence events into the lifecycle
// manager. A Source reads events off the wire; the Dispatcher fans them out
// to workers so that events for one user stay ordered while different users
// are handled in parallel.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-voice/backend/internal/platform"
)

// EventPresence is the envelope event carrying a platform.PresenceEvent.
const EventPresence = "presence"

// Message is the wire envelope shared by both sources.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    int64           `json:"at,omitempty"`
}

// Handler consumes one presence event.
type Handler func(ctx context.Context, ev platform.PresenceEvent) error

// Source delivers presence events to h until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

// decode extracts a presence event from a raw envelope. ok is false for
// other events and malformed payloads.
func decode(raw []byte) (platform.PresenceEvent, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event != EventPresence {
		return platform.PresenceEvent{}, false
	}
	var ev platform.PresenceEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.UserID == "" {
		return platform.PresenceEvent{}, false
	}
	ev.Kind = ev.Classify()
	return ev, true
}

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("gateway: dispatcher stopped")

// Dispatcher shards events by user id over a fixed set of workers.
type Dispatcher struct {
	handle Handler
	logger *zap.Logger
	shards []chan platform.PresenceEvent

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given number of workers
// (at least one) and per-worker queue depth.
func NewDispatcher(handle Handler, workers, depth int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 64
	}
	shards := make([]chan platform.PresenceEvent, workers)
	for i := range shards {
		shards[i] = make(chan platform.PresenceEvent, depth)
	}
	return &Dispatcher{handle: handle, logger: logger, shards: shards}
}

// Start launches the workers. ctx is passed to the handler and should
// outlive the sources feeding the dispatcher.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.shards {
		d.wg.Add(1)
		go func(shard int, ch <-chan platform.PresenceEvent) {
			defer d.wg.Done()
			for ev := range ch {
				if err := d.handle(ctx, ev); err != nil {
					d.logger.Warn("presence event failed",
						zap.Int("shard", shard),
						zap.String("user_id", ev.UserID),
						zap.String("before", ev.Before),
						zap.String("after", ev.After),
						zap.Error(err),
					)
				}
			}
		}(i, ch)
	}
}

// Submit queues ev on its user's shard. It blocks while the shard is full.
func (d *Dispatcher) Submit(ctx context.Context, ev platform.PresenceEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.shards[d.shardFor(ev.UserID)] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects further events, drains the queues and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) shardFor(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(d.shards)))
}
