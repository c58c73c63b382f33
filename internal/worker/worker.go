package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-voice/backend/internal/audit"
	"github.com/aura-voice/backend/pkg/queue"
)

// Sink persists audit entries.
type Sink interface {
	Insert(ctx context.Context, e audit.Entry) error
}

// AuditProcessor drains the audit queue into a Sink.
type AuditProcessor struct {
	sink    Sink
	queue   *queue.Queue
	logger  *zap.Logger
	poll    time.Duration
	backoff time.Duration
}

// NewAuditProcessor creates an audit queue processor.
func NewAuditProcessor(sink Sink, q *queue.Queue, logger *zap.Logger) *AuditProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditProcessor{
		sink:    sink,
		queue:   q,
		logger:  logger,
		poll:    queue.PollTimeout,
		backoff: queue.RetryBackoff,
	}
}

// WithTimings overrides the dequeue wait and the pause after a failure.
func (p *AuditProcessor) WithTimings(poll, backoff time.Duration) *AuditProcessor {
	p.poll = poll
	p.backoff = backoff
	return p
}

// Process executes one audit job.
func (p *AuditProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAuditEntry {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var entry audit.Entry
	if err := json.Unmarshal(job.Payload, &entry); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.sink.Insert(ctx, entry); err != nil {
		return err
	}
	p.logger.Debug("audit entry stored",
		zap.String("entry_id", entry.ID.String()),
		zap.String("action", string(entry.Action)),
		zap.String("session_id", entry.SessionID),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AuditProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("audit worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.poll)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *AuditProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
