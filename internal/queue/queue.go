// Package queue delivers RetryTasks once their notBefore time has passed.
// Delivery is at-least-once; handlers must tolerate repeats.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/logging"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

type Queue interface {
	Enqueue(ctx context.Context, task domain.RetryTask) error
}

// Handler executes one due task.
type Handler func(ctx context.Context, task domain.RetryTask) error

// ErrPermanent marks handler failures that redelivery cannot fix. Runners
// drop such tasks instead of retrying them.
var ErrPermanent = errors.New("permanent task failure")

// Permanent wraps err so errors.Is matches both ErrPermanent and err.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// SQLQueue keeps tasks in the retry_tasks table.
type SQLQueue struct {
	Repo repo.Repo
}

func (q SQLQueue) Enqueue(ctx context.Context, task domain.RetryTask) error {
	_, err := q.Repo.InsertRetryTask(ctx, task)
	return err
}

const (
	defaultPollInterval = 5 * time.Second
	defaultLease        = 2 * time.Minute
	defaultBatch        = 50
)

// Runner polls SQLQueue for due tasks. A task is deleted after its handler
// succeeds or fails permanently; any other failure or a crashed run becomes
// visible again once the lease expires.
type Runner struct {
	Repo     repo.Repo
	Handle   Handler
	Logger   *zap.Logger
	Interval time.Duration
	Lease    time.Duration
	Batch    int
	Now      func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Poll claims and runs one batch of due tasks and reports how many succeeded.
func (r Runner) Poll(ctx context.Context) (int, error) {
	lease := r.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	log := logging.OrNop(r.Logger)
	tasks, err := r.Repo.ClaimDueRetryTasks(ctx, r.now(), lease, batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, task := range tasks {
		err := r.Handle(ctx, task)
		if errors.Is(err, ErrPermanent) {
			log.Error("dropping retry task that cannot succeed",
				zap.String("task_id", task.ID),
				zap.String("tenant_id", task.TenantID),
				zap.String("recipient_id", task.RecipientID),
				zap.Int("attempt_number", task.AttemptNumber),
				zap.Error(err))
			if err := r.Repo.DeleteRetryTask(ctx, task.ID); err != nil {
				log.Error("delete retry task", zap.String("task_id", task.ID), zap.Error(err))
			}
			continue
		}
		if err != nil {
			log.Warn("retry task failed; will redeliver after lease",
				zap.String("task_id", task.ID),
				zap.String("tenant_id", task.TenantID),
				zap.String("recipient_id", task.RecipientID),
				zap.Int("attempt_number", task.AttemptNumber),
				zap.Error(err))
			continue
		}
		if err := r.Repo.DeleteRetryTask(ctx, task.ID); err != nil {
			log.Error("delete retry task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// Run polls until ctx is cancelled.
func (r Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	log := logging.OrNop(r.Logger)
	log.Info("retry runner started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Error("retry poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("retry runner stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
