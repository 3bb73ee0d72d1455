package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/logging"
	"github.com/ChristChad-mv/careflow-sub000/internal/metrics"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

const (
	defaultRelayInterval    = 2 * time.Second
	defaultRelayBatch       = 100
	defaultDeliveryAttempts = 5
)

// Relay tails the event log and hands newly created or escalated alerts to
// a Notifier. Delivery happens outside the transaction that wrote the alert.
type Relay struct {
	Repo     repo.Repo
	Notifier Notifier
	Logger   *zap.Logger
	Interval time.Duration
	// MaxAttempts is how many flushes may fail on one alert before it is
	// skipped so later alerts are not held back.
	MaxAttempts int

	mu       sync.Mutex
	cursor   int64
	failures map[int64]int
}

// Start positions the cursor at the newest event so history is not replayed.
func (r *Relay) Start(ctx context.Context) error {
	cur, err := r.Repo.LatestEventID(ctx, "")
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cursor = cur
	r.mu.Unlock()
	return nil
}

// Run delivers until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	log := logging.OrNop(r.Logger)
	if err := r.Start(ctx); err != nil {
		log.Error("relay: init cursor failed", zap.Error(err))
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			log.Warn("relay: flush failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type alertEventPayload struct {
	Escalated bool `json:"escalated"`
}

// Flush delivers every pending alert event and returns the number of
// notifications sent. A failed delivery stops the batch and the cursor stays
// on the failed event so the next flush retries it, until the event has
// failed MaxAttempts times and is skipped.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	log := logging.OrNop(r.Logger)
	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()
	evts, err := r.Repo.EventsAfter(ctx, defaultRelayBatch, cursor, "")
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range evts {
		if raised(evt) {
			alert, err := r.Repo.GetAlert(ctx, evt.TenantID, evt.EntityID)
			if err != nil {
				return sent, err
			}
			if err := r.Notifier.AlertRaised(ctx, alert); err != nil {
				metrics.NotificationsTotal.WithLabelValues("error").Inc()
				if !r.giveUp(evt.ID) {
					log.Warn("relay: notify failed", zap.String("alert_id", alert.ID), zap.Error(err))
					return sent, err
				}
				metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
				log.Error("relay: notification dropped after repeated failures",
					zap.String("alert_id", alert.ID),
					zap.Int64("event_id", evt.ID),
					zap.Error(err))
			} else {
				metrics.NotificationsTotal.WithLabelValues("sent").Inc()
				sent++
			}
		}
		r.mu.Lock()
		r.cursor = evt.ID
		delete(r.failures, evt.ID)
		r.mu.Unlock()
	}
	return sent, nil
}

// giveUp counts a failed delivery of eventID and reports whether the event
// has used up its attempts.
func (r *Relay) giveUp(eventID int64) bool {
	limit := r.MaxAttempts
	if limit <= 0 {
		limit = defaultDeliveryAttempts
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = map[int64]int{}
	}
	r.failures[eventID]++
	return r.failures[eventID] >= limit
}

func raised(evt domain.Event) bool {
	switch evt.Type {
	case "alert.created":
		return true
	case "alert.updated":
		var p alertEventPayload
		if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
			return false
		}
		return p.Escalated
	}
	return false
}
