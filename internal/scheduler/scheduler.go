// Package scheduler fires dispatch rounds when a tenant's slot time arrives
// and periodically sweeps attempts whose outcome never came back.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/logging"
)

// RoundRunner starts one dispatch round.
type RoundRunner interface {
	RunRound(ctx context.Context, tenantID, slotKey string) (domain.RoundSummary, error)
}

// Sweeper closes timed-out pending attempts.
type Sweeper interface {
	SweepTimeouts(ctx context.Context) (int, error)
}

// Tenants lists the configs the scheduler watches.
type Tenants interface {
	ListTenantConfigs(ctx context.Context) ([]*config.Config, error)
}

const (
	defaultTick          = 60 * time.Second
	defaultSweepInterval = 30 * time.Second
	defaultCatchUp       = 15 * time.Minute
)

// Scheduler triggers rounds from tenant slot times. Each tick covers every
// minute since the previous tick, so a late tick still fires the slots it
// skipped. Due rounds run concurrently and a failed round is retried on later
// ticks until it is older than CatchUp. Firing a slot twice is harmless
// because rounds are idempotent per slot key.
type Scheduler struct {
	Tenants       Tenants
	Rounds        RoundRunner
	Sweeper       Sweeper
	Logger        *zap.Logger
	Tick          time.Duration
	SweepInterval time.Duration
	// CatchUp bounds how far back a tick looks for missed slots and how long
	// a failing round keeps being retried.
	CatchUp time.Duration
	Now     func() time.Time

	mu      sync.Mutex
	last    time.Time
	pending map[string]dueRound
	running map[string]bool
	wg      sync.WaitGroup
}

type dueRound struct {
	tenantID string
	key      string
	due      time.Time
}

func (r dueRound) id() string { return r.tenantID + "|" + r.key }

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) catchUp() time.Duration {
	if s.CatchUp > 0 {
		return s.CatchUp
	}
	return defaultCatchUp
}

// Due returns the slot keys whose HH:MM matches now in the tenant's timezone.
func Due(cfg *config.Config, now time.Time) []string {
	local := now.In(cfg.Location())
	hhmm := local.Format("15:04")
	var keys []string
	for marker, at := range cfg.Slots {
		if at == hhmm {
			keys = append(keys, domain.SlotKey(local, marker))
		}
	}
	return keys
}

// dueBetween lists the rounds whose minute falls in (from, to], looking back
// at most span. A zero from covers only the minute of to.
func dueBetween(cfg *config.Config, from, to time.Time, span time.Duration) []dueRound {
	end := to.Truncate(time.Minute)
	start := end
	if !from.IsZero() {
		start = from.Truncate(time.Minute).Add(time.Minute)
		if earliest := end.Add(-span); start.Before(earliest) {
			start = earliest
		}
	}
	var out []dueRound
	for m := start; !m.After(end); m = m.Add(time.Minute) {
		for _, key := range Due(cfg, m) {
			out = append(out, dueRound{tenantID: cfg.Tenant.ID, key: key, due: m})
		}
	}
	return out
}

// Run ticks until ctx is cancelled. Ticks start their rounds in the
// background so a slow round never holds back the clock.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := s.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	sweepEvery := s.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepInterval
	}
	log := logging.OrNop(s.Logger)
	log.Info("scheduler started", zap.Duration("tick", tick), zap.Duration("sweep_interval", sweepEvery))
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.TickOnce(ctx)
			}()
		case <-sweep.C:
			s.SweepOnce(ctx)
		}
	}
}

// TickOnce starts every round that came due since the previous tick, plus
// earlier failed rounds, each in its own goroutine. Rounds still running from
// an earlier tick are not started again. It waits for the rounds it started
// and returns their summaries.
func (s *Scheduler) TickOnce(ctx context.Context) []domain.RoundSummary {
	log := logging.OrNop(s.Logger)
	cfgs, err := s.Tenants.ListTenantConfigs(ctx)
	if err != nil {
		log.Warn("scheduler: list tenants failed", zap.Error(err))
		return nil
	}
	batch := s.collect(cfgs, s.now())

	var mu sync.Mutex
	var wg sync.WaitGroup
	var out []domain.RoundSummary
	for _, r := range batch {
		wg.Add(1)
		go func(r dueRound) {
			defer wg.Done()
			summary, err := s.Rounds.RunRound(ctx, r.tenantID, r.key)
			s.finish(r, err == nil)
			if err != nil {
				log.Error("scheduled round failed; retrying on next tick",
					zap.String("tenant_id", r.tenantID),
					zap.String("slot_key", r.key),
					zap.Error(err))
				return
			}
			mu.Lock()
			out = append(out, summary)
			mu.Unlock()
		}(r)
	}
	wg.Wait()
	return out
}

// collect records newly due rounds and claims the pending ones that are not
// already running.
func (s *Scheduler) collect(cfgs []*config.Config, now time.Time) []dueRound {
	log := logging.OrNop(s.Logger)
	span := s.catchUp()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = map[string]dueRound{}
		s.running = map[string]bool{}
	}
	from := s.last
	if now.After(s.last) {
		s.last = now
	}
	for _, cfg := range cfgs {
		for _, r := range dueBetween(cfg, from, now, span) {
			if _, ok := s.pending[r.id()]; !ok {
				s.pending[r.id()] = r
			}
		}
	}
	var batch []dueRound
	for id, r := range s.pending {
		if s.running[id] {
			continue
		}
		if now.Sub(r.due) > span {
			log.Error("scheduled round abandoned",
				zap.String("tenant_id", r.tenantID),
				zap.String("slot_key", r.key),
				zap.Time("due", r.due))
			delete(s.pending, id)
			continue
		}
		s.running[id] = true
		batch = append(batch, r)
	}
	return batch
}

func (s *Scheduler) finish(r dueRound, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, r.id())
	if ok {
		delete(s.pending, r.id())
	}
}

// SweepOnce runs one timeout sweep when a Sweeper is configured.
func (s *Scheduler) SweepOnce(ctx context.Context) int {
	if s.Sweeper == nil {
		return 0
	}
	n, err := s.Sweeper.SweepTimeouts(ctx)
	if err != nil {
		logging.OrNop(s.Logger).Warn("timeout sweep failed", zap.Error(err))
	}
	return n
}
