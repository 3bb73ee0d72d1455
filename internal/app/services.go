package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/channel"
	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/engine"
	"github.com/ChristChad-mv/careflow-sub000/internal/logging"
	"github.com/ChristChad-mv/careflow-sub000/internal/notify"
	"github.com/ChristChad-mv/careflow-sub000/internal/queue"
	"github.com/ChristChad-mv/careflow-sub000/internal/scheduler"
	"github.com/ChristChad-mv/careflow-sub000/internal/server"
)

// Services is the long-running process: API, slot scheduler, retry
// delivery and reviewer notifications.
type Services struct {
	Engine    engine.Engine
	Handler   http.Handler
	Scheduler *scheduler.Scheduler
	Relay     *notify.Relay
	Runner    *queue.Runner
	Kafka     *queue.KafkaQueue
	Runtime   config.Runtime
	Logger    *zap.Logger
}

// Build wires every component from the runtime settings. ch overrides the
// HTTP bridge when non-nil.
func Build(conn *sql.DB, rt config.Runtime, ch channel.Channel, logger *zap.Logger) (*Services, error) {
	logger = logging.OrNop(logger)
	if ch == nil {
		if rt.BridgeURL == "" {
			return nil, errors.New("CAREFLOW_BRIDGE_URL is required")
		}
		ch = channel.NewHTTPBridge(rt.BridgeURL, rt.BridgeToken, rt.BridgeTimeout)
	}
	e := engine.New(conn, ch, logger.Named("engine"))
	e.Workers = rt.Workers
	e.Limiter = engine.NewTenantLimiter(rt.DispatchRate, rt.DispatchBurst)

	s := &Services{Runtime: rt, Logger: logger}
	if rt.Kafka.Enabled() {
		s.Kafka = queue.NewKafkaQueue(rt.Kafka.Brokers, rt.Kafka.Topic, rt.Kafka.GroupID, logger.Named("kafka"))
		e.Queue = s.Kafka
	} else {
		s.Runner = &queue.Runner{
			Repo:     e.Repo,
			Handle:   s.retry,
			Logger:   logger.Named("retry"),
			Interval: rt.PollInterval,
		}
	}

	var notifier notify.Notifier = notify.Nop{}
	if rt.Slack.Enabled() {
		sl, err := notify.NewSlack(rt.Slack.Token, rt.Slack.Channel)
		if err != nil {
			return nil, err
		}
		notifier = sl
	}
	s.Relay = &notify.Relay{Repo: e.Repo, Notifier: notifier, Logger: logger.Named("relay")}
	s.Scheduler = &scheduler.Scheduler{
		Tenants:       e.Repo,
		Rounds:        e,
		Sweeper:       e,
		Logger:        logger.Named("scheduler"),
		Tick:          rt.TickInterval,
		SweepInterval: rt.SweepInterval,
	}
	if rt.JWTSecret == "" {
		return nil, errors.New("CAREFLOW_JWT_SECRET is required for bearer auth")
	}
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: rt.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:              rt.JWTSecret,
			AllowLegacyActorHeader: rt.LegacyHeaders,
			DevLogin:               rt.DevLogin,
			Logger:                 logger.Named("auth"),
		},
	})
	if err != nil {
		return nil, err
	}
	s.Engine = e
	s.Handler = handler
	return s, nil
}

func (s *Services) retry(ctx context.Context, task domain.RetryTask) error {
	_, err := s.Engine.RunRetry(ctx, task)
	return err
}

// Run serves until ctx is cancelled, then shuts the HTTP server down and
// waits for the background loops.
func (s *Services) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := logging.OrNop(s.Logger)

	var wg sync.WaitGroup
	loop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("background loop exited", zap.String("loop", name), zap.Error(err))
			}
		}()
	}
	loop("scheduler", s.Scheduler.Run)
	loop("relay", s.Relay.Run)
	if s.Kafka != nil {
		loop("kafka", func(ctx context.Context) error { return s.Kafka.Consume(ctx, s.retry) })
	} else {
		loop("retry", s.Runner.Run)
	}

	srv := &http.Server{Addr: s.Runtime.Addr, Handler: s.Handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("serving careflow API",
		zap.String("addr", s.Runtime.Addr),
		zap.String("base_path", s.Runtime.BasePath),
		zap.Bool("kafka", s.Kafka != nil))
	err := srv.ListenAndServe()
	cancel()
	wg.Wait()
	if s.Kafka != nil {
		if cerr := s.Kafka.Close(); cerr != nil {
			log.Warn("close kafka queue", zap.Error(cerr))
		}
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
