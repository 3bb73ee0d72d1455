package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/channel"
	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/logging"
	"github.com/ChristChad-mv/careflow-sub000/internal/queue"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

var (
	// ErrDirectoryUnavailable aborts a round when recipients cannot be listed.
	ErrDirectoryUnavailable = errors.New("recipient directory unavailable")
	// ErrInvalidOutcome rejects callbacks carrying a non-terminal outcome.
	ErrInvalidOutcome = errors.New("invalid outcome")
	// ErrInvalidSlotKey rejects malformed slot keys.
	ErrInvalidSlotKey = errors.New("invalid slot key")
	// ErrLedgerUnavailable means an attempt could not be checked or reserved.
	// The invocation must be repeated; nothing was contacted.
	ErrLedgerUnavailable = errors.New("attempt ledger unavailable")
)

// Directory is the read-only recipient view the orchestrator needs.
type Directory interface {
	DueRecipients(ctx context.Context, tenantID, marker string) ([]domain.Recipient, error)
	GetRecipient(ctx context.Context, tenantID, id string) (domain.Recipient, error)
}

// Ledger is the attempt log. RecordPending must be an atomic conditional
// insert returning repo.ErrDuplicateAttempt when the key is taken.
type Ledger interface {
	RecordPending(ctx context.Context, p repo.PendingAttempt) (string, error)
	RecordOutcome(ctx context.Context, tenantID, attemptID string, outcome domain.Outcome, findings []string, failureReason string) (domain.ContactAttempt, error)
	HasAttempt(ctx context.Context, tenantID, recipientID, slotKey string, attemptNumber int) (bool, error)
	GetAttempt(ctx context.Context, tenantID, id string) (domain.ContactAttempt, error)
	ListStalePending(ctx context.Context, tenantID string, cutoff time.Time) ([]domain.ContactAttempt, error)
}

// Engine wires the orchestrator. Directory, Ledger and Queue default to
// Repo-backed implementations when nil.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Directory Directory
	Ledger    Ledger
	Channel   channel.Channel
	Queue     queue.Queue
	Logger    *zap.Logger
	// Config is the policy fallback for tenants without a stored config.
	Config  *config.Config
	Workers int
	Limiter *TenantLimiter
	Now     func() time.Time
}

const defaultWorkers = 8

func New(db *sql.DB, ch channel.Channel, logger *zap.Logger) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.New(db),
		Channel: ch,
		Logger:  logger,
		Workers: defaultWorkers,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) directory() Directory {
	if e.Directory != nil {
		return e.Directory
	}
	return e.Repo
}

func (e Engine) ledger() Ledger {
	if e.Ledger != nil {
		return e.Ledger
	}
	return e.Repo
}

func (e Engine) queue() queue.Queue {
	if e.Queue != nil {
		return e.Queue
	}
	return queue.SQLQueue{Repo: e.Repo}
}

func (e Engine) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return defaultWorkers
}

// ConfigFor returns the tenant's stored config, falling back to the engine
// default and then to built-in defaults.
func (e Engine) ConfigFor(ctx context.Context, tenantID string) (*config.Config, error) {
	cfg, err := e.Repo.GetTenantConfig(ctx, tenantID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if e.Config != nil {
		c := *e.Config
		c.Tenant.ID = tenantID
		return &c, nil
	}
	return config.Default(tenantID), nil
}

// PolicyFor returns the tenant's retry and classification policy.
func (e Engine) PolicyFor(ctx context.Context, tenantID string) (config.Policy, error) {
	cfg, err := e.ConfigFor(ctx, tenantID)
	if err != nil {
		return config.Policy{}, err
	}
	return cfg.Policy, nil
}

// InitTenant stores the default config for a new tenant.
func (e Engine) InitTenant(ctx context.Context, tenantID string, cfg *config.Config) (*config.Config, error) {
	if cfg == nil {
		cfg = config.Default(tenantID)
	}
	if err := e.Repo.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
