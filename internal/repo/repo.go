package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/events"
)

// Repo is the SQLite-backed store for every tenant-scoped record.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateAttempt  = errors.New("duplicate attempt")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyClaimed    = errors.New("alert already claimed")
)

func New(db *sql.DB) Repo {
	return Repo{DB: db, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) writer() events.Writer {
	if r.Events.Now == nil {
		return events.Writer{Now: r.now}
	}
	return r.Events
}

// stampLayout is fixed width so stored timestamps sort lexically.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

func parseStamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (r Repo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return r.UpsertTenantConfigTx(ctx, tx, tenantID, cfg)
	})
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := stamp(r.now())
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, tenantID, string(payload), now, now); err != nil {
		return err
	}
	return r.writer().Append(ctx, tx, events.Entry{
		Type:       "tenant.config.updated",
		TenantID:   tenantID,
		EntityKind: "tenant",
		EntityID:   tenantID,
		Payload:    events.EventPayload{"max_attempts": cfg.Policy.MaxAttempts, "retry_delay": cfg.Policy.RetryDelay.Std().String()},
	})
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tenant.ID == "" {
		cfg.Tenant.ID = tenantID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) ListTenantConfigs(ctx context.Context) ([]*config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id, config_json FROM tenant_configs ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*config.Config
	for rows.Next() {
		var tenantID, payload string
		if err := rows.Scan(&tenantID, &payload); err != nil {
			return nil, err
		}
		var cfg config.Config
		if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
			return nil, fmt.Errorf("tenant %s config: %w", tenantID, err)
		}
		cfg.Tenant.ID = tenantID
		res = append(res, &cfg)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
