package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ChristChad-mv/careflow-sub000/internal/app"
	"github.com/ChristChad-mv/careflow-sub000/internal/channel"
	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/db"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/engine"
	"github.com/ChristChad-mv/careflow-sub000/internal/engine/auth"
	"github.com/ChristChad-mv/careflow-sub000/internal/logging"
	"github.com/ChristChad-mv/careflow-sub000/internal/migrate"
	"github.com/ChristChad-mv/careflow-sub000/internal/queue"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "careflow",
	Short: "Careflow outreach CLI",
	Long: `Careflow calls or texts enrolled recipients at their scheduled slots,
classifies what they report, raises alerts for reviewers and retries the ones
it could not reach.
- Tenant: one clinic; its careflow.yml (slots, timezone, retry policy) is stored in the DB.
- Recipient: someone enrolled for outreach at one or more slot markers ("08", "14", "20").
- Round: one pass over every active recipient due at a slot key such as 2026-01-24_08.
- Attempt: one contact on the ledger; never repeated for the same slot and attempt number.
- Alert: a WARNING or CRITICAL finding waiting for a reviewer to claim and resolve.
- Event log: everything that happened, view with 'careflow log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CAREFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides careflow.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(recipientCmd())
	rootCmd.AddCommand(roundCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(attemptCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantInitCmd())
	cfg := &cobra.Command{Use: "config", Short: "Manage tenant config"}
	cfg.AddCommand(tenantConfigShowCmd())
	cfg.AddCommand(tenantConfigImportCmd())
	t.AddCommand(cfg)
	return t
}

func tenantInitCmd() *cobra.Command {
	var id string
	var writeFile bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a tenant with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, nil, nil)
				cfg, err := e.InitTenant(ctx, id, nil)
				if err != nil {
					return err
				}
				if writeFile {
					path := config.Path(viper.GetString("workspace"))
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists", path)
					}
					if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
						return err
					}
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().BoolVar(&writeFile, "write-file", false, "also write careflow.yml into the workspace")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show tenant config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func tenantConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID := viper.GetString("tenant")
				if tenantID == "" {
					tenantID = cfg.Tenant.ID
				}
				if tenantID == "" {
					return errors.New("tenant.id missing in file; use --tenant")
				}
				cfg.Tenant.ID = tenantID
				if err := r.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// recipientFile is one entry of a recipients import file.
type recipientFile struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	ContactMethod   string   `yaml:"contact_method"`
	ContactAddress  string   `yaml:"contact_address"`
	ScheduleSlots   []string `yaml:"schedule_slots"`
	CriticalSignals []string `yaml:"critical_signals"`
	WarningSignals  []string `yaml:"warning_signals"`
	Status          string   `yaml:"status"`
}

func recipientCmd() *cobra.Command {
	rc := &cobra.Command{Use: "recipient", Short: "Manage enrolled recipients"}
	rc.AddCommand(recipientImportCmd())
	rc.AddCommand(recipientListCmd())
	return rc
}

func recipientImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert recipients from a YAML list",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var entries []recipientFile
			if err := yaml.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID := e.Config.Tenant.ID
				out := make([]domain.Recipient, 0, len(entries))
				for i, entry := range entries {
					if entry.ID == "" {
						return fmt.Errorf("entry %d: id required", i)
					}
					rec, err := e.Repo.UpsertRecipient(ctx, domain.Recipient{
						ID:              entry.ID,
						TenantID:        tenantID,
						Name:            entry.Name,
						ContactMethod:   domain.ContactMethod(entry.ContactMethod),
						ContactAddress:  entry.ContactAddress,
						ScheduleSlots:   entry.ScheduleSlots,
						CriticalSignals: entry.CriticalSignals,
						WarningSignals:  entry.WarningSignals,
						Status:          domain.RecipientStatus(entry.Status),
					}, viper.GetString("actor-id"))
					if err != nil {
						return fmt.Errorf("recipient %s: %w", entry.ID, err)
					}
					out = append(out, rec)
				}
				return printRecipients(out)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML recipients list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func recipientListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRecipients(ctx, repo.RecipientFilters{TenantID: e.Config.Tenant.ID, Status: status})
				if err != nil {
					return err
				}
				return printRecipients(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, completed, transferred)")
	return cmd
}

func roundCmd() *cobra.Command {
	rc := &cobra.Command{Use: "round", Short: "Outreach rounds"}
	rc.AddCommand(roundRunCmd())
	return rc
}

func roundRunCmd() *cobra.Command {
	var slotKey, date, slot string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Contact every active recipient due at a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatchEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key := slotKey
				if key == "" {
					if slot == "" {
						return errors.New("--slot-key or --slot required")
					}
					day := time.Now().In(e.Config.Location())
					if date != "" {
						d, err := time.Parse("2006-01-02", date)
						if err != nil {
							return fmt.Errorf("invalid --date: %w", err)
						}
						day = d
					}
					key = domain.SlotKey(day, slot)
				}
				summary, err := e.RunRound(ctx, e.Config.Tenant.ID, key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("%s %s: processed=%d dispatched=%d skipped=%d errors=%d\n",
					color.CyanString(summary.SlotKey), summary.TenantID,
					summary.Processed, summary.Dispatched, summary.Skipped, summary.Errors)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&slotKey, "slot-key", "", "slot key, e.g. 2026-01-24_08")
	cmd.Flags().StringVar(&date, "date", "", "calendar date (defaults to today in the tenant timezone)")
	cmd.Flags().StringVar(&slot, "slot", "", "slot marker, e.g. 08")
	return cmd
}

func retryCmd() *cobra.Command {
	rc := &cobra.Command{Use: "retry", Short: "Retry tasks"}
	rc.AddCommand(retryRunCmd())
	rc.AddCommand(retryListCmd())
	return rc
}

func retryRunCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run retry tasks that are due now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatchEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runner := queue.Runner{
					Repo:  e.Repo,
					Batch: batch,
					Handle: func(ctx context.Context, task domain.RetryTask) error {
						_, err := e.RunRetry(ctx, task)
						return err
					},
				}
				n, err := runner.Poll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"completed": n})
				}
				fmt.Printf("completed %d retry task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 50, "maximum tasks to run")
	return cmd
}

func retryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled retry tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListRetryTasks(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"Recipient", "Slot", "Attempt", "Reason", "Not before"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.RecipientID, t.SlotKey, t.AttemptNumber, t.Reason, t.NotBefore.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func attemptCmd() *cobra.Command {
	ac := &cobra.Command{Use: "attempt", Short: "Interaction ledger"}
	ac.AddCommand(attemptListCmd())
	return ac
}

func attemptListCmd() *cobra.Command {
	var f repo.AttemptFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contact attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = e.Config.Tenant.ID
				items, err := e.Repo.ListAttempts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Recipient", "Slot", "#", "Outcome", "Findings"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.RecipientID, a.SlotKey, a.AttemptNumber, outcomeText(a.Outcome), strings.Join(a.RiskFindings, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RecipientID, "recipient", "", "recipient id")
	cmd.Flags().StringVar(&f.SlotKey, "slot-key", "", "slot key")
	cmd.Flags().StringVar(&f.Outcome, "outcome", "", "outcome filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func alertCmd() *cobra.Command {
	ac := &cobra.Command{Use: "alert", Short: "Reviewer alerts"}
	ac.AddCommand(alertListCmd())
	ac.AddCommand(alertClaimCmd())
	ac.AddCommand(alertResolveCmd())
	return ac
}

func alertListCmd() *cobra.Command {
	var f repo.AlertFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, most severe first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = e.Config.Tenant.ID
				items, err := e.Repo.ListAlerts(ctx, f)
				if err != nil {
					return err
				}
				return printAlerts(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, in_progress, resolved)")
	cmd.Flags().StringVar(&f.Level, "level", "", "level filter (WARNING, CRITICAL)")
	cmd.Flags().StringVar(&f.RecipientID, "recipient", "", "recipient id")
	return cmd
}

func alertClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <alert-id>",
		Short: "Claim an alert for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Claim(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printAlerts([]domain.Alert{a})
			})
		},
	}
}

func alertResolveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Resolve an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Resolve(ctx, e.Config.Tenant.ID, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printAlerts([]domain.Alert{a})
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	ac := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ac.AddCommand(apiKeyCreateCmd())
	ac.AddCommand(apiKeyListCmd())
	return ac
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.ValidRole(role) {
				return fmt.Errorf("invalid role %q (want %s or %s)", role, auth.RoleReviewer, auth.RoleOperator)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := "cf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:       uuid.NewString(),
					TenantID: e.Config.Tenant.ID,
					ActorID:  actorID,
					Role:     role,
					Name:     name,
					KeyHash:  repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]string{
					"id":        key.ID,
					"tenant_id": key.TenantID,
					"actor_id":  key.ActorID,
					"role":      key.Role,
					"key":       raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", auth.RoleReviewer, "role granted to the key")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every recorded change: recipients, attempts, classifications, alerts and retries.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = e.Config.Tenant.ID
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Time out silent pending attempts and replay unfinished outcome follow-ups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, nil, nil)
				n, err := e.SweepTimeouts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"swept": n})
				}
				fmt.Printf("swept %d attempt(s)\n", n)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, slot scheduler and retry workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := config.LoadRuntime()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				rt.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				rt.BasePath = basePath
			}
			if devLogin {
				rt.DevLogin = true
			}
			logger, err := logging.New(rt.LogLevel, rt.LogDev)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if rt.DevLogin {
				logger.Warn("dev login enabled; do not expose this server")
			}

			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				svc, err := app.Build(r.DB, rt, nil, logger)
				if err != nil {
					return err
				}
				logger.Info("workspace", zap.String("db", db.Path(viper.GetString("workspace"))))
				return svc.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides CAREFLOW_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (overrides CAREFLOW_BASE_PATH)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		_, cfg, err := app.ResolveTenant(ctx, viper.GetString("workspace"), viper.GetString("tenant"), r)
		if err != nil {
			return err
		}
		e := engine.New(r.DB, nil, nil)
		e.Config = cfg
		return fn(ctx, e)
	})
}

// withDispatchEngine is withEngine plus the contact bridge and worker
// settings from CAREFLOW_* variables.
func withDispatchEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := config.LoadRuntime()
	if err != nil {
		return err
	}
	if rt.BridgeURL == "" {
		return errors.New("CAREFLOW_BRIDGE_URL is required to contact recipients")
	}
	logger, err := logging.New(rt.LogLevel, rt.LogDev)
	if err != nil {
		return err
	}
	defer logger.Sync()
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		e.Channel = channel.NewHTTPBridge(rt.BridgeURL, rt.BridgeToken, rt.BridgeTimeout)
		e.Logger = logger
		e.Workers = rt.Workers
		e.Limiter = engine.NewTenantLimiter(rt.DispatchRate, rt.DispatchBurst)
		if rt.Kafka.Enabled() {
			kq := queue.NewKafkaQueue(rt.Kafka.Brokers, rt.Kafka.Topic, rt.Kafka.GroupID, logger.Named("kafka"))
			defer kq.Close()
			e.Queue = kq
		}
		return fn(ctx, e)
	})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printRecipients(items []domain.Recipient) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Name", "Method", "Address", "Slots", "Status"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Name, r.ContactMethod, r.ContactAddress, strings.Join(r.ScheduleSlots, ","), r.Status})
	}
	tw.Render()
	return nil
}

func printAlerts(items []domain.Alert) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Recipient", "Level", "Status", "Reviewer", "Trigger"})
	for _, a := range items {
		reviewer := ""
		if a.AssignedReviewer != nil {
			reviewer = *a.AssignedReviewer
		}
		tw.AppendRow(table.Row{a.ID, a.RecipientID, levelText(a.Level), a.Status, reviewer, a.Trigger})
	}
	tw.Render()
	return nil
}

func levelText(l domain.RiskLevel) string {
	switch l {
	case domain.RiskCritical:
		return color.New(color.FgRed, color.Bold).Sprint(l)
	case domain.RiskWarning:
		return color.YellowString(string(l))
	default:
		return color.GreenString(string(l))
	}
}

func outcomeText(o domain.Outcome) string {
	switch {
	case o == domain.OutcomeCompleted:
		return color.GreenString(string(o))
	case o.Unreachable():
		return color.YellowString(string(o))
	default:
		return string(o)
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
