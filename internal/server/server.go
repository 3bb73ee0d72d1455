package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/engine"
	"github.com/ChristChad-mv/careflow-sub000/internal/engine/auth"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"alert already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"tenant_id\":\"clinic-1\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the careflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Careflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", promhttp.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerTenantConfig(group, cfg.Engine)
	registerRecipients(group, cfg.Engine)
	registerRounds(group, cfg.Engine)
	registerAttempts(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te auth.ForbiddenTenantError
	if errors.As(err, &te) {
		return newAPIError(http.StatusForbidden, "forbidden_tenant", err.Error(), map[string]any{"tenant_id": te.TenantID})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, repo.ErrDuplicateAttempt):
		return newAPIError(http.StatusConflict, "duplicate_attempt", msg, nil)
	case errors.Is(err, repo.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "already_claimed", msg, nil)
	case errors.Is(err, repo.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrDirectoryUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "directory_unavailable", msg, nil)
	case errors.Is(err, engine.ErrLedgerUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", msg, nil)
	case errors.Is(err, engine.ErrInvalidOutcome), errors.Is(err, engine.ErrInvalidSlotKey):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	docURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Careflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, docURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Tenants: nonNilSlice(principal.Tenants),
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

type tenantPath struct {
	TenantID string `path:"tenant_id"`
}

func registerTenantConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-config",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Effective tenant policy",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *tenantPath) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermRecipientsRead); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.ConfigFor(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerRecipients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recipients",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/recipients",
		Summary:     "List recipients",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Status   string `query:"status" enum:"active,completed,transferred"`
	}) (*struct {
		Body []domain.Recipient `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermRecipientsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRecipients(ctx, repo.RecipientFilters{TenantID: input.TenantID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Recipient `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-recipient",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/recipients/{recipient_id}",
		Summary:     "Get recipient with last assessment",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID    string `path:"tenant_id"`
		RecipientID string `path:"recipient_id"`
	}) (*struct {
		Body RecipientResponse `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermRecipientsRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Repo.GetRecipient(ctx, input.TenantID, input.RecipientID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RecipientResponse{Recipient: rec}
		a, err := e.Repo.GetAssessment(ctx, input.TenantID, input.RecipientID)
		switch {
		case err == nil:
			resp.Assessment = &a
		case !errors.Is(err, repo.ErrNotFound):
			return nil, handleError(err)
		}
		return &struct {
			Body RecipientResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-recipient",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/recipients/{recipient_id}",
		Summary:     "Create or replace a recipient",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID    string           `path:"tenant_id"`
		RecipientID string           `path:"recipient_id"`
		Body        RecipientRequest `json:"body"`
	}) (*struct {
		Body domain.Recipient `json:"body"`
	}, error) {
		principal, err := requireTenant(ctx, input.TenantID, auth.PermRecipientsWrite)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Repo.UpsertRecipient(ctx, input.Body.toDomain(input.TenantID, input.RecipientID), principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recipient `json:"body"`
		}{Body: rec}, nil
	})
}

func registerRounds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-round",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/rounds",
		Summary:     "Dispatch a slot round",
		Errors:      append([]int{http.StatusServiceUnavailable}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		TenantID string          `path:"tenant_id"`
		Body     RunRoundRequest `json:"body"`
	}) (*struct {
		Body domain.RoundSummary `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermRoundsRun); err != nil {
			return nil, handleError(err)
		}
		key := strings.TrimSpace(input.Body.ScheduleSlotKey)
		if key == "" {
			if input.Body.Date == "" || input.Body.Slot == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "schedule_slot_key or date and slot required", nil)
			}
			key = input.Body.Date + "_" + input.Body.Slot
		}
		summary, err := e.RunRound(ctx, input.TenantID, key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RoundSummary `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-retry",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/retries",
		Summary:     "Run one retry attempt",
		Errors:      append([]int{http.StatusServiceUnavailable}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		TenantID string          `path:"tenant_id"`
		Body     RunRetryRequest `json:"body"`
	}) (*struct {
		Body engine.DispatchResult `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermRetriesRun); err != nil {
			return nil, handleError(err)
		}
		res, err := e.RunRetry(ctx, domain.RetryTask{
			TenantID:      input.TenantID,
			RecipientID:   input.Body.RecipientID,
			SlotKey:       input.Body.ScheduleSlotKey,
			AttemptNumber: input.Body.AttemptNumber,
			Reason:        input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DispatchResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAttempts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-attempts",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/attempts",
		Summary:     "List contact attempts",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID        string `path:"tenant_id"`
		RecipientID     string `query:"recipient_id"`
		ScheduleSlotKey string `query:"schedule_slot_key"`
		Outcome         string `query:"outcome" enum:"pending,completed,no-answer,busy,failed"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ContactAttempt `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermAttemptsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAttempts(ctx, repo.AttemptFilters{
			TenantID:    input.TenantID,
			RecipientID: input.RecipientID,
			SlotKey:     input.ScheduleSlotKey,
			Outcome:     input.Outcome,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ContactAttempt `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attempt",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/attempts/{attempt_id}",
		Summary:     "Get contact attempt",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID  string `path:"tenant_id"`
		AttemptID string `path:"attempt_id"`
	}) (*struct {
		Body domain.ContactAttempt `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermAttemptsRead); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAttempt(ctx, input.TenantID, input.AttemptID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContactAttempt `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-attempt",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/attempts/{attempt_id}/outcome",
		Summary:     "Report the outcome of a pending attempt",
		Errors:      append([]int{http.StatusServiceUnavailable}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		TenantID  string                 `path:"tenant_id"`
		AttemptID string                 `path:"attempt_id"`
		Body      CompleteAttemptRequest `json:"body"`
	}) (*struct {
		Body domain.ContactAttempt `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermOutcomesWrite); err != nil {
			return nil, handleError(err)
		}
		a, err := e.CompleteAttempt(ctx, input.TenantID, input.AttemptID, input.Body.Outcome, input.Body.RiskFindings)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContactAttempt `json:"body"`
		}{Body: a}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	type alertPath struct {
		TenantID string `path:"tenant_id"`
		AlertID  string `path:"alert_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/alerts",
		Summary:     "List alerts, CRITICAL first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID    string `path:"tenant_id"`
		RecipientID string `query:"recipient_id"`
		Status      string `query:"status" enum:"active,in_progress,resolved"`
		Level       string `query:"level" enum:"WARNING,CRITICAL"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Alert `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermAlertsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAlerts(ctx, repo.AlertFilters{
			TenantID:    input.TenantID,
			RecipientID: input.RecipientID,
			Status:      input.Status,
			Level:       input.Level,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Alert `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-alert",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/alerts/{alert_id}",
		Summary:     "Get alert",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *alertPath) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermAlertsRead); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAlert(ctx, input.TenantID, input.AlertID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-alert",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/alerts/{alert_id}/claim",
		Summary:     "Claim an active alert for the calling reviewer",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *alertPath) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		principal, err := requireTenant(ctx, input.TenantID, auth.PermAlertsClaim)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.Claim(ctx, input.TenantID, input.AlertID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-alert",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/alerts/{alert_id}/resolve",
		Summary:     "Resolve an alert",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID string               `path:"tenant_id"`
		AlertID  string               `path:"alert_id"`
		Body     *ResolveAlertRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		principal, err := requireTenant(ctx, input.TenantID, auth.PermAlertsResolve)
		if err != nil {
			return nil, handleError(err)
		}
		note := ""
		if input.Body != nil {
			note = input.Body.Note
		}
		a, err := e.Resolve(ctx, input.TenantID, input.AlertID, principal.ActorID, note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/events",
		Summary:     "List recent events, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"tenant,recipient,attempt,alert,retry_task"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireTenant(ctx, input.TenantID, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			TenantID:   input.TenantID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Before:     before,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" || len(input.Body.Tenants) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and tenants are required", nil)
		}
		for _, r := range input.Body.Roles {
			if !auth.ValidRole(r) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid role "+r, nil)
			}
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Tenants, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
