package server

import (
	"bytes"
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

	"paysync/internal/domain"
	"paysync/internal/engine"
	"paysync/internal/engine/access"
	"paysync/internal/factory"
	"paysync/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// MetricsPath mounts the Prometheus handler outside the API base path.
	// Empty disables it.
	MetricsPath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"not enough funds to process payments"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"payment_id\":3}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the paysync API.
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
			// Schema validation failures are caller mistakes, not business rule rejections.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	if cfg.MetricsPath != "" {
		router.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	hcfg := huma.DefaultConfig("Paysync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	deployer := factory.Deployer{Engine: cfg.Engine}

	registerDocs(router, basePath)
	registerHealth(group)
	registerLedgers(group, cfg.Engine)
	registerTopUp(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerSettlement(group, cfg.Engine)
	registerAccess(group, cfg.Engine)
	registerRecipients(group, cfg.Engine)
	registerTransfers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerFactory(group, deployer)
	registerMe(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
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
	var fe access.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": string(fe.Role)})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ife *domain.InsufficientFundsError
	if errors.As(err, &ife) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), insufficientFundsDetails(ife))
	}
	switch {
	case errors.Is(err, domain.ErrInvalidToken):
		return newAPIError(http.StatusBadRequest, "invalid_token", err.Error(), nil)
	case errors.Is(err, domain.ErrNoFunds):
		return newAPIError(http.StatusUnprocessableEntity, "no_funds", err.Error(), nil)
	case errors.Is(err, domain.ErrInsufficientFunds):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func insufficientFundsDetails(ife *domain.InsufficientFundsError) map[string]any {
	return map[string]any{
		"payment_id": ife.PaymentID,
		"required":   ife.Required.String(),
		"available":  ife.Available.String(),
		"settled":    nonNilSlice(ife.Settled),
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	public := map[string]bool{}
	for _, p := range publicPaths(basePath) {
		public[p] = true
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// publicPaths are served without credentials.
func publicPaths(basePath string) []string {
	return []string{
		path.Join("/", basePath, "health"),
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Paysync API Docs</title>
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
</html>`, specURL)
}

var ledgerErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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

type ledgerPath struct {
	LedgerID string `path:"ledger_id"`
}

func registerLedgers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ledger-status",
		Method:      http.MethodGet,
		Path:        "/ledgers/{ledger_id}",
		Summary:     "Ledger status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ledgerPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := e.Repo.Status(ctx, input.LedgerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(st)}, nil
	})
}

func registerTopUp(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "top-up",
		Method:      http.MethodPost,
		Path:        "/ledgers/{ledger_id}/top-up",
		Summary:     "Deposit the accepted unit into a ledger",
		Errors:      ledgerErrors,
	}, func(ctx context.Context, input *struct {
		LedgerID string       `path:"ledger_id"`
		Body     TopUpRequest `json:"body"`
	}) (*struct {
		Body LedgerResponse `json:"body"`
	}, error) {
		caller, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := domain.ParseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		l, err := e.TopUp(ctx, input.LedgerID, caller, domain.Deposit{Unit: input.Body.Unit, Amount: amount})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LedgerResponse `json:"body"`
		}{Body: ledgerResponse(l)}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-payment",
		Method:        http.MethodPost,
		Path:          "/ledgers/{ledger_id}/payments",
		Summary:       "Register a scheduled payment",
		DefaultStatus: http.StatusCreated,
		Errors:        ledgerErrors,
	}, func(ctx context.Context, input *struct {
		LedgerID string            `path:"ledger_id"`
		Body     AddPaymentRequest `json:"body"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		caller, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := domain.ParseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.AddPayment(ctx, engine.AddPaymentOptions{
			LedgerID:      input.LedgerID,
			Caller:        caller,
			Recipient:     input.Body.Recipient,
			Amount:        amount,
			ScheduledTime: input.Body.ScheduledTime,
			IsMonthly:     input.Body.IsMonthly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(p, strings.TrimSpace(input.Body.Recipient))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/ledgers/{ledger_id}/payments",
		Summary:     "List outstanding payment IDs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LedgerID    string `path:"ledger_id"`
		Details     bool   `query:"details" doc:"include the payment records"`
		RecipientID uint64 `query:"recipient_id"`
		DueBefore   uint64 `query:"due_before"`
		MonthlyOnly bool   `query:"monthly"`
	}) (*struct {
		Body PaymentListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetLedger(ctx, input.LedgerID); err != nil {
			return nil, handleError(err)
		}
		ids, err := e.Repo.ListPaymentIDs(ctx, input.LedgerID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaymentListResponse{PaymentIDs: nonNilSlice(ids)}
		if input.Details {
			items, err := e.Repo.ListPayments(ctx, repo.PaymentFilters{
				LedgerID:    input.LedgerID,
				RecipientID: input.RecipientID,
				DueBefore:   input.DueBefore,
				MonthlyOnly: input.MonthlyOnly,
			})
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = []PaymentResponse{}
			for _, p := range items {
				resp.Items = append(resp.Items, paymentResponse(p, ""))
			}
		}
		return &struct {
			Body PaymentListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payment",
		Method:      http.MethodGet,
		Path:        "/ledgers/{ledger_id}/payments/{payment_id}",
		Summary:     "Get an outstanding payment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LedgerID  string `path:"ledger_id"`
		PaymentID uint64 `path:"payment_id"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPayment(ctx, input.LedgerID, input.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		address := ""
		if rc, err := e.Repo.GetRecipient(ctx, input.LedgerID, p.RecipientID); err == nil {
			address = rc.Address
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(p, address)}, nil
	})
}

func registerSettlement(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "process-payments",
		Method:      http.MethodPost,
		Path:        "/ledgers/{ledger_id}/payments/process",
		Summary:     "Settle a batch of outstanding payments",
		Description: "Items are settled in order against the held balance. When an item exceeds the remaining balance the call fails with insufficient_funds; items settled before it stay settled and are listed in the error details.",
		Errors:      ledgerErrors,
	}, func(ctx context.Context, input *struct {
		LedgerID string                 `path:"ledger_id"`
		Body     ProcessPaymentsRequest `json:"body"`
	}) (*struct {
		Body SettlementResponse `json:"body"`
	}, error) {
		caller, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.ProcessPayments(ctx, input.LedgerID, caller, input.Body.PaymentIDs)
		if err != nil {
			var ife *domain.InsufficientFundsError
			if errors.As(err, &ife) {
				details := insufficientFundsDetails(ife)
				details["report"] = settlementResponse(report)
				return nil, newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), details)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body SettlementResponse `json:"body"`
		}{Body: settlementResponse(report)}, nil
	})
}

func registerAccess(api huma.API, e engine.Engine) {
	roles := []struct {
		role   repo.Role
		plural string
		add    func(context.Context, string, string, string) (bool, error)
		remove func(context.Context, string, string, string) (bool, error)
	}{
		{repo.RoleHandler, "handlers", e.AddMoneyHandler, e.RemoveMoneyHandler},
		{repo.RoleProcessor, "processors", e.AddMoneyProcessor, e.RemoveMoneyProcessor},
	}
	for _, rc := range roles {
		rc := rc
		huma.Register(api, huma.Operation{
			OperationID: "list-" + rc.plural,
			Method:      http.MethodGet,
			Path:        "/ledgers/{ledger_id}/" + rc.plural,
			Summary:     "List money " + rc.plural,
			Errors:      []int{http.StatusNotFound},
		}, func(ctx context.Context, input *ledgerPath) (*struct {
			Body MembersResponse `json:"body"`
		}, error) {
			l, err := e.Repo.GetLedger(ctx, input.LedgerID)
			if err != nil {
				return nil, handleError(err)
			}
			members, err := e.Access.Members(ctx, nil, input.LedgerID, rc.role)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body MembersResponse `json:"body"`
			}{Body: MembersResponse{
				LedgerID: l.ID,
				Role:     string(rc.role),
				Owner:    l.OwnerID,
				Members:  nonNilSlice(members),
			}}, nil
		})

		change := func(add bool) func(context.Context, *membershipInput) (*struct {
			Body MembershipResponse `json:"body"`
		}, error) {
			return func(ctx context.Context, input *membershipInput) (*struct {
				Body MembershipResponse `json:"body"`
			}, error) {
				caller, authErr := actorIDFromContext(ctx)
				if authErr != nil {
					return nil, authErr
				}
				fn := rc.remove
				if add {
					fn = rc.add
				}
				changed, err := fn(ctx, input.LedgerID, caller, input.Identity)
				if err != nil {
					return nil, handleError(err)
				}
				return &struct {
					Body MembershipResponse `json:"body"`
				}{Body: MembershipResponse{
					LedgerID: input.LedgerID,
					Role:     string(rc.role),
					Identity: input.Identity,
					Changed:  changed,
				}}, nil
			}
		}
		huma.Register(api, huma.Operation{
			OperationID: "add-" + string(rc.role),
			Method:      http.MethodPut,
			Path:        "/ledgers/{ledger_id}/" + rc.plural + "/{identity}",
			Summary:     "Grant the money " + string(rc.role) + " role",
			Errors:      ledgerErrors,
		}, change(true))
		huma.Register(api, huma.Operation{
			OperationID: "remove-" + string(rc.role),
			Method:      http.MethodDelete,
			Path:        "/ledgers/{ledger_id}/" + rc.plural + "/{identity}",
			Summary:     "Revoke the money " + string(rc.role) + " role",
			Errors:      ledgerErrors,
		}, change(false))
	}

	huma.Register(api, huma.Operation{
		OperationID: "ledger-me",
		Method:      http.MethodGet,
		Path:        "/ledgers/{ledger_id}/me",
		Summary:     "Roles of the caller on a ledger",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *ledgerPath) (*struct {
		Body AccessResponse `json:"body"`
	}, error) {
		caller, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner, err := e.Access.IsOwner(ctx, nil, input.LedgerID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		handler, err := e.Access.IsHandler(ctx, nil, input.LedgerID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		processor, err := e.Access.IsProcessor(ctx, nil, input.LedgerID, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccessResponse `json:"body"`
		}{Body: AccessResponse{
			LedgerID:  input.LedgerID,
			ActorID:   caller,
			Owner:     owner,
			Handler:   handler,
			Processor: processor,
		}}, nil
	})
}

type membershipInput struct {
	LedgerID string `path:"ledger_id"`
	Identity string `path:"identity"`
}

func registerRecipients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recipients",
		Method:      http.MethodGet,
		Path:        "/ledgers/{ledger_id}/recipients",
		Summary:     "List registered recipients",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LedgerID string `path:"ledger_id"`
		Address  string `query:"address"`
	}) (*struct {
		Body RecipientListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetLedger(ctx, input.LedgerID); err != nil {
			return nil, handleError(err)
		}
		if input.Address != "" {
			rc, err := e.Repo.GetRecipientByAddress(ctx, input.LedgerID, input.Address)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body RecipientListResponse `json:"body"`
			}{Body: RecipientListResponse{Items: []domain.Recipient{rc}}}, nil
		}
		items, err := e.Repo.ListRecipients(ctx, input.LedgerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecipientListResponse `json:"body"`
		}{Body: RecipientListResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerTransfers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/ledgers/{ledger_id}/transfers",
		Summary:     "List deposits and disbursements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LedgerID  string `path:"ledger_id"`
		Direction string `query:"direction" enum:"in,out"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body TransferListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetLedger(ctx, input.LedgerID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTransfers(ctx, input.LedgerID, input.Direction, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := TransferListResponse{Items: []TransferResponse{}}
		for _, t := range items {
			resp.Items = append(resp.Items, transferResponse(t))
		}
		return &struct {
			Body TransferListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/ledgers/{ledger_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		LedgerID   string `path:"ledger_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"ledger,payment,handler,processor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			LedgerID:   input.LedgerID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerFactory(api huma.API, d factory.Deployer) {
	huma.Register(api, huma.Operation{
		OperationID: "factory-template",
		Method:      http.MethodGet,
		Path:        "/factory/template",
		Summary:     "Template new ledgers are cloned from",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		tpl, err := d.Template(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: TemplateResponse{Template: tpl}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-factory-template",
		Method:      http.MethodPut,
		Path:        "/factory/template",
		Summary:     "Replace the factory template (factory.admin only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TemplateResponse `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		caller, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := d.SetTemplate(ctx, caller, input.Body.Template); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: TemplateResponse{Template: strings.TrimSpace(input.Body.Template)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "factory-ledgers",
		Method:      http.MethodGet,
		Path:        "/factory/ledgers",
		Summary:     "Ledgers deployed through the factory",
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner" doc:"only ledgers deployed by this identity"`
	}) (*struct {
		Body LedgerListResponse `json:"body"`
	}, error) {
		var items []domain.Ledger
		var err error
		if input.Owner != "" {
			items, err = d.OwnerLedgers(ctx, input.Owner)
		} else {
			items, err = d.AllLedgers(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LedgerListResponse `json:"body"`
		}{Body: ledgerList(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "factory-deploy",
		Method:        http.MethodPost,
		Path:          "/factory/ledgers",
		Summary:       "Deploy a ledger owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DeployRequest `json:"body"`
	}) (*struct {
		Body LedgerResponse `json:"body"`
	}, error) {
		caller, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := d.Deploy(ctx, caller, input.Body.AcceptedUnit, input.Body.Handlers)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LedgerResponse `json:"body"`
		}{Body: ledgerResponse(l)}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := WhoAmIResponse{ActorID: principal.ActorID, Source: principal.Source}
		if e.Config != nil && e.Config.Ledger.ID != "" {
			resp.DefaultLedger = e.Config.Ledger.ID
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: exchange the current credentials for a short-lived JWT",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		caller, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			actor = caller
		}
		if actor != caller {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "tokens can only be minted for the caller", map[string]any{"actor_id": actor})
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
