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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"settleline/internal/domain"
	"settleline/internal/engine"
	"settleline/internal/registry"
	"settleline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Done, when closed, stops background webhook delivery. Nil keeps it
	// running for the process lifetime.
	Done <-chan struct{}
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"timing_not_met"`
	Message string         `json:"message" example:"milestone 0 deadline passed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Settleline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	hcfg := huma.DefaultConfig("Settleline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	reg := registry.New(cfg.Engine)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEngagements(group, cfg.Engine, reg)
	registerMilestoneOps(group, cfg.Engine)
	registerWatchOps(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, cfg.Done)

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

// handleError maps the engine's error taxonomy onto HTTP statuses. A busy
// engagement lock surfaces through ErrState as a conflict.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrTiming):
		return newAPIError(http.StatusUnprocessableEntity, "timing_not_met", err.Error(), nil)
	case errors.Is(err, engine.ErrTransfer):
		return newAPIError(http.StatusUnprocessableEntity, "transfer_failed", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func registerEngagements(api huma.API, e engine.Engine, reg registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-engagement",
		Method:        http.MethodPost,
		Path:          "/engagements",
		Summary:       "Create engagement",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEngagementRequest `json:"body"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Milestones) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "milestones are required", nil)
		}
		opts := engine.CreateOptions{
			ID:             input.Body.ID,
			SellerID:       actorID,
			BuyerID:        input.Body.BuyerID,
			Title:          input.Body.Title,
			Total:          input.Body.Total,
			Stake:          input.Body.Stake,
			ResponseWindow: input.Body.ResponseWindowSeconds,
			MaxRevisions:   input.Body.MaxRevisions,
			ActorID:        actorID,
		}
		for _, m := range input.Body.Milestones {
			opts.Shares = append(opts.Shares, m.ShareBP)
			opts.DeadlineOffsets = append(opts.DeadlineOffsets, m.DeadlineOffsetSeconds)
			opts.Titles = append(opts.Titles, m.Title)
			opts.Descriptions = append(opts.Descriptions, m.Description)
		}
		eng, err := reg.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-engagements",
		Method:      http.MethodGet,
		Path:        "/engagements",
		Summary:     "List engagements for a party",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PartyID string `query:"party_id"`
		Role    string `query:"role" enum:",seller,buyer"`
	}) (*struct {
		Body []EngagementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		partyID := input.PartyID
		if partyID == "" {
			partyID = actorID
		}
		var (
			items []domain.Engagement
			err   error
		)
		switch input.Role {
		case "seller":
			items, err = reg.ListBySeller(ctx, partyID)
		case "buyer":
			items, err = reg.ListByBuyer(ctx, partyID)
		default:
			items, err = reg.ListByParty(ctx, partyID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EngagementResponse `json:"body"`
		}{Body: mapEngagements(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-engagement",
		Method:      http.MethodGet,
		Path:        "/engagements/{id}",
		Summary:     "Get engagement with milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EngagementDetailResponse `json:"body"`
	}, error) {
		eng, ms, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementDetailResponse `json:"body"`
		}{Body: EngagementDetailResponse{
			Engagement: engagementResponse(eng),
			Milestones: mapMilestones(ms),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/engagements/{id}/milestones",
		Summary:     "List milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []MilestoneResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEngagement(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		ms, err := e.Repo.ListMilestones(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MilestoneResponse `json:"body"`
		}{Body: mapMilestones(ms)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-milestone",
		Method:      http.MethodGet,
		Path:        "/engagements/{id}/milestones/{idx}",
		Summary:     "Get milestone",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID  string `path:"id"`
		Idx int    `path:"idx"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		m, err := e.Milestone(ctx, input.ID, input.Idx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-engagement",
		Method:      http.MethodPost,
		Path:        "/engagements/{id}/pay",
		Summary:     "Fund the engagement in full",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body PayRequest `json:"body"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eng, err := e.Pay(ctx, input.ID, actorID, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-engagement",
		Method:      http.MethodPost,
		Path:        "/engagements/{id}/cancel",
		Summary:     "Seller withdraws the engagement",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eng, err := e.CancelBySeller(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})
}

func registerMilestoneOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-milestone",
		Method:      http.MethodPost,
		Path:        "/engagements/{id}/milestones/{idx}/submit",
		Summary:     "Submit the current milestone's deliverable",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Idx  int           `path:"idx"`
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Submit(ctx, input.ID, actorID, input.Idx, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/engagements/{id}/milestones/{idx}/approve",
		Summary:     "Approve and release the current milestone",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID  string `path:"id"`
		Idx int    `path:"idx"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eng, err := e.Approve(ctx, input.ID, actorID, input.Idx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/engagements/{id}/milestones/{idx}/revision",
		Summary:     "Request a revision of the current submission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Idx  int             `path:"idx"`
		Body RevisionRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RequestRevision(ctx, input.ID, actorID, input.Idx, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "propose-cancel",
		Method:      http.MethodPost,
		Path:        "/engagements/{id}/milestones/{idx}/cancel-propose",
		Summary:     "Consent to mutual cancellation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID  string `path:"id"`
		Idx int    `path:"idx"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ProposeCancel(ctx, input.ID, actorID, input.Idx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})
}

func registerWatchOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "auto-release",
		Method:      http.MethodPost,
		Path:        "/engagements/{id}/auto-release",
		Summary:     "Release the current submission after buyer silence",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eng, err := e.AutoRelease(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-refund",
		Method:      http.MethodPost,
		Path:        "/engagements/{id}/refund-claim",
		Summary:     "Refund the buyer after a missed deadline",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eng, err := e.ClaimRefund(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/engagements/{id}/events",
		Summary:     "Engagement audit trail",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEngagement(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvents(ctx, input.ID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ledger-deposit",
		Method:      http.MethodPost,
		Path:        "/ledger/deposit",
		Summary:     "Credit a party account",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body DepositRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		partyID := input.Body.PartyID
		if partyID == "" {
			partyID = actorID
		}
		acct, err := e.Ledger.Deposit(ctx, partyID, input.Body.Amount)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(acct)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ledger-balance",
		Method:      http.MethodGet,
		Path:        "/ledger/accounts/{party_id}",
		Summary:     "Party account balance",
	}, func(ctx context.Context, input *struct {
		PartyID string `path:"party_id"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		acct, err := e.Ledger.Balance(ctx, input.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(acct)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := input.Body.ActorID
		if target == "" {
			target = actorID
		}
		plain := uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: target,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(plain),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			resp = append(resp, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct{}{}, nil
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
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowDevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Settleline API Docs</title>
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
