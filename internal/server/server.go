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

	"moveline/internal/domain"
	"moveline/internal/engine"
	"moveline/internal/preflight"
	"moveline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"cannot advance from decide: pre-flight must pass before acting"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"primary_cohort\"}"`
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

// New returns an HTTP handler exposing the Moveline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Moveline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCampaigns(group, cfg.Engine)
	registerMoves(group, cfg.Engine)
	registerRecommendations(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ie preflight.InputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ie.Field})
	}
	var te domain.IllegalTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), map[string]any{"from": te.From, "guard": te.Guard})
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		return "illegal_transition"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Moveline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, input *struct {
		CampaignID string `query:"campaign_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountMovesByStatus(ctx, input.CampaignID)
		if err != nil {
			return nil, handleError(err)
		}
		workspace := ""
		if e.Config != nil {
			workspace = e.Config.Workspace.ID
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"workspace_id": workspace,
			"move_counts":  counts,
		}}, nil
	})
}

func registerCampaigns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-campaign",
		Method:        http.MethodPost,
		Path:          "/campaigns",
		Summary:       "Create campaign",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCampaignRequest `json:"body"`
	}) (*struct {
		Body CampaignResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCampaign(ctx, stringOrEmpty(input.Body.ID), input.Body.Name, stringOrEmpty(input.Body.Objective), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampaignResponse `json:"body"`
		}{Body: campaignResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "List campaigns",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CampaignResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCampaigns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CampaignResponse, 0, len(items))
		for _, c := range items {
			res = append(res, campaignResponse(c))
		}
		return &struct {
			Body []CampaignResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-campaign",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}",
		Summary:     "Get campaign",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body CampaignResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCampaign(ctx, input.CampaignID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampaignResponse `json:"body"`
		}{Body: campaignResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-campaign",
		Method:      http.MethodPatch,
		Path:        "/campaigns/{campaign_id}",
		Summary:     "Update campaign status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		CampaignID string                `path:"campaign_id"`
		Body       UpdateCampaignRequest `json:"body"`
	}) (*struct {
		Body CampaignResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateCampaignStatus(ctx, input.CampaignID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampaignResponse `json:"body"`
		}{Body: campaignResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-campaign",
		Method:        http.MethodDelete,
		Path:          "/campaigns/{campaign_id}",
		Summary:       "Delete campaign",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteCampaign(ctx, input.CampaignID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMoves(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-move",
		Method:        http.MethodPost,
		Path:          "/moves",
		Summary:       "Create move",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMoveRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		draft := domain.MoveDraft{
			ID:               stringOrEmpty(input.Body.ID),
			CampaignID:       stringOrEmpty(input.Body.CampaignID),
			Name:             input.Body.Name,
			Promise:          stringOrEmpty(input.Body.Promise),
			PrimaryGoal:      input.Body.PrimaryGoal,
			SecondaryGoals:   input.Body.SecondaryGoals,
			PrimaryCohort:    input.Body.PrimaryCohort,
			SecondaryCohorts: input.Body.SecondaryCohorts,
			StageFrom:        input.Body.StageFrom,
			StageTo:          input.Body.StageTo,
			TimeframeDays:    input.Body.TimeframeDays,
			Intensity:        input.Body.Intensity,
			StartDate:        stringOrEmpty(input.Body.StartDate),
			ActTasks:         input.Body.ActTasks,
		}
		m, err := e.CreateMove(ctx, draft, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-moves",
		Method:      http.MethodGet,
		Path:        "/moves",
		Summary:     "List moves",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"planning,observe,orient,decide,act,complete,killed"`
		CampaignID string `query:"campaign_id"`
		CohortID   string `query:"cohort_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedMoves `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f := repo.MoveFilters{
			Status:          input.Status,
			CampaignID:      input.CampaignID,
			CohortID:        input.CohortID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		views, err := e.ListMoveViews(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMoves{Items: []MoveResponse{}}
		if len(views) > limit {
			resp.NextCursor = composeCursor(views[limit].CreatedAt, views[limit].ID)
			views = views[:limit]
		}
		for _, v := range views {
			resp.Items = append(resp.Items, moveResponse(v))
		}
		return &struct {
			Body paginatedMoves `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-move",
		Method:      http.MethodGet,
		Path:        "/moves/{move_id}",
		Summary:     "Get move",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MoveID       string `path:"move_id"`
		AnomalyFlags int    `query:"anomaly_flags"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		v, err := e.GetMoveView(ctx, input.MoveID, input.AnomalyFlags)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MoveResponse `json:"body"`
		}{Body: moveResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-move",
		Method:      http.MethodPatch,
		Path:        "/moves/{move_id}",
		Summary:     "Update move targeting (planning only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string            `path:"move_id"`
		Body   UpdateMoveRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MoveEditOptions{
			ID:               input.MoveID,
			Name:             input.Body.Name,
			Promise:          input.Body.Promise,
			PrimaryGoal:      input.Body.PrimaryGoal,
			SecondaryGoals:   input.Body.SecondaryGoals,
			PrimaryCohort:    input.Body.PrimaryCohort,
			SecondaryCohorts: input.Body.SecondaryCohorts,
			StageFrom:        input.Body.StageFrom,
			StageTo:          input.Body.StageTo,
			TimeframeDays:    input.Body.TimeframeDays,
			Intensity:        input.Body.Intensity,
			StartDate:        input.Body.StartDate,
			ActorID:          actorID,
		}
		m, err := e.EditMove(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-move",
		Method:      http.MethodPost,
		Path:        "/moves/{move_id}/advance",
		Summary:     "Advance move to the next lifecycle status",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string             `path:"move_id"`
		Body   AdvanceMoveRequest `json:"body,omitempty"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AdvanceMove(ctx, input.MoveID, actorID, input.Body.AckWarn)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kill-move",
		Method:      http.MethodPost,
		Path:        "/moves/{move_id}/kill",
		Summary:     "Kill move",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string          `path:"move_id"`
		Body   KillMoveRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Reason) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.KillMove(ctx, input.MoveID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-progress",
		Method:      http.MethodPost,
		Path:        "/moves/{move_id}/progress",
		Summary:     "Record execution progress",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string          `path:"move_id"`
		Body   ProgressRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateProgress(ctx, input.MoveID, input.Body.Percent, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-observation",
		Method:      http.MethodPost,
		Path:        "/moves/{move_id}/observations",
		Summary:     "Attach an observation source",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string             `path:"move_id"`
		Body   ObservationRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AttachObservation(ctx, input.MoveID, input.Body.Source, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-orientation",
		Method:      http.MethodPut,
		Path:        "/moves/{move_id}/orientation",
		Summary:     "Set orientation notes",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string             `path:"move_id"`
		Body   OrientationRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SetOrientation(ctx, input.MoveID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-act-tasks",
		Method:      http.MethodPut,
		Path:        "/moves/{move_id}/tasks",
		Summary:     "Replace the act checklist",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string          `path:"move_id"`
		Body   SetTasksRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SetActTasks(ctx, input.MoveID, input.Body.Tasks, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-act-task",
		Method:      http.MethodPost,
		Path:        "/moves/{move_id}/tasks/resolve",
		Summary:     "Mark an act task done or skipped",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string             `path:"move_id"`
		Body   ResolveTaskRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ResolveActTask(ctx, input.MoveID, input.Body.Name, input.Body.Skipped, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-preflight",
		Method:      http.MethodPost,
		Path:        "/moves/{move_id}/preflight",
		Summary:     "Run the pre-flight validator",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MoveID string           `path:"move_id"`
		Body   PreflightRequest `json:"body"`
	}) (*struct {
		Body PreflightResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, m, err := e.RunPreflight(ctx, input.MoveID, preflightContext(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetMoveView(ctx, m.ID, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreflightResponse `json:"body"`
		}{Body: PreflightResponse{Report: report, Move: moveResponse(v)}}, nil
	})
}

func registerRecommendations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-recommendations",
		Method:      http.MethodPost,
		Path:        "/recommendations",
		Summary:     "Generate ranked move proposals",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body RecommendRequest `json:"body"`
	}) (*struct {
		Body RecommendationsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		recs, err := e.GenerateRecommendations(intentFromRequest(input.Body), input.Body.Max)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecommendationsResponse `json:"body"`
		}{Body: RecommendationsResponse{Items: nonNilSlice(recs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "accept-recommendation",
		Method:        http.MethodPost,
		Path:          "/recommendations/accept",
		Summary:       "Accept a proposal as a planning move",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body AcceptRecommendationRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AcceptRecommendation(ctx, input.Body.Recommendation, stringOrEmpty(input.Body.StartDate), stringOrEmpty(input.Body.CampaignID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return moveBody(e, m), nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Reference catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: catalogResponse(e.Catalog)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CampaignID string `query:"campaign_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"campaign,move,apikey"`
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.CampaignID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key (plaintext returned once)",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		plaintext, key, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
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
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Source:  principal.Source,
		}}, nil
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

func moveBody(e engine.Engine, m domain.Move) *struct {
	Body MoveResponse `json:"body"`
} {
	v := engine.MoveView{Move: m, Health: m.Health(e.Now(), 0), DaysElapsed: m.DaysElapsed(e.Now())}
	return &struct {
		Body MoveResponse `json:"body"`
	}{Body: moveResponse(v)}
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
