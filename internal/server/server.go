package server

import (
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

	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/ledger"
	"propline/internal/repo"
	"propline/internal/stages"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"proposal_not_at_stage"`
	Message string         `json:"message" example:"proposal is at stage 2, not 4"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Propline API.
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
	hcfg := huma.DefaultConfig("Propline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group)
	registerProposals(group, cfg.Engine)
	registerEndorsements(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerReviewers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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

// handleError maps engine and ledger errors onto the API envelope.
// State-consistency errors carry the proposal's current derived progress so
// stale callers can resynchronize without another round trip.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var rm ledger.RoleMismatchError
	if errors.As(err, &rm) {
		return newAPIError(http.StatusForbidden, "role_mismatch", err.Error(), map[string]any{
			"stage_ordinal": rm.StageOrdinal,
			"required_role": string(rm.Required),
		})
	}
	var sd ledger.StageAlreadyDecidedError
	if errors.As(err, &sd) {
		return newAPIError(http.StatusConflict, "stage_already_decided", err.Error(), map[string]any{
			"stage_ordinal":    sd.StageOrdinal,
			"decision":         sd.Decision,
			"derived_progress": progressResponse(sd.Progress),
		})
	}
	var ns ledger.NotAtStageError
	if errors.As(err, &ns) {
		return newAPIError(http.StatusConflict, "proposal_not_at_stage", err.Error(), map[string]any{
			"requested_stage":  ns.Requested,
			"current_stage":    ns.Current,
			"derived_progress": progressResponse(ns.Progress),
		})
	}
	var ni engine.NotYetImplementingError
	if errors.As(err, &ni) {
		return newAPIError(http.StatusUnprocessableEntity, "not_yet_implementing", err.Error(), map[string]any{
			"current_stage":    ni.CurrentStageOrdinal,
			"derived_progress": progressResponse(ni.Progress),
		})
	}
	var tl engine.AchievementsTooLongError
	if errors.As(err, &tl) {
		return newAPIError(http.StatusUnprocessableEntity, "achievements_too_long", err.Error(), map[string]any{
			"words": tl.Words,
			"limit": tl.Limit,
		})
	}
	if errors.Is(err, stages.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "stage_not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "proposal_not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must not") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

// requireRole verifies the caller may act as the claimed portal role, either
// via JWT role claims or the reviewer registry.
func requireRole(ctx context.Context, e engine.Engine, role domain.Role) (string, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if p, ok := principalFromContext(ctx); ok {
		for _, r := range p.Roles {
			if r == string(role) {
				return actorID, nil
			}
		}
	}
	ok, err := e.Repo.ActorHasRole(ctx, actorID, role)
	if err != nil {
		return "", handleError(err)
	}
	if !ok {
		return "", newAPIError(http.StatusForbidden, "role_not_held", fmt.Sprintf("actor does not hold role %s", role), map[string]any{"role": string(role)})
	}
	return actorID, nil
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

func registerStages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List pipeline stages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		all := stages.All()
		out := make([]StageResponse, 0, len(all))
		for _, def := range all {
			out = append(out, stageResponse(def))
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit proposal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalViewResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.SubmittingUnit == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "submitting_unit is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitOptions{
			Title:          input.Body.Title,
			SubmittingUnit: input.Body.SubmittingUnit,
			Budget:         stringOrEmpty(input.Body.Budget),
			ActorID:        actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.SubmitProposal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.GetProposalView(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalViewResponse `json:"body"`
		}{Body: viewResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"under_review,approved,rejected,ongoing,completed,"`
		Unit   string `query:"unit"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedProposals `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			Status:          input.Status,
			SubmittingUnit:  input.Unit,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProposals{Items: []ProposalResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].SubmittedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapProposals(items)
		return &struct {
			Body paginatedProposals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal-view",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal with derived progress and history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body ProposalViewResponse `json:"body"`
	}, error) {
		view, err := e.GetProposalView(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalViewResponse `json:"body"`
		}{Body: viewResponse(view)}, nil
	})
}

func viewResponse(v engine.View) ProposalViewResponse {
	return ProposalViewResponse{
		Proposal: proposalResponse(v.Proposal),
		Progress: progressResponse(v.Progress),
		History:  mapEndorsements(v.History),
	}
}

func registerEndorsements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-endorsement",
		Method:        http.MethodPost,
		Path:          "/proposals/{proposal_id}/endorsements",
		Summary:       "Record a decision at the proposal's current stage",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string                   `path:"proposal_id"`
		Body       RecordEndorsementRequest `json:"body"`
	}) (*struct {
		Body EndorsementResponse `json:"body"`
	}, error) {
		if input.Body.IssuerRole == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issuer_role is required", nil)
		}
		actorID, authErr := requireRole(ctx, e, domain.Role(input.Body.IssuerRole))
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RecordEndorsement(ctx, engine.EndorseOptions{
			ProposalID:   input.ProposalID,
			StageOrdinal: input.Body.StageOrdinal,
			IssuerRole:   domain.Role(input.Body.IssuerRole),
			IssuerID:     actorID,
			Decision:     input.Body.Decision,
			Comments:     stringOrEmpty(input.Body.Comments),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EndorsementResponse `json:"body"`
		}{Body: endorsementResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-endorsements",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/endorsements",
		Summary:     "Endorsement history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body []EndorsementResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProposal(ctx, input.ProposalID); err != nil {
			return nil, handleError(err)
		}
		history, err := e.Ledger.History(ctx, input.ProposalID, 0, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EndorsementResponse `json:"body"`
		}{Body: mapEndorsements(history)}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-progress-report",
		Method:        http.MethodPost,
		Path:          "/proposals/{proposal_id}/reports",
		Summary:       "Submit progress report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string              `path:"proposal_id"`
		Body       SubmitReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.SubmitProgressReport(ctx, engine.ReportOptions{
			ProposalID:    input.ProposalID,
			ReportType:    input.Body.ReportType,
			Achievements:  input.Body.Achievements,
			NextMilestone: stringOrEmpty(input.Body.NextMilestone),
			Attachments:   input.Body.Attachments,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-progress-reports",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/reports",
		Summary:     "Reports filed for a proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body []ReportResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProposal(ctx, input.ProposalID); err != nil {
			return nil, handleError(err)
		}
		reports, err := e.Repo.ListProgressReports(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ReportResponse, 0, len(reports))
		for _, rep := range reports {
			out = append(out, reportResponse(rep))
		}
		return &struct {
			Body []ReportResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-unit-progress",
		Method:      http.MethodGet,
		Path:        "/units/progress",
		Summary:     "Per-unit progress report summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UnitProgressResponse `json:"body"`
	}, error) {
		units, err := e.ListUnitProgress(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]UnitProgressResponse, 0, len(units))
		for _, u := range units {
			out = append(out, unitProgressResponse(u))
		}
		return &struct {
			Body []UnitProgressResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerReviewers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-reviewer",
		Method:        http.MethodPost,
		Path:          "/reviewers",
		Summary:       "Assign a portal role to an actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignReviewerRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewerAssignment `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		asg, err := e.AssignReviewer(ctx, input.Body.ActorID, domain.Role(input.Body.Role))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewerAssignment `json:"body"`
		}{Body: asg}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log",
	}, func(ctx context.Context, input *struct {
		ProposalID string `query:"proposal_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit, input.ProposalID, input.Type, input.EntityKind, "")
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
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
			spec, _ = json.Marshal(api.OpenAPI())
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
    <title>Propline API Docs</title>
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

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid cursor")
	}
	return parts[0], parts[1], nil
}
