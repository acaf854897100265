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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cqframework/cql-studio-sub002/internal/app"
	"github.com/cqframework/cql-studio-sub002/internal/domain"
	"github.com/cqframework/cql-studio-sub002/internal/format"
	"github.com/cqframework/cql-studio-sub002/internal/journal"
	"github.com/cqframework/cql-studio-sub002/internal/runner"
	"github.com/cqframework/cql-studio-sub002/internal/store"
	"github.com/cqframework/cql-studio-sub002/internal/studio"
	"github.com/cqframework/cql-studio-sub002/internal/translator"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.Studio
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"guideline not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"issues\":[\"syntax error (line 3, column 7)\"]}"`
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

// service wraps the composed studio and serializes access to the session
// and runner, which are single-owner state.
type service struct {
	app *app.Studio
	mu  sync.Mutex
}

func (s *service) snapshot() SessionResponse {
	return sessionResponse(s.app.Session.Snapshot(), s.app.Nav.Path())
}

func (s *service) logger() *zap.Logger {
	if s.app.Logger == nil {
		return zap.NewNop()
	}
	return s.app.Logger
}

// New returns an HTTP handler exposing the CQL Studio API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
			bodyBuf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBuf))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBuf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("CQL Studio API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	svc := &service{app: cfg.App}
	registerDocs(router, basePath)
	registerHealth(group)
	registerSession(group, svc)
	registerGuidelines(group, svc)
	registerPatients(group, svc)
	registerTestRuns(group, svc)
	registerEvents(group, svc)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.App)

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
	var terr *translator.Error
	if errors.As(err, &terr) {
		return newAPIError(http.StatusUnprocessableEntity, "translation_failed", terr.Error(), map[string]any{"issues": terr.Messages()})
	}
	var uerr *store.UpstreamError
	if errors.As(err, &uerr) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"status": uerr.Status})
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, studio.ErrNoTranslatorEndpoint):
		return newAPIError(http.StatusUnprocessableEntity, "translator_not_configured", err.Error(), nil)
	case errors.Is(err, studio.ErrNoPendingConversion):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, runner.ErrNoEvaluator):
		return newAPIError(http.StatusUnprocessableEntity, "evaluator_not_configured", err.Error(), nil)
	case errors.Is(err, runner.ErrNoSubjects):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		joinPath(basePath, "health"):         true,
		joinPath(basePath, "auth/dev/login"): true,
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

func joinPath(basePath, p string) string {
	joined := path.Join(basePath, p)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CQL Studio API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; when the server has a JWT secret configured.
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

func registerSession(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current session state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s.snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "navigate",
		Method:      http.MethodPost,
		Path:        "/session/navigate",
		Summary:     "Resolve a navigation intent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body NavigateRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		intent := studio.Intent{ID: input.Body.ID, Testing: input.Body.Testing}
		if err := s.app.Session.Navigate(ctx, intent); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s.snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-conversion",
		Method:      http.MethodPost,
		Path:        "/session/conversion/confirm",
		Summary:     "Open the stashed guideline despite conversion issues",
		Errors: []int{
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.app.Session.ConfirmConversion(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s.snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-conversion",
		Method:      http.MethodPost,
		Path:        "/session/conversion/cancel",
		Summary:     "Dismiss the conversion prompt",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.app.Session.CancelConversion()
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s.snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-new",
		Method:      http.MethodPost,
		Path:        "/session/new",
		Summary:     "Open the new-guideline modal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.app.Session.RequestNew()
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s.snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-new",
		Method:      http.MethodPost,
		Path:        "/session/new/cancel",
		Summary:     "Dismiss the new-guideline modal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.app.Session.CancelNew()
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s.snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodPost,
		Path:        "/session/close",
		Summary:     "Return to the browse view",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.app.Session.Close()
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: s.snapshot()}, nil
	})
}

func registerGuidelines(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-guidelines",
		Method:      http.MethodGet,
		Path:        "/guidelines",
		Summary:     "List guidelines",
		Errors:      []int{http.StatusBadGateway, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Search string `query:"search"`
		Page   int    `query:"page" default:"1"`
		Size   int    `query:"size" default:"20"`
		Sort   string `query:"sort"`
		Order  string `query:"order" enum:"asc,desc,"`
	}) (*struct {
		Body GuidelineListResponse `json:"body"`
	}, error) {
		if input.Search != "" {
			items, err := s.app.Store.Search(ctx, input.Search)
			if err != nil {
				return nil, handleError(err)
			}
			total := len(items)
			return &struct {
				Body GuidelineListResponse `json:"body"`
			}{Body: GuidelineListResponse{Items: mapSummaries(items), Total: &total}}, nil
		}
		res, err := s.app.Store.List(ctx, store.ListOptions{
			Page:    input.Page,
			Size:    input.Size,
			SortKey: input.Sort,
			SortDir: input.Order,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuidelineListResponse `json:"body"`
		}{Body: GuidelineListResponse{Items: mapSummaries(res.Items), Total: res.Total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-guideline",
		Method:        http.MethodPost,
		Path:          "/guidelines",
		Summary:       "Create a guideline through the authoring flow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGuidelineRequest `json:"body"`
	}) (*struct {
		Body domain.Library `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		lib, err := s.app.Session.CreateNew(ctx, studio.NewGuidelineOptions{
			Name:        input.Body.Name,
			Title:       input.Body.Title,
			Version:     input.Body.Version,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Library `json:"body"`
		}{Body: lib}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-guideline",
		Method:      http.MethodGet,
		Path:        "/guidelines/{id}",
		Summary:     "Fetch a guideline resource",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Library `json:"body"`
	}, error) {
		lib, err := s.app.Store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Library `json:"body"`
		}{Body: lib}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-guideline",
		Method:        http.MethodDelete,
		Path:          "/guidelines/{id}",
		Summary:       "Delete a guideline",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		lib, err := s.app.Store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.app.Session.Delete(ctx, lib); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "guideline-validation",
		Method:      http.MethodGet,
		Path:        "/guidelines/{id}/validation",
		Summary:     "Classify a guideline against the authoring format",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		lib, err := s.app.Store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := format.Validate(lib)
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: ValidationResponse{
			Valid:          res.Valid,
			Issues:         nonNilSlice(res.Issues),
			CanOpenCleanly: format.CanOpenCleanly(lib),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "guideline-cql",
		Method:      http.MethodGet,
		Path:        "/guidelines/{id}/cql",
		Summary:     "Fetch the CQL source attachment",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContentResponse `json:"body"`
	}, error) {
		return guidelineContent(ctx, s, input.ID, domain.ContentTypeCQL)
	})

	huma.Register(api, huma.Operation{
		OperationID: "guideline-elm",
		Method:      http.MethodGet,
		Path:        "/guidelines/{id}/elm",
		Summary:     "Fetch the compiled ELM attachment",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContentResponse `json:"body"`
	}, error) {
		return guidelineContent(ctx, s, input.ID, domain.ContentTypeELM)
	})
}

func guidelineContent(ctx context.Context, s *service, id, contentType string) (*struct {
	Body ContentResponse `json:"body"`
}, error) {
	lib, err := s.app.Store.Get(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	att := lib.ContentByType(contentType)
	if att == nil || len(att.Data) == 0 {
		return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("guideline %s has no %s content", id, contentType), nil)
	}
	return &struct {
		Body ContentResponse `json:"body"`
	}{Body: ContentResponse{
		ID:          lib.ID,
		ContentType: contentType,
		Content:     string(att.Data),
	}}, nil
}

func registerPatients(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-patients",
		Method:      http.MethodGet,
		Path:        "/patients",
		Summary:     "Load the subject roster",
		Errors:      []int{http.StatusBadGateway, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Search string `query:"search"`
		Page   int    `query:"page"`
	}) (*struct {
		Body PatientListResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.app.Runner.LoadPatients(ctx, input.Search); err != nil {
			return nil, handleError(err)
		}
		if input.Page > 0 {
			s.app.Runner.SetPage(input.Page)
		}
		return &struct {
			Body PatientListResponse `json:"body"`
		}{Body: PatientListResponse{
			Items: mapPatients(s.app.Runner.Page()),
			Total: len(s.app.Runner.Roster()),
			Page:  s.app.Runner.CurrentPage(),
			Pages: s.app.Runner.PageCount(),
		}}, nil
	})
}

func registerTestRuns(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "run-tests",
		Method:      http.MethodPost,
		Path:        "/guidelines/{id}/test-runs",
		Summary:     "Execute a guideline against selected subjects",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body TestRunRequest `json:"body"`
	}) (*struct {
		Body TestRunResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		lib, err := s.app.Store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		run := s.app.Runner
		var subjects []domain.Patient
		if len(input.Body.SubjectIDs) > 0 {
			subjects = run.SelectByID(input.Body.SubjectIDs)
		} else {
			if len(run.Roster()) == 0 || input.Body.Search != "" {
				if _, err := run.LoadPatients(ctx, input.Body.Search); err != nil {
					return nil, handleError(err)
				}
			}
			subjects = run.Roster()
		}
		s.app.Session.TestLibrary(lib)
		results, err := run.Run(ctx, lib.ID, subjects)
		if err != nil {
			return nil, handleError(err)
		}
		resp := testRunResponse(run, results)
		payload := journal.Payload{
			"run_id": resp.RunID,
			"total":  resp.Total,
			"failed": resp.Failed,
		}
		if p, ok := principalFromContext(ctx); ok {
			payload["subject"] = p.Subject
		}
		if err := s.app.Journal.Append(ctx, journal.EventTestRun, lib.ID, payload); err != nil {
			s.logger().Warn("journal append failed", zap.Error(err))
		}
		return &struct {
			Body TestRunResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-test-run",
		Method:      http.MethodGet,
		Path:        "/test-runs/latest",
		Summary:     "Results of the most recent run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TestRunResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		run := s.app.Runner
		if run.RunID() == "" {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no test run recorded", nil)
		}
		return &struct {
			Body TestRunResponse `json:"body"`
		}{Body: testRunResponse(run, run.Results())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-expanded",
		Method:      http.MethodPost,
		Path:        "/test-runs/latest/expanded",
		Summary:     "Toggle result detail expansion",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ToggleExpandedRequest `json:"body"`
	}) (*struct {
		Body TestRunResponse `json:"body"`
	}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		run := s.app.Runner
		if run.RunID() == "" {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no test run recorded", nil)
		}
		if input.Body.SubjectID == "" {
			run.ToggleAll()
		} else {
			run.Toggle(input.Body.SubjectID)
		}
		return &struct {
			Body TestRunResponse `json:"body"`
		}{Body: testRunResponse(run, run.Results())}, nil
	})
}

func testRunResponse(run *runner.Runner, results []runner.TestResult) TestRunResponse {
	resp := TestRunResponse{
		RunID:   run.RunID(),
		Results: make([]TestResultResponse, 0, len(results)),
		Total:   len(results),
	}
	for _, res := range results {
		if res.Err != nil {
			resp.Failed++
		}
		resp.Results = append(resp.Results, testResultResponse(res, run.Expanded(res.SubjectID)))
	}
	return resp
}

func registerEvents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Journal events",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = s.app.Events.After(ctx, input.After, limit)
		} else {
			items, err = s.app.Events.Recent(ctx, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, subject, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
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
