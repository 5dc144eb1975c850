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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"scanline/internal/domain"
	"scanline/internal/engine"
	"scanline/internal/engine/auth"
	"scanline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_role_reference"`
	Message string         `json:"message" example:"invalid role reference: 2 -> 1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Scanline API.
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
	hcfg := huma.DefaultConfig("Scanline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCommunities(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerChapters(group, cfg.Engine)
	registerWork(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, engine.ErrUnknownProject),
		errors.Is(err, engine.ErrUnknownRole),
		errors.Is(err, engine.ErrUnknownTask),
		errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRoleReference):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_role_reference", err.Error(), nil)
	case errors.Is(err, engine.ErrStructuralMismatch):
		return newAPIError(http.StatusUnprocessableEntity, "structural_mismatch", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "bad ") ||
		strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "no chapters") || strings.Contains(lowered, "backwards") ||
		strings.Contains(lowered, "not found"):
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

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// requireManager resolves the project and checks the caller may edit it.
// Admins pass everywhere.
func requireManager(ctx context.Context, e engine.Engine, communityID, projectID string) (Principal, *domain.Project, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, nil, authErr
	}
	p, err := e.GetProject(communityID, projectID)
	if err != nil {
		return Principal{}, nil, handleError(err)
	}
	if err := auth.RequireManager(p, principal.ActorID, principal.Admin); err != nil {
		return Principal{}, nil, handleError(err)
	}
	return principal, p, nil
}

type CommunityPath struct {
	CommunityID string `path:"community_id"`
}

type ProjectPath struct {
	CommunityID string `path:"community_id"`
	ProjectID   string `path:"project_id"`
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
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

func registerCommunities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-community",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}",
		Summary:     "Community summary",
	}, func(ctx context.Context, input *CommunityPath) (*struct {
		Body CommunityResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		c, ok := e.Store.Communities[input.CommunityID]
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown community", nil)
		}
		return &struct {
			Body CommunityResponse `json:"body"`
		}{Body: CommunityResponse{
			ID:         c.ID,
			Visibility: c.Visibility,
			Projects:   len(c.Projects),
			Templates:  len(c.Templates),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-community-visibility",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/visibility",
		Summary:     "Set community visibility",
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Body struct {
			Visible bool `json:"visible"`
		} `json:"body"`
	}) (*struct {
		Body CommunityResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.Admin {
			return nil, handleError(auth.ForbiddenError{Permission: "admin"})
		}
		if err := e.SetVisibility(ctx, input.CommunityID, input.Body.Visible, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		c := e.Store.Communities[input.CommunityID]
		return &struct {
			Body CommunityResponse `json:"body"`
		}{Body: CommunityResponse{
			ID:         c.ID,
			Visibility: c.Visibility,
			Projects:   len(c.Projects),
			Templates:  len(c.Templates),
		}}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/templates",
		Summary:     "List role chain templates",
	}, func(ctx context.Context, input *CommunityPath) (*struct {
		Body TemplateListResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body TemplateListResponse `json:"body"`
		}{Body: TemplateListResponse{Templates: e.ListTemplates(input.CommunityID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-template",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/templates",
		Summary:     "Create or replace a template",
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Body struct {
			Name  string        `json:"name" minLength:"1"`
			Roles []RoleRequest `json:"roles" minItems:"1"`
		} `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tpl := domain.Template{Name: input.Body.Name, Roles: rolesFromRequest(input.Body.Roles)}
		if err := e.SaveTemplate(ctx, input.CommunityID, tpl, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-template",
		Method:      http.MethodDelete,
		Path:        "/communities/{community_id}/templates/{name}",
		Summary:     "Delete a template",
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Name string `path:"name"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTemplate(ctx, input.CommunityID, input.Name, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/communities/{community_id}/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		CommunityPath
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		managers := input.Body.Managers
		if !contains(managers, principal.ActorID) {
			// The creator always manages what they create.
			managers = append(managers, principal.ActorID)
		}
		p, err := e.CreateProject(ctx, engine.CreateProjectOptions{
			CommunityID:  input.CommunityID,
			ID:           input.Body.ID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			ImageLink:    input.Body.ImageLink,
			ChannelID:    input.Body.ChannelID,
			Links:        input.Body.Links,
			Notify:       domain.NotifyMode(input.Body.Notify),
			AutoContinue: input.Body.AutoContinue,
			Managers:     managers,
			Roles:        rolesFromRequest(input.Body.Roles),
			Template:     input.Body.Template,
			Chapters:     input.Body.Chapters,
			ActorID:      principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(input.CommunityID, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *CommunityPath) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		viewer := principal.ActorID
		if principal.Admin {
			viewer = ""
		}
		projects := e.ListProjects(input.CommunityID, viewer)
		out := make([]ProjectResponse, 0, len(projects))
		for _, p := range projects {
			out = append(out, toProjectResponse(input.CommunityID, p))
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{Projects: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(input.CommunityID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(input.CommunityID, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/communities/{community_id}/projects/{project_id}",
		Summary:     "Update project metadata",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		var mode *domain.NotifyMode
		if input.Body.Notify != nil {
			m := domain.NotifyMode(*input.Body.Notify)
			mode = &m
		}
		p, err := e.UpdateProject(ctx, engine.UpdateProjectOptions{
			CommunityID:  input.CommunityID,
			ProjectID:    input.ProjectID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			ImageLink:    input.Body.ImageLink,
			ChannelID:    input.Body.ChannelID,
			Links:        input.Body.Links,
			Notify:       mode,
			AutoContinue: input.Body.AutoContinue,
			ActorID:      principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(input.CommunityID, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/communities/{community_id}/projects/{project_id}",
		Summary:     "Delete project",
	}, func(ctx context.Context, input *ProjectPath) (*struct{}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.CommunityID, input.ProjectID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "append-role",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/projects/{project_id}/roles",
		Summary:     "Append a role to the chain",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body struct {
			Name string `json:"name" minLength:"1"`
		} `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.AppendRole(ctx, input.CommunityID, input.ProjectID, input.Body.Name, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		p, _ := e.GetProject(input.CommunityID, input.ProjectID)
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(input.CommunityID, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-role-moving",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/projects/{project_id}/roles/{index}/moving",
		Summary:     "Set or clear a role's moving target",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Index int `path:"index"`
		Body  struct {
			Target int `json:"target" doc:"Strictly later role index, the chain length for the publish slot, or -1 to clear"`
		} `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetRoleMoving(ctx, input.CommunityID, input.ProjectID, input.Index, input.Body.Target, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		p, _ := e.GetProject(input.CommunityID, input.ProjectID)
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(input.CommunityID, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-role",
		Method:      http.MethodDelete,
		Path:        "/communities/{community_id}/projects/{project_id}/roles/{index}",
		Summary:     "Remove a role from the chain",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Index int `path:"index"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveRole(ctx, input.CommunityID, input.ProjectID, input.Index, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		p, _ := e.GetProject(input.CommunityID, input.ProjectID)
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(input.CommunityID, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-role",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/projects/{project_id}/roles/{index}/move",
		Summary:     "Move a role to a new position",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Index int `path:"index"`
		Body  struct {
			To int `json:"to"`
		} `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MoveRole(ctx, input.CommunityID, input.ProjectID, input.Index, input.Body.To, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		p, _ := e.GetProject(input.CommunityID, input.ProjectID)
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: toProjectResponse(input.CommunityID, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/projects/{project_id}/roles/{role_name}/assignees/{user_id}",
		Summary:     "Assign a user to a role",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		RoleName string `path:"role_name"`
		UserID   string `path:"user_id"`
	}) (*struct{}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Assign(ctx, input.CommunityID, input.ProjectID, input.RoleName, input.UserID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-role",
		Method:      http.MethodDelete,
		Path:        "/communities/{community_id}/projects/{project_id}/roles/{role_name}/assignees/{user_id}",
		Summary:     "Remove a user from a role",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		RoleName string `path:"role_name"`
		UserID   string `path:"user_id"`
	}) (*struct{}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Unassign(ctx, input.CommunityID, input.ProjectID, input.RoleName, input.UserID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-manager",
		Method:      http.MethodPut,
		Path:        "/communities/{community_id}/projects/{project_id}/managers/{user_id}",
		Summary:     "Add a project manager",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AddManager(ctx, input.CommunityID, input.ProjectID, input.UserID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-manager",
		Method:      http.MethodDelete,
		Path:        "/communities/{community_id}/projects/{project_id}/managers/{user_id}",
		Summary:     "Remove a project manager",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveManager(ctx, input.CommunityID, input.ProjectID, input.UserID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerChapters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-chapters",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/projects/{project_id}/chapters",
		Summary:     "Add chapters",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body ChapterSpecRequest `json:"body"`
	}) (*struct {
		Body ChaptersChangedResponse `json:"body"`
	}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		added, err := e.AddChapters(ctx, input.CommunityID, input.ProjectID, input.Body.Chapters, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChaptersChangedResponse `json:"body"`
		}{Body: ChaptersChangedResponse{Added: taskNames(added)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-chapters",
		Method:      http.MethodDelete,
		Path:        "/communities/{community_id}/projects/{project_id}/chapters",
		Summary:     "Remove chapters",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body ChapterSpecRequest `json:"body"`
	}) (*struct {
		Body ChaptersChangedResponse `json:"body"`
	}, error) {
		principal, _, authErr := requireManager(ctx, e, input.CommunityID, input.ProjectID)
		if authErr != nil {
			return nil, authErr
		}
		removed, err := e.RemoveChapters(ctx, input.CommunityID, input.ProjectID, input.Body.Chapters, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChaptersChangedResponse `json:"body"`
		}{Body: ChaptersChangedResponse{Removed: removed}}, nil
	})
}

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "available-work",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/projects/{project_id}/work",
		Summary:     "Available work for a user",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		As string `query:"as" doc:"See work for this user id (managers only)"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(input.CommunityID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		authz, err := effectiveAuthz(principal, p, input.As)
		if err != nil {
			return nil, handleError(err)
		}
		work, err := e.AvailableWork(input.CommunityID, input.ProjectID, authz)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: WorkResponse{Work: toTaskWork(work)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-done",
		Method:      http.MethodPost,
		Path:        "/communities/{community_id}/projects/{project_id}/done",
		Summary:     "Mark chapters done at a role",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body DoneRequest `json:"body"`
	}) (*struct {
		Body DoneResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(input.CommunityID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		authz, err := effectiveAuthz(principal, p, input.Body.As)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.MarkDone(ctx, input.CommunityID, input.ProjectID, input.Body.Names, input.Body.RoleIndex, authz, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DoneResponse `json:"body"`
		}{Body: DoneResponse{
			Done:           res.DoneCount,
			FullyCompleted: taskNames(res.FullyCompleted),
			Updated:        taskNames(res.Updated),
			LastCompleted:  p.LastCompleted,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-work",
		Method:      http.MethodGet,
		Path:        "/me/work",
		Summary:     "Available work across all linked projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MyWorkResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries := e.MyWork(principal.ActorID)
		out := make([]MyWorkEntry, 0, len(entries))
		for _, pw := range entries {
			out = append(out, MyWorkEntry{
				CommunityID: pw.CommunityID,
				ProjectID:   pw.ProjectID,
				Title:       pw.Title,
				Work:        toTaskWork(pw.Work),
			})
		}
		return &struct {
			Body MyWorkResponse `json:"body"`
		}{Body: MyWorkResponse{Projects: out}}, nil
	})
}

// effectiveAuthz resolves the "as" impersonation: acting for someone else
// needs manager standing (or admin), and grants the override so the manager
// can mark any role.
func effectiveAuthz(principal Principal, p *domain.Project, as string) (engine.AuthorizationContext, error) {
	manager := principal.Admin || p.IsManager(principal.ActorID)
	authz := engine.AuthorizationContext{EffectiveUserID: principal.ActorID, ManagerOverride: manager}
	if as != "" && as != principal.ActorID {
		if !manager {
			return engine.AuthorizationContext{}, auth.ForbiddenError{Permission: "manager"}
		}
		authz.EffectiveUserID = as
	}
	return authz, nil
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "community-stats",
		Method:      http.MethodGet,
		Path:        "/communities/{community_id}/stats",
		Summary:     "Chapters-done counters for the current window",
	}, func(ctx context.Context, input *CommunityPath) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		stats, err := e.Stats(ctx, input.CommunityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Stats: stats}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest journal entries",
	}, func(ctx context.Context, input *struct {
		CommunityID string `query:"community_id"`
		ProjectID   string `query:"project_id"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50" maximum:"500"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		evts, err := e.Log(ctx, input.Limit, input.CommunityID, input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: evts}}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "daily-check",
		Method:      http.MethodPost,
		Path:        "/check",
		Summary:     "Run the periodic sweep: backup, inactivity notices, stats windows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CheckResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !principal.Admin {
			return nil, handleError(auth.ForbiddenError{Permission: "admin"})
		}
		res, err := e.DailyCheck(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckResponse `json:"body"`
		}{Body: CheckResponse{
			BackupPath:       res.BackupPath,
			InactiveProjects: res.InactiveProjects,
			StatsReset:       res.StatsReset,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID := input.Body.ActorID
		if actorID == "" {
			actorID = principal.ActorID
		}
		if actorID != principal.ActorID && !principal.Admin {
			return nil, handleError(auth.ForbiddenError{Permission: "admin"})
		}
		plaintext, key, err := e.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys for the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body APIKeyListResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyListResponse `json:"body"`
		}{Body: APIKeyListResponse{Keys: keys}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete an API key",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// registerDevAuth issues short-lived local tokens for development. Only
// mounted when explicitly enabled.
func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.EnableDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development token",
	}, func(_ context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jwt secret not configured", nil)
		}
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   input.Body.ActorID,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
			Admin: input.Body.Admin,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
	open := map[string]bool{
		ensureSlash(path.Join(basePath, "health")):         true,
		ensureSlash(path.Join(basePath, "auth/dev/login")): true,
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

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Scanline API Docs</title>
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

func rolesFromRequest(in []RoleRequest) []domain.Role {
	out := make([]domain.Role, 0, len(in))
	for _, r := range in {
		target := -1
		if r.MovesTo != nil {
			target = *r.MovesTo
		}
		out = append(out, domain.Role{Name: r.Name, Users: r.Users, MovesTo: target})
	}
	return out
}

func contains(in []string, s string) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}
