package server

import (
	"scanline/internal/domain"
	"scanline/internal/engine"
)

// Request and response shapes for the HTTP API. Responses reuse the domain
// structs where the persisted layout is already the wire layout.

type RoleRequest struct {
	Name    string   `json:"name" minLength:"1"`
	Users   []string `json:"users,omitempty"`
	MovesTo *int     `json:"moves_to,omitempty" doc:"Index of a strictly later role this stage may run in parallel up to; omit for a blocking stage"`
}

type CreateProjectRequest struct {
	ID           string        `json:"id,omitempty"`
	Title        string        `json:"title" minLength:"1"`
	Description  string        `json:"description,omitempty"`
	ImageLink    string        `json:"image_link,omitempty"`
	ChannelID    string        `json:"channel_id,omitempty"`
	Links        []domain.Link `json:"links,omitempty"`
	Notify       string        `json:"notify,omitempty" enum:"channel,dm"`
	AutoContinue bool          `json:"auto_continue,omitempty"`
	Managers     []string      `json:"managers,omitempty"`
	Roles        []RoleRequest `json:"roles,omitempty"`
	Template     string        `json:"template,omitempty" doc:"Community template supplying the role chain when roles are omitted"`
	Chapters     string        `json:"chapters,omitempty" doc:"Initial chapter expression, e.g. 1-5,5.5"`
}

type UpdateProjectRequest struct {
	Title        *string       `json:"title,omitempty"`
	Description  *string       `json:"description,omitempty"`
	ImageLink    *string       `json:"image_link,omitempty"`
	ChannelID    *string       `json:"channel_id,omitempty"`
	Links        []domain.Link `json:"links,omitempty"`
	Notify       *string       `json:"notify,omitempty" enum:"channel,dm"`
	AutoContinue *bool         `json:"auto_continue,omitempty"`
}

type ProjectResponse struct {
	CommunityID string `json:"community_id"`
	domain.Project
}

type ProjectListResponse struct {
	Projects []ProjectResponse `json:"projects"`
}

type CommunityResponse struct {
	ID         string `json:"id"`
	Visibility bool   `json:"visibility"`
	Projects   int    `json:"projects"`
	Templates  int    `json:"templates"`
}

type TemplateListResponse struct {
	Templates []domain.Template `json:"templates"`
}

type ChapterSpecRequest struct {
	Chapters string `json:"chapters" minLength:"1" doc:"Chapter expression, e.g. 1-5,5.5,7-9"`
}

type ChaptersChangedResponse struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

type DoneRequest struct {
	Names     []string `json:"names" minItems:"1" doc:"Chapter names to mark"`
	RoleIndex int      `json:"role_index" doc:"Role position; the chain length means publish"`
	As        string   `json:"as,omitempty" doc:"Act for this user id (managers only)"`
}

type DoneResponse struct {
	Done           int      `json:"done"`
	FullyCompleted []string `json:"fully_completed,omitempty"`
	Updated        []string `json:"updated,omitempty"`
	LastCompleted  string   `json:"last_completed,omitempty"`
}

type TaskWorkResponse struct {
	Task  domain.Task `json:"task"`
	Roles []int       `json:"roles" doc:"Actionable role indices; the chain length is the publish slot"`
}

type WorkResponse struct {
	Work []TaskWorkResponse `json:"work"`
}

type MyWorkEntry struct {
	CommunityID string             `json:"community_id"`
	ProjectID   string             `json:"project_id"`
	Title       string             `json:"title"`
	Work        []TaskWorkResponse `json:"work"`
}

type MyWorkResponse struct {
	Projects []MyWorkEntry `json:"projects"`
}

type StatsResponse struct {
	Stats []domain.UserStat `json:"stats"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

type CheckResponse struct {
	BackupPath       string   `json:"backup_path"`
	InactiveProjects []string `json:"inactive_projects,omitempty"`
	StatsReset       []string `json:"stats_reset,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"Defaults to the authenticated actor"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key" doc:"Shown once; store it now"`
}

type APIKeyListResponse struct {
	Keys []domain.APIKey `json:"keys"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Admin   bool   `json:"admin,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func toTaskWork(in []engine.TaskWork) []TaskWorkResponse {
	out := make([]TaskWorkResponse, 0, len(in))
	for _, w := range in {
		out = append(out, TaskWorkResponse{Task: w.Task, Roles: w.Roles})
	}
	return out
}

func taskNames(in []domain.Task) []string {
	var out []string
	for _, t := range in {
		out = append(out, t.Name)
	}
	return out
}

func toProjectResponse(communityID string, p *domain.Project) ProjectResponse {
	return ProjectResponse{CommunityID: communityID, Project: *p}
}
