package domain

import "sort"

// NotifyMode selects how envelopes for a project are delivered: one message
// per recipient in private, or one combined message in the project channel.
type NotifyMode string

const (
	NotifyChannel NotifyMode = "channel"
	NotifyDM      NotifyMode = "dm"
)

// ManagerRoleName is the pseudo-role label used when notifying managers.
const ManagerRoleName = "Project Manager"

type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Role is one production stage. MovesTo is the index of a strictly later
// role when the stage may run in parallel up to that index, or -1 when the
// stage blocks everything after it until completed.
type Role struct {
	Name    string   `json:"name"`
	Users   []string `json:"users"`
	MovesTo int      `json:"moves_to"`
}

func (r Role) HasUser(userID string) bool {
	for _, u := range r.Users {
		if u == userID {
			return true
		}
	}
	return false
}

func (r *Role) AddUser(userID string) {
	if r.HasUser(userID) {
		return
	}
	r.Users = append(r.Users, userID)
}

func (r *Role) RemoveUser(userID string) {
	for i, u := range r.Users {
		if u == userID {
			r.Users = append(r.Users[:i], r.Users[i+1:]...)
			return
		}
	}
}

// Task is one chapter. Completion holds one flag per role index of the
// owning project's chain; its length always equals the chain length outside
// a structural migration. ID is stable across renames, Name is the chapter
// handle users type.
type Task struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Completion []bool `json:"completion"`
}

func (t *Task) InitCompletion(n int) {
	t.Completion = make([]bool, n)
}

func (t Task) AllCompleted() bool {
	for _, done := range t.Completion {
		if !done {
			return false
		}
	}
	return true
}

// IsNew reports whether no role has been completed yet.
func (t Task) IsNew() bool {
	for _, done := range t.Completion {
		if done {
			return false
		}
	}
	return true
}

type Project struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	ImageLink          string     `json:"image_link,omitempty"`
	Links              []Link     `json:"links,omitempty"`
	ChannelID          string     `json:"channel_id,omitempty"`
	Notify             NotifyMode `json:"notify"`
	AutoContinue       bool       `json:"auto_continue"`
	Managers           []string   `json:"managers"`
	Roles              []Role     `json:"roles"`
	Tasks              []Task     `json:"tasks"`
	LastCompleted      string     `json:"last_completed,omitempty"`
	LastActionAt       string     `json:"last_action_at" format:"date-time"`
	InactivityNotified bool       `json:"inactivity_notified"`
}

func (p Project) IsManager(userID string) bool {
	for _, m := range p.Managers {
		if m == userID {
			return true
		}
	}
	return false
}

// IsMember reports whether the user holds any role or manages the project.
// A false result after an update is the membership-link removal signal.
func (p Project) IsMember(userID string) bool {
	if p.IsManager(userID) {
		return true
	}
	for _, r := range p.Roles {
		if r.HasUser(userID) {
			return true
		}
	}
	return false
}

// TaskIndexByName returns the first task with the given name, or -1.
// Names are unique per project in practice but not enforced; first match
// is authoritative.
func (p Project) TaskIndexByName(name string) int {
	for i := range p.Tasks {
		if p.Tasks[i].Name == name {
			return i
		}
	}
	return -1
}

// Members returns the sorted union of all assignees and managers.
func (p Project) Members() []string {
	set := make(map[string]bool)
	for _, r := range p.Roles {
		for _, u := range r.Users {
			set[u] = true
		}
	}
	for _, m := range p.Managers {
		set[m] = true
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// RoleNamesFor lists the role names the user is assigned to, with the
// manager pseudo-role appended last.
func (p Project) RoleNamesFor(userID string) []string {
	var names []string
	for _, r := range p.Roles {
		if r.HasUser(userID) {
			names = append(names, r.Name)
		}
	}
	if p.IsManager(userID) {
		names = append(names, ManagerRoleName)
	}
	return names
}

// OpenRoles scans the chain left to right and returns the incomplete role
// indices whose work window is currently open for the given completion
// state. A moving role keeps scanning alive up to its target: roles between
// a pending moving role and its target stay workable in parallel, the
// target itself blocks until the mover finishes.
func OpenRoles(roles []Role, completion []bool) []int {
	var open []int
	waiting := make(map[int]int)
	for i := range roles {
		if i < len(completion) && completion[i] {
			continue
		}
		if roles[i].MovesTo >= 0 {
			waiting[i] = roles[i].MovesTo
			open = append(open, i)
			continue
		}
		blocked := false
		for _, target := range waiting {
			if target == i {
				blocked = true
				break
			}
		}
		if blocked {
			break
		}
		open = append(open, i)
		if len(waiting) == 0 {
			break
		}
	}
	return open
}

// Template is a reusable role chain stored per community.
type Template struct {
	Name  string `json:"name"`
	Roles []Role `json:"roles"`
}

// Community groups projects and templates under one chat server.
// Visibility false restricts project listing to assigned members.
type Community struct {
	ID         string              `json:"id"`
	Visibility bool                `json:"visibility"`
	Templates  []Template          `json:"templates"`
	Projects   map[string]*Project `json:"projects"`
}

func (c *Community) Project(id string) (*Project, bool) {
	p, ok := c.Projects[id]
	return p, ok
}

// Work is one membership-link index entry: the user has at least one reason
// to see the project.
type Work struct {
	UserID      string `json:"user_id"`
	CommunityID string `json:"community_id"`
	ProjectID   string `json:"project_id"`
}

// APIKey authenticates a non-interactive caller of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one journal entry in the side-index database.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	CommunityID string `json:"community_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// UserStat is one row of the chapters-done leaderboard.
type UserStat struct {
	CommunityID  string `json:"community_id"`
	UserID       string `json:"user_id"`
	ChaptersDone int    `json:"chapters_done"`
}
