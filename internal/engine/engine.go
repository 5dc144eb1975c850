package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"scanline/internal/config"
	"scanline/internal/domain"
	"scanline/internal/engine/auth"
	"scanline/internal/events"
	"scanline/internal/notify"
	"scanline/internal/repo"
	"scanline/internal/store"
)

// Engine owns every mutation of project state. Canonical state lives in the
// flat-file Store; the sqlite side index (membership, stats, api keys, the
// event journal) is derived and updated best-effort after the Store write.
// DB may be nil, which disables the side index entirely.
type Engine struct {
	Store  *store.Store
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Sinks  []notify.Delivery
	Now    func() time.Time
}

func New(st *store.Store, db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		Store:  st,
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Sinks = []notify.Delivery{notify.LogSink{}}
	if cfg != nil {
		for _, wh := range cfg.Notify.Webhooks {
			if wh.Enabled == nil || *wh.Enabled {
				e.Sinks = append(e.Sinks, notify.NewWebhookSink(wh.URL))
			}
		}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) dispatch(ctx context.Context, envs []notify.Envelope) {
	notify.Dispatch(ctx, e.Sinks, envs)
}

// journal is best-effort: the canonical mutation already happened.
func (e Engine) journal(ctx context.Context, evtType, communityID, projectID, entityKind, entityID, actorID string, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	if err := e.Events.Append(ctx, evtType, communityID, projectID, entityKind, entityID, actorID, payload); err != nil {
		log.Printf("events: append %s: %v", evtType, err)
	}
}

func (e Engine) resolveProject(communityID, projectID string) (*domain.Project, error) {
	c, ok := e.Store.Communities[communityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownProject, communityID, projectID)
	}
	p, ok := c.Project(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownProject, communityID, projectID)
	}
	return p, nil
}

func cloneProject(p *domain.Project) *domain.Project {
	data, _ := json.Marshal(p)
	out := &domain.Project{}
	_ = json.Unmarshal(data, out)
	return out
}

// syncMembership applies the planner's link decisions to the flat-file index
// and mirrors them into the sqlite works table.
func (e Engine) syncMembership(ctx context.Context, communityID, projectID string, changes []notify.MembershipChange) {
	for _, ch := range changes {
		w := domain.Work{UserID: ch.UserID, CommunityID: communityID, ProjectID: projectID}
		if ch.Removed {
			e.Store.RemoveWork(w.UserID, communityID, projectID)
		} else {
			e.Store.AddWork(w)
		}
		if e.DB == nil {
			continue
		}
		var err error
		if ch.Removed {
			err = e.Repo.DeleteWork(ctx, w.UserID, communityID, projectID)
		} else {
			err = e.Repo.UpsertWork(ctx, w)
		}
		if err != nil {
			log.Printf("works: sync %s: %v", w.UserID, err)
		}
	}
}

// CreateProjectOptions are parameters for creating a project. Template, when
// set, names a community template supplying the role chain; explicit Roles
// win over it.
type CreateProjectOptions struct {
	CommunityID  string
	ID           string
	Title        string
	Description  string
	ImageLink    string
	ChannelID    string
	Links        []domain.Link
	Notify       domain.NotifyMode
	AutoContinue bool
	Managers     []string
	Roles        []domain.Role
	Template     string
	Chapters     string
	ActorID      string
}

func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (*domain.Project, error) {
	if opts.Title == "" {
		return nil, errors.New("title is required")
	}
	if opts.CommunityID == "" {
		return nil, errors.New("community is required")
	}
	c := e.Store.Community(opts.CommunityID)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := c.Project(id); exists {
		return nil, fmt.Errorf("project %s already exists", id)
	}

	roles := opts.Roles
	if len(roles) == 0 && opts.Template != "" {
		tpl, ok := findTemplate(c, opts.Template)
		if !ok {
			return nil, fmt.Errorf("template %s not found", opts.Template)
		}
		roles = cloneRoles(tpl.Roles)
	}
	mode := opts.Notify
	if mode == "" {
		mode = domain.NotifyChannel
	}
	p := &domain.Project{
		ID:           id,
		Title:        opts.Title,
		Description:  opts.Description,
		ImageLink:    opts.ImageLink,
		ChannelID:    opts.ChannelID,
		Links:        opts.Links,
		Notify:       mode,
		AutoContinue: opts.AutoContinue,
		Managers:     append([]string(nil), opts.Managers...),
		Roles:        roles,
		LastActionAt: e.now().UTC().Format(time.RFC3339),
	}
	for i := range p.Roles {
		if p.Roles[i].MovesTo == 0 {
			p.Roles[i].MovesTo = -1
		}
		if p.Roles[i].MovesTo != -1 {
			if err := setMoving(p, i, p.Roles[i].MovesTo); err != nil {
				return nil, err
			}
		}
	}
	if opts.Chapters != "" {
		if _, err := addChapters(p, opts.Chapters); err != nil {
			return nil, err
		}
	}

	c.Projects[p.ID] = p
	if err := e.Store.Save(); err != nil {
		delete(c.Projects, p.ID)
		return nil, err
	}

	var changes []notify.MembershipChange
	for _, u := range p.Members() {
		changes = append(changes, notify.MembershipChange{UserID: u})
	}
	e.syncMembership(ctx, opts.CommunityID, p.ID, changes)
	e.journal(ctx, "project.create", opts.CommunityID, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"title": p.Title})
	e.dispatch(ctx, notify.PlanProjectCreated(opts.CommunityID, p))
	return p, nil
}

// UpdateProjectOptions carries metadata changes; nil fields stay untouched.
type UpdateProjectOptions struct {
	CommunityID  string
	ProjectID    string
	Title        *string
	Description  *string
	ImageLink    *string
	ChannelID    *string
	Links        []domain.Link
	Notify       *domain.NotifyMode
	AutoContinue *bool
	ActorID      string
}

func (e Engine) UpdateProject(ctx context.Context, opts UpdateProjectOptions) (*domain.Project, error) {
	p, err := e.resolveProject(opts.CommunityID, opts.ProjectID)
	if err != nil {
		return nil, err
	}
	if opts.Title != nil {
		p.Title = *opts.Title
	}
	if opts.Description != nil {
		p.Description = *opts.Description
	}
	if opts.ImageLink != nil {
		p.ImageLink = *opts.ImageLink
	}
	if opts.ChannelID != nil {
		p.ChannelID = *opts.ChannelID
	}
	if opts.Links != nil {
		p.Links = opts.Links
	}
	if opts.Notify != nil {
		if *opts.Notify != domain.NotifyChannel && *opts.Notify != domain.NotifyDM {
			return nil, fmt.Errorf("bad notify mode %q", *opts.Notify)
		}
		p.Notify = *opts.Notify
	}
	if opts.AutoContinue != nil {
		p.AutoContinue = *opts.AutoContinue
	}
	if err := e.Store.Save(); err != nil {
		return nil, err
	}
	e.journal(ctx, "project.update", opts.CommunityID, p.ID, "project", p.ID, opts.ActorID, nil)
	return p, nil
}

func (e Engine) DeleteProject(ctx context.Context, communityID, projectID, actorID string) error {
	c, ok := e.Store.Communities[communityID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownProject, communityID, projectID)
	}
	p, ok := c.Project(projectID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownProject, communityID, projectID)
	}
	members := p.Members()
	delete(c.Projects, projectID)
	if err := e.Store.Save(); err != nil {
		c.Projects[projectID] = p
		return err
	}
	for _, u := range members {
		e.Store.RemoveWork(u, communityID, projectID)
	}
	if e.DB != nil {
		if err := e.Repo.DeleteProjectWorks(ctx, communityID, projectID); err != nil {
			log.Printf("works: delete project %s: %v", projectID, err)
		}
	}
	e.journal(ctx, "project.delete", communityID, projectID, "project", projectID, actorID, nil)
	e.dispatch(ctx, notify.PlanProjectDeleted(communityID, p))
	return nil
}

func (e Engine) GetProject(communityID, projectID string) (*domain.Project, error) {
	return e.resolveProject(communityID, projectID)
}

// ListProjects respects the community's visibility flag: a team-only
// community lists a project only to its members. An empty userID is the
// administrative view and sees everything.
func (e Engine) ListProjects(communityID, userID string) []*domain.Project {
	c, ok := e.Store.Communities[communityID]
	if !ok {
		return nil
	}
	var out []*domain.Project
	for _, p := range c.Projects {
		if !c.Visibility && userID != "" && !p.IsMember(userID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// mutateMembership is the shared tail of every assignment change: diff the
// snapshots, save, sync links, journal, notify.
func (e Engine) mutateMembership(ctx context.Context, communityID string, old, p *domain.Project, evtType, entityID, actorID string) error {
	if err := e.Store.Save(); err != nil {
		return err
	}
	envs, changes := notify.PlanProjectUpdated(communityID, old, p)
	e.syncMembership(ctx, communityID, p.ID, changes)
	e.journal(ctx, evtType, communityID, p.ID, "assignment", entityID, actorID, nil)
	e.dispatch(ctx, envs)
	return nil
}

func (e Engine) Assign(ctx context.Context, communityID, projectID, roleName, userID, actorID string) error {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return err
	}
	idx := roleIndexByName(p, roleName)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRole, roleName)
	}
	old := cloneProject(p)
	p.Roles[idx].AddUser(userID)
	return e.mutateMembership(ctx, communityID, old, p, "role.assign", userID, actorID)
}

func (e Engine) Unassign(ctx context.Context, communityID, projectID, roleName, userID, actorID string) error {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return err
	}
	idx := roleIndexByName(p, roleName)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRole, roleName)
	}
	old := cloneProject(p)
	p.Roles[idx].RemoveUser(userID)
	return e.mutateMembership(ctx, communityID, old, p, "role.unassign", userID, actorID)
}

func (e Engine) AddManager(ctx context.Context, communityID, projectID, userID, actorID string) error {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return err
	}
	if p.IsManager(userID) {
		return nil
	}
	old := cloneProject(p)
	p.Managers = append(p.Managers, userID)
	return e.mutateMembership(ctx, communityID, old, p, "manager.add", userID, actorID)
}

func (e Engine) RemoveManager(ctx context.Context, communityID, projectID, userID, actorID string) error {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return err
	}
	if !p.IsManager(userID) {
		return nil
	}
	old := cloneProject(p)
	for i, m := range p.Managers {
		if m == userID {
			p.Managers = append(p.Managers[:i], p.Managers[i+1:]...)
			break
		}
	}
	return e.mutateMembership(ctx, communityID, old, p, "manager.remove", userID, actorID)
}

func (e Engine) AppendRole(ctx context.Context, communityID, projectID, name, actorID string) (int, error) {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return 0, err
	}
	idx, err := appendRole(p, name)
	if err != nil {
		return 0, err
	}
	if err := e.Store.Save(); err != nil {
		return 0, err
	}
	e.journal(ctx, "role.append", communityID, p.ID, "role", name, actorID, events.EventPayload{"index": idx})
	return idx, nil
}

func (e Engine) SetRoleMoving(ctx context.Context, communityID, projectID string, roleIndex, target int, actorID string) error {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return err
	}
	if err := setMoving(p, roleIndex, target); err != nil {
		return err
	}
	if err := e.Store.Save(); err != nil {
		return err
	}
	e.journal(ctx, "role.moving", communityID, p.ID, "role", p.Roles[roleIndex].Name, actorID, events.EventPayload{"target": target})
	return nil
}

// RemoveRole drops a chain stage. Assignments vanish with the role, so the
// membership diff runs like any other assignment change.
func (e Engine) RemoveRole(ctx context.Context, communityID, projectID string, roleIndex int, actorID string) error {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return err
	}
	if roleIndex < 0 || roleIndex >= len(p.Roles) {
		return fmt.Errorf("%w: role %d", ErrInvalidRoleReference, roleIndex)
	}
	old := cloneProject(p)
	name := p.Roles[roleIndex].Name
	if err := removeRole(p, roleIndex); err != nil {
		return err
	}
	return e.mutateMembership(ctx, communityID, old, p, "role.remove", name, actorID)
}

func (e Engine) MoveRole(ctx context.Context, communityID, projectID string, from, to int, actorID string) error {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return err
	}
	if err := moveRole(p, from, to); err != nil {
		return err
	}
	if err := e.Store.Save(); err != nil {
		return err
	}
	e.journal(ctx, "role.move", communityID, p.ID, "role", p.Roles[to].Name, actorID, events.EventPayload{"from": from, "to": to})
	return nil
}

func (e Engine) AddChapters(ctx context.Context, communityID, projectID, spec, actorID string) ([]domain.Task, error) {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return nil, err
	}
	added, err := addChapters(p, spec)
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := e.Store.Save(); err != nil {
		return nil, err
	}
	e.journal(ctx, "chapters.add", communityID, p.ID, "task", spec, actorID, events.EventPayload{"count": len(added)})
	e.dispatch(ctx, notify.PlanTasksTransition(communityID, p, nil, added))
	return added, nil
}

func (e Engine) RemoveChapters(ctx context.Context, communityID, projectID, spec, actorID string) ([]string, error) {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return nil, err
	}
	removed, err := removeChapters(p, spec)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := e.Store.Save(); err != nil {
		return nil, err
	}
	e.journal(ctx, "chapters.remove", communityID, p.ID, "task", spec, actorID, events.EventPayload{"count": len(removed)})
	return removed, nil
}

// MarkDone advances the named chapters at one role index for the effective
// user. State mutates first; stats, journal and notifications follow
// best-effort and never roll it back.
func (e Engine) MarkDone(ctx context.Context, communityID, projectID string, names []string, roleIndex int, authz AuthorizationContext, actorID string) (CompletionResult, error) {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return CompletionResult{}, err
	}
	override := authz.ManagerOverride || p.IsManager(authz.EffectiveUserID)
	if err := auth.RequireRole(p, authz.EffectiveUserID, roleIndex, override); err != nil {
		return CompletionResult{}, err
	}
	res, err := applyMarkDone(p, names, roleIndex, e.now())
	if err != nil {
		return CompletionResult{}, err
	}
	if err := e.Store.Save(); err != nil {
		return CompletionResult{}, err
	}
	if res.DoneCount > 0 && e.DB != nil {
		if err := e.Repo.IncreaseChaptersDone(ctx, communityID, authz.EffectiveUserID, res.DoneCount); err != nil {
			log.Printf("stats: increase %s: %v", authz.EffectiveUserID, err)
		}
	}
	e.journal(ctx, "task.done", communityID, p.ID, "task", "", actorID, events.EventPayload{
		"role_index": roleIndex,
		"done":       res.DoneCount,
		"names":      names,
	})
	e.dispatch(ctx, notify.PlanTasksTransition(communityID, p, res.FullyCompleted, res.Updated))
	return res, nil
}

func (e Engine) AvailableWork(communityID, projectID string, authz AuthorizationContext) ([]TaskWork, error) {
	p, err := e.resolveProject(communityID, projectID)
	if err != nil {
		return nil, err
	}
	return AvailableWork(p, authz), nil
}

// ProjectWork is one entry of the cross-community "my work" view.
type ProjectWork struct {
	CommunityID string
	ProjectID   string
	Title       string
	Work        []TaskWork
}

// MyWork walks the user's membership links and resolves available work in
// each linked project. Stale links (project gone) are skipped.
func (e Engine) MyWork(userID string) []ProjectWork {
	var out []ProjectWork
	for _, w := range e.Store.Works(userID) {
		p, err := e.resolveProject(w.CommunityID, w.ProjectID)
		if err != nil {
			continue
		}
		work := AvailableWork(p, AuthorizationContext{EffectiveUserID: userID})
		if len(work) == 0 {
			continue
		}
		out = append(out, ProjectWork{
			CommunityID: w.CommunityID,
			ProjectID:   w.ProjectID,
			Title:       p.Title,
			Work:        work,
		})
	}
	return out
}

func (e Engine) SetVisibility(ctx context.Context, communityID string, visible bool, actorID string) error {
	c := e.Store.Community(communityID)
	c.Visibility = visible
	if err := e.Store.Save(); err != nil {
		return err
	}
	e.journal(ctx, "community.visibility", communityID, "", "community", communityID, actorID, events.EventPayload{"visible": visible})
	return nil
}

func (e Engine) SaveTemplate(ctx context.Context, communityID string, tpl domain.Template, actorID string) error {
	if tpl.Name == "" {
		return errors.New("template name is required")
	}
	c := e.Store.Community(communityID)
	replaced := false
	for i := range c.Templates {
		if c.Templates[i].Name == tpl.Name {
			c.Templates[i] = tpl
			replaced = true
			break
		}
	}
	if !replaced {
		c.Templates = append(c.Templates, tpl)
	}
	if err := e.Store.Save(); err != nil {
		return err
	}
	e.journal(ctx, "template.save", communityID, "", "template", tpl.Name, actorID, nil)
	return nil
}

func (e Engine) DeleteTemplate(ctx context.Context, communityID, name, actorID string) error {
	c, ok := e.Store.Communities[communityID]
	if !ok {
		return fmt.Errorf("template %s not found", name)
	}
	for i := range c.Templates {
		if c.Templates[i].Name == name {
			c.Templates = append(c.Templates[:i], c.Templates[i+1:]...)
			if err := e.Store.Save(); err != nil {
				return err
			}
			e.journal(ctx, "template.delete", communityID, "", "template", name, actorID, nil)
			return nil
		}
	}
	return fmt.Errorf("template %s not found", name)
}

func (e Engine) ListTemplates(communityID string) []domain.Template {
	c, ok := e.Store.Communities[communityID]
	if !ok {
		return nil
	}
	return c.Templates
}

func (e Engine) Stats(ctx context.Context, communityID string) ([]domain.UserStat, error) {
	if e.DB == nil {
		return nil, nil
	}
	return e.Repo.ListStats(ctx, communityID)
}

// DailyCheckResult summarizes one periodic sweep.
type DailyCheckResult struct {
	BackupPath       string
	InactiveProjects []string
	StatsReset       []string
}

// DailyCheck is the periodic sweep: back up the flat files, send the
// one-shot inactivity notice for projects idle past the configured window,
// and reset the stats counters when their window rolls over.
func (e Engine) DailyCheck(ctx context.Context, actorID string) (DailyCheckResult, error) {
	now := e.now()
	var res DailyCheckResult

	path, err := e.Store.Backup(now)
	if err != nil {
		return res, err
	}
	res.BackupPath = path

	idleDays := 7
	window := config.StatsWindowMonthly
	if e.Config != nil {
		if e.Config.Inactivity.Days > 0 {
			idleDays = e.Config.Inactivity.Days
		}
		if e.Config.Stats.Window != "" {
			window = e.Config.Stats.Window
		}
	}

	changed := false
	communityIDs := make([]string, 0, len(e.Store.Communities))
	for id := range e.Store.Communities {
		communityIDs = append(communityIDs, id)
	}
	sort.Strings(communityIDs)
	for _, cid := range communityIDs {
		c := e.Store.Communities[cid]
		for _, p := range c.Projects {
			if p.InactivityNotified {
				continue
			}
			last, err := time.Parse(time.RFC3339, p.LastActionAt)
			if err != nil {
				continue
			}
			if now.Sub(last) <= time.Duration(idleDays)*24*time.Hour {
				continue
			}
			p.InactivityNotified = true
			changed = true
			res.InactiveProjects = append(res.InactiveProjects, cid+"/"+p.ID)
			e.dispatch(ctx, notify.PlanInactivity(cid, p, idleDays))
		}
		if e.DB == nil {
			continue
		}
		if due, err := e.statsResetDue(ctx, cid, window, now); err != nil {
			log.Printf("stats: last reset %s: %v", cid, err)
		} else if due {
			if err := e.Repo.ResetStats(ctx, cid, window, now); err != nil {
				log.Printf("stats: reset %s: %v", cid, err)
			} else {
				res.StatsReset = append(res.StatsReset, cid)
			}
		}
	}
	if changed {
		if err := e.Store.Save(); err != nil {
			return res, err
		}
	}
	e.journal(ctx, "check.daily", "", "", "system", "", actorID, events.EventPayload{
		"backup":   res.BackupPath,
		"inactive": len(res.InactiveProjects),
	})
	return res, nil
}

func (e Engine) statsResetDue(ctx context.Context, communityID, window string, now time.Time) (bool, error) {
	last, err := e.Repo.StatsLastReset(ctx, communityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// First sweep for this community seeds the window marker.
			return true, nil
		}
		return false, err
	}
	switch window {
	case config.StatsWindowWeekly:
		return now.Sub(last) >= 7*24*time.Hour, nil
	default:
		return now.Year() != last.Year() || now.Month() != last.Month(), nil
	}
}

func (e Engine) Log(ctx context.Context, limit int, communityID, projectID, evtType string) ([]domain.Event, error) {
	if e.DB == nil {
		return nil, nil
	}
	return e.Repo.LatestEvents(ctx, limit, communityID, projectID, evtType)
}

// CreateAPIKey mints a key for non-interactive callers. The plaintext is
// returned exactly once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if e.DB == nil {
		return "", domain.APIKey{}, errors.New("side index database not open")
	}
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor is required")
	}
	plaintext := "slk_" + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	e.journal(ctx, "apikey.create", "", "", "apikey", key.ID, actorID, nil)
	return plaintext, key, nil
}

func findTemplate(c *domain.Community, name string) (domain.Template, bool) {
	for _, t := range c.Templates {
		if t.Name == name {
			return t, true
		}
	}
	return domain.Template{}, false
}

func cloneRoles(roles []domain.Role) []domain.Role {
	out := make([]domain.Role, len(roles))
	for i, r := range roles {
		out[i] = domain.Role{Name: r.Name, Users: append([]string(nil), r.Users...), MovesTo: r.MovesTo}
	}
	return out
}
