package notify

import (
	"sort"
	"strings"

	"scanline/internal/domain"
)

// Intent names the message template an envelope should render with.
// Rendering is the delivery collaborator's concern; the planner only emits
// structured payloads.
type Intent string

const (
	IntentAssigned       Intent = "assigned"
	IntentRolesChanged   Intent = "roles_changed"
	IntentProjectDeleted Intent = "project_deleted"
	IntentPublishReady   Intent = "publish_ready"
	IntentWorkAvailable  Intent = "work_available"
	IntentNewTasks       Intent = "new_tasks"
	IntentInactive       Intent = "inactive"
)

// Envelope is one planned notification. Mode and ChannelID carry the
// project's delivery preference so a sink can choose between one direct
// message per recipient and one combined channel message.
type Envelope struct {
	Recipients  []string          `json:"recipients"`
	Intent      Intent            `json:"intent"`
	CommunityID string            `json:"community_id"`
	ProjectID   string            `json:"project_id"`
	ChannelID   string            `json:"channel_id,omitempty"`
	Mode        domain.NotifyMode `json:"mode"`
	Payload     map[string]any    `json:"payload"`
}

// MembershipChange is the planner's verdict on one user's membership link.
type MembershipChange struct {
	UserID  string
	Removed bool
}

func envelope(communityID string, p *domain.Project, intent Intent, recipients []string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["project"] = p.Title
	return Envelope{
		Recipients:  recipients,
		Intent:      intent,
		CommunityID: communityID,
		ProjectID:   p.ID,
		ChannelID:   p.ChannelID,
		Mode:        p.Notify,
		Payload:     payload,
	}
}

// PlanProjectCreated emits one assigned envelope per member, aggregating all
// of that member's role names (managers get the manager pseudo-role).
func PlanProjectCreated(communityID string, p *domain.Project) []Envelope {
	var out []Envelope
	for _, userID := range p.Members() {
		names := p.RoleNamesFor(userID)
		if len(names) == 0 {
			continue
		}
		out = append(out, envelope(communityID, p, IntentAssigned, []string{userID}, map[string]any{
			"roles": names,
		}))
	}
	return out
}

// PlanProjectUpdated diffs role and manager membership between two project
// snapshots. Each affected user gets one combined envelope naming added and
// removed role names. Users who gained their first assignment get a
// membership-link add; users who lost their last one get a removal.
func PlanProjectUpdated(communityID string, old, updated *domain.Project) ([]Envelope, []MembershipChange) {
	users := make(map[string]bool)
	for _, u := range old.Members() {
		users[u] = true
	}
	for _, u := range updated.Members() {
		users[u] = true
	}

	var (
		out     []Envelope
		changes []MembershipChange
	)
	for _, userID := range sortedKeys(users) {
		before := stringSet(old.RoleNamesFor(userID))
		after := stringSet(updated.RoleNamesFor(userID))
		added := diff(after, before)
		removed := diff(before, after)
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		payload := map[string]any{}
		if len(added) > 0 {
			payload["added"] = added
		}
		if len(removed) > 0 {
			payload["removed"] = removed
		}
		out = append(out, envelope(communityID, updated, IntentRolesChanged, []string{userID}, payload))

		wasMember := len(before) > 0
		isMember := updated.IsMember(userID)
		switch {
		case !wasMember && isMember:
			changes = append(changes, MembershipChange{UserID: userID})
		case wasMember && !isMember:
			changes = append(changes, MembershipChange{UserID: userID, Removed: true})
		}
	}
	return out, changes
}

// PlanProjectDeleted emits one deletion notice to the union of assignees
// and managers.
func PlanProjectDeleted(communityID string, p *domain.Project) []Envelope {
	recipients := p.Members()
	if len(recipients) == 0 {
		return nil
	}
	return []Envelope{envelope(communityID, p, IntentProjectDeleted, recipients, nil)}
}

// PlanTasksTransition fans out a completion batch:
//   - fully completed tasks notify the managers that chapters await publish;
//   - updated tasks are grouped by the set of role names whose window is now
//     open, one envelope per distinct set to the union of those assignees;
//   - brand-new tasks (nothing completed yet) notify each role in the
//     initial work window, stopping after the first non-moving role.
func PlanTasksTransition(communityID string, p *domain.Project, fully, updated []domain.Task) []Envelope {
	var out []Envelope

	if len(fully) > 0 && len(p.Managers) > 0 {
		out = append(out, envelope(communityID, p, IntentPublishReady, append([]string(nil), p.Managers...), map[string]any{
			"chapters": taskRange(fully),
		}))
	}

	var fresh, progressed []domain.Task
	for _, t := range updated {
		if t.IsNew() {
			fresh = append(fresh, t)
		} else {
			progressed = append(progressed, t)
		}
	}

	type group struct {
		roleNames []string
		tasks     []domain.Task
	}
	groups := make(map[string]*group)
	var order []string
	for _, t := range progressed {
		var names []string
		for _, idx := range domain.OpenRoles(p.Roles, t.Completion) {
			names = append(names, p.Roles[idx].Name)
		}
		if len(names) == 0 {
			continue
		}
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		key := strings.Join(sorted, "\x00")
		g, ok := groups[key]
		if !ok {
			g = &group{roleNames: names}
			groups[key] = g
			order = append(order, key)
		}
		g.tasks = append(g.tasks, t)
	}
	for _, key := range order {
		g := groups[key]
		recipients := assigneeUnion(p, g.roleNames)
		if len(recipients) == 0 {
			continue
		}
		out = append(out, envelope(communityID, p, IntentWorkAvailable, recipients, map[string]any{
			"roles":    g.roleNames,
			"chapters": taskRange(g.tasks),
		}))
	}

	if len(fresh) > 0 {
		for i := range p.Roles {
			if len(p.Roles[i].Users) > 0 {
				out = append(out, envelope(communityID, p, IntentNewTasks, append([]string(nil), p.Roles[i].Users...), map[string]any{
					"role":     p.Roles[i].Name,
					"chapters": taskRange(fresh),
				}))
			}
			if p.Roles[i].MovesTo < 0 {
				break
			}
		}
	}
	return out
}

// PlanInactivity emits the one-shot idle notice to the managers.
func PlanInactivity(communityID string, p *domain.Project, idleDays int) []Envelope {
	if len(p.Managers) == 0 {
		return nil
	}
	return []Envelope{envelope(communityID, p, IntentInactive, append([]string(nil), p.Managers...), map[string]any{
		"idle_days": idleDays,
	})}
}

// taskRange renders a chapter batch as "first" or "first to last".
func taskRange(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return ""
	}
	if len(tasks) == 1 {
		return tasks[0].Name
	}
	return tasks[0].Name + " to " + tasks[len(tasks)-1].Name
}

func assigneeUnion(p *domain.Project, roleNames []string) []string {
	wanted := stringSet(roleNames)
	set := make(map[string]bool)
	for _, r := range p.Roles {
		if !wanted[r.Name] {
			continue
		}
		for _, u := range r.Users {
			set[u] = true
		}
	}
	return sortedKeys(set)
}

func stringSet(in []string) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, s := range in {
		set[s] = true
	}
	return set
}

func diff(a, b map[string]bool) []string {
	var out []string
	for s := range a {
		if !b[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
