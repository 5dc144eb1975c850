package notify_test

import (
	"reflect"
	"testing"

	"scanline/internal/domain"
	"scanline/internal/notify"
)

func pipeline() *domain.Project {
	return &domain.Project{
		ID:       "solo-lvl",
		Title:    "Solo Leveling",
		Notify:   domain.NotifyChannel,
		Managers: []string{"boss"},
		Roles: []domain.Role{
			{Name: "Clean", Users: []string{"u1"}, MovesTo: 2},
			{Name: "Translate", Users: []string{"u2"}, MovesTo: -1},
			{Name: "Check", Users: []string{"u3"}, MovesTo: -1},
		},
	}
}

func TestPlanProjectCreatedAggregatesRoles(t *testing.T) {
	p := pipeline()
	p.Roles[2].Users = append(p.Roles[2].Users, "u1")

	envs := notify.PlanProjectCreated("guild-1", p)
	if len(envs) != 4 {
		t.Fatalf("expected one envelope per member, got %d", len(envs))
	}
	byUser := make(map[string][]string)
	for _, env := range envs {
		if env.Intent != notify.IntentAssigned {
			t.Fatalf("unexpected intent %s", env.Intent)
		}
		if len(env.Recipients) != 1 {
			t.Fatalf("expected single recipient, got %v", env.Recipients)
		}
		byUser[env.Recipients[0]] = env.Payload["roles"].([]string)
	}
	if !reflect.DeepEqual(byUser["u1"], []string{"Clean", "Check"}) {
		t.Fatalf("expected u1 roles aggregated, got %v", byUser["u1"])
	}
	if !reflect.DeepEqual(byUser["boss"], []string{domain.ManagerRoleName}) {
		t.Fatalf("expected manager pseudo-role, got %v", byUser["boss"])
	}
}

func TestPlanProjectUpdatedMembershipRemoval(t *testing.T) {
	old := pipeline()
	updated := pipeline()
	updated.Roles[1].Users = nil

	envs, changes := notify.PlanProjectUpdated("guild-1", old, updated)
	if len(envs) != 1 {
		t.Fatalf("expected one envelope, got %d", len(envs))
	}
	env := envs[0]
	if env.Intent != notify.IntentRolesChanged || !reflect.DeepEqual(env.Recipients, []string{"u2"}) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if !reflect.DeepEqual(env.Payload["removed"], []string{"Translate"}) {
		t.Fatalf("expected Translate removed, got %v", env.Payload)
	}
	if len(changes) != 1 || changes[0].UserID != "u2" || !changes[0].Removed {
		t.Fatalf("expected membership removal for u2, got %+v", changes)
	}
}

func TestPlanProjectUpdatedKeepsMemberWithRemainingRole(t *testing.T) {
	old := pipeline()
	old.Roles[2].Users = append(old.Roles[2].Users, "u1")
	updated := pipeline()
	updated.Roles[2].Users = append(updated.Roles[2].Users, "u1")
	updated.Roles[0].Users = nil

	envs, changes := notify.PlanProjectUpdated("guild-1", old, updated)
	if len(envs) != 1 || !reflect.DeepEqual(envs[0].Recipients, []string{"u1"}) {
		t.Fatalf("expected one envelope for u1, got %+v", envs)
	}
	if len(changes) != 0 {
		t.Fatalf("u1 still checks, no membership change expected, got %+v", changes)
	}
}

func TestPlanProjectUpdatedFirstAssignmentAddsLink(t *testing.T) {
	old := pipeline()
	updated := pipeline()
	updated.Roles[1].Users = append(updated.Roles[1].Users, "u4")

	envs, changes := notify.PlanProjectUpdated("guild-1", old, updated)
	if len(envs) != 1 || !reflect.DeepEqual(envs[0].Payload["added"], []string{"Translate"}) {
		t.Fatalf("expected added Translate for u4, got %+v", envs)
	}
	if len(changes) != 1 || changes[0].UserID != "u4" || changes[0].Removed {
		t.Fatalf("expected membership add for u4, got %+v", changes)
	}
}

func TestPlanTasksTransitionGroupsByOpenRoles(t *testing.T) {
	p := pipeline()
	updated := []domain.Task{
		{ID: "a", Name: "1", Completion: []bool{true, false, false}},
		{ID: "b", Name: "2", Completion: []bool{true, false, false}},
	}

	envs := notify.PlanTasksTransition("guild-1", p, nil, updated)
	if len(envs) != 1 {
		t.Fatalf("identical open-role sets must merge, got %d envelopes", len(envs))
	}
	env := envs[0]
	if env.Intent != notify.IntentWorkAvailable {
		t.Fatalf("unexpected intent %s", env.Intent)
	}
	// Clean done, its window closed: Translate alone is open and Check waits.
	if !reflect.DeepEqual(env.Recipients, []string{"u2"}) {
		t.Fatalf("expected translate assignees, got %v", env.Recipients)
	}
	if env.Payload["chapters"] != "1 to 2" {
		t.Fatalf("expected chapter range, got %v", env.Payload["chapters"])
	}
}

func TestPlanTasksTransitionPublishReady(t *testing.T) {
	p := pipeline()
	fully := []domain.Task{{ID: "a", Name: "3", Completion: []bool{true, true, true}}}

	envs := notify.PlanTasksTransition("guild-1", p, fully, nil)
	if len(envs) != 1 {
		t.Fatalf("expected one envelope, got %d", len(envs))
	}
	env := envs[0]
	if env.Intent != notify.IntentPublishReady || !reflect.DeepEqual(env.Recipients, []string{"boss"}) {
		t.Fatalf("expected publish notice to managers, got %+v", env)
	}
	if env.Payload["chapters"] != "3" {
		t.Fatalf("expected single chapter name, got %v", env.Payload["chapters"])
	}
}

func TestPlanTasksTransitionNewTasksWindow(t *testing.T) {
	p := pipeline()
	fresh := []domain.Task{{ID: "a", Name: "4", Completion: []bool{false, false, false}}}

	envs := notify.PlanTasksTransition("guild-1", p, nil, fresh)
	// Clean is moving, Translate is the first non-moving stage: the initial
	// window ends there and Check hears nothing.
	if len(envs) != 2 {
		t.Fatalf("expected two envelopes, got %d", len(envs))
	}
	if envs[0].Payload["role"] != "Clean" || !reflect.DeepEqual(envs[0].Recipients, []string{"u1"}) {
		t.Fatalf("unexpected first envelope %+v", envs[0])
	}
	if envs[1].Payload["role"] != "Translate" || !reflect.DeepEqual(envs[1].Recipients, []string{"u2"}) {
		t.Fatalf("unexpected second envelope %+v", envs[1])
	}
}

func TestPlanInactivity(t *testing.T) {
	p := pipeline()
	envs := notify.PlanInactivity("guild-1", p, 7)
	if len(envs) != 1 || envs[0].Intent != notify.IntentInactive {
		t.Fatalf("expected one inactivity notice, got %+v", envs)
	}
	if !reflect.DeepEqual(envs[0].Recipients, []string{"boss"}) {
		t.Fatalf("expected managers, got %v", envs[0].Recipients)
	}

	p.Managers = nil
	if envs := notify.PlanInactivity("guild-1", p, 7); envs != nil {
		t.Fatalf("no managers, no notice, got %+v", envs)
	}
}
