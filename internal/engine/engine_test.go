package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scanline/internal/config"
	"scanline/internal/db"
	"scanline/internal/domain"
	"scanline/internal/engine"
	"scanline/internal/engine/auth"
	"scanline/internal/migrate"
	"scanline/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Store  *store.Store
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Data.Dir = filepath.Join(dir, "data")
	cfg.Data.BackupDir = filepath.Join(dir, "backup")
	st, err := store.Open(store.Config{Dir: cfg.Data.Dir, BackupDir: cfg.Data.BackupDir})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	eng := engine.New(st, conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC) }
	eng.Sinks = nil
	return testEnv{Engine: eng, Store: st, Ctx: context.Background()}
}

// seedProject builds the standard four-stage pipeline: Clean moves to index
// 2, u1 cleans and edits, with one chapter queued.
func seedProject(t *testing.T, env testEnv) *domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		CommunityID: "guild-1",
		ID:          "solo-lvl",
		Title:       "Solo Leveling",
		Managers:    []string{"boss"},
		Roles: []domain.Role{
			{Name: "Clean", Users: []string{"u1"}, MovesTo: 2},
			{Name: "Translate", Users: []string{"u2"}, MovesTo: -1},
			{Name: "Check", Users: []string{"u3"}, MovesTo: -1},
			{Name: "Edit", Users: []string{"u1"}, MovesTo: -1},
		},
		Chapters: "1",
		ActorID:  "boss",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestAvailableWorkMovingWindow(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)

	work, err := env.Engine.AvailableWork("guild-1", "solo-lvl", engine.AuthorizationContext{EffectiveUserID: "u1"})
	if err != nil {
		t.Fatalf("available work: %v", err)
	}
	if len(work) != 1 {
		t.Fatalf("expected one task, got %d", len(work))
	}
	// u1 edits at index 3 too, but Edit sits past the moving window and is
	// unreachable until Check completes.
	if len(work[0].Roles) != 1 || work[0].Roles[0] != 0 {
		t.Fatalf("expected roles [0], got %v", work[0].Roles)
	}

	// Translate is inside the window opened by the pending mover.
	work, err = env.Engine.AvailableWork("guild-1", "solo-lvl", engine.AuthorizationContext{EffectiveUserID: "u2"})
	if err != nil {
		t.Fatalf("available work: %v", err)
	}
	if len(work) != 1 || len(work[0].Roles) != 1 || work[0].Roles[0] != 1 {
		t.Fatalf("expected u2 roles [1], got %v", work)
	}

	// u3 holds Check, the mover's target: blocked until Clean is done.
	work, err = env.Engine.AvailableWork("guild-1", "solo-lvl", engine.AuthorizationContext{EffectiveUserID: "u3"})
	if err != nil {
		t.Fatalf("available work: %v", err)
	}
	if len(work) != 0 {
		t.Fatalf("expected no work for u3, got %v", work)
	}
}

func TestAvailableWorkPublishSlot(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	for i := range p.Tasks[0].Completion {
		p.Tasks[0].Completion[i] = true
	}

	work, err := env.Engine.AvailableWork("guild-1", "solo-lvl", engine.AuthorizationContext{EffectiveUserID: "boss"})
	if err != nil {
		t.Fatalf("available work: %v", err)
	}
	if len(work) != 1 || len(work[0].Roles) != 1 || work[0].Roles[0] != 4 {
		t.Fatalf("expected publish slot [4] for manager, got %v", work)
	}

	work, err = env.Engine.AvailableWork("guild-1", "solo-lvl", engine.AuthorizationContext{EffectiveUserID: "u2"})
	if err != nil {
		t.Fatalf("available work: %v", err)
	}
	if len(work) != 0 {
		t.Fatalf("publish slot must not surface to assignees, got %v", work)
	}
}

func TestMarkDoneProgressAndIdempotence(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)

	res, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1")
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if res.DoneCount != 1 || len(res.Updated) != 1 || len(res.FullyCompleted) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Updated[0].Completion[0] {
		t.Fatalf("expected role 0 completed")
	}

	// Same call again: the flag is already set, nothing to report.
	res, err = env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1")
	if err != nil {
		t.Fatalf("mark done again: %v", err)
	}
	if res.DoneCount != 0 || len(res.Updated) != 0 || len(res.FullyCompleted) != 0 {
		t.Fatalf("expected idempotent no-op, got %+v", res)
	}
}

func TestMarkDoneSkipsUnknownNames(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)

	res, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"99", "1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1")
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if res.DoneCount != 1 {
		t.Fatalf("expected the known chapter to count, got %+v", res)
	}
}

func TestMarkDonePublishPopsTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		CommunityID: "guild-1",
		ID:          "oneshot",
		Title:       "Oneshot",
		Managers:    []string{"boss"},
		Roles:       []domain.Role{{Name: "Typeset", Users: []string{"u1"}, MovesTo: -1}},
		Chapters:    "1",
		ActorID:     "boss",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := env.Engine.MarkDone(env.Ctx, "guild-1", "oneshot", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1"); err != nil {
		t.Fatalf("complete role: %v", err)
	}

	res, err := env.Engine.MarkDone(env.Ctx, "guild-1", "oneshot", []string{"1"}, 1,
		engine.AuthorizationContext{EffectiveUserID: "boss"}, "boss")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.DoneCount != 0 {
		t.Fatalf("publishing must not count as doing a role, got %d", res.DoneCount)
	}
	p, err := env.Engine.GetProject("guild-1", "oneshot")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if len(p.Tasks) != 0 {
		t.Fatalf("expected task popped, got %d tasks", len(p.Tasks))
	}
	if p.LastCompleted != "1" {
		t.Fatalf("expected last completed 1, got %q", p.LastCompleted)
	}
}

func TestMarkDonePublishRequiresFullCompletion(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)

	res, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 4,
		engine.AuthorizationContext{EffectiveUserID: "boss"}, "boss")
	if err != nil {
		t.Fatalf("publish attempt: %v", err)
	}
	if res.DoneCount != 0 {
		t.Fatalf("unexpected count: %+v", res)
	}
	p, _ := env.Engine.GetProject("guild-1", "solo-lvl")
	if len(p.Tasks) != 1 {
		t.Fatalf("incomplete task must stay, got %d tasks", len(p.Tasks))
	}
}

func TestAutoContinuation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		CommunityID:  "guild-1",
		ID:           "weekly",
		Title:        "Weekly Series",
		Managers:     []string{"boss"},
		AutoContinue: true,
		Roles:        []domain.Role{{Name: "Typeset", Users: []string{"u1"}, MovesTo: -1}},
		Chapters:     "5.5",
		ActorID:      "boss",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	res, err := env.Engine.MarkDone(env.Ctx, "guild-1", "weekly", []string{"5.5"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1")
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if len(res.FullyCompleted) != 1 || res.FullyCompleted[0].Name != "5.5" {
		t.Fatalf("expected 5.5 fully completed, got %+v", res)
	}
	if len(res.Updated) != 1 || res.Updated[0].Name != "6.5" {
		t.Fatalf("expected synthesized 6.5 in updated, got %+v", res.Updated)
	}
	p, _ := env.Engine.GetProject("guild-1", "weekly")
	if len(p.Tasks) != 2 || p.Tasks[1].Name != "6.5" {
		t.Fatalf("expected appended chapter 6.5, got %+v", p.Tasks)
	}
	if p.Tasks[1].Completion[0] {
		t.Fatalf("new chapter must start all-false")
	}
}

func TestMarkDoneRequiresAssignment(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)

	_, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u2"}, "u2")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// The manager may mark any role.
	if _, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "boss"}, "boss"); err != nil {
		t.Fatalf("manager override: %v", err)
	}
}

func TestChapterAddRemove(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		CommunityID: "guild-1",
		ID:          "batch",
		Title:       "Batch",
		Managers:    []string{"boss"},
		Roles:       []domain.Role{{Name: "Clean", MovesTo: -1}},
		ActorID:     "boss",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	added, err := env.Engine.AddChapters(env.Ctx, "guild-1", "batch", "1-3,5", "boss")
	if err != nil {
		t.Fatalf("add chapters: %v", err)
	}
	if len(added) != 4 {
		t.Fatalf("expected 4 chapters, got %d", len(added))
	}
	if _, err := env.Engine.RemoveChapters(env.Ctx, "guild-1", "batch", "2", "boss"); err != nil {
		t.Fatalf("remove chapters: %v", err)
	}
	p, _ := env.Engine.GetProject("guild-1", "batch")
	var names []string
	for _, task := range p.Tasks {
		names = append(names, task.Name)
	}
	want := []string{"1", "3", "5"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestChapterSpecErrors(t *testing.T) {
	if _, err := engine.ParseChapterSpec("3-1"); err == nil {
		t.Fatalf("expected backwards range error")
	}
	if _, err := engine.ParseChapterSpec("1-500"); err == nil {
		t.Fatalf("expected batch cap error")
	}
	if _, err := engine.ParseChapterSpec("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
	names, err := engine.ParseChapterSpec("1-2,5.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(names) != 3 || names[2] != "5.5" {
		t.Fatalf("expected [1 2 5.5], got %v", names)
	}
}

func TestRemoveRoleMigratesCompletion(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)
	if _, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1"); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	if err := env.Engine.RemoveRole(env.Ctx, "guild-1", "solo-lvl", 1, "boss"); err != nil {
		t.Fatalf("remove role: %v", err)
	}
	p, _ := env.Engine.GetProject("guild-1", "solo-lvl")
	if len(p.Roles) != 3 {
		t.Fatalf("expected 3 roles, got %d", len(p.Roles))
	}
	// Clean's pointer to old index 2 shifts down with the removal.
	if p.Roles[0].MovesTo != 1 {
		t.Fatalf("expected remapped target 1, got %d", p.Roles[0].MovesTo)
	}
	got := p.Tasks[0].Completion
	if len(got) != 3 || !got[0] || got[1] || got[2] {
		t.Fatalf("expected completion [true false false], got %v", got)
	}
}

func TestMoveRolePermutesCompletion(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)
	if _, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1"); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	if err := env.Engine.MoveRole(env.Ctx, "guild-1", "solo-lvl", 0, 2, "boss"); err != nil {
		t.Fatalf("move role: %v", err)
	}
	p, _ := env.Engine.GetProject("guild-1", "solo-lvl")
	if p.Roles[2].Name != "Clean" {
		t.Fatalf("expected Clean at index 2, got %s", p.Roles[2].Name)
	}
	// The move turned Clean's forward pointer backward, so it resets.
	if p.Roles[2].MovesTo != -1 {
		t.Fatalf("expected cleared target, got %d", p.Roles[2].MovesTo)
	}
	got := p.Tasks[0].Completion
	if got[0] || got[1] || !got[2] || got[3] {
		t.Fatalf("expected completion [false false true false], got %v", got)
	}
}

func TestSetMovingValidation(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)

	err := env.Engine.SetRoleMoving(env.Ctx, "guild-1", "solo-lvl", 1, 1, "boss")
	if !errors.Is(err, engine.ErrInvalidRoleReference) {
		t.Fatalf("expected invalid reference for non-forward target, got %v", err)
	}
	err = env.Engine.SetRoleMoving(env.Ctx, "guild-1", "solo-lvl", 1, 5, "boss")
	if !errors.Is(err, engine.ErrInvalidRoleReference) {
		t.Fatalf("expected invalid reference past the publish slot, got %v", err)
	}
	// The publish slot itself is a legal target.
	if err := env.Engine.SetRoleMoving(env.Ctx, "guild-1", "solo-lvl", 1, 4, "boss"); err != nil {
		t.Fatalf("target at chain length: %v", err)
	}
	if err := env.Engine.SetRoleMoving(env.Ctx, "guild-1", "solo-lvl", 1, -1, "boss"); err != nil {
		t.Fatalf("clear target: %v", err)
	}
}

func TestMembershipLinksFollowAssignment(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)

	if len(env.Store.Works("u2")) != 1 {
		t.Fatalf("expected membership link for u2")
	}
	works, err := env.Engine.Repo.ListWorks(env.Ctx, "u2")
	if err != nil || len(works) != 1 {
		t.Fatalf("expected works index row for u2: %v %v", works, err)
	}

	if err := env.Engine.Unassign(env.Ctx, "guild-1", "solo-lvl", "Translate", "u2", "boss"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if len(env.Store.Works("u2")) != 0 {
		t.Fatalf("expected link removed after losing the last role")
	}
	works, err = env.Engine.Repo.ListWorks(env.Ctx, "u2")
	if err != nil || len(works) != 0 {
		t.Fatalf("expected works index cleared: %v %v", works, err)
	}

	// u1 keeps Edit after losing Clean, so the link stays.
	if err := env.Engine.Unassign(env.Ctx, "guild-1", "solo-lvl", "Clean", "u1", "boss"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if len(env.Store.Works("u1")) != 1 {
		t.Fatalf("expected u1 link kept while Edit remains")
	}
}

func TestStatsIncrementOnMarkDone(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)
	if _, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1"); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	stats, err := env.Engine.Stats(env.Ctx, "guild-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 1 || stats[0].UserID != "u1" || stats[0].ChaptersDone != 1 {
		t.Fatalf("expected u1 with 1 chapter, got %+v", stats)
	}
}

func TestDailyCheckInactivityOneShot(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	p.LastActionAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	res, err := env.Engine.DailyCheck(env.Ctx, "system")
	if err != nil {
		t.Fatalf("daily check: %v", err)
	}
	if len(res.InactiveProjects) != 1 || res.InactiveProjects[0] != "guild-1/solo-lvl" {
		t.Fatalf("expected inactivity notice, got %+v", res)
	}
	if res.BackupPath == "" {
		t.Fatalf("expected backup path")
	}
	if _, err := os.Stat(res.BackupPath); err != nil {
		t.Fatalf("backup dir missing: %v", err)
	}

	// The notice is one-shot until a completion resets the flag.
	res, err = env.Engine.DailyCheck(env.Ctx, "system")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if len(res.InactiveProjects) != 0 {
		t.Fatalf("expected no repeat notice, got %+v", res)
	}

	if _, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1"); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	got, _ := env.Engine.GetProject("guild-1", "solo-lvl")
	if got.InactivityNotified {
		t.Fatalf("completion must reset the inactivity flag")
	}
}

func TestProjectFromTemplate(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.SaveTemplate(env.Ctx, "guild-1", domain.Template{
		Name: "standard",
		Roles: []domain.Role{
			{Name: "Clean", MovesTo: 2},
			{Name: "Translate", MovesTo: -1},
			{Name: "Check", MovesTo: -1},
		},
	}, "boss")
	if err != nil {
		t.Fatalf("save template: %v", err)
	}
	p, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{
		CommunityID: "guild-1",
		ID:          "from-tpl",
		Title:       "From Template",
		Managers:    []string{"boss"},
		Template:    "standard",
		Chapters:    "1-2",
		ActorID:     "boss",
	})
	if err != nil {
		t.Fatalf("create from template: %v", err)
	}
	if len(p.Roles) != 3 || p.Roles[0].MovesTo != 2 {
		t.Fatalf("expected template chain, got %+v", p.Roles)
	}
	if len(p.Tasks) != 2 || len(p.Tasks[0].Completion) != 3 {
		t.Fatalf("expected sized completion arrays, got %+v", p.Tasks)
	}
}

func TestEventsJournaled(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env)
	if _, err := env.Engine.MarkDone(env.Ctx, "guild-1", "solo-lvl", []string{"1"}, 0,
		engine.AuthorizationContext{EffectiveUserID: "u1"}, "u1"); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	evts, err := env.Engine.Log(env.Ctx, 10, "guild-1", "", "")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(evts) < 2 {
		t.Fatalf("expected create + done events, got %d", len(evts))
	}
	if evts[0].Type != "task.done" {
		t.Fatalf("expected newest event task.done, got %s", evts[0].Type)
	}
}
