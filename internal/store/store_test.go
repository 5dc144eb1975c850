package store_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"scanline/internal/domain"
	"scanline/internal/store"
)

func testConfig(t *testing.T) store.Config {
	t.Helper()
	dir := t.TempDir()
	return store.Config{Dir: filepath.Join(dir, "data"), BackupDir: filepath.Join(dir, "backup")}
}

func seedStore(t *testing.T, s *store.Store) *domain.Project {
	t.Helper()
	c := s.Community("guild-1")
	p := &domain.Project{
		ID:       "solo-lvl",
		Title:    "Solo Leveling",
		Notify:   domain.NotifyChannel,
		Managers: []string{"boss"},
		Roles: []domain.Role{
			{Name: "Clean", Users: []string{"u1"}, MovesTo: 2},
			{Name: "Translate", Users: []string{"u2"}, MovesTo: -1},
			{Name: "Check", Users: []string{"u3"}, MovesTo: -1},
		},
		Tasks: []domain.Task{
			{ID: "t1", Name: "1", Completion: []bool{true, false, false}},
		},
		LastActionAt: "2026-01-20T12:00:00Z",
	}
	c.Projects[p.ID] = p
	s.AddWork(domain.Work{UserID: "u1", CommunityID: "guild-1", ProjectID: "solo-lvl"})
	return p
}

func TestRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedStore(t, s)
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reloaded.Repaired != 0 {
		t.Fatalf("clean data must not trigger repairs, got %d", reloaded.Repaired)
	}
	got, ok := reloaded.Communities["guild-1"].Project("solo-lvl")
	if !ok {
		t.Fatalf("project missing after reload")
	}
	want := s.Communities["guild-1"].Projects["solo-lvl"]
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
	if len(reloaded.Works("u1")) != 1 {
		t.Fatalf("membership link lost on reload")
	}
}

func TestOpenRepairsDriftedState(t *testing.T) {
	cfg := testConfig(t)
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p := seedStore(t, s)
	// Simulate legacy data: a short completion array and a backwards pointer.
	p.Tasks[0].Completion = []bool{true}
	p.Roles[1].MovesTo = 0
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reloaded.Repaired != 1 {
		t.Fatalf("expected one repaired task, got %d", reloaded.Repaired)
	}
	got, _ := reloaded.Communities["guild-1"].Project("solo-lvl")
	c := got.Tasks[0].Completion
	if len(c) != 3 || !c[0] || c[1] || c[2] {
		t.Fatalf("expected padded completion [true false false], got %v", c)
	}
	if got.Roles[1].MovesTo != -1 {
		t.Fatalf("expected backwards pointer reset, got %d", got.Roles[1].MovesTo)
	}
}

func TestSaveRefusesEmptyState(t *testing.T) {
	cfg := testConfig(t)
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Communities = nil
	if err := s.Save(); err != store.ErrEmptyState {
		t.Fatalf("expected ErrEmptyState, got %v", err)
	}
}

func TestBackupWritesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedStore(t, s)

	path, err := s.Backup(time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if filepath.Base(path) != "2026-01-20_12-00-00" {
		t.Fatalf("unexpected backup dir %s", path)
	}
	data, err := os.ReadFile(filepath.Join(path, "communities.json"))
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	var snapshot map[string]*domain.Community
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("parse backup: %v", err)
	}
	if _, ok := snapshot["guild-1"].Project("solo-lvl"); !ok {
		t.Fatalf("project missing from backup")
	}
}

func TestWorkLinks(t *testing.T) {
	cfg := testConfig(t)
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	w := domain.Work{UserID: "u1", CommunityID: "guild-1", ProjectID: "a"}
	s.AddWork(w)
	s.AddWork(w)
	if len(s.Works("u1")) != 1 {
		t.Fatalf("expected deduplicated link, got %v", s.Works("u1"))
	}
	s.AddWork(domain.Work{UserID: "u1", CommunityID: "guild-1", ProjectID: "b"})
	if !s.HasOtherWork("u1", "guild-1", "a") {
		t.Fatalf("expected other work besides project a")
	}
	s.RemoveWork("u1", "guild-1", "b")
	if s.HasOtherWork("u1", "guild-1", "a") {
		t.Fatalf("expected no other work after removal")
	}
	s.RemoveWork("u1", "guild-1", "a")
	if len(s.Works("u1")) != 0 {
		t.Fatalf("expected all links gone")
	}
}
