package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"scanline/internal/config"
	"scanline/internal/db"
	"scanline/internal/engine"
	"scanline/internal/migrate"
	"scanline/internal/server"
	"scanline/internal/store"
)

type testServer struct {
	BaseURL string
	Engine  engine.Engine
}

func newTestServer(t *testing.T) *testServer {
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

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			EnableDevLogin:         true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testServer{
		BaseURL: "http://" + ln.Addr().String(),
		Engine:  eng,
	}
}

// doJSON issues a request with the given actor and decodes the response into
// out when non-nil. Returns the status code.
func (ts *testServer) doJSON(t *testing.T, method, path string, body any, actor string, out any) int {
	t.Helper()
	return ts.doJSONHeaders(t, method, path, body, map[string]string{"X-Actor-Id": actor}, out)
}

func (ts *testServer) doJSONHeaders(t *testing.T, method, path string, body any, headers map[string]string, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.BaseURL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if out != nil && len(data) > 0 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v\n%s", method, path, err, data)
		}
	}
	return resp.StatusCode
}

func createPipeline(t *testing.T, ts *testServer) {
	t.Helper()
	moves := 2
	body := map[string]any{
		"id":    "solo-lvl",
		"title": "Solo Leveling",
		"roles": []map[string]any{
			{"name": "Clean", "users": []string{"u1"}, "moves_to": moves},
			{"name": "Translate", "users": []string{"u2"}},
			{"name": "Check", "users": []string{"u3"}},
		},
		"chapters": "1-2",
	}
	if status := ts.doJSON(t, http.MethodPost, "/v0/communities/guild-1/projects", body, "boss", nil); status != http.StatusCreated {
		t.Fatalf("create project: status %d", status)
	}
}

func TestProjectWorkflow(t *testing.T) {
	ts := newTestServer(t)
	createPipeline(t, ts)

	var project struct {
		CommunityID string `json:"community_id"`
		Title       string `json:"title"`
		Managers    []string
		Roles       []struct {
			Name    string `json:"name"`
			MovesTo int    `json:"moves_to"`
		} `json:"roles"`
		Tasks []struct {
			Name       string `json:"name"`
			Completion []bool `json:"completion"`
		} `json:"tasks"`
	}
	if status := ts.doJSON(t, http.MethodGet, "/v0/communities/guild-1/projects/solo-lvl", nil, "u1", &project); status != http.StatusOK {
		t.Fatalf("get project: status %d", status)
	}
	if project.CommunityID != "guild-1" || len(project.Roles) != 3 || len(project.Tasks) != 2 {
		t.Fatalf("unexpected project %+v", project)
	}
	if project.Roles[0].MovesTo != 2 {
		t.Fatalf("expected moving pointer kept, got %d", project.Roles[0].MovesTo)
	}

	var work struct {
		Work []struct {
			Task struct {
				Name string `json:"name"`
			} `json:"task"`
			Roles []int `json:"roles"`
		} `json:"work"`
	}
	if status := ts.doJSON(t, http.MethodGet, "/v0/communities/guild-1/projects/solo-lvl/work", nil, "u1", &work); status != http.StatusOK {
		t.Fatalf("work: status %d", status)
	}
	if len(work.Work) != 2 || len(work.Work[0].Roles) != 1 || work.Work[0].Roles[0] != 0 {
		t.Fatalf("unexpected work %+v", work)
	}

	var done struct {
		Done    int      `json:"done"`
		Updated []string `json:"updated"`
	}
	body := map[string]any{"names": []string{"1"}, "role_index": 0}
	if status := ts.doJSON(t, http.MethodPost, "/v0/communities/guild-1/projects/solo-lvl/done", body, "u1", &done); status != http.StatusOK {
		t.Fatalf("done: status %d", status)
	}
	if done.Done != 1 || len(done.Updated) != 1 || done.Updated[0] != "1" {
		t.Fatalf("unexpected done response %+v", done)
	}

	if status := ts.doJSON(t, http.MethodGet, "/v0/communities/guild-1/projects/solo-lvl", nil, "u1", &project); status != http.StatusOK {
		t.Fatalf("get project: status %d", status)
	}
	c := project.Tasks[0].Completion
	if !c[0] || c[1] || c[2] {
		t.Fatalf("expected completion [true false false], got %v", c)
	}
}

func TestManagerOverrideViaAs(t *testing.T) {
	ts := newTestServer(t)
	createPipeline(t, ts)

	// Acting for another user needs manager standing.
	body := map[string]any{"names": []string{"1"}, "role_index": 1, "as": "u2"}
	if status := ts.doJSON(t, http.MethodPost, "/v0/communities/guild-1/projects/solo-lvl/done", body, "u1", nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-manager impersonation, got %d", status)
	}
	var done struct {
		Done int `json:"done"`
	}
	if status := ts.doJSON(t, http.MethodPost, "/v0/communities/guild-1/projects/solo-lvl/done", body, "boss", &done); status != http.StatusOK {
		t.Fatalf("manager as: status %d", status)
	}
	if done.Done != 1 {
		t.Fatalf("expected one chapter done, got %+v", done)
	}

	// The completion credits the effective user, not the manager.
	var stats struct {
		Stats []struct {
			UserID       string `json:"user_id"`
			ChaptersDone int    `json:"chapters_done"`
		} `json:"stats"`
	}
	if status := ts.doJSON(t, http.MethodGet, "/v0/communities/guild-1/stats", nil, "boss", &stats); status != http.StatusOK {
		t.Fatalf("stats: status %d", status)
	}
	if len(stats.Stats) != 1 || stats.Stats[0].UserID != "u2" || stats.Stats[0].ChaptersDone != 1 {
		t.Fatalf("expected u2 credited, got %+v", stats.Stats)
	}
}

func TestMutationsRequireManager(t *testing.T) {
	ts := newTestServer(t)
	createPipeline(t, ts)

	body := map[string]any{"chapters": "3"}
	if status := ts.doJSON(t, http.MethodPost, "/v0/communities/guild-1/projects/solo-lvl/chapters", body, "u1", nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 for assignee, got %d", status)
	}
	if status := ts.doJSON(t, http.MethodPost, "/v0/communities/guild-1/projects/solo-lvl/chapters", body, "boss", nil); status != http.StatusOK {
		t.Fatalf("manager add chapters: status %d", status)
	}
}

func TestInvalidMovingTargetRejected(t *testing.T) {
	ts := newTestServer(t)
	createPipeline(t, ts)

	body := map[string]any{"target": 1}
	status := ts.doJSON(t, http.MethodPut, "/v0/communities/guild-1/projects/solo-lvl/roles/1/moving", body, "boss", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for non-forward target, got %d", status)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	ts := newTestServer(t)
	status := ts.doJSONHeaders(t, http.MethodGet, "/v0/communities/guild-1/projects", nil, nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", status)
	}
	if status := ts.doJSONHeaders(t, http.MethodGet, "/v0/health", nil, nil, nil); status != http.StatusOK {
		t.Fatalf("health must stay open, got %d", status)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	ts := newTestServer(t)

	var login struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": "root", "admin": true}
	if status := ts.doJSONHeaders(t, http.MethodPost, "/v0/auth/dev/login", body, nil, &login); status != http.StatusOK {
		t.Fatalf("dev login: status %d", status)
	}
	if login.Token == "" {
		t.Fatalf("expected a token")
	}

	headers := map[string]string{"Authorization": "Bearer " + login.Token}
	visibility := map[string]any{"visible": false}
	if status := ts.doJSONHeaders(t, http.MethodPut, "/v0/communities/guild-1/visibility", visibility, headers, nil); status != http.StatusOK {
		t.Fatalf("admin visibility via jwt: status %d", status)
	}

	// The same call without the admin claim is refused.
	if status := ts.doJSON(t, http.MethodPut, "/v0/communities/guild-1/visibility", visibility, "someone", nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", status)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	createPipeline(t, ts)

	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if status := ts.doJSON(t, http.MethodPost, "/v0/apikeys", map[string]any{"name": "bridge"}, "boss", &created); status != http.StatusCreated {
		t.Fatalf("create api key: status %d", status)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key")
	}

	// The key authenticates as its actor.
	headers := map[string]string{"X-Api-Key": created.Key}
	var project struct {
		Title string `json:"title"`
	}
	if status := ts.doJSONHeaders(t, http.MethodGet, "/v0/communities/guild-1/projects/solo-lvl", nil, headers, &project); status != http.StatusOK {
		t.Fatalf("get via api key: status %d", status)
	}
	if project.Title != "Solo Leveling" {
		t.Fatalf("unexpected project %+v", project)
	}

	if status := ts.doJSON(t, http.MethodDelete, fmt.Sprintf("/v0/apikeys/%s", created.ID), nil, "boss", nil); status != http.StatusNoContent && status != http.StatusOK {
		t.Fatalf("delete api key: status %d", status)
	}
	if status := ts.doJSONHeaders(t, http.MethodGet, "/v0/communities/guild-1/projects/solo-lvl", nil, headers, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 after key deletion, got %d", status)
	}
}
