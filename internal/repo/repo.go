package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"scanline/internal/domain"
)

// Repo reads and writes the side-index database: the membership (works)
// index, chapter stats, API keys and event journal queries. It never holds
// canonical project state.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// UpsertWork records a membership link, ignoring duplicates.
func (r Repo) UpsertWork(ctx context.Context, w domain.Work) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO works(user_id,community_id,project_id,created_at) VALUES (?,?,?,?)`,
		w.UserID, w.CommunityID, w.ProjectID, now)
	return err
}

// DeleteWork removes one membership link.
func (r Repo) DeleteWork(ctx context.Context, userID, communityID, projectID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM works WHERE user_id=? AND community_id=? AND project_id=?`,
		userID, communityID, projectID)
	return err
}

// DeleteProjectWorks drops every link pointing at a deleted project.
func (r Repo) DeleteProjectWorks(ctx context.Context, communityID, projectID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM works WHERE community_id=? AND project_id=?`, communityID, projectID)
	return err
}

// ListWorks returns the membership links for a user across all communities.
func (r Repo) ListWorks(ctx context.Context, userID string) ([]domain.Work, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,community_id,project_id FROM works WHERE user_id=? ORDER BY community_id, project_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Work
	for rows.Next() {
		var w domain.Work
		if err := rows.Scan(&w.UserID, &w.CommunityID, &w.ProjectID); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// IncreaseChaptersDone bumps the per-user counter for the current window.
func (r Repo) IncreaseChaptersDone(ctx context.Context, communityID, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stats(community_id,user_id,chapters_done) VALUES (?,?,?)
ON CONFLICT(community_id,user_id) DO UPDATE SET chapters_done=chapters_done+excluded.chapters_done`,
		communityID, userID, n)
	return err
}

// ListStats returns the chapters-done leaderboard for a community.
func (r Repo) ListStats(ctx context.Context, communityID string) ([]domain.UserStat, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT community_id,user_id,chapters_done FROM stats WHERE community_id=? ORDER BY chapters_done DESC, user_id`, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UserStat
	for rows.Next() {
		var s domain.UserStat
		if err := rows.Scan(&s.CommunityID, &s.UserID, &s.ChaptersDone); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ResetStats clears the counters for a community and stamps the reset time.
func (r Repo) ResetStats(ctx context.Context, communityID, window string, now time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM stats WHERE community_id=?`, communityID); err != nil {
		return err
	}
	ts := now.UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO stats_meta(community_id,window,last_reset) VALUES (?,?,?)
ON CONFLICT(community_id) DO UPDATE SET window=excluded.window, last_reset=excluded.last_reset`,
		communityID, window, ts); err != nil {
		return err
	}
	return tx.Commit()
}

// StatsLastReset returns when the community's counters were last cleared.
func (r Repo) StatsLastReset(ctx context.Context, communityID string) (time.Time, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT last_reset FROM stats_meta WHERE community_id=?`, communityID)
	var ts string
	err := row.Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, ts)
}

// LatestEvents returns the newest journal entries, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, communityID, projectID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(community_id,''),COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	if communityID != "" {
		clauses = append(clauses, "community_id=?")
		args = append(args, communityID)
	}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CommunityID, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit entries with id greater than cursor, in
// id order. Used by webhook delivery to page through the journal.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, communityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(community_id,''),COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{cursor}
	if communityID != "" {
		query += ` AND community_id=?`
		args = append(args, communityID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CommunityID, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
