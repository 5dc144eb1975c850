package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"scanline/internal/domain"
)

const (
	communitiesName = "communities.json"
	usersName       = "users.json"
	lockName        = ".scanline.lock"
)

// ErrEmptyState guards against persisting a wiped document over good data.
var ErrEmptyState = errors.New("refusing to save empty state")

type Config struct {
	Dir       string
	BackupDir string
}

// Store owns the flat-file documents: every community with its projects and
// templates, and the per-user membership links. All state is held in memory
// between Load and Save; writes replace whole files atomically under a
// cross-process file lock. The single-writer assumption of the engine means
// no in-process locking happens here.
type Store struct {
	cfg Config
	flk *flock.Flock

	Communities map[string]*domain.Community
	Users       map[string][]domain.Work

	// Repaired counts tasks whose completion array was padded or truncated
	// to the chain length during Load.
	Repaired int
}

// Open loads both documents, creating the data directory and empty documents
// on first run, and repairs any completion array whose length drifted from
// its chain.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	s := &Store{
		cfg:         cfg,
		flk:         flock.New(filepath.Join(cfg.Dir, lockName)),
		Communities: make(map[string]*domain.Community),
		Users:       make(map[string][]domain.Work),
	}
	if err := s.flk.Lock(); err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	defer s.flk.Unlock()

	if err := loadJSON(filepath.Join(cfg.Dir, communitiesName), &s.Communities); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(cfg.Dir, usersName), &s.Users); err != nil {
		return nil, err
	}
	s.repair()
	return s, nil
}

// Save atomically replaces both documents. A nil community map is treated as
// corruption rather than emptiness and refused.
func (s *Store) Save() error {
	if s.Communities == nil || s.Users == nil {
		return ErrEmptyState
	}
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	defer s.flk.Unlock()

	if err := writeJSON(filepath.Join(s.cfg.Dir, communitiesName), s.Communities); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.cfg.Dir, usersName), s.Users)
}

// Backup copies the current in-memory state into a timestamped directory
// under the backup dir and returns its path.
func (s *Store) Backup(now time.Time) (string, error) {
	dir := s.cfg.BackupDir
	if dir == "" {
		dir = filepath.Join(s.cfg.Dir, "backup")
	}
	path := filepath.Join(dir, now.UTC().Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup dir: %w", err)
	}
	if err := writeJSON(filepath.Join(path, communitiesName), s.Communities); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(path, usersName), s.Users); err != nil {
		return "", err
	}
	return path, nil
}

// Community returns the community document, creating it on first touch the
// way the original provisions a server on its first interaction.
func (s *Store) Community(id string) *domain.Community {
	if c, ok := s.Communities[id]; ok {
		return c
	}
	c := &domain.Community{
		ID:         id,
		Visibility: true,
		Projects:   make(map[string]*domain.Project),
	}
	s.Communities[id] = c
	return c
}

// AddWork records a membership link, deduplicating.
func (s *Store) AddWork(w domain.Work) {
	for _, existing := range s.Users[w.UserID] {
		if existing.CommunityID == w.CommunityID && existing.ProjectID == w.ProjectID {
			return
		}
	}
	s.Users[w.UserID] = append(s.Users[w.UserID], w)
}

// RemoveWork drops the membership link for one user/project pair.
func (s *Store) RemoveWork(userID, communityID, projectID string) {
	works := s.Users[userID]
	for i, w := range works {
		if w.CommunityID == communityID && w.ProjectID == projectID {
			s.Users[userID] = append(works[:i], works[i+1:]...)
			break
		}
	}
	if len(s.Users[userID]) == 0 {
		delete(s.Users, userID)
	}
}

// Works returns the membership links for a user.
func (s *Store) Works(userID string) []domain.Work {
	return s.Users[userID]
}

// HasOtherWork reports whether the user keeps any link besides the given
// project. Feeds the planner's membership-removal decision.
func (s *Store) HasOtherWork(userID, communityID, projectID string) bool {
	for _, w := range s.Users[userID] {
		if w.CommunityID == communityID && w.ProjectID == projectID {
			continue
		}
		return true
	}
	return false
}

// repair pads or truncates completion arrays to the current chain length and
// resets moving targets that no longer point strictly forward. Legacy data
// is healed rather than rejected.
func (s *Store) repair() {
	for _, c := range s.Communities {
		if c.Projects == nil {
			c.Projects = make(map[string]*domain.Project)
		}
		for id, p := range c.Projects {
			if p.ID == "" {
				p.ID = id
			}
			if p.Notify == "" {
				p.Notify = domain.NotifyChannel
			}
			n := len(p.Roles)
			for i := range p.Roles {
				r := &p.Roles[i]
				if r.MovesTo <= i || r.MovesTo > n {
					if r.MovesTo != -1 {
						r.MovesTo = -1
					}
				}
			}
			for i := range p.Tasks {
				t := &p.Tasks[i]
				if len(t.Completion) == n {
					continue
				}
				fixed := make([]bool, n)
				copy(fixed, t.Completion)
				t.Completion = fixed
				s.Repaired++
			}
		}
	}
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically: marshal, write a sibling temp file,
// then rename over the target.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
