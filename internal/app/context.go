// Package app wires the collaborators a command or server needs: config,
// the flat-file store, the side-index database, and the engine on top.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"scanline/internal/config"
	"scanline/internal/db"
	"scanline/internal/engine"
	"scanline/internal/migrate"
	"scanline/internal/store"
)

type Env struct {
	Workspace string
	Config    *config.Config
	Store     *store.Store
	DB        *sql.DB
	Engine    engine.Engine
}

// Open loads config (defaults when the file is absent), opens the flat-file
// store and the side-index database, runs migrations, and builds the engine.
func Open(ctx context.Context, workspace string) (*Env, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Dir: cfg.Data.Dir, BackupDir: cfg.Data.BackupDir})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if st.Repaired > 0 {
		log.Printf("store: repaired %d task completion arrays on load", st.Repaired)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open side index: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate side index: %w", err)
	}
	return &Env{
		Workspace: workspace,
		Config:    cfg,
		Store:     st,
		DB:        conn,
		Engine:    engine.New(st, conn, cfg),
	}, nil
}

func (e *Env) Close() error {
	if e.DB != nil {
		return e.DB.Close()
	}
	return nil
}
