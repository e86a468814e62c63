// Package app wires a workspace directory into a ready-to-use engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"synthseed/internal/config"
	"synthseed/internal/db"
	"synthseed/internal/domain"
	"synthseed/internal/engine"
	"synthseed/internal/logging"
	"synthseed/internal/migrate"
	"synthseed/internal/repo"
)

type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open migrates the workspace database, loads synthseed.yml when present
// and upserts any catalog it declares.
func Open(ctx context.Context, dir string) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{
		Workspace:   dir,
		BusyTimeout: time.Duration(cfg.Engine.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	ws := &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: engine.New(conn, cfg)}
	if n, err := SyncCatalog(ctx, ws.Engine.Repo, cfg.Catalog); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sync catalog: %w", err)
	} else if n > 0 {
		logging.Debug().Int("items", n).Msg("catalog synced from config")
	}
	logging.Debug().Str("workspace", dir).Int("schema", version).Msg("workspace ready")
	return ws, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// SyncCatalog upserts catalog entries; blank ids are rejected.
func SyncCatalog(ctx context.Context, r repo.Repo, entries []config.CatalogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	items := make([]domain.Mindblock, 0, len(entries))
	for i, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return 0, fmt.Errorf("catalog entry %d: id required", i)
		}
		items = append(items, domain.Mindblock{ID: id, Title: e.Title})
	}
	return r.UpsertMindblocks(ctx, items)
}
