package migrate_test

import (
	"context"
	"testing"

	"synthseed/internal/db"
	"synthseed/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	v1, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v1 < 2 {
		t.Fatalf("schema version %d", v1)
	}
	v2, err := migrate.Migrate(ctx, conn)
	if err != nil || v2 != v1 {
		t.Fatalf("second migrate: v=%d err=%v", v2, err)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM content_engagements`).Scan(&n); err != nil {
		t.Fatalf("engagement table missing: %v", err)
	}
}
