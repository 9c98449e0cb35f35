package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"qms/entry-queue/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplyMigrations runs every embedded .sql file in name order. The scripts
// are idempotent, so it is safe to call on every start.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}
