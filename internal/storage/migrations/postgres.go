package migrations

import (
	"context"
	"fmt"

	"order-engine/internal/storage/postgres"
)

// RunPostgresMigrations executes each embedded schema file as one batch, in
// name order. Every file uses IF NOT EXISTS, so reruns on startup are safe.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	scripts, err := loadScripts(PostgresFS, "postgres")
	if err != nil {
		return err
	}
	for _, sc := range scripts {
		if _, err := pool.Exec(ctx, sc.body); err != nil {
			return fmt.Errorf("apply migration %s: %w", sc.name, err)
		}
	}
	return nil
}
