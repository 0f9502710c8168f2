// Package database owns the Postgres schema used by the token provider and the event sink.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Migrations returns the embedded migrations ordered by version.
func Migrations() ([]Migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, Migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate applies pending migrations in one transaction and returns the resulting version.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	migrations, err := Migrations()
	if err != nil {
		return 0, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS escrow_schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create escrow_schema_version: %w", err)
	}
	// serialize concurrent migrators across replicas
	if _, err := tx.Exec(ctx, `LOCK TABLE escrow_schema_version IN EXCLUSIVE MODE`); err != nil {
		return 0, fmt.Errorf("lock escrow_schema_version: %w", err)
	}

	var current int
	err = tx.QueryRow(ctx, `SELECT version FROM escrow_schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx, `INSERT INTO escrow_schema_version (version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init escrow_schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return 0, fmt.Errorf("read escrow_schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := tx.Exec(ctx, m.UpSQL); err != nil {
			return 0, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE escrow_schema_version SET version = $1`, m.Version); err != nil {
			return 0, fmt.Errorf("update escrow_schema_version: %w", err)
		}
		current = m.Version
	}
	return current, tx.Commit(ctx)
}
