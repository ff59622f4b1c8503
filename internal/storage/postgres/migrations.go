package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// MigrationState описывает одну миграцию для cmd/migrate status.
type MigrationState struct {
	Version int64
	Name    string
	Applied bool
}

func (s *Store) migrationProvider() (*goose.Provider, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("postgres store is not initialized")
	}
	fsys, err := fs.Sub(migrationsFS, "sql/migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, s.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return provider, nil
}

// MigrateUp применяет up-миграции.
// steps=0 означает "применить все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	provider, err := s.migrationProvider()
	if err != nil {
		return err
	}

	if steps <= 0 {
		if _, err := provider.Up(ctx); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		return nil
	}

	for range steps {
		if _, err := provider.UpByOne(ctx); err != nil {
			if errors.Is(err, goose.ErrNoNextVersion) {
				return nil
			}
			return fmt.Errorf("migrate up by one: %w", err)
		}
	}
	return nil
}

// MigrateDown откатывает миграции.
// steps<=0 интерпретируется как 1 шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	provider, err := s.migrationProvider()
	if err != nil {
		return err
	}
	if steps <= 0 {
		steps = 1
	}

	for range steps {
		if _, err := provider.Down(ctx); err != nil {
			if errors.Is(err, goose.ErrNoNextVersion) {
				return nil
			}
			return fmt.Errorf("migrate down: %w", err)
		}
	}
	return nil
}

// MigrationStatus возвращает текущую версию схемы и состояние каждой миграции.
func (s *Store) MigrationStatus(ctx context.Context) (int64, []MigrationState, error) {
	provider, err := s.migrationProvider()
	if err != nil {
		return 0, nil, err
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("get schema version: %w", err)
	}

	statuses, err := provider.Status(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("get migration status: %w", err)
	}

	result := make([]MigrationState, 0, len(statuses))
	for _, st := range statuses {
		result = append(result, MigrationState{
			Version: st.Source.Version,
			Name:    st.Source.Path,
			Applied: st.State == goose.StateApplied,
		})
	}
	return version, result, nil
}
