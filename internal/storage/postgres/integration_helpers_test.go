package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Таблицы в порядке, безопасном для TRUNCATE ... CASCADE.
var testTables = []string{"idempotency_keys", "outbox_messages", "orders", "products", "clients"}

// testDSN берёт ORDERS_POSTGRES_TEST_DSN, затем ORDERS_POSTGRES_DSN.
func testDSN() string {
	for _, key := range []string{"ORDERS_POSTGRES_TEST_DSN", "ORDERS_POSTGRES_DSN"} {
		if dsn := strings.TrimSpace(os.Getenv(key)); dsn != "" {
			return dsn
		}
	}
	return ""
}

// newTestStore открывает хранилище без миграций; без DSN или доступной базы тест пропускается.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := testDSN()
	if dsn == "" {
		t.Skip("ORDERS_POSTGRES_TEST_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	store, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newMigratedTestStore накатывает схему и очищает данные предыдущих тестов.
func newMigratedTestStore(t *testing.T) *Store {
	t.Helper()

	store := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateUp(ctx, 0))
	resetTestTables(t, store)
	return store
}

func resetTestTables(t *testing.T, store *Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := store.DB().ExecContext(ctx,
		"TRUNCATE TABLE "+strings.Join(testTables, ", ")+" RESTART IDENTITY CASCADE")
	require.NoError(t, err, "reset test tables")
}
