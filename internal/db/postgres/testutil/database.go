// Package testutil поднимает одноразовый PostgreSQL в контейнере для
// интеграционных тестов и применяет к нему миграции воркера.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"serotonyl.ru/roulette-helper/internal/db/postgres"
)

// TestDatabase: контейнер с базой и готовый пул к нему.
type TestDatabase struct {
	Container *tcpostgres.PostgresContainer
	Pool      *pgxpool.Pool
	DSN       string
}

// SetupTestDatabase создаёт контейнер PostgreSQL и прогоняет миграции.
// Под -short тест пропускается: без Docker тут делать нечего.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test: нужен Docker")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("roulette_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		tcpostgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{
			"test":      "roulette-helper",
			"test-name": t.Name(),
			"cleanup":   "auto",
		}),
	)
	require.NoError(t, err)

	tdb := &TestDatabase{Container: container}
	t.Cleanup(func() { tdb.cleanup(t) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	tdb.DSN = dsn

	require.NoError(t, postgres.RunMigrations(dsn))

	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{MaxConns: 20})
	require.NoError(t, err)
	tdb.Pool = pool

	return tdb
}

// InsertSession создаёт сессию так, как это делает основной бот.
func (td *TestDatabase) InsertSession(t *testing.T, correlationID string, chatID, userID, betAmount int64, initiator string) int64 {
	t.Helper()
	var id int64
	err := td.Pool.QueryRow(context.Background(), `
		INSERT INTO roulette_sessions (correlation_id, chat_id, user_id, bet_amount, status, game_state_json)
		VALUES ($1, $2, $3, $4, 'pending_pickup', jsonb_build_object('initiatorName', $5::text))
		RETURNING session_id
	`, correlationID, chatID, userID, betAmount, initiator).Scan(&id)
	require.NoError(t, err)
	return id
}

func (td *TestDatabase) cleanup(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Logf("паника при очистке контейнера (восстановлено): %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if td.Pool != nil {
		td.Pool.Close()
	}
	if td.Container != nil {
		if err := td.Container.Terminate(ctx); err != nil {
			t.Logf("не удалось остановить контейнер: %v", err)
		}
	}
}
