// Пакет dbtest поднимает PostgreSQL в Docker для интеграционных тестов.
// Тесты запускаются только с TEST_INTEGRATION=1.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/asset-console/internal/config"
)

const (
	image    = "docker.io/postgres:17-alpine"
	dbName   = "console_test"
	user     = "console"
	password = "test-password"
)

// Config запускает контейнер на время теста и возвращает конфигурацию,
// загруженную через config.Load с адресом контейнера.
func Config(t testing.TB) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("интеграционный тест: задайте TEST_INTEGRATION=1")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, image,
		postgres.WithDatabase(dbName),
		postgres.WithUsername(user),
		postgres.WithPassword(password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("PostgreSQL в Docker не запущен: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("остановка контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("порт контейнера: %v", err)
	}

	for k, v := range map[string]string{
		"AC_DB_HOST":     host,
		"AC_DB_PORT":     port.Port(),
		"AC_DB_NAME":     dbName,
		"AC_DB_USER":     user,
		"AC_DB_PASSWORD": password,
		"AC_DB_SSL_MODE": "disable",
		"AC_BACKEND_URL": "http://localhost:9000",
	} {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}
