package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Ключи встроенных resources.
const (
	// KeyPostgres — пул соединений PostgreSQL.
	KeyPostgres = "postgres"

	// KeyHTTPClient — HTTP клиент с таймаутом.
	KeyHTTPClient = "http-client"
)

// ErrMissingDSN — в конфигурации postgres resource нет dsn.
var ErrMissingDSN = errors.New("postgres resource: dsn is required")

// DefaultRegistry возвращает каталог со встроенными definitions.
//
// Встроенные resources покрывают типовые внешние системы. Каталог
// открыт: встраивающая программа регистрирует собственные definitions
// поверх через Register.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PostgresDefinition())
	r.Register(HTTPClientDefinition())
	return r
}

// PostgresDefinition — definition пула соединений PostgreSQL.
//
// Handle — *pgxpool.Pool. Конфигурация:
//
//	{
//	    "dsn": "postgresql://...",  // обязательно
//	    "max_conns": 4              // опционально
//	}
func PostgresDefinition() Definition {
	return Definition{
		Key:         KeyPostgres,
		Description: "PostgreSQL connection pool",
		Init: func(ctx context.Context, rc *InitContext) (any, error) {
			dsn := configString(rc.Config, "dsn")
			if dsn == "" {
				return nil, ErrMissingDSN
			}

			cfg, err := pgxpool.ParseConfig(dsn)
			if err != nil {
				return nil, fmt.Errorf("postgres resource: parse dsn: %w", err)
			}
			if maxConns := configInt(rc.Config, "max_conns"); maxConns > 0 {
				cfg.MaxConns = int32(maxConns)
			}

			pool, err := pgxpool.NewWithConfig(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("postgres resource: create pool: %w", err)
			}

			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("postgres resource: ping: %w", err)
			}

			rc.Logger.Debug("postgres pool created")
			return pool, nil
		},
		Teardown: func(_ context.Context, handle any) error {
			if pool, ok := handle.(*pgxpool.Pool); ok {
				pool.Close()
			}
			return nil
		},
	}
}

// HTTPClientDefinition — definition HTTP клиента.
//
// Handle — *http.Client. Конфигурация:
//
//	{
//	    "timeout_sec": 30  // опционально, default 30
//	}
func HTTPClientDefinition() Definition {
	return Definition{
		Key:         KeyHTTPClient,
		Description: "HTTP client with request timeout",
		Init: func(_ context.Context, rc *InitContext) (any, error) {
			timeout := configInt(rc.Config, "timeout_sec")
			if timeout <= 0 {
				timeout = 30
			}
			return &http.Client{
				Timeout: time.Duration(timeout) * time.Second,
			}, nil
		},
		Teardown: func(_ context.Context, handle any) error {
			if client, ok := handle.(*http.Client); ok {
				client.CloseIdleConnections()
			}
			return nil
		},
	}
}

// --- Helpers ---

func configString(config map[string]any, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func configInt(config map[string]any, key string) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
