package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres — менеджер outputs в таблице step_outputs.
//
// Outputs переживают процесс и доступны всем компонентам, поэтому
// этот менеджер используется по умолчанию для распределённого
// исполнения. Upsert по (run_id, step_name, output_name) даёт
// идемпотентность HandleOutput на уровне базы.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт менеджер поверх пула соединений.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// HandleOutput сохраняет значение через upsert.
func (p *Postgres) HandleOutput(ctx context.Context, oc *OutputContext, value any) (Key, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal output %s: %w", oc.Key(), err)
	}

	query := `
		INSERT INTO step_outputs (run_id, step_name, output_name, attempt, value, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (run_id, step_name, output_name)
		DO UPDATE SET value = EXCLUDED.value, attempt = EXCLUDED.attempt
	`
	_, err = p.pool.Exec(ctx, query, oc.RunID, oc.StepName, oc.OutputName, oc.Attempt, data)
	if err != nil {
		return "", fmt.Errorf("upsert output %s: %w", oc.Key(), err)
	}

	return oc.Key(), nil
}

// LoadInput загружает значение по ключу.
func (p *Postgres) LoadInput(ctx context.Context, key Key) (any, error) {
	runID, stepName, outputName, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = p.pool.QueryRow(ctx, `
		SELECT value FROM step_outputs
		WHERE run_id = $1 AND step_name = $2 AND output_name = $3
	`, runID, stepName, outputName).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &MissingOutputError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("select output %s: %w", key, err)
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("unmarshal output %s: %w", key, err)
	}
	return value, nil
}

// --- Helpers ---

func parseKey(key Key) (uuid.UUID, string, string, error) {
	parts := strings.SplitN(string(key), "/", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return uuid.Nil, "", "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}

	runID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("%w: %s: %v", ErrInvalidKey, key, err)
	}

	return runID, parts[1], parts[2], nil
}
