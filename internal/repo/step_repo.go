package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// StepRepo — репозиторий для работы со step_records.
//
// Records — durable-проекция состояния шагов run'а. Executor пишет их
// при каждом переходе статуса; после рестарта он восстанавливает
// состояние run через ListByRun.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

// Upsert вставляет или обновляет record по ключу (run_id, step_name).
func (r *StepRepo) Upsert(ctx context.Context, rec *domain.StepRecord) error {
	outputKeysJSON, err := json.Marshal(rec.OutputKeys)
	if err != nil {
		return fmt.Errorf("marshal output keys: %w", err)
	}

	query := `
		INSERT INTO step_records (id, run_id, step_name, handler, status, attempt,
		                          output_keys, error, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, step_name) DO UPDATE
		SET status = EXCLUDED.status,
		    attempt = EXCLUDED.attempt,
		    output_keys = EXCLUDED.output_keys,
		    error = EXCLUDED.error,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at
	`
	_, err = r.pool.Exec(ctx, query,
		rec.ID,
		rec.RunID,
		rec.StepName,
		rec.Handler,
		rec.Status,
		rec.Attempt,
		outputKeysJSON,
		nullString(rec.Error),
		rec.StartedAt,
		rec.FinishedAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert step record: %w", err)
	}
	return nil
}

// GetByRunAndName возвращает record по run_id и имени шага.
func (r *StepRepo) GetByRunAndName(ctx context.Context, runID uuid.UUID, stepName string) (*domain.StepRecord, error) {
	query := `
		SELECT id, run_id, step_name, handler, status, attempt, output_keys,
		       error, started_at, finished_at, created_at
		FROM step_records
		WHERE run_id = $1 AND step_name = $2
	`
	return r.scanRecord(r.pool.QueryRow(ctx, query, runID, stepName))
}

// ListByRun возвращает все records run'а в порядке создания.
func (r *StepRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.StepRecord, error) {
	query := `
		SELECT id, run_id, step_name, handler, status, attempt, output_keys,
		       error, started_at, finished_at, created_at
		FROM step_records
		WHERE run_id = $1
		ORDER BY created_at ASC, step_name ASC
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	defer rows.Close()

	var records []domain.StepRecord
	for rows.Next() {
		rec, err := r.scanRecordFromRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// --- Helpers ---

func (r *StepRepo) scanRecord(row pgx.Row) (*domain.StepRecord, error) {
	var rec domain.StepRecord
	var outputKeysJSON []byte
	var recError *string

	err := row.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.StepName,
		&rec.Handler,
		&rec.Status,
		&rec.Attempt,
		&outputKeysJSON,
		&recError,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step record: %w", err)
	}

	if outputKeysJSON != nil {
		if err := json.Unmarshal(outputKeysJSON, &rec.OutputKeys); err != nil {
			return nil, fmt.Errorf("unmarshal output keys: %w", err)
		}
	}
	if recError != nil {
		rec.Error = *recError
	}

	return &rec, nil
}

func (r *StepRepo) scanRecordFromRows(rows pgx.Rows) (*domain.StepRecord, error) {
	var rec domain.StepRecord
	var outputKeysJSON []byte
	var recError *string

	err := rows.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.StepName,
		&rec.Handler,
		&rec.Status,
		&rec.Attempt,
		&outputKeysJSON,
		&recError,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan step record: %w", err)
	}

	if outputKeysJSON != nil {
		if err := json.Unmarshal(outputKeysJSON, &rec.OutputKeys); err != nil {
			return nil, fmt.Errorf("unmarshal output keys: %w", err)
		}
	}
	if recError != nil {
		rec.Error = *recError
	}

	return &rec, nil
}
