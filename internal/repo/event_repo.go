package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// EventRepo — репозиторий для работы с run_events.
//
// Лента событий append-only: события не обновляются и не удаляются.
// Seq присваивается при вставке и строго монотонен в рамках run, клиенты
// читают ленту курсором "события после seq".
type EventRepo struct {
	pool *pgxpool.Pool
}

// NewEventRepo создаёт новый EventRepo.
func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Append добавляет событие в ленту run'а и присваивает ему Seq.
//
// Шаги одного run завершаются из параллельных goroutines, поэтому
// вставки в ленту одного run сериализуются advisory-локом на run_id:
// следующий писатель не вычислит свой Seq, пока предыдущая вставка не
// закоммичена. Это даёт плотную нумерацию с 1 и гарантирует, что
// читатель курсором after=seq не пропустит событие.
func (r *EventRepo) Append(ctx context.Context, event *domain.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, event.RunID)
	if err != nil {
		return fmt.Errorf("lock run events: %w", err)
	}

	query := `
		INSERT INTO run_events (run_id, seq, step_name, type, detail, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
		FROM run_events
		WHERE run_id = $1
		RETURNING seq
	`
	err = tx.QueryRow(ctx, query,
		event.RunID,
		nullString(event.StepName),
		event.Type,
		nullString(event.Detail),
		event.CreatedAt,
	).Scan(&event.Seq)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListAfter возвращает события run'а с seq больше after, по порядку.
// After = 0 возвращает ленту с начала.
func (r *EventRepo) ListAfter(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]domain.Event, error) {
	query := `
		SELECT run_id, seq, step_name, type, detail, created_at
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, runID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		event, err := r.scanEventFromRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// --- Helpers ---

func (r *EventRepo) scanEventFromRows(rows pgx.Rows) (*domain.Event, error) {
	var e domain.Event
	var stepName, detail *string

	err := rows.Scan(
		&e.RunID,
		&e.Seq,
		&stepName,
		&e.Type,
		&detail,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	if stepName != nil {
		e.StepName = *stepName
	}
	if detail != nil {
		e.Detail = *detail
	}

	return &e, nil
}
