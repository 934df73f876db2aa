// Package scheduler реализует логику планировщика запусков.
//
// Scheduler периодически проверяет schedules с истекшим next_due_at
// и создаёт новые runs для выполнения.
//
// Структура:
//   - scheduler.go — основная логика Scheduler (Tick, processSchedule)
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules: scheduleRepo,
//	    Runs:      runRepo,
//	    Graphs:    graphRepo,
//	    Publisher: publisher,  // опционально
//	    Logger:    logger,
//	})
//
//	// Вызывается каждый тик (обычно раз в секунду)
//	if err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Idempotency:
//
// Для каждого (schedule, next_due_at) создаётся не более одного run:
// ключ идемпотентности "{schedule_id}_{next_due_unix}" проверяется
// перед созданием. Повторный тик по тому же времени только сдвигает
// next_due_at.
//
// Неактивные graphs:
//
// Schedule неактивного graph не создаёт run, но next_due_at сдвигается:
// после реактивации запуски продолжаются с ближайшего occurrence, без
// наката пропущенных.
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Метод Tick() вызывается только лидером.
package scheduler
