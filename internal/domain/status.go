package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCEEDED
//	        ↘ QUEUED ↗         ↘ FAILED
//	        ↘ REJECTED  (или) → CANCELLED (из PENDING, QUEUED или RUNNING)
type RunStatus string

const (
	// RunStatusPending — run создан, но ещё не прошёл admission.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusQueued — run принят coordinator'ом в очередь ожидания.
	// Начнёт выполняться, когда освободится слот.
	RunStatusQueued RunStatus = "QUEUED"

	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — все шаги завершились со статусом SUCCEEDED.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — хотя бы один шаг завершился с FAILED или SKIPPED.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCancelled — run отменён пользователем.
	RunStatusCancelled RunStatus = "CANCELLED"

	// RunStatusRejected — coordinator отказал в admission (очередь переполнена).
	RunStatusRejected RunStatus = "REJECTED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusRejected:
		return true
	default:
		return false
	}
}

// StepStatus — статус выполнения шага внутри run.
//
// Жизненный цикл:
//
//	PENDING → READY → RUNNING → SUCCEEDED
//	        ↘                 ↘ FAILED (может быть retry → обратно в READY)
//	         SKIPPED (upstream упал или run отменён)
type StepStatus string

const (
	// StepStatusPending — шаг ждёт завершения upstream-зависимостей.
	StepStatusPending StepStatus = "PENDING"

	// StepStatusReady — все upstream-шаги SUCCEEDED, шаг ожидает слот.
	StepStatusReady StepStatus = "READY"

	// StepStatusRunning — шаг выполняется (локально или через launcher).
	StepStatusRunning StepStatus = "RUNNING"

	// StepStatusSucceeded — шаг успешно завершён, outputs сохранены.
	StepStatusSucceeded StepStatus = "SUCCEEDED"

	// StepStatusFailed — шаг завершился с ошибкой (после всех retry).
	StepStatusFailed StepStatus = "FAILED"

	// StepStatusSkipped — шаг пропущен: upstream упал, либо run отменён.
	StepStatusSkipped StepStatus = "SKIPPED"
)

// IsTerminal возвращает true, если статус финальный.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// FailurePolicy — поведение run при падении шага.
type FailurePolicy string

const (
	// FailurePolicySkipDownstream — пропустить только transitively-зависимые
	// шаги, независимые ветки продолжают выполняться. Политика по умолчанию.
	FailurePolicySkipDownstream FailurePolicy = "skip-downstream"

	// FailurePolicyAbort — после первого терминально-упавшего шага все
	// незавершённые шаги помечаются SKIPPED, запущенные отменяются.
	FailurePolicyAbort FailurePolicy = "abort"
)

// Valid проверяет, что политика известна. Пустое значение трактуется
// как skip-downstream.
func (p FailurePolicy) Valid() bool {
	switch p {
	case "", FailurePolicySkipDownstream, FailurePolicyAbort:
		return true
	default:
		return false
	}
}

// Admission — решение coordinator'а по заявке на выполнение run.
type Admission string

const (
	// AdmissionAccepted — есть свободный слот, run стартует немедленно.
	AdmissionAccepted Admission = "ACCEPTED"

	// AdmissionQueued — слотов нет, run поставлен в FIFO-очередь.
	AdmissionQueued Admission = "QUEUED"

	// AdmissionRejected — очередь переполнена, run отклонён.
	AdmissionRejected Admission = "REJECTED"
)
