package launch

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/resource"
)

// Ошибки launchers.
var (
	// ErrLauncherNotFound — launcher не найден в реестре.
	ErrLauncherNotFound = errors.New("launcher not found")
)

// Status — исход попытки шага.
type Status string

const (
	// StatusSuccess — попытка завершилась успешно, outputs собраны.
	StatusSuccess Status = "success"

	// StatusFailure — попытка завершилась ошибкой.
	StatusFailure Status = "failure"

	// StatusTimeout — попытка не уложилась в бюджет времени.
	StatusTimeout Status = "timeout"
)

// Request — запрос на исполнение одной попытки шага.
type Request struct {
	// RunID — идентификатор run.
	RunID uuid.UUID

	// StepName — имя шага в graph.
	StepName string

	// Attempt — номер попытки, начиная с 1.
	Attempt int

	// Handler — ключ handler'а.
	Handler string

	// Config — статическая конфигурация шага.
	Config map[string]any

	// Inputs — загруженные значения inputs по именам.
	Inputs map[string]any

	// Resources — живые handles resources для исполнения в процессе
	// executor'а. Remote launcher этим полем не пользуется.
	Resources *resource.Set

	// ResourceKeys — ключи resources, объявленные шагом. Remote
	// launcher передаёт их worker'у для инициализации на месте.
	ResourceKeys []string

	// ResourceConfig — конфигурация resources из RunConfig, нужна
	// worker'у для инициализации.
	ResourceConfig map[string]map[string]any

	// TimeoutSec — бюджет времени попытки. 0 — без ограничения.
	TimeoutSec int
}

// Outcome — исход попытки. Launch возвращает Outcome для любого
// завершения попытки; error зарезервирован за инфраструктурными
// сбоями самого launcher'а (например, обрыв публикации).
type Outcome struct {
	// Status — success, failure или timeout.
	Status Status

	// Outputs — значения outputs при success.
	Outputs map[string]any

	// Detail — причина при failure/timeout.
	Detail string
}

// Success создаёт успешный Outcome.
func Success(outputs map[string]any) *Outcome {
	if outputs == nil {
		outputs = make(map[string]any)
	}
	return &Outcome{Status: StatusSuccess, Outputs: outputs}
}

// Failure создаёт Outcome с ошибкой.
func Failure(detail string) *Outcome {
	return &Outcome{Status: StatusFailure, Detail: detail}
}

// Timeout создаёт Outcome с превышением бюджета времени.
func Timeout(detail string) *Outcome {
	return &Outcome{Status: StatusTimeout, Detail: detail}
}

// Launcher — исполнитель попыток шагов.
//
// Launch блокируется до завершения попытки и возвращает её исход.
// Семантика at-least-once: из-за сбоев попытка может быть исполнена
// более одного раза, дедупликацией занимается слой хранения outputs.
type Launcher interface {
	// Key возвращает ключ launcher'а в реестре.
	Key() string

	// Launch исполняет попытку шага. Отмена ctx прерывает ожидание;
	// уже начатое удалённое исполнение при этом не останавливается.
	Launch(ctx context.Context, req *Request) (*Outcome, error)
}
