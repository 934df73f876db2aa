// Package launch определяет интерфейс исполнения попыток шагов.
//
// Launcher принимает Request (handler, конфигурация, загруженные
// inputs, resources) и блокируется до исхода попытки:
//
//   - Success — outputs собраны
//   - Failure — попытка завершилась ошибкой
//   - Timeout — попытка не уложилась в бюджет времени
//
// Реализации:
//
//   - InProcess — handler вызывается в процессе executor'а с живыми
//     handles resources; паника handler'а превращается в failure
//   - Remote — задание публикуется в steps.launch, результат приходит
//     из steps.result с корреляцией по fresh task_id на попытку
//
// Error из Launch зарезервирован за инфраструктурными сбоями
// (обрыв публикации, отмена ctx), исход самой попытки всегда
// выражается через Outcome.
package launch
