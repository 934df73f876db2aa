// Package worker исполняет попытки шагов на выделенных процессах.
//
// # Обзор
//
// Worker — stateless компонент системы Conveyor, который исполняет
// попытки шагов, отправленные remote launcher'ом executor'а.
// Worker отвечает за:
//
//   - Получение заданий из очереди RabbitMQ steps.launch
//   - Инициализацию resources задания на время одной попытки
//   - Исполнение handler'а шага с учётом таймаута
//   - Публикацию исхода в очередь steps.result
//
// Workers масштабируются горизонтально — несколько экземпляров
// потребляют из одной очереди steps.launch. Worker не обращается к БД
// и не хранит состояния между заданиями: сопоставление попытки и её
// результата держится только на task_id, который worker возвращает
// в результате без изменений.
//
// # Жизненный цикл задания
//
//  1. Задание приходит из steps.launch (payload mq.StepLaunchPayload)
//  2. По resource_keys задания из каталога выбираются definitions,
//     строится план и инициализируется набор resources
//  3. Handler исполняется через launch.InProcess: таймаут шага,
//     перехват паники и различение отмены — те же, что у локальных
//     шагов executor'а
//  4. Набор resources сворачивается независимо от исхода
//  5. Исход (success, failure, timeout) публикуется в steps.result
//     с тем же task_id
//
// # Исходы и ошибки
//
// Любой исход попытки — включая панику handler'а, превышение таймаута
// и ошибку инициализации resources — доставляется executor'у как
// результат; решение о повторной попытке принимает executor по retry
// политике шага. Ошибка из обработчика очереди возвращается только
// в двух случаях: исполнение прервано остановкой worker'а или не
// удалось опубликовать результат. Тогда задание возвращается в
// очередь и будет переисполнено — семантика попыток at-least-once.
//
// Некорректный payload уходит в DLQ без переисполнения.
//
// # Resources
//
// Worker держит каталог definitions (resource.Registry), но не живые
// соединения: handles поднимаются перед исполнением попытки по
// resource_config из задания и сворачиваются сразу после. Каталог
// worker'а должен содержать все ключи, которыми пользуются шаги
// графов, исполняемые remote — задание с незнакомым ключом
// завершается failure.
package worker
