// Package storage реализует материализацию outputs шагов.
//
// Manager — интерфейс IO manager'а: HandleOutput сохраняет значение
// output'а и возвращает его Key, LoadInput загружает значение по Key.
// Реализации:
//
//   - Memory — в памяти процесса, для тестов и эфемерных runs
//   - File — JSON-файлы с атомарной записью через rename
//   - Postgres — таблица step_outputs с upsert-идемпотентностью
//
// Registry отображает имя типа менеджера из RunConfig.IOManager
// в конструктор. Все реализации пропускают значения через JSON,
// поэтому прочитанное значение совпадает с записанным с точностью
// до нормализации кодека.
package storage
