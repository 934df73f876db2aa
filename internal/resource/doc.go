// Package resource управляет жизненным циклом долгоживущих объектов run'а.
//
// Resources — именованные объекты (соединения, клиенты внешних систем),
// которые могут зависеть друг от друга. Registry хранит их определения;
// Resolve превращает набор определений в план инициализации (той же
// топологической сортировкой, что и DAG шагов); Initialize поднимает
// resources строго в порядке зависимостей, а Set гарантирует освобождение
// каждого ровно один раз, в обратном порядке, при любом исходе run'а.
//
// DefaultRegistry регистрирует встроенные definitions (postgres,
// http-client); встраивающая программа добавляет свои через Register.
package resource
