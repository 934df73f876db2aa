// Package graph содержит модель dataflow-графа.
//
// Включает:
//   - validate.go — структурная валидация GraphSpec
//   - graph.go    — построение графа, резолв привязок, индексы смежности
//   - toposort.go — общая топологическая сортировка (шаги и resources)
//
// Graph отвечает за понимание структуры вычисления: какие шаги от каких
// зависят через привязки данных и в каком порядке их допустимо выполнять.
package graph
