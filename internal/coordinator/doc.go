// Package coordinator ограничивает количество одновременно
// исполняемых runs.
//
// Admit выдаёт явное решение по каждой заявке: ACCEPTED, QUEUED или
// REJECTED — заявка никогда не исчезает молча. Очередь FIFO;
// освободившийся слот достаётся самому раннему ожидающему.
// Состояние наблюдаемо через prometheus-метрики и Snapshot.
package coordinator
