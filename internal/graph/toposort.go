package graph

import "sort"

// Deps — абстрактное отношение зависимостей: узел → список узлов,
// от которых он зависит.
//
// Одна и та же сортировка обслуживает и шаги graph, и resources:
// отношение не знает, что за сущности стоят за идентификаторами.
// Все упомянутые в значениях узлы должны присутствовать как ключи;
// неизвестные ссылки игнорируются (валидируются вызывающей стороной).
type Deps map[string][]string

// TopoLayers разбивает узлы на топологические уровни.
//
// Узлы уровня k зависят только от узлов уровней < k; узлы одного
// уровня взаимно независимы и могут выполняться в любом порядке.
// Внутри уровня узлы отсортированы по имени, но вызывающая сторона
// не должна полагаться на этот порядок.
//
// Возвращает *CycleError, если отношение содержит цикл.
func TopoLayers(deps Deps) ([][]string, error) {
	// Считаем входящие рёбра и обратную смежность
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id := range deps {
		indegree[id] = 0
	}
	for id, ups := range deps {
		seen := make(map[string]bool, len(ups))
		for _, up := range ups {
			if seen[up] {
				continue
			}
			if _, known := indegree[up]; !known {
				continue
			}
			seen[up] = true
			indegree[id]++
			dependents[up] = append(dependents[up], id)
		}
	}

	// Стартовый уровень: узлы без зависимостей
	queue := make([]string, 0, len(deps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	layers := make([][]string, 0)
	processed := 0

	for len(queue) > 0 {
		sort.Strings(queue)
		layers = append(layers, queue)

		next := make([]string, 0)
		for _, id := range queue {
			processed++
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		queue = next
	}

	// Если не все узлы обработаны — есть цикл
	if processed != len(indegree) {
		return nil, &CycleError{Cycle: FindCycle(deps)}
	}

	return layers, nil
}

// FindCycle возвращает последовательность узлов, образующих цикл,
// с повторением первого узла в конце: [A, B, A].
// Возвращает nil, если отношение ациклично.
//
// Обход детерминирован: узлы и рёбра перебираются в лексикографическом
// порядке, поэтому для одного отношения всегда возвращается один и тот
// же цикл.
func FindCycle(deps Deps) []string {
	const (
		white = iota // не посещён
		gray         // в текущем пути обхода
		black        // полностью обработан
	)

	color := make(map[string]int, len(deps))
	stack := make([]string, 0)
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		ups := append([]string(nil), deps[id]...)
		sort.Strings(ups)
		for _, up := range ups {
			if _, known := deps[up]; !known {
				continue
			}
			switch color[up] {
			case gray:
				// Нашли обратное ребро: цикл от up до вершины стека
				start := 0
				for i, s := range stack {
					if s == up {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), up)
				return true
			case white:
				if visit(up) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
