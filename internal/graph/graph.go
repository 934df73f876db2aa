package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Node — узел DAG: шаг вместе с разрешёнными привязками входов.
type Node struct {
	// Step — определение шага из GraphSpec.
	Step *domain.StepDef

	// Name — имя шага (копия Step.Name).
	Name string

	// Inputs — входы после резолва ссылок from.
	Inputs []ResolvedInput
}

// ResolvedInput — вход шага с разрешённым источником.
//
// Инвариант build'а: ровно одно из Source / Literal задано.
type ResolvedInput struct {
	// Name — имя входа, под которым значение видно обработчику.
	Name string

	// Source — output upstream-шага. Nil для литералов.
	Source *OutputRef

	// Literal — литеральное значение (используется, когда Source == nil).
	Literal any
}

// OutputRef — ссылка на output конкретного шага.
type OutputRef struct {
	Step   string
	Output string
}

// String возвращает ссылку в форме "step.output".
func (r OutputRef) String() string {
	return r.Step + "." + r.Output
}

// Graph — валидированный ациклический граф шагов.
//
// Неизменяем после Build: вся валидация происходит один раз,
// до какого-либо выполнения. Индексы смежности строятся при
// конструировании, поэтому UpstreamOf/DownstreamOf — O(1).
type Graph struct {
	// Spec — исходная спецификация.
	Spec *domain.GraphSpec

	// Nodes — все узлы графа (имя шага → Node).
	Nodes map[string]*Node

	layers     [][]string
	upstream   map[string][]string
	downstream map[string][]string
}

// Build строит Graph из GraphSpec.
//
// Выполняет полную валидацию: структурную (Validate), резолв привязок
// from (каждая ссылка должна указывать на существующий output) и
// проверку ацикличности. Никогда не возвращает частично построенный
// граф: либо валидный Graph, либо ошибка.
func Build(spec *domain.GraphSpec) (*Graph, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	g := &Graph{
		Spec:       spec,
		Nodes:      make(map[string]*Node, len(spec.Steps)),
		upstream:   make(map[string][]string, len(spec.Steps)),
		downstream: make(map[string][]string, len(spec.Steps)),
	}

	// Первый проход: создаём узлы и индекс производителей outputs
	producers := make(map[string][]string)
	for i := range spec.Steps {
		step := &spec.Steps[i]
		g.Nodes[step.Name] = &Node{Step: step, Name: step.Name}

		for _, out := range step.Outputs {
			producers[out.Name] = append(producers[out.Name], step.Name)
		}
	}

	// Второй проход: резолвим привязки входов и строим рёбра
	deps := make(Deps, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		node := g.Nodes[step.Name]
		deps[step.Name] = nil

		for _, in := range step.Inputs {
			if in.IsLiteral() {
				node.Inputs = append(node.Inputs, ResolvedInput{Name: in.Name, Literal: in.Value})
				continue
			}

			ref, err := g.resolveRef(step.Name, in, producers)
			if err != nil {
				return nil, err
			}
			node.Inputs = append(node.Inputs, ResolvedInput{Name: in.Name, Source: ref})
			g.addEdge(ref.Step, step.Name)
			deps[step.Name] = append(deps[step.Name], ref.Step)
		}
	}

	// Проверяем ацикличность и строим топологические уровни
	layers, err := TopoLayers(deps)
	if err != nil {
		return nil, err
	}
	g.layers = layers

	// Детерминированный порядок в индексах смежности
	for _, names := range g.upstream {
		sort.Strings(names)
	}
	for _, names := range g.downstream {
		sort.Strings(names)
	}

	return g, nil
}

// resolveRef разрешает ссылку from в конкретный OutputRef.
//
// Поддерживаются две формы:
//   - "step.output" — полная ссылка;
//   - "output" — короткая, допустима только если output с таким именем
//     объявлен ровно одним шагом.
func (g *Graph) resolveRef(stepName string, in domain.InputDef, producers map[string][]string) (*OutputRef, error) {
	var ref OutputRef

	if i := strings.IndexByte(in.From, '.'); i >= 0 {
		ref = OutputRef{Step: in.From[:i], Output: in.From[i+1:]}

		upstream, exists := g.Nodes[ref.Step]
		if !exists {
			return nil, NewValidationError(stepName, "inputs",
				fmt.Sprintf("input %q references unknown step: %s", in.Name, ref.Step), ErrUnresolvedInput)
		}
		if !declaresOutput(upstream.Step, ref.Output) {
			return nil, NewValidationError(stepName, "inputs",
				fmt.Sprintf("input %q references unknown output: %s", in.Name, in.From), ErrUnresolvedInput)
		}
	} else {
		switch found := producers[in.From]; len(found) {
		case 0:
			return nil, NewValidationError(stepName, "inputs",
				fmt.Sprintf("input %q references unknown output: %s", in.Name, in.From), ErrUnresolvedInput)
		case 1:
			ref = OutputRef{Step: found[0], Output: in.From}
		default:
			return nil, NewValidationError(stepName, "inputs",
				fmt.Sprintf("output %q is produced by multiple steps (%s), use the step.output form",
					in.From, strings.Join(found, ", ")), ErrDuplicateOutput)
		}
	}

	if ref.Step == stepName {
		return nil, NewValidationError(stepName, "inputs",
			fmt.Sprintf("input %q reads the step's own output", in.Name), ErrSelfDependency)
	}

	return &ref, nil
}

// addEdge добавляет ребро from → to, игнорируя дубликаты
// (шаг может читать несколько outputs одного upstream-шага).
func (g *Graph) addEdge(from, to string) {
	for _, u := range g.upstream[to] {
		if u == from {
			return
		}
	}
	g.upstream[to] = append(g.upstream[to], from)
	g.downstream[from] = append(g.downstream[from], to)
}

// declaresOutput проверяет, объявляет ли шаг output с таким именем.
func declaresOutput(step *domain.StepDef, name string) bool {
	for _, out := range step.Outputs {
		if out.Name == name {
			return true
		}
	}
	return false
}

// Layers возвращает топологические уровни: шаги уровня k зависят
// только от шагов уровней < k. Порядок внутри уровня не гарантируется
// вызывающим — планировщик не должен на него полагаться.
func (g *Graph) Layers() [][]string {
	return g.layers
}

// UpstreamOf возвращает имена шагов, от которых step зависит напрямую.
func (g *Graph) UpstreamOf(step string) []string {
	return g.upstream[step]
}

// DownstreamOf возвращает имена шагов, напрямую зависящих от step.
func (g *Graph) DownstreamOf(step string) []string {
	return g.downstream[step]
}

// TransitiveDownstream возвращает все шаги, транзитивно зависящие
// от step (BFS по индексу downstream). Сам step в результат не входит.
func (g *Graph) TransitiveDownstream(step string) map[string]bool {
	result := make(map[string]bool)
	queue := append([]string(nil), g.downstream[step]...)

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if result[name] {
			continue
		}
		result[name] = true
		queue = append(queue, g.downstream[name]...)
	}

	return result
}

// GetNode возвращает узел по имени шага.
func (g *Graph) GetNode(name string) *Node {
	return g.Nodes[name]
}

// Size возвращает количество шагов в графе.
func (g *Graph) Size() int {
	return len(g.Nodes)
}

// RequiredResources возвращает объединение resource-ключей всех шагов,
// отсортированное по имени. Используется при привязке run для проверки,
// что набор resources покрывает потребности графа.
func (g *Graph) RequiredResources() []string {
	set := make(map[string]bool)
	for _, node := range g.Nodes {
		for _, key := range node.Step.Resources {
			set[key] = true
		}
	}

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
