package decompose

import (
	"fmt"
	"sort"

	"github.com/steveyegge/codeswarm/internal/types"
)

// Graph is a validated task DAG. Tasks are kept in a deterministic
// topological order: among tasks whose dependencies are satisfied, the
// one created first comes first.
type Graph struct {
	tasks      map[string]*types.Task
	order      []string
	dependents map[string][]string
}

// NewGraph validates tasks as a DAG. Unknown dependency ids, duplicate
// ids and cycles are rejected.
func NewGraph(tasks []*types.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*types.Task, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	index := make(map[string]int, len(tasks))

	for i, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		g.tasks[t.ID] = t
		index[t.ID] = i
	}

	inDegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] = 0
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			if dep == t.ID {
				return nil, fmt.Errorf("task %q depends on itself", t.ID)
			}
			g.dependents[dep] = append(g.dependents[dep], t.ID)
			inDegree[t.ID]++
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	// Kahn's algorithm; the ready set is ordered by creation index.
	var ready []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		current := ready[0]
		ready = ready[1:]
		g.order = append(g.order, current)

		for _, next := range g.dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(g.order) != len(tasks) {
		var stuck []string
		for _, t := range tasks {
			if inDegree[t.ID] > 0 {
				stuck = append(stuck, t.ID)
			}
		}
		return nil, fmt.Errorf("circular dependency detected among tasks %v", stuck)
	}

	return g, nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// Tasks returns the tasks in topological order.
func (g *Graph) Tasks() []*types.Task {
	out := make([]*types.Task, len(g.order))
	for i, id := range g.order {
		out[i] = g.tasks[id]
	}
	return out
}

// Get returns a task by id.
func (g *Graph) Get(id string) (*types.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Dependents returns the ids of tasks that depend directly on id, sorted.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// FilesByType returns, per analysis type, the concatenation of the file
// sets of that type's tasks.
func (g *Graph) FilesByType() map[string][]string {
	out := make(map[string][]string)
	for _, t := range g.Tasks() {
		out[t.AnalysisType] = append(out[t.AnalysisType], t.Files...)
	}
	return out
}
