package runner

import (
	"errors"
	"fmt"

	"github.com/dominikbraun/graph"

	"github.com/envrun/envrun/internal/project"
)

// Plan is the ordered set of environments one run executes, plus the
// dependency edges the parallel scheduler needs.
type Plan struct {
	Ordered []string

	// DependsOn maps an environment to the selected environments it must
	// wait for. Dependencies outside the selection are dropped; depends is
	// an ordering hint, never an implicit selection.
	DependsOn map[string][]string
}

// BuildPlan orders selected environments so dependencies come first.
// priority biases the stable order, lower values sorting earlier; ties keep
// the selection order. --failed-first feeds recently failed environments in
// with negative priority.
func BuildPlan(proj *project.Project, selected []string, priority map[string]int) (*Plan, error) {
	index := make(map[string]int, len(selected))
	for i, name := range selected {
		index[name] = i
	}

	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, name := range selected {
		if err := g.AddVertex(name); err != nil {
			return nil, fmt.Errorf("failed to add %q to the plan: %w", name, err)
		}
	}

	dependsOn := make(map[string][]string, len(selected))
	for _, name := range selected {
		env, err := proj.Env(name)
		if err != nil {
			return nil, err
		}
		for _, dep := range env.Depends {
			if _, ok := index[dep]; !ok || dep == name {
				continue
			}
			if err := g.AddEdge(dep, name); err != nil {
				if errors.Is(err, graph.ErrEdgeAlreadyExists) {
					continue
				}
				return nil, fmt.Errorf("failed to order %q after %q: %w", name, dep, err)
			}
			dependsOn[name] = append(dependsOn[name], dep)
		}
	}

	ordered, err := graph.StableTopologicalSort(g, func(a, b string) bool {
		if priority[a] != priority[b] {
			return priority[a] < priority[b]
		}
		return index[a] < index[b]
	})
	if err != nil {
		return nil, fmt.Errorf("failed to order environments: %w", err)
	}

	return &Plan{Ordered: ordered, DependsOn: dependsOn}, nil
}
