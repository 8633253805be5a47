package engine

import (
	"fmt"
	"strings"
)

// PlanDAG is the upstream-dependency graph of a plan. An edge runs from an
// upstream vertex to the vertex that waits for it. Upstream ids that are not
// planned are ignored, matching how the execution graph treats them.
type PlanDAG struct {
	// plan is the analyzed plan.
	plan map[string]*PlanVertex

	// dependents maps a vertex id to the vertices waiting for it.
	dependents map[string][]string

	// upstream maps a vertex id to the planned vertices it waits for.
	upstream map[string][]string

	// inDegree counts planned upstream vertices per vertex.
	inDegree map[string]int

	// levels groups vertex ids that may run side by side.
	levels [][]string
}

// BuildPlanDAG indexes the plan, rejects cycles, and computes execution levels.
func BuildPlanDAG(plan map[string]*PlanVertex) (*PlanDAG, error) {
	d := &PlanDAG{
		plan:       plan,
		dependents: make(map[string][]string),
		upstream:   make(map[string][]string),
		inDegree:   make(map[string]int),
	}

	for _, id := range sortedKeys(plan) {
		d.inDegree[id] = 0
		seen := make(IDSet)
		for _, up := range plan[id].UpstreamVertices {
			if up == "" || seen.Has(up) {
				continue
			}
			if _, ok := plan[up]; !ok {
				continue
			}
			seen.Add(up)
			d.dependents[up] = append(d.dependents[up], id)
			d.upstream[id] = append(d.upstream[id], up)
			d.inDegree[id]++
		}
	}

	if cycle := d.findCycle(); cycle != nil {
		return nil, NewPlanningError(ErrCodeCycle,
			fmt.Sprintf("circular upstream dependency detected: %s", strings.Join(cycle, " -> "))).
			WithResource(cycle[0])
	}

	d.computeLevels()
	return d, nil
}

// findCycle returns the first cycle found by depth-first search, or nil.
func (d *PlanDAG) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range d.dependents[id] {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
				continue
			}
			if onStack[next] {
				for i, p := range path {
					if p == next {
						cycle := append([]string{}, path[i:]...)
						return append(cycle, next)
					}
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range sortedKeys(d.plan) {
		if visited[id] {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm, keeping every level sorted.
func (d *PlanDAG) computeLevels() {
	remaining := make(map[string]int, len(d.inDegree))
	for id, deg := range d.inDegree {
		remaining[id] = deg
	}

	var current []string
	for _, id := range sortedKeys(remaining) {
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		d.levels = append(d.levels, current)
		next := make(IDSet)
		for _, id := range current {
			for _, dep := range d.dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 {
					next.Add(dep)
				}
			}
		}
		current = nil
		if len(next) > 0 {
			current = next.Sorted()
		}
	}
}

// Levels returns the vertex ids grouped by execution level.
func (d *PlanDAG) Levels() [][]string {
	return d.levels
}

// Upstream returns the planned vertices id waits for.
func (d *PlanDAG) Upstream(id string) []string {
	return d.upstream[id]
}

// Dependents returns the planned vertices waiting for id.
func (d *PlanDAG) Dependents(id string) []string {
	return d.dependents[id]
}

// ToDOT renders the plan in Graphviz DOT format, one cluster per level.
func (d *PlanDAG) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range d.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			vertex := d.plan[id]
			label := fmt.Sprintf("%s\\n%s", id, vertexKind(vertex))
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, vertexColor(vertex)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range sortedKeys(d.plan) {
		for _, up := range d.upstream[id] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", up, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func vertexKind(v *PlanVertex) string {
	if v.Process == nil {
		return "noop"
	}
	if v.Process.ProcessType != "" {
		return string(v.Process.ProcessType)
	}
	return "process"
}

func vertexColor(v *PlanVertex) string {
	if v.Process == nil {
		return "lightgray"
	}
	switch v.Process.ProcessType {
	case ProcessCreate:
		return "lightgreen"
	case ProcessUpdate:
		return "lightblue"
	case ProcessDelete:
		return "lightcoral"
	default:
		return "white"
	}
}
