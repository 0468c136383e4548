package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds a directed acyclic graph (DAG) from plan units.
// It performs topological sorting and assigns execution levels; each level is
// one phase whose units run concurrently.
type DAGBuilder struct {
	// units maps plan unit IDs to their plan units
	units map[string]*PlanUnit

	// order keeps unit IDs in input order for deterministic iteration
	order []string

	// adjacencyList maps unit IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps unit IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to unit IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:                make(map[string]*PlanUnit),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from plan units.
// It validates dependencies, detects cycles, and computes execution levels.
// ExecutionOrder is set on every unit.
func (b *DAGBuilder) BuildGraph(units []PlanUnit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize sets up the internal data structures from plan units.
func (b *DAGBuilder) initialize(units []PlanUnit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("plan unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}

		if _, exists := b.units[unit.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate plan unit ID: %s", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.units[unit.ID] = unit
		b.order = append(b.order, unit.ID)
		b.adjacencyList[unit.ID] = make([]string, 0)
		b.reverseAdjacencyList[unit.ID] = make([]string, 0)
		b.inDegree[unit.ID] = 0
	}

	for _, id := range b.order {
		unit := b.units[id]
		for _, dep := range unit.Dependencies {
			targetID := dep.TargetID

			if _, exists := b.units[targetID]; !exists {
				return NewPermanentError(
					fmt.Sprintf("plan unit %s depends on non-existent unit %s", unit.ID, targetID),
					nil,
				).WithCode(ErrCodeValidation).WithResource(unit.ID)
			}

			// Edge from dependency to unit: the dependency runs first.
			b.adjacencyList[targetID] = append(b.adjacencyList[targetID], unit.ID)
			b.reverseAdjacencyList[unit.ID] = append(b.reverseAdjacencyList[unit.ID], targetID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

// detectCyclesUtil returns the cycle reachable from nodeID, if any.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels with Kahn's algorithm. IDs within a
// level are sorted so the same units always produce the same phases.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 {
		return NewPermanentError("no root nodes found - all units have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}

		currentLevel = nextLevel
	}

	if processedCount != len(b.units) {
		return NewPermanentError("failed to process all units - possible cycle", nil).
			WithCode(ErrCodeValidation)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, unitIDs := range b.levels {
		for _, unitID := range unitIDs {
			unit := b.units[unitID]
			graph.Nodes[unitID] = &GraphNode{
				ID:           unitID,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[unitID],
				Dependents:   b.adjacencyList[unitID],
			}
			unit.ExecutionOrder = level

			if level == 0 {
				graph.Roots = append(graph.Roots, unitID)
			}
		}
	}

	for _, id := range b.order {
		unit := b.units[id]
		for _, dep := range unit.Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep.TargetID,
				To:   unit.ID,
				Type: dep.Type,
			})
		}
	}

	return graph
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// Unit returns the unit with id.
func (b *DAGBuilder) Unit(id string) *PlanUnit {
	return b.units[id]
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ExecutionGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, unitIDs := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_phase_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Phase %d\";\n", level+1))
		sb.WriteString("    style=dashed;\n")

		for _, unitID := range unitIDs {
			unit := b.units[unitID]
			label := fmt.Sprintf("%s %s\\n%s", unit.Operation, unit.Kind, unit.ResourceID)
			color := getOperationColor(unit.Operation)

			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				unitID, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.order {
		unit := b.units[id]
		for _, dep := range unit.Dependencies {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
				dep.TargetID, unit.ID, getDependencyStyle(dep.Type)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// getOperationColor returns a color for visualizing operation types.
func getOperationColor(op OperationType) string {
	switch op {
	case OperationCreate:
		return "lightgreen"
	case OperationUpdate:
		return "lightblue"
	case OperationDelete:
		return "lightcoral"
	case OperationPromote:
		return "khaki"
	default:
		return "white"
	}
}

// getDependencyStyle returns a DOT style string for dependency types.
func getDependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyOrder:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.units) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeValidation)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeValidation)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeValidation)
		}
	}

	return nil
}
