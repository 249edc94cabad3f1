package depsrvc

import (
	"sort"

	"github.com/google/uuid"
)

// OrderNode is one row of a row group together with the priority of
// its evaluator class.
type OrderNode struct {
	RowID    uuid.UUID
	Priority float64
}

const (
	stateUnvisited = 0
	stateVisiting  = 1
	stateVisited   = 2
)

// ExecutionOrder produces a linear order of a row group such that
// prerequisites come before dependents. Used for diagnostics, not for
// dispatch. Nodes are first sorted by priority ascending, then visited
// depth-first with an explicit stack; recursion is avoided so large
// row groups cannot blow the call stack.
//
// A node re-entered while still being visited signals a cycle. Cycles
// cannot occur under the two-level dependency rule, so hitting one
// means the edge data is corrupt and the error carries the offending
// row ids.
func ExecutionOrder(nodes []OrderNode, prereqsOf map[uuid.UUID][]uuid.UUID) ([]uuid.UUID, error) {
	sorted := make([]OrderNode, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].RowID.String() < sorted[j].RowID.String()
	})

	// arena: nodes addressed by index, state kept in a parallel slice
	index := make(map[uuid.UUID]int, len(sorted))
	for i, n := range sorted {
		index[n.RowID] = i
	}
	state := make([]int, len(sorted))

	type frame struct {
		node int
		edge int // next prerequisite index to visit
	}

	order := make([]uuid.UUID, 0, len(sorted))
	for i := range sorted {
		if state[i] != stateUnvisited {
			continue
		}
		stack := []frame{{node: i}}
		state[i] = stateVisiting
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			prereqs := prereqsOf[sorted[top.node].RowID]
			if top.edge < len(prereqs) {
				next := prereqs[top.edge]
				top.edge++
				j, ok := index[next]
				if !ok {
					// prerequisite outside the group; ordering only
					// covers the group itself
					continue
				}
				switch state[j] {
				case stateVisiting:
					return nil, ErrDependencyCycle(sorted[top.node].RowID, next)
				case stateUnvisited:
					state[j] = stateVisiting
					stack = append(stack, frame{node: j})
				}
				continue
			}
			state[top.node] = stateVisited
			order = append(order, sorted[top.node].RowID)
			stack = stack[:len(stack)-1]
		}
	}
	return order, nil
}
