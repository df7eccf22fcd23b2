package coordination

import (
	"maps"
	"slices"
	"sort"
)

// kahn topologically sorts nodes over edges (from -> to). Depth is the
// longest distance from a source. Nodes left out of order sit on a cycle
// or downstream of one.
func kahn(nodes []string, edges map[string][]string) (order []string, depth map[string]int, pred map[string]string, leftover []string) {
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, tos := range edges {
		for _, to := range tos {
			inDegree[to]++
		}
	}

	depth = make(map[string]int, len(inDegree))
	pred = make(map[string]string)
	queue := make([]string, 0)
	for _, n := range sortedKeys(inDegree) {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		next := slices.Clone(edges[node])
		sort.Strings(next)
		for _, neighbor := range next {
			inDegree[neighbor]--
			if d := depth[node] + 1; d > depth[neighbor] {
				depth[neighbor] = d
				pred[neighbor] = node
			}
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(order) != len(inDegree) {
		done := make(map[string]bool, len(order))
		for _, n := range order {
			done[n] = true
		}
		for _, n := range sortedKeys(inDegree) {
			if !done[n] {
				leftover = append(leftover, n)
			}
		}
	}
	return order, depth, pred, leftover
}

// LongestChain returns the longest dependency chain, first task first.
// deps maps a task to the tasks it depends on.
func LongestChain(deps map[string][]string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	nodeSet := make(map[string]bool)
	edges := make(map[string][]string)
	for task, on := range deps {
		nodeSet[task] = true
		for _, d := range on {
			nodeSet[d] = true
			edges[d] = append(edges[d], task)
		}
	}

	_, depth, pred, leftover := kahn(sortedKeys(nodeSet), edges)
	if len(leftover) > 0 {
		return nil, ErrDependencyCycle
	}

	end, best := "", -1
	for _, n := range sortedKeys(nodeSet) {
		if depth[n] > best {
			end, best = n, depth[n]
		}
	}
	chain := []string{end}
	for n := end; ; {
		p, ok := pred[n]
		if !ok {
			break
		}
		chain = append(chain, p)
		n = p
	}
	slices.Reverse(chain)
	return chain, nil
}

// cycleCore returns the nodes lying on cycles of the graph: Kahn's
// leftovers with everything that only leads out of the cycle pruned.
func cycleCore(nodes []string, edges map[string][]string) []string {
	_, _, _, leftover := kahn(nodes, edges)
	if len(leftover) == 0 {
		return nil
	}

	in := make(map[string]bool, len(leftover))
	for _, n := range leftover {
		in[n] = true
	}
	for changed := true; changed; {
		changed = false
		for _, n := range sortedKeys(in) {
			hasOut := false
			for _, to := range edges[n] {
				if in[to] {
					hasOut = true
					break
				}
			}
			if !hasOut {
				delete(in, n)
				changed = true
			}
		}
	}
	return sortedKeys(in)
}

// fanOut is the mean number of dependents per task that has any.
func fanOut(deps map[string][]string) float64 {
	dependents := make(map[string]int)
	for _, on := range deps {
		for _, d := range on {
			dependents[d]++
		}
	}
	if len(dependents) == 0 {
		return 0
	}
	total := 0
	for _, n := range dependents {
		total += n
	}
	return float64(total) / float64(len(dependents))
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
