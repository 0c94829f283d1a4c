package schema

import "sort"

// topoSort orders names so that every dependency precedes its dependents.
// Ties break lexicographically so extraction is deterministic, and nodes
// caught in a dependency cycle are appended in lexicographic order rather
// than rejected (a CREATE OR REPLACE VIEW cycle still restores as long as
// the server accepts the definitions in that order).
func topoSort(deps map[string][]string) []string {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for node := range deps {
		indegree[node] += 0
	}
	for node, parents := range deps {
		for _, parent := range parents {
			if _, known := deps[parent]; !known {
				continue
			}
			indegree[node]++
			dependents[parent] = append(dependents[parent], node)
		}
	}

	ready := []string{}
	for node, n := range indegree {
		if n == 0 {
			ready = append(ready, node)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(deps))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)

		next := []string{}
		for _, dep := range dependents[node] {
			indegree[dep]--
			if indegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		ready = mergeSorted(ready, next)
	}

	if len(order) < len(deps) {
		leftover := []string{}
		for node := range deps {
			if !contains(order, node) {
				leftover = append(leftover, node)
			}
		}
		sort.Strings(leftover)
		order = append(order, leftover...)
	}
	return order
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
