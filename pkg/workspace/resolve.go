package workspace

import "sort"

// resolveOrder validates the dependency graph and returns the workspace
// ids in initialization order (dependencies before dependents) using
// Kahn's algorithm. Ties break alphabetically so the order is
// deterministic across runs.
func resolveOrder(configs []Config) ([]string, error) {
	byID := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		if _, ok := byID[cfg.ID]; ok {
			return nil, duplicateIDs(cfg.ID)
		}
		byID[cfg.ID] = cfg
	}

	// Flat/hoisted check: every declared dependency must be registered.
	for _, cfg := range configs {
		for _, dep := range cfg.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, missingDependency(cfg.ID, dep)
			}
		}
	}

	// Build adjacency list and in-degree map
	dependents := make(map[string][]string, len(configs))
	inDegree := make(map[string]int, len(configs))
	for _, cfg := range configs {
		inDegree[cfg.ID] += 0
		for _, dep := range cfg.Dependencies {
			dependents[dep] = append(dependents[dep], cfg.ID)
			inDegree[cfg.ID]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		ready := false
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
				ready = true
			}
		}
		if ready {
			sort.Strings(queue)
		}
	}

	if len(order) != len(configs) {
		return nil, circularDependency(cyclePath(byID, inDegree))
	}
	return order, nil
}

// cyclePath walks the unresolved remainder of the graph to produce one
// concrete cycle for the error message.
func cyclePath(byID map[string]Config, inDegree map[string]int) []string {
	remaining := make(map[string]bool)
	for id, deg := range inDegree {
		if deg > 0 {
			remaining[id] = true
		}
	}

	var start string
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil
	}
	start = ids[0]

	// Follow dependencies inside the remainder until a node repeats
	seen := make(map[string]int)
	var path []string
	current := start
	for {
		if at, ok := seen[current]; ok {
			cycle := append([]string{}, path[at:]...)
			return append(cycle, current)
		}
		seen[current] = len(path)
		path = append(path, current)

		next := ""
		deps := append([]string{}, byID[current].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		current = next
	}
}
