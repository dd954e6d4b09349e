package scheduler

import (
	"strings"

	"github.com/ukleadgen/leadgen-backend/pkg/taskerror"
)

const (
	colorWhite = 0 // unvisited
	colorGray  = 1 // on the current DFS path
	colorBlack = 2 // fully explored
)

// checkCycles runs a three-color DFS over the dependency graph of the
// submitted batch and returns a CYCLE error naming the offending path when a
// back edge is found.
func checkCycles(tasks []*Task) error {
	graph := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		graph[t.ID] = t.DependsOn
	}

	color := make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = colorGray
		path = append(path, id)

		for _, dep := range graph[id] {
			switch color[dep] {
			case colorWhite:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case colorGray:
				// Back edge: the cycle is the path suffix starting at dep.
				for i, node := range path {
					if node == dep {
						return append(append([]string(nil), path[i:]...), dep)
					}
				}
			}
		}

		color[id] = colorBlack
		path = path[:len(path)-1]
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == colorWhite {
			if cycle := visit(t.ID); cycle != nil {
				return taskerror.Newf(taskerror.Cycle,
					"dependency cycle: %s", strings.Join(cycle, " -> "))
			}
		}
	}
	return nil
}
