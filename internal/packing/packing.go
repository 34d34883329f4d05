// Package packing selects which task demands fit into a token budget.
package packing

import (
	"fmt"
	"sort"
	"strings"
)

// Func returns the indices, ascending, of the demands chosen to fit in
// capacity. The chosen demands never sum above capacity.
type Func func(capacity float64, demands []float64) []int

// DFS searches include/exclude combinations depth first and keeps the subset
// with the largest total. Include is explored before exclude and only a
// strictly greater total replaces the best, so the earliest optimum wins.
// The search stops early once the budget is matched exactly.
func DFS(capacity float64, demands []float64) []int {
	if capacity <= 0 || len(demands) == 0 {
		return []int{}
	}
	best := []int{}
	bestSum := 0.0
	cur := make([]int, 0, len(demands))

	var walk func(i int, sum float64) bool
	walk = func(i int, sum float64) bool {
		if sum > bestSum {
			bestSum = sum
			best = append(best[:0:0], cur...)
			if bestSum == capacity {
				return true
			}
		}
		if i == len(demands) {
			return false
		}
		if sum+demands[i] <= capacity {
			cur = append(cur, i)
			if walk(i+1, sum+demands[i]) {
				return true
			}
			cur = cur[:len(cur)-1]
		}
		return walk(i+1, sum)
	}
	walk(0, 0)
	return best
}

// Greedy visits demands largest first and takes each one that still fits.
func Greedy(capacity float64, demands []float64) []int {
	if capacity <= 0 || len(demands) == 0 {
		return []int{}
	}
	order := make([]int, len(demands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return demands[order[a]] > demands[order[b]]
	})
	chosen := []int{}
	remaining := capacity
	for _, i := range order {
		if demands[i] <= remaining {
			chosen = append(chosen, i)
			remaining -= demands[i]
		}
	}
	sort.Ints(chosen)
	return chosen
}

// FIFO takes demands in order and stops at the first one that does not fit.
func FIFO(capacity float64, demands []float64) []int {
	chosen := []int{}
	if capacity <= 0 {
		return chosen
	}
	remaining := capacity
	for i, d := range demands {
		if d > remaining {
			break
		}
		chosen = append(chosen, i)
		remaining -= d
	}
	return chosen
}

// ByName resolves a configured strategy name. An empty name selects DFS.
func ByName(name string) (Func, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "dfs":
		return DFS, nil
	case "greedy":
		return Greedy, nil
	case "fifo":
		return FIFO, nil
	default:
		return nil, fmt.Errorf("unknown packing strategy %q", name)
	}
}
