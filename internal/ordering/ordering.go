// Package ordering computes dependency-respecting sequences for batch
// service operations.
package ordering

// Result is the outcome of an ordering pass.
type Result[T any] struct {
	// Ordered holds every input item exactly once.
	Ordered []T
	// Cycles holds the items whose constraints conflicted. They were
	// appended at the end of Ordered.
	Cycles []T
}

// Degraded reports whether any cycle forced a fallback placement.
func (r Result[T]) Degraded() bool { return len(r.Cycles) > 0 }

// Reverse returns Ordered back to front, the order for stopping.
func (r Result[T]) Reverse() []T {
	out := make([]T, len(r.Ordered))
	for i, v := range r.Ordered {
		out[len(out)-1-i] = v
	}
	return out
}

// Order places items one at a time. For each new item it finds i, the last
// placed item it depends on, and j, the first placed item that depends on
// it. With no dependency it goes to the front; with no dependent to the
// back; otherwise between them at j. When i >= j no position satisfies
// both and the item is appended and reported as a cycle.
//
// dependsOn must be transitive for the result to be a topological order of
// an acyclic input.
func Order[T any](items []T, dependsOn func(a, b T) bool) Result[T] {
	var res Result[T]
	res.Ordered = make([]T, 0, len(items))
	for _, item := range items {
		i := -1
		for k := len(res.Ordered) - 1; k >= 0; k-- {
			if dependsOn(item, res.Ordered[k]) {
				i = k
				break
			}
		}
		j := len(res.Ordered)
		for k, placed := range res.Ordered {
			if dependsOn(placed, item) {
				j = k
				break
			}
		}
		switch {
		case i == -1:
			res.Ordered = insert(res.Ordered, 0, item)
		case j == len(res.Ordered):
			res.Ordered = append(res.Ordered, item)
		case i < j:
			res.Ordered = insert(res.Ordered, j, item)
		default:
			res.Ordered = append(res.Ordered, item)
			res.Cycles = append(res.Cycles, item)
		}
	}
	return res
}

func insert[T any](s []T, at int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[at+1:], s[at:])
	s[at] = v
	return s
}

// ByDependencies orders items that name their dependencies. Dependency
// names that are not among the items are ignored, and an item depends on
// everything reachable through its dependencies.
func ByDependencies[T any](items []T, name func(T) string, deps func(T) []string) Result[T] {
	present := make(map[string]bool, len(items))
	for _, it := range items {
		present[name(it)] = true
	}
	direct := make(map[string][]string, len(items))
	for _, it := range items {
		for _, d := range deps(it) {
			if present[d] {
				direct[name(it)] = append(direct[name(it)], d)
			}
		}
	}
	reach := make(map[string]map[string]bool, len(items))
	for n := range present {
		seen := make(map[string]bool)
		stack := append([]string(nil), direct[n]...)
		for len(stack) > 0 {
			d := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[d] {
				continue
			}
			seen[d] = true
			stack = append(stack, direct[d]...)
		}
		reach[n] = seen
	}
	return Order(items, func(a, b T) bool { return reach[name(a)][name(b)] })
}
