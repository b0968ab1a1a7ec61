package status

import "slices"

// Graph is a directed transition table for one status domain.
// States with no outgoing edges are terminal.
type Graph[S ~string] struct {
	initial S
	edges   map[S][]S
}

func newGraph[S ~string](initial S, edges map[S][]S) Graph[S] {
	return Graph[S]{initial: initial, edges: edges}
}

func (g Graph[S]) Initial() S {
	return g.initial
}

// Valid reports whether s is a known state of the domain.
func (g Graph[S]) Valid(s S) bool {
	_, ok := g.edges[s]
	return ok
}

func (g Graph[S]) Terminal(s S) bool {
	next, ok := g.edges[s]
	return ok && len(next) == 0
}

func (g Graph[S]) Allows(from, to S) bool {
	return slices.Contains(g.edges[from], to)
}

func (g Graph[S]) Next(s S) []S {
	return slices.Clone(g.edges[s])
}

// IsWalk reports whether seq starts at the initial state and every
// consecutive pair is an allowed edge.
func (g Graph[S]) IsWalk(seq []S) bool {
	if len(seq) == 0 || seq[0] != g.initial {
		return false
	}
	for i := 1; i < len(seq); i++ {
		if !g.Allows(seq[i-1], seq[i]) {
			return false
		}
	}
	return true
}
