package statemachine

import (
	"fmt"
	"slices"
)

type edge[S, E comparable] struct {
	from  S
	event E
}

// Table maps (state, event) pairs to target states. It is safe for
// concurrent use because it is never mutated after New returns.
type Table[S, E comparable] struct {
	edges    map[edge[S, E]]S
	terminal map[S]struct{}
}

// Option configures a Table during construction.
type Option[S, E comparable] func(*Table[S, E])

// WithTransition adds an edge. A later edge for the same pair replaces the earlier one.
func WithTransition[S, E comparable](from S, event E, to S) Option[S, E] {
	return func(t *Table[S, E]) { t.edges[edge[S, E]{from, event}] = to }
}

// WithTransitions adds the same event edge from several source states.
func WithTransitions[S, E comparable](froms []S, event E, to S) Option[S, E] {
	return func(t *Table[S, E]) {
		for _, from := range froms {
			t.edges[edge[S, E]{from, event}] = to
		}
	}
}

// WithTerminal marks states that have no outgoing edges. New panics if an
// edge leaves a terminal state.
func WithTerminal[S, E comparable](states ...S) Option[S, E] {
	return func(t *Table[S, E]) {
		for _, s := range states {
			t.terminal[s] = struct{}{}
		}
	}
}

func New[S, E comparable](opts ...Option[S, E]) *Table[S, E] {
	t := &Table[S, E]{
		edges:    make(map[edge[S, E]]S),
		terminal: make(map[S]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	for e := range t.edges {
		if _, ok := t.terminal[e.from]; ok {
			panic(fmt.Sprintf("statemachine: edge %v leaves terminal state %v", e.event, e.from))
		}
	}
	return t
}

// Next returns the target state for event fired in state from.
func (t *Table[S, E]) Next(from S, event E) (S, error) {
	to, ok := t.edges[edge[S, E]{from, event}]
	if !ok {
		var zero S
		return zero, &ErrNoTransitionAvailable{State: fmt.Sprint(from), Event: fmt.Sprint(event)}
	}
	return to, nil
}

func (t *Table[S, E]) Can(from S, event E) bool {
	_, ok := t.edges[edge[S, E]{from, event}]
	return ok
}

func (t *Table[S, E]) IsTerminal(s S) bool {
	_, ok := t.terminal[s]
	return ok
}

// Sources lists every state from which event is allowed.
func (t *Table[S, E]) Sources(event E) []S {
	var out []S
	for e := range t.edges {
		if e.event == event {
			out = append(out, e.from)
		}
	}
	return out
}

// SourcesFunc is Sources sorted with cmp, for deterministic output.
func (t *Table[S, E]) SourcesFunc(event E, cmp func(a, b S) int) []S {
	out := t.Sources(event)
	slices.SortFunc(out, cmp)
	return out
}
