// Package depgraph detects cycles in the builder dependency graph, the same
// way internal/batch.Ctx.Build does before scheduling a distri package
// build: build a gonum directed graph of "consumer depends on producer"
// edges and run topo.Sort, which reports any unorderable (cyclic)
// components.
package depgraph

import (
	"sync"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Graph tracks directed edges between named builders, where an edge from A
// to B means "A depends on B" (A's build must await B's).
type Graph struct {
	mu    sync.Mutex
	g     *simple.DirectedGraph
	ids   map[string]int64
	names map[int64]string
	next  int64
}

// New returns an empty dependency graph.
func New() *Graph {
	return &Graph{
		g:     simple.NewDirectedGraph(),
		ids:   make(map[string]int64),
		names: make(map[int64]string),
	}
}

func (gr *Graph) idFor(name string) int64 {
	if id, ok := gr.ids[name]; ok {
		return id
	}
	id := gr.next
	gr.next++
	gr.ids[name] = id
	gr.names[id] = name
	gr.g.AddNode(simple.Node(id))
	return id
}

// AddEdge records that builder "from" depends on builder "to". Self-edges
// are ignored; a builder trivially does not cycle through itself.
func (gr *Graph) AddEdge(from, to string) {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	f := gr.idFor(from)
	t := gr.idFor(to)
	if f == t {
		return
	}
	gr.g.SetEdge(gr.g.NewEdge(simple.Node(f), simple.Node(t)))
}

// DetectCycle returns the builder names participating in a dependency cycle,
// if the graph currently contains one.
func (gr *Graph) DetectCycle() ([]string, bool) {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	if _, err := topo.Sort(gr.g); err != nil {
		if uo, ok := err.(topo.Unorderable); ok {
			for _, component := range uo {
				if len(component) < 2 && !gr.hasSelfLoop(component[0]) {
					continue
				}
				names := make([]string, 0, len(component))
				for _, n := range component {
					names = append(names, gr.names[n.ID()])
				}
				return names, true
			}
		}
	}
	return nil, false
}

func (gr *Graph) hasSelfLoop(n interface{ ID() int64 }) bool {
	return gr.g.HasEdgeFromTo(n.ID(), n.ID())
}
