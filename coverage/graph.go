package coverage

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/emicklei/dot"
	"github.com/pkg/errors"
)

type edgeKey struct {
	from, to Vertex
}

// MergeReport counts the graph elements a merge inserted for the first time.
type MergeReport struct {
	NewVertices int
	NewEdges    int
}

// IsGood reports whether the merge added any vertex or edge.
func (r MergeReport) IsGood() bool {
	return r.NewVertices > 0 || r.NewEdges > 0
}

// Graph is the cumulative control-flow multigraph. Vertices and edges only
// ever grow and hit counts only increase.
type Graph struct {
	mu       sync.RWMutex
	vertices map[Vertex]struct{}
	edges    map[edgeKey]uint64
}

// NewGraph returns a graph that already contains EntryExit, so the synthetic
// vertex never counts as new.
func NewGraph() *Graph {
	return &Graph{
		vertices: map[Vertex]struct{}{EntryExit: {}},
		edges:    make(map[edgeKey]uint64),
	}
}

// Merge folds edges into the graph and reports what was new.
func (g *Graph) Merge(edges []Edge) MergeReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rep MergeReport
	for _, e := range edges {
		if g.addVertex(e.From) {
			rep.NewVertices++
		}
		if g.addVertex(e.To) {
			rep.NewVertices++
		}
		k := edgeKey{e.From, e.To}
		if _, ok := g.edges[k]; !ok {
			rep.NewEdges++
		}
		g.edges[k] += e.Hits
	}
	return rep
}

func (g *Graph) addVertex(v Vertex) bool {
	if _, ok := g.vertices[v]; ok {
		return false
	}
	g.vertices[v] = struct{}{}
	return true
}

// Vertices returns the number of real vertices, not counting EntryExit.
func (g *Graph) Vertices() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vertices) - 1
}

func (g *Graph) Edges() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

func (g *Graph) HasVertex(v Vertex) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.vertices[v]
	return ok
}

// Hits returns the cumulative hit count of from->to and whether the edge exists.
func (g *Graph) Hits(from, to Vertex) (uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.edges[edgeKey{from, to}]
	return n, ok
}

// Snapshot returns all edges sorted by (from, to).
func (g *Graph) Snapshot() []Edge {
	g.mu.RLock()
	out := make([]Edge, 0, len(g.edges))
	for k, n := range g.edges {
		out = append(out, Edge{From: k.from, To: k.to, Hits: n})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func vertexLabel(v Vertex) string {
	if v == EntryExit {
		return "entry/exit"
	}
	return fmt.Sprintf("0x%x", uint64(v))
}

// Dot renders the graph in Graphviz format, edges labelled with hit counts.
func (g *Graph) Dot() *dot.Graph {
	out := dot.NewGraph(dot.Directed)
	for _, e := range g.Snapshot() {
		from := out.Node(vertexLabel(e.From))
		to := out.Node(vertexLabel(e.To))
		out.Edge(from, to, fmt.Sprintf("%d", e.Hits))
	}
	return out
}

// WriteDot writes Dot() to w.
func (g *Graph) WriteDot(w io.Writer) error {
	if _, err := io.WriteString(w, g.Dot().String()); err != nil {
		return errors.Wrap(err, "coverage: write dot")
	}
	return nil
}
