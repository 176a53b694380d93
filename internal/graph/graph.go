// Package graph builds weighted transaction multigraphs and runs the
// structural, connectivity and temporal analyses over them.
package graph

import (
	"sort"
	"strings"

	"github.com/opensource-finance/tracex/internal/domain"
)

// TxRef is the audit trail of one transaction folded into an edge.
type TxRef struct {
	TxHash    string  `json:"tx_hash"`
	Timestamp int64   `json:"timestamp"`
	USDValue  float64 `json:"usd_value"`
}

// Edge aggregates every transaction between an ordered address pair.
type Edge struct {
	From   string
	To     string
	Weight float64
	Txs    []TxRef
}

// Graph is a directed graph whose parallel transactions collapse into one
// weighted edge. Vertices are lower-cased addresses. Iteration follows
// insertion order so results are reproducible.
type Graph struct {
	nodes []string
	index map[string]int
	out   map[string][]*Edge
	in    map[string][]*Edge
	edges map[[2]string]*Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		out:   make(map[string][]*Edge),
		in:    make(map[string][]*Edge),
		edges: make(map[[2]string]*Edge),
	}
}

// Build folds txs into a new graph.
func Build(txs []*domain.Transaction) *Graph {
	g := New()
	for _, tx := range txs {
		g.AddTransaction(tx)
	}
	return g
}

// TokenKey is the partition key of tx: its lower-cased asset contract,
// possibly empty.
func TokenKey(tx *domain.Transaction) string {
	return strings.ToLower(strings.TrimSpace(tx.AssetContract))
}

// BuildByToken builds one graph per asset contract. Transactions with no
// contract form their own partition under the empty key.
func BuildByToken(txs []*domain.Transaction) map[string]*Graph {
	parts := make(map[string]*Graph)
	for _, tx := range txs {
		key := TokenKey(tx)
		g, ok := parts[key]
		if !ok {
			g = New()
			parts[key] = g
		}
		g.AddTransaction(tx)
	}
	return parts
}

func (g *Graph) addNode(v string) {
	if _, ok := g.index[v]; ok {
		return
	}
	g.index[v] = len(g.nodes)
	g.nodes = append(g.nodes, v)
}

// AddTransaction folds tx into the graph. Transactions without both
// endpoints or with a non-positive amount are skipped.
func (g *Graph) AddTransaction(tx *domain.Transaction) bool {
	from, to := tx.Sender(), tx.Receiver()
	w := tx.Amount()
	if from == "" || to == "" || w <= 0 {
		return false
	}
	g.addNode(from)
	g.addNode(to)

	ref := TxRef{TxHash: tx.TxHash, Timestamp: tx.Unix(), USDValue: w}
	key := [2]string{from, to}
	if e, ok := g.edges[key]; ok {
		e.Weight += w
		e.Txs = append(e.Txs, ref)
		return true
	}
	e := &Edge{From: from, To: to, Weight: w, Txs: []TxRef{ref}}
	g.edges[key] = e
	g.out[from] = append(g.out[from], e)
	g.in[to] = append(g.in[to], e)
	return true
}

// HasNode reports whether v is a vertex.
func (g *Graph) HasNode(v string) bool {
	_, ok := g.index[strings.ToLower(v)]
	return ok
}

// Nodes returns the vertices in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// NumNodes returns the vertex count.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the count of distinct ordered pairs.
func (g *Graph) NumEdges() int { return len(g.edges) }

// Edge returns the edge u→v.
func (g *Graph) Edge(u, v string) (*Edge, bool) {
	e, ok := g.edges[[2]string{strings.ToLower(u), strings.ToLower(v)}]
	return e, ok
}

// OutEdges returns the edges leaving v.
func (g *Graph) OutEdges(v string) []*Edge { return g.out[strings.ToLower(v)] }

// InEdges returns the edges entering v.
func (g *Graph) InEdges(v string) []*Edge { return g.in[strings.ToLower(v)] }

// Successors returns the heads of v's out-edges.
func (g *Graph) Successors(v string) []string {
	es := g.OutEdges(v)
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.To
	}
	return out
}

// Predecessors returns the tails of v's in-edges.
func (g *Graph) Predecessors(v string) []string {
	es := g.InEdges(v)
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.From
	}
	return out
}

// OutDegree returns the number of distinct successors.
func (g *Graph) OutDegree(v string) int { return len(g.OutEdges(v)) }

// InDegree returns the number of distinct predecessors.
func (g *Graph) InDegree(v string) int { return len(g.InEdges(v)) }

// Ego returns v and every vertex adjacent to it in either direction, sorted.
func (g *Graph) Ego(v string) []string {
	v = strings.ToLower(v)
	if !g.HasNode(v) {
		return nil
	}
	seen := map[string]struct{}{v: {}}
	for _, e := range g.out[v] {
		seen[e.To] = struct{}{}
	}
	for _, e := range g.in[v] {
		seen[e.From] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
