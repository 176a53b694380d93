package graph

import (
	"math"
	"sort"
	"strings"
)

// Default pattern thresholds.
const (
	DefaultFanMinCount  = 5
	DefaultFanMinTotal  = 0.01
	DefaultFanMinEach   = 0.001
	DefaultStackMinLen  = 3
	DefaultStackMinSum  = 100.0
	DefaultMaxDepth     = 10
	DefaultMaxVisits    = 50000
	patternFanIn        = 15.0
	patternFanOut       = 15.0
	patternGatherBonus  = 10.0
	patternStack        = 20.0
	patternBipartite    = 15.0
	patternScoreCeiling = 100.0
)

// Limits bound every depth-first search over a graph.
type Limits struct {
	MaxDepth  int // path length in nodes
	MaxVisits int // node expansions per search
}

// DefaultLimits returns the standard search bounds.
func DefaultLimits() Limits {
	return Limits{MaxDepth: DefaultMaxDepth, MaxVisits: DefaultMaxVisits}
}

func (l Limits) normalized() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	if l.MaxVisits <= 0 {
		l.MaxVisits = DefaultMaxVisits
	}
	return l
}

// FanIn returns the summed weight entering v.
func (g *Graph) FanIn(v string) float64 {
	var total float64
	for _, e := range g.InEdges(v) {
		total += e.Weight
	}
	return total
}

// FanInCount returns v's in-degree.
func (g *Graph) FanInCount(v string) int { return g.InDegree(v) }

// FanOut returns the summed weight leaving v.
func (g *Graph) FanOut(v string) float64 {
	var total float64
	for _, e := range g.OutEdges(v) {
		total += e.Weight
	}
	return total
}

// FanOutCount returns v's out-degree.
func (g *Graph) FanOutCount(v string) int { return g.OutDegree(v) }

// GatherScatter returns FanIn(v) + FanOut(v).
func (g *Graph) GatherScatter(v string) float64 { return g.FanIn(v) + g.FanOut(v) }

// GatherScatterCount returns the in-degree plus the out-degree of v.
func (g *Graph) GatherScatterCount(v string) int { return g.InDegree(v) + g.OutDegree(v) }

// FanPattern is the outcome of a fan-in or fan-out check.
type FanPattern struct {
	Detected bool     `json:"is_detected"`
	Count    int      `json:"count"`
	Total    float64  `json:"total_value"`
	Peers    []string `json:"peers"`
	MinEach  float64  `json:"min_each_value"`
}

func detectFan(edges []*Edge, peer func(*Edge) string, minCount int, minTotal, minEach float64) FanPattern {
	p := FanPattern{Peers: []string{}}
	lowest := math.Inf(1)
	for _, e := range edges {
		if e.Weight < minEach {
			continue
		}
		p.Peers = append(p.Peers, peer(e))
		p.Total += e.Weight
		lowest = math.Min(lowest, e.Weight)
	}
	p.Count = len(p.Peers)
	// lowest stays +Inf when nothing qualifies; the comparison is kept explicit.
	p.Detected = p.Count >= minCount && p.Total >= minTotal && lowest >= minEach
	if !math.IsInf(lowest, 1) {
		p.MinEach = lowest
	}
	return p
}

// DetectFanIn checks for at least minCount predecessors each sending at
// least minEach and together at least minTotal.
func (g *Graph) DetectFanIn(v string, minCount int, minTotal, minEach float64) FanPattern {
	return detectFan(g.InEdges(v), func(e *Edge) string { return e.From }, minCount, minTotal, minEach)
}

// DetectFanOut is the successor mirror of DetectFanIn.
func (g *Graph) DetectFanOut(v string, minCount int, minTotal, minEach float64) FanPattern {
	return detectFan(g.OutEdges(v), func(e *Edge) string { return e.To }, minCount, minTotal, minEach)
}

// StackPath is a qualifying simple directed path.
type StackPath struct {
	Path   []string `json:"path"`
	Length int      `json:"length"`
	Total  float64  `json:"total_value"`
}

type stackFrame struct {
	node  string
	next  int
	value float64
}

// DetectStack enumerates every simple directed path from start with at
// least minLength nodes and accumulated weight of at least minValue.
// Paths stop growing at lim.MaxDepth nodes; the search stops after
// lim.MaxVisits expansions.
func (g *Graph) DetectStack(start string, minLength int, minValue float64, lim Limits) []StackPath {
	start = strings.ToLower(start)
	if !g.HasNode(start) {
		return nil
	}
	lim = lim.normalized()

	var found []StackPath
	onPath := map[string]bool{start: true}
	path := []string{start}
	stack := []stackFrame{{node: start}}
	visits := 0

	record := func(value float64) {
		if len(path) >= minLength && value >= minValue {
			p := make([]string, len(path))
			copy(p, path)
			found = append(found, StackPath{Path: p, Length: len(p), Total: value})
		}
	}
	record(0)

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		out := g.out[top.node]
		if len(path) >= lim.MaxDepth || top.next >= len(out) {
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			delete(onPath, top.node)
			continue
		}
		e := out[top.next]
		top.next++
		if onPath[e.To] {
			continue
		}
		visits++
		if visits > lim.MaxVisits {
			break
		}
		value := top.value + e.Weight
		onPath[e.To] = true
		path = append(path, e.To)
		stack = append(stack, stackFrame{node: e.To, value: value})
		record(value)
	}
	return found
}

// Bipartite is the outcome of a two-colouring check.
type Bipartite struct {
	IsBipartite  bool     `json:"is_bipartite"`
	Layer1       []string `json:"layer1"`
	Layer2       []string `json:"layer2"`
	EdgesBetween int      `json:"edges_between_layers"`
}

// DetectBipartite two-colours the undirected subgraph induced by vertices
// (the whole graph when nil), starting from its lexicographically smallest
// vertex, which takes layer 1. An empty or disconnected subgraph is not
// bipartite.
func (g *Graph) DetectBipartite(vertices []string) Bipartite {
	var members []string
	if vertices == nil {
		members = g.Nodes()
	} else {
		seen := make(map[string]bool, len(vertices))
		for _, v := range vertices {
			v = strings.ToLower(v)
			if g.HasNode(v) && !seen[v] {
				seen[v] = true
				members = append(members, v)
			}
		}
	}
	if len(members) == 0 {
		return Bipartite{}
	}
	sort.Strings(members)

	in := make(map[string]bool, len(members))
	for _, v := range members {
		in[v] = true
	}
	adj := func(v string) []string {
		var out []string
		for _, e := range g.out[v] {
			if in[e.To] {
				out = append(out, e.To)
			}
		}
		for _, e := range g.in[v] {
			if in[e.From] {
				out = append(out, e.From)
			}
		}
		return out
	}

	color := make(map[string]int, len(members))
	for _, root := range members {
		if _, done := color[root]; done {
			continue
		}
		if len(color) > 0 {
			return Bipartite{}
		}
		color[root] = 0
		queue := []string{root}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			for _, n := range adj(v) {
				c, ok := color[n]
				if !ok {
					color[n] = 1 - color[v]
					queue = append(queue, n)
					continue
				}
				if c == color[v] {
					return Bipartite{}
				}
			}
		}
	}

	res := Bipartite{IsBipartite: true, Layer1: []string{}, Layer2: []string{}}
	for _, v := range members {
		if color[v] == 0 {
			res.Layer1 = append(res.Layer1, v)
		} else {
			res.Layer2 = append(res.Layer2, v)
		}
	}
	for _, u := range members {
		for _, e := range g.out[u] {
			if in[e.To] && color[u] != color[e.To] {
				res.EdgesBetween++
			}
		}
	}
	return res
}

// PatternReport collects every structural metric of one vertex.
type PatternReport struct {
	FanIn              float64     `json:"fan_in"`
	FanInCount         int         `json:"fan_in_count"`
	FanInPattern       FanPattern  `json:"fan_in_pattern"`
	FanOut             float64     `json:"fan_out"`
	FanOutCount        int         `json:"fan_out_count"`
	FanOutPattern      FanPattern  `json:"fan_out_pattern"`
	GatherScatter      float64     `json:"gather_scatter"`
	GatherScatterCount int         `json:"gather_scatter_count"`
	StackPaths         []StackPath `json:"stack_paths"`
	Bipartite          Bipartite   `json:"bipartite"`
}

// AnalyzeAddress runs every detector with default thresholds. The
// bipartite check covers v and its direct neighbours.
func (g *Graph) AnalyzeAddress(v string, lim Limits) PatternReport {
	v = strings.ToLower(v)
	return PatternReport{
		FanIn:              g.FanIn(v),
		FanInCount:         g.FanInCount(v),
		FanInPattern:       g.DetectFanIn(v, DefaultFanMinCount, DefaultFanMinTotal, DefaultFanMinEach),
		FanOut:             g.FanOut(v),
		FanOutCount:        g.FanOutCount(v),
		FanOutPattern:      g.DetectFanOut(v, DefaultFanMinCount, DefaultFanMinTotal, DefaultFanMinEach),
		GatherScatter:      g.GatherScatter(v),
		GatherScatterCount: g.GatherScatterCount(v),
		StackPaths:         g.DetectStack(v, DefaultStackMinLen, DefaultStackMinSum, lim),
		Bipartite:          g.DetectBipartite(g.Ego(v)),
	}
}

// PatternScore converts a report into a 0-100 score and the names of the
// detected patterns.
func PatternScore(r PatternReport) (float64, []string) {
	var score float64
	detected := []string{}
	if r.FanInPattern.Detected {
		score += patternFanIn
		detected = append(detected, "fan_in")
	}
	if r.FanOutPattern.Detected {
		score += patternFanOut
		detected = append(detected, "fan_out")
	}
	if r.FanInPattern.Detected && r.FanOutPattern.Detected {
		score += patternGatherBonus
		detected = append(detected, "gather_scatter")
	}
	if len(r.StackPaths) > 0 {
		score += patternStack
		detected = append(detected, "stack")
	}
	if r.Bipartite.IsBipartite && r.Bipartite.EdgesBetween > 0 {
		score += patternBipartite
		detected = append(detected, "bipartite")
	}
	return math.Min(patternScoreCeiling, score), detected
}
