package graph

import (
	"context"
	"math"
	"strings"
)

// Connection risk thresholds over the combined sanctions/mixer PPR.
const (
	ConnectionHigh   = 0.10
	ConnectionMedium = 0.05

	visitedThreshold = 0.001
)

// PPROptions tunes the power iteration.
type PPROptions struct {
	Damping   float64
	MaxIter   int
	Tolerance float64
}

// DefaultPPROptions returns damping 0.85, 100 iterations, tolerance 1e-6.
func DefaultPPROptions() PPROptions {
	return PPROptions{Damping: 0.85, MaxIter: 100, Tolerance: 1e-6}
}

func (o PPROptions) normalized() PPROptions {
	d := DefaultPPROptions()
	if o.Damping <= 0 || o.Damping >= 1 {
		o.Damping = d.Damping
	}
	if o.MaxIter <= 0 {
		o.MaxIter = d.MaxIter
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	return o
}

// Membership is a read-only address set.
type Membership interface {
	Contains(addr string) bool
}

// PPRVector runs personalized PageRank restarting uniformly over sources
// and returns the stationary score of every vertex. Sources not in the
// graph are ignored; with no valid source the result is nil. The walk
// follows out-edges in proportion to their weight and dangling mass
// returns to the sources. The second return value reports convergence;
// on exhaustion of MaxIter the last iterate is returned.
func (g *Graph) PPRVector(ctx context.Context, sources []string, opts PPROptions) (map[string]float64, bool, error) {
	opts = opts.normalized()
	n := len(g.nodes)
	if n == 0 {
		return nil, false, nil
	}

	p := make([]float64, n)
	seeds := 0
	for _, s := range sources {
		i, ok := g.index[strings.ToLower(s)]
		if !ok || p[i] > 0 {
			continue
		}
		p[i] = 1
		seeds++
	}
	if seeds == 0 {
		return nil, false, nil
	}
	for i := range p {
		p[i] /= float64(seeds)
	}

	outWeight := make([]float64, n)
	for i, v := range g.nodes {
		for _, e := range g.out[v] {
			outWeight[i] += e.Weight
		}
	}

	x := make([]float64, n)
	copy(x, p)
	next := make([]float64, n)
	converged := false

	for iter := 0; iter < opts.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		for i := range next {
			next[i] = 0
		}
		var dangling float64
		for i, v := range g.nodes {
			if outWeight[i] == 0 {
				dangling += x[i]
				continue
			}
			share := opts.Damping * x[i] / outWeight[i]
			for _, e := range g.out[v] {
				next[g.index[e.To]] += share * e.Weight
			}
		}
		var diff float64
		for i := range next {
			next[i] += opts.Damping*dangling*p[i] + (1-opts.Damping)*p[i]
			diff += math.Abs(next[i] - x[i])
		}
		x, next = next, x
		if diff < float64(n)*opts.Tolerance {
			converged = true
			break
		}
	}

	scores := make(map[string]float64, n)
	for i, v := range g.nodes {
		scores[v] = x[i]
	}
	return scores, converged, nil
}

// PPR returns target's personalized PageRank relative to sources, or 0
// when the target or every source is absent from the graph.
func (g *Graph) PPR(ctx context.Context, target string, sources []string, opts PPROptions) (float64, error) {
	target = strings.ToLower(target)
	if !g.HasNode(target) {
		return 0, nil
	}
	scores, _, err := g.PPRVector(ctx, sources, opts)
	if err != nil {
		return 0, err
	}
	return scores[target], nil
}

// MembersOf returns the vertices contained in set, in insertion order.
func (g *Graph) MembersOf(set Membership) []string {
	if set == nil {
		return nil
	}
	var out []string
	for _, v := range g.nodes {
		if set.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

// ConnectionRisk summarises exposure to sanctioned and mixer addresses.
type ConnectionRisk struct {
	SDNPPR   float64 `json:"sdn_ppr"`
	MixerPPR float64 `json:"mixer_ppr"`
	Total    float64 `json:"total_ppr"`
	Level    string  `json:"risk_level"`
}

// ConnectionRiskFor computes PPR from the sanctioned and the mixer
// vertices independently and blends them 0.6/0.4.
func (g *Graph) ConnectionRiskFor(ctx context.Context, target string, sdn, mixer Membership, opts PPROptions) (ConnectionRisk, error) {
	var r ConnectionRisk
	var err error
	if seeds := g.MembersOf(sdn); len(seeds) > 0 {
		if r.SDNPPR, err = g.PPR(ctx, target, seeds, opts); err != nil {
			return ConnectionRisk{}, err
		}
	}
	if seeds := g.MembersOf(mixer); len(seeds) > 0 {
		if r.MixerPPR, err = g.PPR(ctx, target, seeds, opts); err != nil {
			return ConnectionRisk{}, err
		}
	}
	r.Total = 0.6*r.SDNPPR + 0.4*r.MixerPPR
	switch {
	case r.Total >= ConnectionHigh:
		r.Level = "high"
	case r.Total >= ConnectionMedium:
		r.Level = "medium"
	default:
		r.Level = "low"
	}
	return r, nil
}

// MultiSource is the outcome of a PPR run seeded from the graph's own
// source vertices.
type MultiSource struct {
	Score   float64  `json:"ppr_score"`
	Sources []string `json:"source_nodes"`
	Visited []string `json:"visited_nodes"`
}

// Sources returns the vertices that only send: out-degree > 0 and
// in-degree 0.
func (g *Graph) Sources() []string {
	var out []string
	for _, v := range g.nodes {
		if len(g.out[v]) > 0 && len(g.in[v]) == 0 {
			out = append(out, v)
		}
	}
	return out
}

// MultiSourcePPR seeds PPR from every source vertex. Visited lists the
// vertices scoring above 0.001.
func (g *Graph) MultiSourcePPR(ctx context.Context, target string, opts PPROptions) (MultiSource, error) {
	res := MultiSource{Sources: []string{}, Visited: []string{}}
	target = strings.ToLower(target)
	if !g.HasNode(target) {
		return res, nil
	}
	sources := g.Sources()
	if len(sources) == 0 {
		return res, nil
	}
	res.Sources = sources

	scores, _, err := g.PPRVector(ctx, sources, opts)
	if err != nil {
		return MultiSource{}, err
	}
	res.Score = scores[target]
	for _, v := range g.nodes {
		if scores[v] > visitedThreshold {
			res.Visited = append(res.Visited, v)
		}
	}
	return res, nil
}

// Exposure combines the multi-source score with sanctions and mixer
// connectivity.
type Exposure struct {
	PPR      float64 `json:"ppr_score"`
	SDNPPR   float64 `json:"sdn_ppr"`
	MixerPPR float64 `json:"mixer_ppr"`
	Total    float64 `json:"total_ppr"`
}

// ExposureFor computes total = 0.4·ppr + 0.4·sdn + 0.2·mixer.
func (g *Graph) ExposureFor(ctx context.Context, target string, sdn, mixer Membership, opts PPROptions) (Exposure, error) {
	if !g.HasNode(target) {
		return Exposure{}, nil
	}
	ms, err := g.MultiSourcePPR(ctx, target, opts)
	if err != nil {
		return Exposure{}, err
	}
	cr, err := g.ConnectionRiskFor(ctx, target, sdn, mixer, opts)
	if err != nil {
		return Exposure{}, err
	}
	return Exposure{
		PPR:      ms.Score,
		SDNPPR:   cr.SDNPPR,
		MixerPPR: cr.MixerPPR,
		Total:    0.4*ms.Score + 0.4*cr.SDNPPR + 0.2*cr.MixerPPR,
	}, nil
}
