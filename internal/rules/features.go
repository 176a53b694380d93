package rules

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/tracex/internal/aggregation"
	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/graph"
)

// features computes the graph, pattern and temporal feature map of the
// evaluation's target.
func (e *Engine) features(ctx context.Context, ev *evaluation) (domain.Features, error) {
	ctx, span := tracer.Start(ctx, "rules.features")
	defer span.End()

	g := ev.graph()
	txs := ev.graphTxs()
	target := ev.target

	var report graph.PatternReport
	var exposure graph.Exposure
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		report = g.AnalyzeAddress(target, e.limits)
		return nil
	})
	eg.Go(func() error {
		var err error
		exposure, err = g.ExposureFor(gctx, target, e.lists.Get(domain.ListSDN), e.lists.Get(domain.ListMixer), e.ppr)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	pattern, _ := graph.PatternScore(report)
	nTheta, nOmega := g.FeatureVector(target, txs)
	hist := ev.targetHistory()
	temporal := graph.TemporalProfile(hist)

	f := domain.Features{
		domain.FeaturePPR:                exposure.PPR,
		domain.FeatureSDNPPR:             exposure.SDNPPR,
		domain.FeatureMixerPPR:           exposure.MixerPPR,
		domain.FeatureTotalPPR:           exposure.Total,
		domain.FeaturePatternScore:       pattern,
		domain.FeatureNTheta:             nTheta,
		domain.FeatureNOmega:             nOmega,
		domain.FeatureNTS:                temporal.NTS,
		domain.FeatureNWS:                temporal.NWS,
		domain.FeatureFanIn:              report.FanIn,
		domain.FeatureFanInCount:         float64(report.FanInCount),
		domain.FeatureFanOut:             report.FanOut,
		domain.FeatureFanOutCount:        float64(report.FanOutCount),
		domain.FeatureGatherScatter:      report.GatherScatter,
		domain.FeatureGatherScatterCount: float64(report.GatherScatterCount),
		domain.FeatureStackPaths:         float64(len(report.StackPaths)),
		domain.FeatureIsBipartite:        0,
		domain.FeatureHistorySize:        float64(len(hist)),
		domain.FeatureMLScore:            graph.MLScore(exposure.Total, pattern, nTheta, nOmega),
	}
	if report.Bipartite.IsBipartite {
		f[domain.FeatureIsBipartite] = 1
	}
	if std, ok := aggregation.InterarrivalStd(hist); ok {
		f[domain.FeatureInterarrivalStd] = std
	}
	if mean, ok := aggregation.InterarrivalMean(hist); ok {
		f[domain.FeatureInterarrivalMean] = mean
	}

	span.SetAttributes(
		attribute.Float64("pattern_score", pattern),
		attribute.Float64("total_ppr", exposure.Total),
	)
	return f, nil
}
