// Package insights rolls the workflow run history up into portfolio-level
// quality and risk metrics. Nothing is persisted: every call recomputes from
// the source rows.
package insights

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/runstate"
	"github.com/ashita-ai/boardroom/internal/telemetry"
)

// Window bounds for mitigation velocity, in days.
const (
	DefaultWindowDays = 90
	MinWindowDays     = 7
	MaxWindowDays     = 365
)

// Source is the run history the aggregator reads. *storage.DB satisfies it.
type Source interface {
	CountDecisions(ctx context.Context) (int, error)
	LatestRuns(ctx context.Context) ([]model.RunSnapshot, error)
	// StreamRunTimeline must deliver runs grouped by decision and ordered by
	// created_at, then id, within each decision.
	StreamRunTimeline(ctx context.Context, fn func(model.RunSnapshot) error) error
}

// Options tunes one computation. Zero values select the defaults.
type Options struct {
	WindowDays int
	Now        time.Time
}

// Aggregator computes PortfolioInsights.
type Aggregator struct {
	source   Source
	logger   *slog.Logger
	duration metric.Float64Histogram
}

// New creates an Aggregator.
func New(source Source, logger *slog.Logger) *Aggregator {
	dur, _ := telemetry.Meter("boardroom/insights").Float64Histogram("boardroom.insights.duration",
		metric.WithDescription("Time to compute portfolio insights (ms)"),
		metric.WithUnit("ms"),
	)
	return &Aggregator{source: source, logger: logger, duration: dur}
}

// ClampWindowDays applies the default and bounds to a requested window.
func ClampWindowDays(days int) int {
	if days <= 0 {
		return DefaultWindowDays
	}
	return min(max(days, MinWindowDays), MaxWindowDays)
}

// Compute loads the latest runs and the full timeline concurrently and
// reduces them into the four insight views.
func (a *Aggregator) Compute(ctx context.Context, opts Options) (model.PortfolioInsights, error) {
	start := time.Now()
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	windowDays := ClampWindowDays(opts.WindowDays)

	var (
		decisionCount int
		latest        []model.RunSnapshot
	)
	radar := newRadarAccumulator()
	velocity := newVelocityAccumulator(now, windowDays)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.source.CountDecisions(gctx)
		if err != nil {
			return fmt.Errorf("insights: count decisions: %w", err)
		}
		decisionCount = n
		return nil
	})
	g.Go(func() error {
		runs, err := a.source.LatestRuns(gctx)
		if err != nil {
			return fmt.Errorf("insights: latest runs: %w", err)
		}
		latest = runs
		return nil
	})
	g.Go(func() error {
		err := a.source.StreamRunTimeline(gctx, func(run model.RunSnapshot) error {
			snap := runstate.Parse(run.State)
			radar.add(snap)
			velocity.add(run, snap)
			return nil
		})
		if err != nil {
			return fmt.Errorf("insights: run timeline: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.PortfolioInsights{}, err
	}

	latestSnaps := make([]runstate.Snapshot, len(latest))
	for i, run := range latest {
		latestSnaps[i] = runstate.Parse(run.State)
	}

	out := model.PortfolioInsights{
		GeneratedAt:        now,
		Summary:            summarize(decisionCount, latest, latestSnaps),
		AgentRadar:         radar.entries(),
		BlindSpots:         blindSpots(latestSnaps, MaxBlindSpots),
		MitigationVelocity: velocity.result(),
	}

	elapsed := time.Since(start)
	a.duration.Record(ctx, float64(elapsed.Milliseconds()))
	a.logger.Debug("insights: computed",
		"runs_considered", out.Summary.RunsConsidered,
		"agents", len(out.AgentRadar),
		"window_days", windowDays,
		"duration_ms", elapsed.Milliseconds(),
	)
	return out, nil
}

// summarize builds the global summary over the latest run of each decision.
func summarize(decisionCount int, latest []model.RunSnapshot, snaps []runstate.Snapshot) model.PortfolioSummary {
	s := model.PortfolioSummary{
		DecisionCount:    decisionCount,
		RunsConsidered:   len(latest),
		GateDistribution: map[string]int{},
	}
	var dqsSum float64
	var dqsCount int
	for i, run := range latest {
		if run.DQS != nil && !math.IsNaN(*run.DQS) && !math.IsInf(*run.DQS, 0) {
			dqsSum += *run.DQS
			dqsCount++
		}
		s.GateDistribution[model.NormalizeGateDecision(run.Gate)]++
		s.RiskFindingsTotal += snaps[i].RiskFindings
		s.PendingRisksTotal += snaps[i].PendingRisks()
	}
	if dqsCount > 0 {
		avg := round2(dqsSum / float64(dqsCount))
		s.AverageDQS = &avg
	}
	s.RiskMitigationRate = MitigationRate(s.RiskFindingsTotal, s.PendingRisksTotal)
	return s
}

// MitigationRate is the share of findings no longer pending, as a
// percentage in [0, 100]. With no findings the rate is 100.
func MitigationRate(findings, pending int) float64 {
	if findings <= 0 {
		return 100
	}
	mitigated := max(0, findings-pending)
	rate := 100 * float64(mitigated) / float64(findings)
	return round2(min(max(rate, 0), 100))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
