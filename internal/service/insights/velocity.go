package insights

import (
	"slices"
	"time"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/runstate"
)

const trendSpan = 30 * 24 * time.Hour

// Distribution bucket labels.
const (
	BucketUnder1h = "under_1h"
	Bucket1hTo24h = "1h_to_24h"
	Bucket1dTo7d  = "1d_to_7d"
	BucketOver7d  = "over_7d"
)

// resolution is one identified-then-resolved pair.
type resolution struct {
	resolvedAt time.Time
	minutes    float64
}

// velocityAccumulator is a streaming reduction over runs grouped by decision
// and ordered by time. It keeps state for the current decision only.
type velocityAccumulator struct {
	now         time.Time
	windowDays  int
	windowStart time.Time

	current      string
	identifiedAt *time.Time
	resolved     bool

	resolutions []resolution
	unresolved  int
}

func newVelocityAccumulator(now time.Time, windowDays int) *velocityAccumulator {
	return &velocityAccumulator{
		now:         now,
		windowDays:  windowDays,
		windowStart: now.AddDate(0, 0, -windowDays),
	}
}

func (v *velocityAccumulator) add(run model.RunSnapshot, snap runstate.Snapshot) {
	if run.DecisionID != v.current {
		v.flush()
		v.current = run.DecisionID
	}
	if v.resolved {
		return
	}
	pending := snap.PendingRisks()
	switch {
	case v.identifiedAt == nil && pending > 0:
		at := run.CreatedAt
		v.identifiedAt = &at
	case v.identifiedAt != nil && pending == 0:
		v.resolved = true
		if !run.CreatedAt.Before(v.windowStart) {
			v.resolutions = append(v.resolutions, resolution{
				resolvedAt: run.CreatedAt,
				minutes:    run.CreatedAt.Sub(*v.identifiedAt).Minutes(),
			})
		}
	}
}

// flush closes out the current decision.
func (v *velocityAccumulator) flush() {
	if v.identifiedAt != nil && !v.resolved && !v.identifiedAt.Before(v.windowStart) {
		v.unresolved++
	}
	v.current = ""
	v.identifiedAt = nil
	v.resolved = false
}

func (v *velocityAccumulator) result() model.MitigationVelocity {
	v.flush()

	out := model.MitigationVelocity{
		WindowDays:      v.windowDays,
		ResolvedCount:   len(v.resolutions),
		UnresolvedCount: v.unresolved,
		Distribution: map[string]int{
			BucketUnder1h: 0,
			Bucket1hTo24h: 0,
			Bucket1dTo7d:  0,
			BucketOver7d:  0,
		},
	}
	if len(v.resolutions) == 0 {
		return out
	}

	minutes := make([]float64, len(v.resolutions))
	var recent, prior []float64
	recentStart := v.now.Add(-trendSpan)
	priorStart := v.now.Add(-2 * trendSpan)
	for i, r := range v.resolutions {
		minutes[i] = r.minutes
		out.Distribution[distributionBucket(r.minutes)]++
		switch {
		case !r.resolvedAt.Before(recentStart):
			recent = append(recent, r.minutes)
		case !r.resolvedAt.Before(priorStart):
			prior = append(prior, r.minutes)
		}
	}

	avg := round2(mean(minutes))
	med := round2(median(minutes))
	out.AverageMinutes = &avg
	out.MedianMinutes = &med
	out.TrendPercent30d = Trend(prior, recent)
	return out
}

// Trend is 100*(priorAvg-recentAvg)/priorAvg: positive when mitigation got
// faster. Nil when either side is empty or priorAvg is zero.
func Trend(prior, recent []float64) *float64 {
	if len(prior) == 0 || len(recent) == 0 {
		return nil
	}
	priorAvg := mean(prior)
	if priorAvg == 0 {
		return nil
	}
	t := round2(100 * (priorAvg - mean(recent)) / priorAvg)
	return &t
}

func distributionBucket(minutes float64) string {
	switch {
	case minutes < 60:
		return BucketUnder1h
	case minutes < 24*60:
		return Bucket1hTo24h
	case minutes < 7*24*60:
		return Bucket1dTo7d
	default:
		return BucketOver7d
	}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	sorted := slices.Clone(xs)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
