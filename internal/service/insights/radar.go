package insights

import (
	"cmp"
	"slices"
	"strings"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/runstate"
)

// Influence weights per review. A blocking review carries the most weight;
// a low-confidence or low-score review still shapes the synthesis.
const (
	influenceBlocked  = 1.0
	influenceCritical = 0.72
	influenceDefault  = 0.45

	lowConfidence = 0.6
	lowScore      = 6.0
)

type agentStats struct {
	name         string
	scoreSum     float64
	scored       int
	reviews      int
	vetoes       int
	influenceSum float64
}

type radarAccumulator struct {
	agents map[string]*agentStats
}

func newRadarAccumulator() *radarAccumulator {
	return &radarAccumulator{agents: map[string]*agentStats{}}
}

func (r *radarAccumulator) add(snap runstate.Snapshot) {
	for _, rev := range snap.Reviews {
		key := strings.ToLower(rev.Agent)
		st, ok := r.agents[key]
		if !ok {
			st = &agentStats{name: rev.Agent}
			r.agents[key] = st
		}
		st.reviews++
		if rev.Score != nil {
			st.scoreSum += *rev.Score
			st.scored++
		}
		if rev.Blocked {
			st.vetoes++
		}
		st.influenceSum += Influence(rev)
	}
}

// Influence is the weight one review carries.
func Influence(rev runstate.Review) float64 {
	switch {
	case rev.Blocked:
		return influenceBlocked
	case rev.Confidence != nil && *rev.Confidence < lowConfidence,
		rev.Score != nil && *rev.Score < lowScore:
		return influenceCritical
	default:
		return influenceDefault
	}
}

// entries sorts agents by ascending average score, then descending vetoes,
// then name.
func (r *radarAccumulator) entries() []model.AgentRadarEntry {
	out := make([]model.AgentRadarEntry, 0, len(r.agents))
	for _, st := range r.agents {
		e := model.AgentRadarEntry{
			Agent:         st.name,
			ReviewCount:   st.reviews,
			Vetoes:        st.vetoes,
			InfluenceRate: round2(st.influenceSum / float64(st.reviews)),
		}
		if st.scored > 0 {
			e.AverageScore = round2(st.scoreSum / float64(st.scored))
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b model.AgentRadarEntry) int {
		if c := cmp.Compare(a.AverageScore, b.AverageScore); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Vetoes, a.Vetoes); c != 0 {
			return c
		}
		return cmp.Compare(a.Agent, b.Agent)
	})
	return out
}
