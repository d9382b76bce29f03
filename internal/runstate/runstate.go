// Package runstate reads workflow run snapshots tolerantly.
//
// Snapshots are written by the review workflow and evolve independently of
// this service, so every accessor coerces missing or malformed fields to a
// safe zero value instead of failing.
package runstate

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// UnknownAgent labels reviews that carry no agent name.
const UnknownAgent = "unknown"

// Review is one agent's review inside a run snapshot.
type Review struct {
	Agent      string
	Score      *float64
	Confidence *float64
	Blocked    bool
	Risks      int
}

// Snapshot is the parsed projection of a run's state JSON.
type Snapshot struct {
	Reviews           []Review
	MissingSections   []string
	RiskFindings      int
	Mitigations       int
	ResidualRisks     int
	ExecutiveSummary  string
	Recommendation    string
	Blockers          []string
	RequiredRevisions []string
	Lessons           []string
}

// PendingRisks is max(residual, findings - mitigations), never negative.
func (s Snapshot) PendingRisks() int {
	return max(s.ResidualRisks, s.RiskFindings-s.Mitigations, 0)
}

// Parse reads a snapshot from raw JSON. Invalid JSON yields an empty snapshot.
func Parse(state []byte) Snapshot {
	if !gjson.ValidBytes(state) {
		return Snapshot{}
	}
	root := gjson.ParseBytes(state)
	if !root.IsObject() {
		return Snapshot{}
	}

	var s Snapshot
	s.Reviews = parseReviews(root.Get("reviews"))
	for _, r := range s.Reviews {
		s.RiskFindings += r.Risks
	}
	s.MissingSections = Strings(root.Get("missing_sections"))

	synthesis := root.Get("synthesis")
	s.Mitigations = arrayLen(firstArray(root.Get("mitigations"), synthesis.Get("mitigations")))
	s.ResidualRisks = arrayLen(firstArray(root.Get("residual_risks"), synthesis.Get("residual_risks")))
	s.ExecutiveSummary = strings.TrimSpace(String(synthesis.Get("executive_summary")))
	s.Recommendation = strings.TrimSpace(String(synthesis.Get("final_recommendation")))
	s.Blockers = Strings(synthesis.Get("blockers"))
	s.RequiredRevisions = Strings(synthesis.Get("required_revisions"))
	s.Lessons = Strings(firstArray(synthesis.Get("lessons"), root.Get("lessons")))
	return s
}

func parseReviews(v gjson.Result) []Review {
	var out []Review
	switch {
	case v.IsObject():
		v.ForEach(func(key, value gjson.Result) bool {
			if value.IsObject() {
				out = append(out, parseReview(key.String(), value))
			}
			return true
		})
	case v.IsArray():
		for _, value := range v.Array() {
			if value.IsObject() {
				out = append(out, parseReview("", value))
			}
		}
	}
	return out
}

func parseReview(key string, v gjson.Result) Review {
	agent := strings.TrimSpace(String(v.Get("agent")))
	if agent == "" {
		agent = strings.TrimSpace(key)
	}
	if agent == "" {
		agent = UnknownAgent
	}
	return Review{
		Agent:      agent,
		Score:      Number(v.Get("score")),
		Confidence: Number(v.Get("confidence")),
		Blocked:    Bool(v.Get("blocked")),
		Risks:      arrayLen(v.Get("risks")),
	}
}

// Number returns a finite numeric value, accepting numeric strings. Anything
// else is nil.
func Number(v gjson.Result) *float64 {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Num
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Bool accepts JSON booleans, "true"/"false" strings, and 0/1 numbers.
func Bool(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Str))
		return err == nil && b
	case gjson.Number:
		return v.Num != 0
	default:
		return false
	}
}

// String returns the value for strings and numbers, empty otherwise.
func String(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	default:
		return ""
	}
}

// Strings flattens a list into trimmed non-empty strings. Object entries
// contribute their "text", "title" or "description" field. A bare string is
// treated as a one-element list.
func Strings(v gjson.Result) []string {
	var items []gjson.Result
	switch {
	case v.IsArray():
		items = v.Array()
	case v.Type == gjson.String:
		items = []gjson.Result{v}
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if item.IsObject() {
			for _, field := range []string{"text", "title", "description"} {
				if s = String(item.Get(field)); strings.TrimSpace(s) != "" {
					break
				}
			}
		} else {
			s = String(item)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func arrayLen(v gjson.Result) int {
	if !v.IsArray() {
		return 0
	}
	return len(v.Array())
}

func firstArray(candidates ...gjson.Result) gjson.Result {
	for _, c := range candidates {
		if c.IsArray() {
			return c
		}
	}
	return gjson.Result{}
}
