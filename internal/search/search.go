// Package search mirrors decision ancestry embeddings into an external
// vector index (Qdrant) and scores candidate sets against it. Postgres stays
// the source of truth; the index is an optional accelerator.
package search

import (
	"time"

	"github.com/google/uuid"
)

// pointNamespace derives stable Qdrant point ids from decision ids, which are
// arbitrary strings while Qdrant requires UUIDs or integers.
var pointNamespace = uuid.MustParse("6f1c9a52-2b7e-4d43-9a0e-3c1f5d7b8e21")

// PointID returns the Qdrant point id for a decision.
func PointID(decisionID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(decisionID)).String()
}

// Result holds a decision id and its raw cosine similarity from the index.
type Result struct {
	DecisionID string
	Score      float32
}

// Point is the data needed to upsert a single decision embedding.
type Point struct {
	DecisionID string
	SourceHash string
	Provider   string
	Model      string
	UpdatedAt  time.Time
	Embedding  []float32
}
