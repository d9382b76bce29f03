package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/storage"
	"github.com/ashita-ai/boardroom/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func createDecision(t *testing.T, name, summary string) model.Decision {
	t.Helper()
	d, err := testDB.UpsertDecision(context.Background(), model.UpsertDecisionRequest{
		ID:      "dec-" + uuid.NewString(),
		Name:    name,
		Summary: summary,
	})
	require.NoError(t, err)
	return d
}

func ptr[T any](v T) *T { return &v }

func TestUpsertDecision_InsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	d := createDecision(t, "Expand to EU", "Open a Berlin office")
	assert.Equal(t, "Expand to EU", d.Name)
	assert.Empty(t, d.LatestGateDecision)
	assert.Nil(t, d.LastRunAt)

	updated, err := testDB.UpsertDecision(ctx, model.UpsertDecisionRequest{
		ID: d.ID, Name: "Expand to EU (revised)", Summary: "Open a Berlin office in Q3",
	})
	require.NoError(t, err)
	assert.Equal(t, "Expand to EU (revised)", updated.Name)
	assert.Equal(t, d.CreatedAt, updated.CreatedAt)

	got, err := testDB.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Open a Berlin office in Q3", got.Summary)
}

func TestGetDecision_NotFound(t *testing.T) {
	_, err := testDB.GetDecision(context.Background(), "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAppendWorkflowRun_RefreshesLatestOutcome(t *testing.T) {
	ctx := context.Background()
	d := createDecision(t, "Price increase", "Raise list price 8%")

	t0 := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	_, err := testDB.AppendWorkflowRun(ctx, d.ID, model.AppendRunRequest{
		DQS:          ptr(6.5),
		GateDecision: "Challenged",
		State: map[string]any{
			"synthesis": map[string]any{
				"final_recommendation": "Revise",
				"executive_summary":    "Churn risk is unquantified.",
				"blockers":             []any{"No churn model"},
				"required_revisions":   []any{"Add churn analysis"},
				"lessons":              []any{"Model churn before pricing moves"},
			},
		},
		CreatedAt: &t0,
	})
	require.NoError(t, err)

	got, err := testDB.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "challenged", got.LatestGateDecision)
	require.NotNil(t, got.LatestDQS)
	assert.InDelta(t, 6.5, *got.LatestDQS, 1e-9)
	assert.Equal(t, "Revise", got.LatestRecommendation)
	assert.Equal(t, []string{"No churn model"}, got.LatestBlockers)
	assert.Equal(t, []string{"Add churn analysis"}, got.LatestRequiredRevisions)
	assert.Equal(t, []string{"Model churn before pricing moves"}, got.LatestLessons)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(t0))

	// A backfilled run older than the latest does not overwrite the outcome.
	older := t0.Add(-24 * time.Hour)
	_, err = testDB.AppendWorkflowRun(ctx, d.ID, model.AppendRunRequest{GateDecision: "approved", CreatedAt: &older})
	require.NoError(t, err)
	got, err = testDB.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "challenged", got.LatestGateDecision)

	runs, err := testDB.ListWorkflowRuns(ctx, d.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "challenged", runs[0].GateDecision, "newest first")
	assert.Equal(t, model.WorkflowStatusCompleted, runs[0].WorkflowStatus)
}

func TestAppendWorkflowRun_UnknownDecision(t *testing.T) {
	_, err := testDB.AppendWorkflowRun(context.Background(), "missing-"+uuid.NewString(), model.AppendRunRequest{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAppendWorkflowRun_Validation(t *testing.T) {
	_, err := testDB.AppendWorkflowRun(context.Background(), "  ", model.AppendRunRequest{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestLatestRunsAndTimeline(t *testing.T) {
	ctx := context.Background()
	d := createDecision(t, "Vendor switch", "")
	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Millisecond)
	for i, gate := range []string{"blocked", "challenged", "approved"} {
		at := base.Add(time.Duration(i) * time.Hour)
		_, err := testDB.AppendWorkflowRun(ctx, d.ID, model.AppendRunRequest{GateDecision: gate, CreatedAt: &at})
		require.NoError(t, err)
	}

	latest, err := testDB.LatestRuns(ctx)
	require.NoError(t, err)
	var found []model.RunSnapshot
	for _, r := range latest {
		if r.DecisionID == d.ID {
			found = append(found, r)
		}
	}
	require.Len(t, found, 1, "one latest run per decision")
	assert.Equal(t, "approved", found[0].Gate)

	var gates []string
	err = testDB.StreamRunTimeline(ctx, func(r model.RunSnapshot) error {
		if r.DecisionID == d.ID {
			gates = append(gates, r.Gate)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"blocked", "challenged", "approved"}, gates, "oldest first")
}

func TestListAncestryCandidates_ExcludesTarget(t *testing.T) {
	ctx := context.Background()
	target := createDecision(t, "Target", "")
	other := createDecision(t, "Other", "")
	at := time.Now().UTC().Add(time.Hour)
	_, err := testDB.AppendWorkflowRun(ctx, other.ID, model.AppendRunRequest{GateDecision: "approved", CreatedAt: &at})
	require.NoError(t, err)

	cands, err := testDB.ListAncestryCandidates(ctx, target.ID, 250)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, other.ID, cands[0].ID, "most recently active first")
	for _, c := range cands {
		assert.NotEqual(t, target.ID, c.ID)
	}

	limited, err := testDB.ListAncestryCandidates(ctx, target.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUpsertAncestryEmbedding_Idempotent(t *testing.T) {
	ctx := context.Background()
	d := createDecision(t, "Embed me", "")
	params := model.UpsertEmbeddingParams{
		DecisionID: d.ID,
		SourceHash: "hash-1",
		SourceText: "Embed me",
		Provider:   "openai",
		Model:      "text-embedding-3-small",
		Vector:     []float64{0.1, 0.2, 0.3},
	}

	first, err := testDB.UpsertAncestryEmbedding(ctx, params)
	require.NoError(t, err)
	second, err := testDB.UpsertAncestryEmbedding(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, first.DecisionID, second.DecisionID)
	assert.Equal(t, first.SourceHash, second.SourceHash)
	assert.Equal(t, first.Dimensions, second.Dimensions)
	assert.Equal(t, first.Vector, second.Vector)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt), "row is updated in place")
	assert.Equal(t, 3, second.Dimensions)

	var rows int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM decision_ancestry_embeddings WHERE decision_id = $1`, d.ID).Scan(&rows))
	assert.Equal(t, 1, rows)

	replaced, err := testDB.UpsertAncestryEmbedding(ctx, model.UpsertEmbeddingParams{
		DecisionID: d.ID, SourceHash: "hash-2", Provider: "ollama", Model: "mxbai-embed-large",
		Dimensions: 2, Vector: []float64{1, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "hash-2", replaced.SourceHash)
	assert.Equal(t, "ollama", replaced.Provider)
	assert.Equal(t, 2, replaced.Dimensions)
	assert.Equal(t, []float32{1, 0}, replaced.Vector)
}

func TestUpsertAncestryEmbedding_UnknownDecision(t *testing.T) {
	_, err := testDB.UpsertAncestryEmbedding(context.Background(), model.UpsertEmbeddingParams{
		DecisionID: "missing-" + uuid.NewString(), SourceHash: "h", Vector: []float64{1},
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetAncestryEmbeddings(t *testing.T) {
	ctx := context.Background()
	a := createDecision(t, "A", "")
	b := createDecision(t, "B", "")
	_, err := testDB.UpsertAncestryEmbedding(ctx, model.UpsertEmbeddingParams{DecisionID: a.ID, SourceHash: "h", Vector: []float64{1, 2}})
	require.NoError(t, err)

	got, err := testDB.GetAncestryEmbeddings(ctx, []string{a.ID, a.ID, " ", b.ID})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, a.ID)

	empty, err := testDB.GetAncestryEmbeddings(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = testDB.GetAncestryEmbedding(ctx, b.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIncrementBucket_ConcurrentHitsAreCounted(t *testing.T) {
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	now := time.Now().UTC()
	const n = 40

	var wg sync.WaitGroup
	counts := make(chan int, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := testDB.IncrementBucket(ctx, key, time.Minute, now)
			if assert.NoError(t, err) {
				counts <- b.Count
			}
		}()
	}
	wg.Wait()
	close(counts)

	seen := map[int]bool{}
	for c := range counts {
		assert.False(t, seen[c], "count %d returned twice", c)
		seen[c] = true
	}
	assert.Len(t, seen, n)

	b, err := testDB.IncrementBucket(ctx, key, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, n+1, b.Count)
}

func TestIncrementBucket_WindowReset(t *testing.T) {
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	b, err := testDB.IncrementBucket(ctx, key, time.Second, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count)
	assert.True(t, b.ResetAt.Equal(t0.Add(time.Second)))

	b, err = testDB.IncrementBucket(ctx, key, time.Second, t0.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count)
	assert.True(t, b.ResetAt.Equal(t0.Add(time.Second)), "reset_at is kept inside the window")

	later := t0.Add(time.Second)
	b, err = testDB.IncrementBucket(ctx, key, time.Second, later)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count, "reset_at <= now starts a new window")
	assert.True(t, b.ResetAt.Equal(later.Add(time.Second)))
}

func TestPurgeExpiredBuckets(t *testing.T) {
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	past := time.Now().UTC().Add(-48 * time.Hour)
	_, err := testDB.IncrementBucket(ctx, key, time.Second, past)
	require.NoError(t, err)

	n, err := testDB.PurgeExpiredBuckets(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	b, err := testDB.IncrementBucket(ctx, key, time.Minute, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count)
}
