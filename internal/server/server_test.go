package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/boardroom/api"
	"github.com/ashita-ai/boardroom/internal/mcp"
	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/ratelimit"
	"github.com/ashita-ai/boardroom/internal/server"
	"github.com/ashita-ai/boardroom/internal/service/ancestry"
	"github.com/ashita-ai/boardroom/internal/service/insights"
	"github.com/ashita-ai/boardroom/internal/storage"
	"github.com/ashita-ai/boardroom/internal/testutil"
)

const runRuleLimit = 3

var (
	testSrv *httptest.Server
	testDB  *storage.DB
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx := context.Background()
	logger := testutil.TestLogger()

	db, err := tc.NewTestDB(ctx, logger)
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "server test: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	retriever := ancestry.New(db, nil, nil, logger)
	agg := insights.New(db, logger)
	limiter := ratelimit.New(db, logger)
	mcpSrv := mcp.New(retriever, agg, limiter, logger, "test")

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Ancestry:            retriever,
		Insights:            agg,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		RunRule:             ratelimit.Rule{Prefix: "workflow-run", Limit: runRuleLimit, Window: time.Minute},
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	db.Close()
	tc.Terminate()
	os.Exit(code)
}

// ---------- helpers ----------

func doJSON(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func decodeErr(t *testing.T, resp *http.Response) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return apiErr
}

func createDecision(t *testing.T, name, summary string) model.Decision {
	t.Helper()
	resp := doJSON(t, http.MethodPost, "/v1/decisions", model.UpsertDecisionRequest{
		ID:      "dec-" + uuid.NewString(),
		Name:    name,
		Summary: summary,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeData[model.Decision](t, resp)
}

func appendRun(t *testing.T, decisionID string, req model.AppendRunRequest) *http.Response {
	t.Helper()
	return doJSON(t, http.MethodPost, "/v1/decisions/"+decisionID+"/runs", req)
}

func ptr[T any](v T) *T { return &v }

// ---------- health ----------

func TestHealth(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "test", health.Version)
	assert.Empty(t, health.Qdrant, "no vector index configured")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

type downIndex struct{}

func (downIndex) Healthy(context.Context) error { return errors.New("unreachable") }

func TestHealth_DegradedWhenVectorIndexDown(t *testing.T) {
	logger := testutil.TestLogger()
	srv := server.New(server.ServerConfig{
		DB:          testDB,
		Ancestry:    ancestry.New(testDB, nil, nil, logger),
		Insights:    insights.New(testDB, logger),
		Logger:      logger,
		VectorIndex: downIndex{},
		Version:     "test",
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "degraded", env.Data.Status)
	assert.Equal(t, "disconnected", env.Data.Qdrant)
}

// ---------- decisions ----------

func TestUpsertAndGetDecision(t *testing.T) {
	d := createDecision(t, "Expand to EU", "Open a Berlin office")
	assert.Equal(t, "Expand to EU", d.Name)
	assert.NotNil(t, d.Properties)

	resp := doJSON(t, http.MethodGet, "/v1/decisions/"+d.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[model.Decision](t, resp)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "Open a Berlin office", got.Summary)
}

func TestUpsertDecision_Validation(t *testing.T) {
	resp := doJSON(t, http.MethodPost, "/v1/decisions", map[string]any{"id": "   ", "name": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	apiErr := decodeErr(t, resp)
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
	assert.Contains(t, apiErr.Error.Message, "id is required")
}

func TestUpsertDecision_UnknownField(t *testing.T) {
	resp := doJSON(t, http.MethodPost, "/v1/decisions", map[string]any{"id": "x", "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetDecision_NotFound(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/decisions/missing-"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeErr(t, resp).Error.Code)
}

// ---------- workflow runs ----------

func TestAppendAndListRuns(t *testing.T) {
	d := createDecision(t, "Price increase", "Raise list price 8%")

	resp := appendRun(t, d.ID, model.AppendRunRequest{
		DQS:          ptr(7.5),
		GateDecision: "Challenged",
		State: map[string]any{
			"synthesis": map[string]any{
				"final_recommendation": "Revise pricing tiers",
				"blockers":             []string{"No churn model"},
			},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decodeData[model.WorkflowRun](t, resp)
	assert.Equal(t, d.ID, run.DecisionID)
	assert.Equal(t, model.GateChallenged, run.GateDecision)
	assert.Equal(t, model.WorkflowStatusCompleted, run.WorkflowStatus)

	resp = appendRun(t, d.ID, model.AppendRunRequest{DQS: ptr(8.0), GateDecision: "approved"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp := doJSON(t, http.MethodGet, "/v1/decisions/"+d.ID+"/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var list struct {
		Data    []model.WorkflowRun `json:"data"`
		HasMore bool                `json:"has_more"`
		Limit   int                 `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.Data, 1)
	assert.True(t, list.HasMore)
	assert.Equal(t, 1, list.Limit)
	assert.Equal(t, model.GateApproved, list.Data[0].GateDecision, "newest run first")

	got := decodeData[model.Decision](t, doJSON(t, http.MethodGet, "/v1/decisions/"+d.ID, nil))
	assert.Equal(t, model.GateApproved, got.LatestGateDecision)
	require.NotNil(t, got.LatestDQS)
	assert.InDelta(t, 8.0, *got.LatestDQS, 1e-9)
}

func TestListRuns_EmptyAndUnknown(t *testing.T) {
	d := createDecision(t, "Quiet decision", "No runs yet")

	resp := doJSON(t, http.MethodGet, "/v1/decisions/"+d.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []model.WorkflowRun `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.NotNil(t, list.Data)
	assert.Empty(t, list.Data)

	resp = doJSON(t, http.MethodGet, "/v1/decisions/missing-"+uuid.NewString()+"/runs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppendRun_UnknownDecision(t *testing.T) {
	resp := appendRun(t, "missing-"+uuid.NewString(), model.AppendRunRequest{GateDecision: "approved"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppendRun_RateLimited(t *testing.T) {
	d := createDecision(t, "Busy decision", "Reviewed many times")

	for i := range runRuleLimit {
		resp := appendRun(t, d.ID, model.AppendRunRequest{GateDecision: "approved"})
		require.Equal(t, http.StatusCreated, resp.StatusCode, "append %d", i+1)
		assert.Equal(t, strconv.Itoa(runRuleLimit), resp.Header.Get("X-RateLimit-Limit"))
	}

	resp := appendRun(t, d.ID, model.AppendRunRequest{GateDecision: "approved"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, model.ErrCodeRateLimited, decodeErr(t, resp).Error.Code)

	// Other decisions have their own bucket.
	other := createDecision(t, "Quiet neighbour", "Not throttled")
	resp = appendRun(t, other.ID, model.AppendRunRequest{GateDecision: "approved"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

// ---------- embeddings ----------

func TestPutAndGetEmbedding(t *testing.T) {
	d := createDecision(t, "Vendor switch", "Move billing to a new vendor")

	resp := doJSON(t, http.MethodPut, "/v1/decisions/"+d.ID+"/embedding", map[string]any{
		"source_hash": "abc123",
		"provider":    "external",
		"model":       "test-embed",
		"vector":      []float64{0.1, 0.2, 0.3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	e := decodeData[model.AncestryEmbedding](t, resp)
	assert.Equal(t, d.ID, e.DecisionID)
	assert.Equal(t, 3, e.Dimensions)

	resp = doJSON(t, http.MethodGet, "/v1/decisions/"+d.ID+"/embedding", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[model.AncestryEmbedding](t, resp)
	assert.Equal(t, "abc123", got.SourceHash)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, got.Vector, 1e-6)
}

func TestPutEmbedding_BodyIDMismatch(t *testing.T) {
	d := createDecision(t, "Mismatch", "Body id differs")
	resp := doJSON(t, http.MethodPut, "/v1/decisions/"+d.ID+"/embedding", map[string]any{
		"decision_id": "someone-else",
		"source_hash": "h",
		"vector":      []float64{1},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetEmbedding_NotFound(t *testing.T) {
	d := createDecision(t, "Unembedded", "No vector stored")
	resp := doJSON(t, http.MethodGet, "/v1/decisions/"+d.ID+"/embedding", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefreshEmbedding_NoProvider(t *testing.T) {
	d := createDecision(t, "Refresh", "No provider configured")
	resp := doJSON(t, http.MethodPost, "/v1/decisions/"+d.ID+"/embedding/refresh", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnavailable, decodeErr(t, resp).Error.Code)
}

// ---------- ancestry ----------

func TestAncestry_LexicalFallback(t *testing.T) {
	tag := uuid.NewString()[:8]
	target := createDecision(t, "Launch zorblat "+tag, "Ship the zorblat widget to enterprise customers")
	prior := createDecision(t, "Launch zorblat "+tag+" pilot", "Pilot the zorblat widget with enterprise customers")
	resp := appendRun(t, prior.ID, model.AppendRunRequest{
		DQS:          ptr(6.0),
		GateDecision: "blocked",
		State: map[string]any{"synthesis": map[string]any{
			"blockers": []string{"No security review", "no SECURITY review", "Unclear pricing"},
		}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, "/v1/decisions/"+target.ID+"/ancestry?limit=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeData[model.AncestryResult](t, resp)

	assert.Equal(t, target.ID, res.DecisionID)
	assert.Equal(t, model.AncestryMethodLexical, res.Method)
	require.NotEmpty(t, res.Matches)
	assert.LessOrEqual(t, len(res.Matches), 3)

	top := res.Matches[0]
	assert.Equal(t, prior.ID, top.DecisionID)
	assert.Equal(t, model.AncestryMethodLexical, top.Method)
	assert.Equal(t, model.GateBlocked, top.Outcome.GateDecision)
	assert.Equal(t, []string{"No security review", "Unclear pricing"}, top.Lessons)
	for _, m := range res.Matches {
		assert.NotEqual(t, target.ID, m.DecisionID, "target never matches itself")
	}
}

func TestAncestry_NotFound(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/decisions/missing-"+uuid.NewString()+"/ancestry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ---------- rate limit check ----------

func TestRateLimitCheck(t *testing.T) {
	key := "orchestrator:" + uuid.NewString()
	body := model.RateLimitCheckRequest{BucketKey: key, Limit: 2, WindowMS: 60_000}

	for i := 1; i <= 3; i++ {
		resp := doJSON(t, http.MethodPost, "/v1/rate-limit/check", body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "denied checks are still 200")
		res := decodeData[model.RateLimitResult](t, resp)
		assert.Equal(t, i, res.Count)
		assert.Equal(t, i <= 2, res.Allowed)
		if i == 3 {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			assert.GreaterOrEqual(t, res.RetryAfterSeconds, 1)
		}
	}
}

func TestRateLimitCheck_BlankKey(t *testing.T) {
	resp := doJSON(t, http.MethodPost, "/v1/rate-limit/check", model.RateLimitCheckRequest{BucketKey: "  ", Limit: 1, WindowMS: 1000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ---------- insights ----------

func TestPortfolioInsights(t *testing.T) {
	d := createDecision(t, "Insights subject", "Feeds the portfolio report")
	resp := appendRun(t, d.ID, model.AppendRunRequest{
		DQS:          ptr(7.0),
		GateDecision: "approved",
		State: map[string]any{
			"reviews": map[string]any{
				"cfo": map[string]any{"agent": "CFO", "score": 7, "confidence": 0.8, "risks": []string{"fx"}},
			},
			"missing_sections": []string{"Market size"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, "/v1/insights/portfolio?window_days=30", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeData[model.PortfolioInsights](t, resp)

	assert.GreaterOrEqual(t, report.Summary.DecisionCount, 1)
	assert.GreaterOrEqual(t, report.Summary.RunsConsidered, 1)
	assert.GreaterOrEqual(t, report.Summary.GateDistribution[model.GateApproved], 1)
	assert.Equal(t, 30, report.MitigationVelocity.WindowDays)
	assert.GreaterOrEqual(t, report.Summary.RiskMitigationRate, 0.0)
	assert.LessOrEqual(t, report.Summary.RiskMitigationRate, 100.0)

	var sawCFO bool
	for _, e := range report.AgentRadar {
		if e.Agent == "CFO" {
			sawCFO = true
		}
	}
	assert.True(t, sawCFO, "CFO review should appear on the radar")
}

func TestPortfolioInsights_WindowClamped(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/insights/portfolio?window_days=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeData[model.PortfolioInsights](t, resp)
	assert.Equal(t, insights.MinWindowDays, report.MitigationVelocity.WindowDays)
}

// ---------- misc ----------

func TestRequestIDPropagation(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-me")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "trace-me", resp.Header.Get("X-Request-ID"))
}

func TestOpenAPISpec(t *testing.T) {
	logger := testutil.TestLogger()
	newHandler := func(doc []byte) http.Handler {
		return server.New(server.ServerConfig{
			DB:          testDB,
			Ancestry:    ancestry.New(testDB, nil, nil, logger),
			Insights:    insights.New(testDB, logger),
			Logger:      logger,
			OpenAPISpec: doc,
			Version:     "test",
		}).Handler()
	}

	t.Run("served", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newHandler(api.OpenAPISpec).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "/v1/decisions/{decision_id}/ancestry")
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUnknownRoute(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
