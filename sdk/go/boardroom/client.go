package boardroom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the boardroom server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the boardroom API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("boardroom: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

func decisionPath(id string, rest ...string) string {
	return "/v1/decisions/" + url.PathEscape(id) + strings.Join(rest, "")
}

// UpsertDecision creates or replaces a decision's intake fields.
func (c *Client) UpsertDecision(ctx context.Context, req UpsertDecisionRequest) (*Decision, error) {
	var resp Decision
	if err := c.do(ctx, http.MethodPost, "/v1/decisions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDecision fetches a decision with its latest outcome.
func (c *Client) GetDecision(ctx context.Context, id string) (*Decision, error) {
	var resp Decision
	if err := c.do(ctx, http.MethodGet, decisionPath(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AppendRun records a workflow run. A 429 means the decision's run bucket
// is exhausted; see Error.RetryAfter.
func (c *Client) AppendRun(ctx context.Context, decisionID string, req AppendRunRequest) (*WorkflowRun, error) {
	if req.State == nil {
		req.State = map[string]any{}
	}
	var resp WorkflowRun
	if err := c.do(ctx, http.MethodPost, decisionPath(decisionID, "/runs"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns a decision's newest runs. limit <= 0 uses the server default.
func (c *Client) ListRuns(ctx context.Context, decisionID string, limit int) (*RunList, error) {
	path := decisionPath(decisionID, "/runs")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var page struct {
		Data    []WorkflowRun `json:"data"`
		HasMore bool          `json:"has_more"`
		Limit   int           `json:"limit"`
	}
	if err := c.doRaw(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &RunList{Runs: page.Data, HasMore: page.HasMore, Limit: page.Limit}, nil
}

// GetEmbedding fetches the stored embedding for a decision.
func (c *Client) GetEmbedding(ctx context.Context, decisionID string) (*Embedding, error) {
	var resp Embedding
	if err := c.do(ctx, http.MethodGet, decisionPath(decisionID, "/embedding"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutEmbedding stores a vector computed outside the server.
func (c *Client) PutEmbedding(ctx context.Context, decisionID string, req PutEmbeddingRequest) (*Embedding, error) {
	var resp Embedding
	if err := c.do(ctx, http.MethodPut, decisionPath(decisionID, "/embedding"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshEmbedding re-embeds a decision through the server's provider when
// its source text changed.
func (c *Client) RefreshEmbedding(ctx context.Context, decisionID string) (*EmbeddingRefresh, error) {
	var resp EmbeddingRefresh
	if err := c.do(ctx, http.MethodPost, decisionPath(decisionID, "/embedding/refresh"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ancestry returns the prior decisions most similar to decisionID.
func (c *Client) Ancestry(ctx context.Context, decisionID string, opts *AncestryOptions) (*AncestryResult, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Candidates > 0 {
			params.Set("candidates", strconv.Itoa(opts.Candidates))
		}
	}
	path := decisionPath(decisionID, "/ancestry")
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp AncestryResult
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckRateLimit counts one hit against an explicit bucket. A denied check
// is not an error: inspect RateLimitResult.Allowed.
func (c *Client) CheckRateLimit(ctx context.Context, req RateLimitCheck) (*RateLimitResult, error) {
	var resp RateLimitResult
	if err := c.do(ctx, http.MethodPost, "/v1/rate-limit/check", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PortfolioInsights fetches the portfolio report. windowDays <= 0 uses the
// server default.
func (c *Client) PortfolioInsights(ctx context.Context, windowDays int) (*PortfolioInsights, error) {
	path := "/v1/insights/portfolio"
	if windowDays > 0 {
		path += "?window_days=" + strconv.Itoa(windowDays)
	}
	var resp PortfolioInsights
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports server health. A 503 is returned as an *Error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard success response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends a request and decodes the "data" field of the envelope into dest.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var envelope apiEnvelope
	if err := c.doRaw(ctx, method, path, body, &envelope); err != nil {
		return err
	}
	if dest == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("boardroom: decode %s %s: %w", method, path, err)
	}
	return nil
}

// doRaw sends a request and decodes the whole response body into dest.
func (c *Client) doRaw(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("boardroom: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("boardroom: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("boardroom: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("boardroom: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp, bodyBytes)
	}
	if dest == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("boardroom: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(resp *http.Response, body []byte) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = string(body)
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
