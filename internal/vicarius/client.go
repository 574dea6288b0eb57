package vicarius

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// externalDataPath is the base path of the vRx external data API. Every
// entity exposes a /count and a /filter endpoint under it.
const externalDataPath = "/vicarius-external-data-api"

const defaultRateBudget = 55

// Query is a remote filter expression. Clauses are joined with ";" (AND)
// and use the API's ">" / "<" comparison operators.
type Query struct {
	clauses []string
}

func (q *Query) Gt(field string, value int64) *Query {
	q.clauses = append(q.clauses, field+">"+strconv.FormatInt(value, 10))
	return q
}

func (q *Query) Lt(field string, value int64) *Query {
	q.clauses = append(q.clauses, field+"<"+strconv.FormatInt(value, 10))
	return q
}

func (q *Query) Eq(field, value string) *Query {
	q.clauses = append(q.clauses, field+"="+value)
	return q
}

func (q *Query) String() string {
	return strings.Join(q.clauses, ";")
}

// PageParams are the standard paging parameters accepted by every
// filter/count endpoint.
type PageParams struct {
	From  int
	Size  int
	Sort  string
	Query *Query
}

func (p PageParams) values() url.Values {
	v := url.Values{}
	v.Set("from", strconv.Itoa(p.From))
	v.Set("size", strconv.Itoa(p.Size))
	if p.Sort != "" {
		v.Set("sort", p.Sort)
	}
	if p.Query != nil && len(p.Query.clauses) > 0 {
		v.Set("q", p.Query.String())
	}
	return v
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateBudget sets the shared calls-per-minute budget. All fetch paths
// contend for the same limiter.
func WithRateBudget(callsPerMinute int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(callsPerMinute)), 1)
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// Client is a rate-limited client for the vRx external data API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewClient(dashboardURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(dashboardURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/defaultRateBudget), 1),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	fullURL := c.baseURL + externalDataPath + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Vicarius-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return body, nil
}

// Count returns the server-side record count for an entity and filter.
func (c *Client) Count(ctx context.Context, entity string, params PageParams) (int, error) {
	body, err := c.get(ctx, "/"+entity+"/count", params.values())
	if err != nil {
		return 0, err
	}

	var parsed struct {
		ServerResponseCount int `json:"serverResponseCount"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}

	return parsed.ServerResponseCount, nil
}

// Filter returns one page of raw entity records. Each element keeps its
// original JSON so entity fetchers can apply their bespoke parsing.
func (c *Client) Filter(ctx context.Context, entity string, params PageParams) ([]json.RawMessage, error) {
	body, err := c.get(ctx, "/"+entity+"/filter", params.values())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ServerResponseObject []json.RawMessage `json:"serverResponseObject"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode filter response: %w", err)
	}

	c.logger.Debug("fetched page",
		zap.String("entity", entity),
		zap.Int("from", params.From),
		zap.Int("rows", len(parsed.ServerResponseObject)))

	return parsed.ServerResponseObject, nil
}

// APIError is a non-2xx response from the dashboard API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vicarius api: HTTP %d: %s", e.StatusCode, e.Message)
}
