package api

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

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/config"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/metrics"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

const (
	// maxBodySize caps how much of a response is read
	maxBodySize = 16 << 20
	// maxErrorBody caps the body kept in a StatusError
	maxErrorBody = 512

	requestIDHeader = "X-Request-ID"
)

// Paths of the cached list endpoints
const (
	PathPhysicalMeters = "/physical-meters"
	PathVirtualMeters  = "/virtual-meters"
	PathAlgorithms     = "/algorithms"
	PathModels         = "/models"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cache stores raw list responses. Implementations are best-effort: a
// failing cache behaves like an empty one.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, keys ...string)
}

// Client talks to the remote water forecasting API. Requests are never retried.
type Client struct {
	cfg        config.APIConfig
	baseURL    string
	httpClient HTTPClient
	cache      Cache
	requestIDs func() string
	clock      clock.PassiveClock
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithCache adds a list response cache to the client
func WithCache(cache Cache) ClientOption {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithRequestIDs tags every request with a fresh X-Request-ID
func WithRequestIDs() ClientOption {
	return func(c *Client) {
		c.requestIDs = uuid.NewString
	}
}

// WithClock replaces the clock used for latency metrics
func WithClock(clk clock.PassiveClock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

// NewClient creates a new API client. Timeouts are applied per request, so
// the default HTTP client has none of its own.
func NewClient(cfg config.APIConfig, opts ...ClientOption) *Client {
	client := &Client{
		cfg:        cfg,
		baseURL:    cfg.BaseURL(),
		httpClient: &http.Client{},
		clock:      clock.RealClock{},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// BaseURL returns the URL every path is appended to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Debug calls the reachability endpoint and returns its body unchanged
func (c *Client) Debug(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, "debug", http.MethodGet, "/debug", nil, nil, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: debug returned non-JSON body", ErrUnexpectedResponse)
	}
	return json.RawMessage(body), nil
}

// ListPhysicalMeters fetches all physical meters
func (c *Client) ListPhysicalMeters(ctx context.Context) ([]types.PhysicalMeter, error) {
	env, err := getList[types.AllPhysicalMeters](ctx, c, "list_physical_meters", PathPhysicalMeters)
	if err != nil {
		return nil, err
	}
	return env.Meters, nil
}

// ListVirtualMeters fetches all virtual meters
func (c *Client) ListVirtualMeters(ctx context.Context) ([]types.VirtualMeter, error) {
	env, err := getList[types.AllVirtualMeters](ctx, c, "list_virtual_meters", PathVirtualMeters)
	if err != nil {
		return nil, err
	}
	return env.VirtualMeters, nil
}

// ListAlgorithms fetches the algorithms the API can train
func (c *Client) ListAlgorithms(ctx context.Context) ([]types.Algorithm, error) {
	env, err := getList[types.AllAlgorithms](ctx, c, "list_algorithms", PathAlgorithms)
	if err != nil {
		return nil, err
	}
	return env.Algorithms, nil
}

// ListModels fetches all trained models
func (c *Client) ListModels(ctx context.Context) ([]types.MLModel, error) {
	env, err := getList[types.AllModels](ctx, c, "list_models", PathModels)
	if err != nil {
		return nil, err
	}
	return env.MLModels, nil
}

// CreateVirtualMeter creates a virtual meter named name aggregating
// submeterIDs and returns the id the API assigned.
func (c *Client) CreateVirtualMeter(ctx context.Context, name string, submeterIDs []string) (string, error) {
	const op = "create_virtual_meter"

	if submeterIDs == nil {
		submeterIDs = []string{}
	}
	query := url.Values{"name": {name}}
	body, err := c.do(ctx, op, http.MethodPost, PathVirtualMeters, query,
		types.NewVirtualMeterRequest{SubmeterIDs: submeterIDs}, c.cfg.Timeout)
	if err != nil {
		return "", err
	}

	var resp types.NewVirtualMeterResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.VirtualMeterID == "" {
		if msg, ok := errorPayload(body).Text(); ok {
			return "", fmt.Errorf("%w: %s: %s", ErrUnexpectedResponse, op, msg)
		}
		return "", fmt.Errorf("%w: %s: no virtualMeterId in response", ErrUnexpectedResponse, op)
	}

	c.invalidate(ctx, PathVirtualMeters)
	klog.V(2).InfoS("Created virtual meter", "name", name, "virtualMeterId", resp.VirtualMeterID, "submeters", len(submeterIDs))
	return resp.VirtualMeterID, nil
}

// DeleteVirtualMeter deletes the virtual meter with id. A body carrying
// "msg" yields a *NotFoundError.
func (c *Client) DeleteVirtualMeter(ctx context.Context, id string) error {
	body, err := c.do(ctx, "delete_virtual_meter", http.MethodDelete, PathVirtualMeters+"/"+url.PathEscape(id), nil, nil, c.cfg.Timeout)
	if err != nil {
		return err
	}

	if p := errorPayload(body); p.Msg != nil {
		return &NotFoundError{Resource: "virtual meter", ID: id, Message: *p.Msg}
	}

	// models of the meter may be gone as well
	c.invalidate(ctx, PathVirtualMeters, PathModels)
	return nil
}

// TrainModel trains algorithm on the virtual meter and blocks until the API
// answers. It runs with the training timeout instead of the normal one.
func (c *Client) TrainModel(ctx context.Context, virtualMeterID, algorithm, comment string) error {
	path := "/meters/" + url.PathEscape(virtualMeterID) + "/models/" + url.PathEscape(algorithm)

	var query url.Values
	if comment != "" {
		query = url.Values{"comment": {comment}}
	}

	if _, err := c.do(ctx, "train_model", http.MethodPut, path, query, nil, c.cfg.TrainTimeout); err != nil {
		return err
	}

	c.invalidate(ctx, PathModels)
	return nil
}

// DeleteModel deletes the model identified by key. A body carrying
// "message" yields a *NotFoundError.
func (c *Client) DeleteModel(ctx context.Context, key types.ModelKey) error {
	path := PathModels + "/" + url.PathEscape(key.RefMeter) + ":MLModel:" + url.PathEscape(key.Algorithm)

	body, err := c.do(ctx, "delete_model", http.MethodDelete, path, nil, nil, c.cfg.Timeout)
	if err != nil {
		return err
	}

	if p := errorPayload(body); p.Message != nil {
		return &NotFoundError{Resource: "model", ID: key.String(), Message: *p.Message}
	}

	c.invalidate(ctx, PathModels)
	return nil
}

// Forecast fetches the forecast of the model identified by key. The API
// answers with either a list of points or an object carrying "msg".
func (c *Client) Forecast(ctx context.Context, key types.ModelKey) ([]types.ForecastPoint, error) {
	const op = "forecast"

	path := "/meters/" + url.PathEscape(key.RefMeter) + "/forecast"
	query := url.Values{"algorithm": {key.Algorithm}}

	body, err := c.do(ctx, op, http.MethodGet, path, query, nil, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var points []types.ForecastPoint
		if err := json.Unmarshal(trimmed, &points); err != nil {
			return nil, fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
		return points, nil
	}

	if p := errorPayload(trimmed); p.Msg != nil {
		return nil, &NotFoundError{Resource: "forecast", ID: key.String(), Message: *p.Msg}
	}
	return nil, fmt.Errorf("%w: %s: expected a list of points", ErrUnexpectedResponse, op)
}

type freshKey struct{}

// Fresh returns a context whose list reads skip the cache. The fetched lists
// still refill it.
func Fresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshKey{}, true)
}

func isFresh(ctx context.Context) bool {
	fresh, _ := ctx.Value(freshKey{}).(bool)
	return fresh
}

// getList fetches a list envelope, serving and filling the cache when one is configured
func getList[T any](ctx context.Context, c *Client, op, path string) (T, error) {
	var env T
	key := c.baseURL + path

	if c.cache != nil && !isFresh(ctx) {
		if body, ok := c.cache.Get(ctx, key); ok {
			if err := json.Unmarshal(body, &env); err == nil {
				klog.V(4).InfoS("Using cached list response", "operation", op)
				return env, nil
			}
			// unreadable entry, fall through to the API
			c.cache.Delete(ctx, key)
		}
	}

	body, err := c.do(ctx, op, http.MethodGet, path, nil, nil, c.cfg.Timeout)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%s: failed to decode response: %w", op, err)
	}

	if c.cache != nil {
		c.cache.Set(ctx, key, body)
	}
	return env, nil
}

func (c *Client) invalidate(ctx context.Context, paths ...string) {
	if c.cache == nil {
		return
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		keys = append(keys, c.baseURL+p)
	}
	c.cache.Delete(ctx, keys...)
}

// do performs one request and returns the body of a 2xx response
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload any, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	var requestID string
	if c.requestIDs != nil {
		requestID = c.requestIDs()
		req.Header.Set(requestIDHeader, requestID)
	}

	klog.V(3).InfoS("Calling forecasting API",
		"operation", op,
		"method", method,
		"url", req.URL.String(),
		"requestID", requestID)

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, "error", "transport", start)
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.observe(op, "error", strconv.Itoa(resp.StatusCode), start)
		return nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(op, "error", strconv.Itoa(resp.StatusCode), start)
		text := strings.TrimSpace(string(data))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: text}
	}

	c.observe(op, "success", strconv.Itoa(resp.StatusCode), start)
	return data, nil
}

func (c *Client) observe(op, result, code string, start time.Time) {
	metrics.APIRequestDuration.WithLabelValues(op, result).Observe(c.clock.Since(start).Seconds())
	metrics.APIRequestsTotal.WithLabelValues(op, code).Inc()
}

// errorPayload reads body as an error payload. Bodies that are not JSON
// objects yield an empty payload.
func errorPayload(body []byte) types.ErrorPayload {
	var p types.ErrorPayload
	_ = json.Unmarshal(body, &p)
	return p
}
