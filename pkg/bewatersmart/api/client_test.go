package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/config"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

// MockHTTPClient is a mock implementation of HTTPClient for testing
type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

// Do implements the HTTPClient interface
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	return nil, errors.New("mock http client not implemented")
}

// mapCache is an in-memory Cache that records deletions
type mapCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	deleted []string
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *mapCache) Set(_ context.Context, key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *mapCache) Delete(_ context.Context, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		m.deleted = append(m.deleted, k)
	}
}

// recorded is one request seen by the fake API
type recorded struct {
	Method string
	Path   string
	Query  string
	Body   string
	Header http.Header
}

// fakeAPI serves canned responses keyed by "METHOD path"
type fakeAPI struct {
	t         *testing.T
	mu        sync.Mutex
	responses map[string]string
	statuses  map[string]int
	requests  []recorded
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{t: t, responses: map[string]string{}, statuses: map[string]int{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) on(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = body
	f.statuses[method+" "+path] = status
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, recorded{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Query:  r.URL.RawQuery,
		Body:   string(body),
		Header: r.Header.Clone(),
	})
	key := r.Method + " " + r.URL.EscapedPath()
	resp, ok := f.responses[key]
	status := f.statuses[key]
	f.mu.Unlock()

	if !ok {
		http.Error(w, "no route "+key, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp)
}

func (f *fakeAPI) calls() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recorded, len(f.requests))
	copy(out, f.requests)
	return out
}

func testConfig(url string) config.APIConfig {
	return config.APIConfig{
		URL:          url,
		Prefix:       "bws",
		Timeout:      5 * time.Second,
		TrainTimeout: time.Minute,
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		options     []ClientOption
		expectCache bool
		expectIDs   bool
	}{
		{name: "default client"},
		{name: "with custom HTTP client", options: []ClientOption{WithHTTPClient(&MockHTTPClient{})}},
		{name: "with cache", options: []ClientOption{WithCache(newMapCache())}, expectCache: true},
		{name: "with request ids", options: []ClientOption{WithRequestIDs()}, expectIDs: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(testConfig("http://api.example.com/"), tt.options...)

			assert.Equal(t, "http://api.example.com/bws", client.BaseURL())
			assert.NotNil(t, client.httpClient)
			assert.Equal(t, tt.expectCache, client.cache != nil)
			assert.Equal(t, tt.expectIDs, client.requestIDs != nil)
		})
	}
}

func TestListEndpoints(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.on(http.MethodGet, "/bws/physical-meters", http.StatusOK,
		`{"meters":[{"id":"urn:ngsi-ld:Device:flat-1","category":"household","type":"Device"}]}`)
	f.on(http.MethodGet, "/bws/virtual-meters", http.StatusOK,
		`{"virtualMeters":[{"id":"urn:ngsi-ld:virtualMeter:house","submeterIds":["urn:ngsi-ld:Device:flat-1"],"supermeterIds":[]}]}`)
	f.on(http.MethodGet, "/bws/algorithms", http.StatusOK,
		`{"algorithms":[{"name":"prophet","description":"additive model","estimatedTrainingTime":null}]}`)
	f.on(http.MethodGet, "/bws/models", http.StatusOK,
		`{"MLModels":[{"refMeter":"urn:ngsi-ld:virtualMeter:house","algorithm":"prophet","comment":"first"}]}`)

	client := NewClient(testConfig(srv.URL))
	ctx := context.Background()

	meters, err := client.ListPhysicalMeters(ctx)
	require.NoError(t, err)
	require.Len(t, meters, 1)
	assert.Equal(t, "urn:ngsi-ld:Device:flat-1", meters[0].ID)

	vms, err := client.ListVirtualMeters(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, []string{"urn:ngsi-ld:Device:flat-1"}, vms[0].SubmeterIDs)

	algs, err := client.ListAlgorithms(ctx)
	require.NoError(t, err)
	require.Len(t, algs, 1)
	assert.Nil(t, algs[0].EstimatedTrainingTime)

	models, err := client.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, types.ModelKey{RefMeter: "urn:ngsi-ld:virtualMeter:house", Algorithm: "prophet"}, models[0].Key())

	for _, c := range f.calls() {
		assert.Equal(t, "application/json", c.Header.Get("Accept"))
	}
}

func TestListUsesCache(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.on(http.MethodGet, "/bws/algorithms", http.StatusOK, `{"algorithms":[{"name":"prophet"}]}`)

	cache := newMapCache()
	client := NewClient(testConfig(srv.URL), WithCache(cache))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		algs, err := client.ListAlgorithms(ctx)
		require.NoError(t, err)
		require.Len(t, algs, 1)
	}
	assert.Len(t, f.calls(), 1, "later calls are served from the cache")

	_, ok := cache.Get(ctx, srv.URL+"/bws/algorithms")
	assert.True(t, ok)
}

func TestFreshListSkipsCache(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.on(http.MethodGet, "/bws/virtual-meters", http.StatusOK, `{"virtualMeters":[{"id":"a"}]}`)

	cache := newMapCache()
	client := NewClient(testConfig(srv.URL), WithCache(cache))
	ctx := context.Background()

	vms, err := client.ListVirtualMeters(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 1)

	f.on(http.MethodGet, "/bws/virtual-meters", http.StatusOK, `{"virtualMeters":[{"id":"a"},{"id":"b"}]}`)

	vms, err = client.ListVirtualMeters(ctx)
	require.NoError(t, err)
	assert.Len(t, vms, 1, "cached read")

	vms, err = client.ListVirtualMeters(Fresh(ctx))
	require.NoError(t, err)
	assert.Len(t, vms, 2)
	assert.Len(t, f.calls(), 2)

	// the fresh result refilled the cache
	vms, err = client.ListVirtualMeters(ctx)
	require.NoError(t, err)
	assert.Len(t, vms, 2)
	assert.Len(t, f.calls(), 2)
}

func TestListDoesNotCacheFailures(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.on(http.MethodGet, "/bws/models", http.StatusOK, `not json`)

	cache := newMapCache()
	client := NewClient(testConfig(srv.URL), WithCache(cache))

	_, err := client.ListModels(context.Background())
	require.Error(t, err)
	assert.Empty(t, cache.data)
}

func TestListCorruptCacheEntryFallsThrough(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.on(http.MethodGet, "/bws/models", http.StatusOK, `{"MLModels":[]}`)

	cache := newMapCache()
	cache.data[srv.URL+"/bws/models"] = []byte("garbage")
	client := NewClient(testConfig(srv.URL), WithCache(cache))

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
	assert.Len(t, f.calls(), 1)
}

func TestCreateVirtualMeter(t *testing.T) {
	t.Run("success invalidates the list", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodPost, "/bws/virtual-meters", http.StatusOK, `{"virtualMeterId":"urn:ngsi-ld:virtualMeter:house"}`)

		cache := newMapCache()
		client := NewClient(testConfig(srv.URL), WithCache(cache), WithRequestIDs())

		id, err := client.CreateVirtualMeter(context.Background(), "house", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, "urn:ngsi-ld:virtualMeter:house", id)

		calls := f.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "name=house", calls[0].Query)
		assert.JSONEq(t, `{"submeterIds":["a","b"]}`, calls[0].Body)
		assert.Equal(t, "application/json", calls[0].Header.Get("Content-Type"))
		assert.NotEmpty(t, calls[0].Header.Get("X-Request-ID"))
		assert.Equal(t, []string{srv.URL + "/bws/virtual-meters"}, cache.deleted)
	})

	t.Run("nil submeters are sent as an empty list", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodPost, "/bws/virtual-meters", http.StatusOK, `{"virtualMeterId":"x"}`)

		_, err := NewClient(testConfig(srv.URL)).CreateVirtualMeter(context.Background(), "x", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"submeterIds":[]}`, f.calls()[0].Body)
	})

	t.Run("error payload", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodPost, "/bws/virtual-meters", http.StatusOK, `{"msg":"submeter missing"}`)

		cache := newMapCache()
		_, err := NewClient(testConfig(srv.URL), WithCache(cache)).CreateVirtualMeter(context.Background(), "x", []string{"a"})
		require.ErrorIs(t, err, ErrUnexpectedResponse)
		assert.Contains(t, err.Error(), "submeter missing")
		assert.Empty(t, cache.deleted)
	})
}

func TestDeleteVirtualMeter(t *testing.T) {
	const id = "urn:ngsi-ld:virtualMeter:house"

	tests := []struct {
		name         string
		status       int
		body         string
		wantNotFound bool
		wantStatus   int
	}{
		{name: "deleted", status: http.StatusOK, body: `{"status":"ok"}`},
		{name: "empty body", status: http.StatusNoContent, body: ``},
		{name: "msg means not found", status: http.StatusOK, body: `{"msg":"not found"}`, wantNotFound: true},
		{name: "message is not the field for meters", status: http.StatusOK, body: `{"message":"gone"}`},
		{name: "server error", status: http.StatusInternalServerError, body: `boom`, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeAPI(t)
			f.on(http.MethodDelete, "/bws/virtual-meters/"+id, tt.status, tt.body)

			err := NewClient(testConfig(srv.URL)).DeleteVirtualMeter(context.Background(), id)
			switch {
			case tt.wantNotFound:
				require.ErrorIs(t, err, ErrNotFound)
				var nf *NotFoundError
				require.ErrorAs(t, err, &nf)
				assert.Equal(t, id, nf.ID)
				assert.Equal(t, "not found", nf.Message)
			case tt.wantStatus != 0:
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.wantStatus, se.StatusCode)
				assert.Equal(t, "boom", se.Body)
				assert.NotErrorIs(t, err, ErrNotFound)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestTrainModel(t *testing.T) {
	f, srv := newFakeAPI(t)
	path := "/bws/meters/urn:ngsi-ld:virtualMeter:house/models/prophet"
	f.on(http.MethodPut, path, http.StatusOK, `{"MLModels":[]}`)

	cache := newMapCache()
	client := NewClient(testConfig(srv.URL), WithCache(cache))
	ctx := context.Background()

	require.NoError(t, client.TrainModel(ctx, "urn:ngsi-ld:virtualMeter:house", "prophet", "first try"))
	require.NoError(t, client.TrainModel(ctx, "urn:ngsi-ld:virtualMeter:house", "prophet", ""))

	calls := f.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "comment=first+try", calls[0].Query)
	assert.Empty(t, calls[1].Query, "comment is omitted when empty")
	assert.Contains(t, cache.deleted, srv.URL+"/bws/models")
}

func TestTrainModelUsesTrainTimeout(t *testing.T) {
	var deadline time.Duration
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		d, ok := req.Context().Deadline()
		require.True(t, ok)
		deadline = time.Until(d)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{}`))}, nil
	}}

	cfg := testConfig("http://api")
	cfg.Timeout = time.Second
	cfg.TrainTimeout = time.Hour
	client := NewClient(cfg, WithHTTPClient(mock))

	require.NoError(t, client.TrainModel(context.Background(), "vm", "prophet", "c"))
	assert.Greater(t, deadline, time.Minute)

	_, err := client.Debug(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, deadline, time.Second)
}

func TestDeleteModel(t *testing.T) {
	key := types.ModelKey{RefMeter: "urn:ngsi-ld:virtualMeter:house", Algorithm: "prophet"}
	path := "/bws/models/urn:ngsi-ld:virtualMeter:house:MLModel:prophet"

	t.Run("deleted", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodDelete, path, http.StatusOK, `{"status":"deleted"}`)
		require.NoError(t, NewClient(testConfig(srv.URL)).DeleteModel(context.Background(), key))
	})

	t.Run("message means not found", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodDelete, path, http.StatusOK, `{"message":"no such model"}`)
		err := NewClient(testConfig(srv.URL)).DeleteModel(context.Background(), key)
		require.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), key.String())
	})
}

func TestForecast(t *testing.T) {
	key := types.ModelKey{RefMeter: "urn:ngsi-ld:virtualMeter:house", Algorithm: "prophet"}
	path := "/bws/meters/urn:ngsi-ld:virtualMeter:house/forecast"

	t.Run("points", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodGet, path, http.StatusOK,
			`[{"datePredicted":"2024-01-01T05:00:00Z","numValue":1.2,"temp":3},{"datePredicted":"2024-01-01T06:00:00Z","numValue":3.4}]`)

		points, err := NewClient(testConfig(srv.URL)).Forecast(context.Background(), key)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, 3.4, points[1].NumValue)
		assert.Equal(t, "algorithm=prophet", f.calls()[0].Query)
	})

	t.Run("msg object", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodGet, path, http.StatusOK, `{"msg":"model not trained"}`)

		_, err := NewClient(testConfig(srv.URL)).Forecast(context.Background(), key)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("other object", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodGet, path, http.StatusOK, `{"points":[]}`)

		_, err := NewClient(testConfig(srv.URL)).Forecast(context.Background(), key)
		require.ErrorIs(t, err, ErrUnexpectedResponse)
	})

	t.Run("empty list is not an error here", func(t *testing.T) {
		f, srv := newFakeAPI(t)
		f.on(http.MethodGet, path, http.StatusOK, `[]`)

		points, err := NewClient(testConfig(srv.URL)).Forecast(context.Background(), key)
		require.NoError(t, err)
		assert.Empty(t, points)
	})
}

func TestDebug(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.on(http.MethodGet, "/bws/debug", http.StatusOK, `{"status":"alive"}`)

	raw, err := NewClient(testConfig(srv.URL)).Debug(context.Background())
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "alive", got["status"])
}

func TestTransportError(t *testing.T) {
	mock := &MockHTTPClient{DoFunc: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	client := NewClient(testConfig("http://api"), WithHTTPClient(mock))

	_, err := client.ListPhysicalMeters(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NotErrorIs(t, err, ErrNotFound)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestRequestIDsAreUnique(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		ids = append(ids, req.Header.Get("X-Request-ID"))
		mu.Unlock()
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"algorithms":[]}`))}, nil
	}}
	client := NewClient(testConfig("http://api"), WithHTTPClient(mock), WithRequestIDs())

	for i := 0; i < 3; i++ {
		_, err := client.ListAlgorithms(context.Background())
		require.NoError(t, err)
	}

	sort.Strings(ids)
	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
}
