package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/api"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/console"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/history"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

const (
	vmHouse = "urn:ngsi-ld:virtualMeter:house"
	devA    = "urn:ngsi-ld:Device:a"
)

type fakeAPI struct {
	deleteVMErr error
	trainErr    error
	forecastErr error
	trained     int
	trainCtxErr error
}

func (f *fakeAPI) Debug(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"debug":true}`), nil
}

func (f *fakeAPI) ListPhysicalMeters(context.Context) ([]types.PhysicalMeter, error) {
	return []types.PhysicalMeter{{ID: devA}}, nil
}

func (f *fakeAPI) ListVirtualMeters(context.Context) ([]types.VirtualMeter, error) {
	return []types.VirtualMeter{{ID: vmHouse, SubmeterIDs: []string{devA}}}, nil
}

func (f *fakeAPI) ListAlgorithms(context.Context) ([]types.Algorithm, error) {
	return []types.Algorithm{{Name: "prophet"}}, nil
}

func (f *fakeAPI) ListModels(context.Context) ([]types.MLModel, error) {
	return []types.MLModel{{RefMeter: vmHouse, Algorithm: "prophet"}}, nil
}

func (f *fakeAPI) CreateVirtualMeter(_ context.Context, name string, _ []string) (string, error) {
	return "urn:ngsi-ld:virtualMeter:" + name, nil
}

func (f *fakeAPI) DeleteVirtualMeter(context.Context, string) error { return f.deleteVMErr }

func (f *fakeAPI) TrainModel(ctx context.Context, _, _, _ string) error {
	f.trained++
	f.trainCtxErr = ctx.Err()
	return f.trainErr
}

func (f *fakeAPI) DeleteModel(context.Context, types.ModelKey) error { return nil }

func (f *fakeAPI) Forecast(context.Context, types.ModelKey) ([]types.ForecastPoint, error) {
	if f.forecastErr != nil {
		return nil, f.forecastErr
	}
	return []types.ForecastPoint{
		{DatePredicted: "2024-01-01T05:00:00Z", NumValue: 1.2},
		{DatePredicted: "2024-01-01T06:00:00Z", NumValue: 3.4},
	}, nil
}

type fakeHistory struct {
	key    types.ModelKey
	limit  int
	latest *history.Entry
}

func (h *fakeHistory) List(_ context.Context, key types.ModelKey, limit int) ([]history.Entry, error) {
	h.key = key
	h.limit = limit
	return []history.Entry{{ID: 1, Model: key}}, nil
}

func (h *fakeHistory) Latest(_ context.Context, key types.ModelKey) (*history.Entry, error) {
	h.key = key
	if h.latest == nil {
		return nil, history.ErrNoHistory
	}
	return h.latest, nil
}

func newServer(t *testing.T, f *fakeAPI, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	c, err := console.New(f, console.WithLocation(time.UTC))
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))
	s := New(c, opts...)
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})
	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestState(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})

	rec := do(t, h, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap console.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.VirtualMeters, 1)
	assert.Equal(t, "house", snap.VirtualMeters[0].Name)
	assert.Equal(t, "placeholder", snap.Chart.State)
}

func TestLists(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})

	for _, path := range []string{"/api/physical-meters", "/api/virtual-meters", "/api/algorithms", "/api/models"} {
		t.Run(path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, path, "")
			require.Equal(t, http.StatusOK, rec.Code)
			var rows []map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
			assert.Len(t, rows, 1)
		})
	}
}

func TestCreateVirtualMeterFlow(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})

	rec := do(t, h, http.MethodPost, "/api/virtual-meters", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "A name for the virtual meter is necessary!", decode(t, rec)["alert"])

	rec = do(t, h, http.MethodPut, "/api/selection/physical-meters/"+devA, `{"included":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{devA}, decode(t, rec)["physicalMeterIds"])

	rec = do(t, h, http.MethodPut, "/api/drafts/virtual-meter-name", `{"value":"flat"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/virtual-meters", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "urn:ngsi-ld:virtualMeter:flat", decode(t, rec)["virtualMeterId"])
}

func TestSelectUnknownItem(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})

	rec := do(t, h, http.MethodPost, "/api/selection/virtual-meter/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadBody(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})

	rec := do(t, h, http.MethodPut, "/api/drafts/model-comment", `{"value":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteVirtualMeter(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantAlert  string
	}{
		{name: "deleted", wantStatus: http.StatusOK, wantAlert: "Virtual Meter with Name: " + vmHouse + " deleted!"},
		{name: "not found", err: &api.NotFoundError{Resource: "virtual meter", ID: vmHouse}, wantStatus: http.StatusNotFound,
			wantAlert: "Virtual Meter with Name " + vmHouse + " not found!"},
		{name: "failure", err: errors.New("refused"), wantStatus: http.StatusBadGateway,
			wantAlert: "Deleting virtual meter " + vmHouse + " failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newServer(t, &fakeAPI{deleteVMErr: tt.err})
			rec := do(t, h, http.MethodDelete, "/api/virtual-meters/"+vmHouse, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAlert, decode(t, rec)["alert"])
		})
	}
}

func TestTrainModel(t *testing.T) {
	f := &fakeAPI{}
	_, h := newServer(t, f)

	rec := do(t, h, http.MethodPost, "/api/models/train", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "No Virtual Meter detected!", decode(t, rec)["alert"])
	assert.Zero(t, f.trained)

	do(t, h, http.MethodPost, "/api/selection/virtual-meter/"+vmHouse, "")
	do(t, h, http.MethodPost, "/api/selection/algorithm/prophet?mode=choose", "")
	do(t, h, http.MethodPut, "/api/drafts/model-comment", `{"value":"nightly"}`)

	f.trainErr = errors.New("timeout")
	rec = do(t, h, http.MethodPost, "/api/models/train", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Training failed", decode(t, rec)["alert"])

	f.trainErr = nil
	rec = do(t, h, http.MethodPost, "/api/models/train", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.trained)
}

func TestTrainModelSurvivesClientDisconnect(t *testing.T) {
	f := &fakeAPI{}
	_, h := newServer(t, f)
	do(t, h, http.MethodPost, "/api/selection/virtual-meter/"+vmHouse, "")
	do(t, h, http.MethodPost, "/api/selection/algorithm/prophet?mode=choose", "")
	do(t, h, http.MethodPut, "/api/drafts/model-comment", `{"value":"nightly"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/models/train", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.trained)
	assert.NoError(t, f.trainCtxErr)
}

func TestDeleteModel(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})

	rec := do(t, h, http.MethodDelete, "/api/models/"+vmHouse+"/prophet", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Model deleted!", decode(t, rec)["alert"])
}

func TestForecastAndChart(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})

	rec := do(t, h, http.MethodPost, "/api/forecast", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "No model chosen", decode(t, rec)["alert"])

	rec = do(t, h, http.MethodPost, "/api/selection/model/"+vmHouse+"/prophet", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/forecast", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"05:00:00", "06:00:00"}, body["labels"])
	assert.Equal(t, "01.01.2024", body["dayLabel"])

	rec = do(t, h, http.MethodGet, "/api/chart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"text":"m^3"`)
	assert.Contains(t, rec.Body.String(), `"label":"01.01.2024"`)
}

func TestForecastErrorPayload(t *testing.T) {
	_, h := newServer(t, &fakeAPI{forecastErr: &api.NotFoundError{Resource: "forecast", Message: "no data for meter"}})
	do(t, h, http.MethodPost, "/api/selection/model/"+vmHouse+"/prophet", "")

	rec := do(t, h, http.MethodPost, "/api/forecast", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForecastHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		_, h := newServer(t, &fakeAPI{})
		rec := do(t, h, http.MethodGet, "/api/forecast/history", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("explicit model", func(t *testing.T) {
		hist := &fakeHistory{}
		_, h := newServer(t, &fakeAPI{}, WithHistory(hist))

		q := url.Values{"refMeter": {vmHouse}, "algorithm": {"lstm"}, "limit": {"3"}}
		rec := do(t, h, http.MethodGet, "/api/forecast/history?"+q.Encode(), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, types.ModelKey{RefMeter: vmHouse, Algorithm: "lstm"}, hist.key)
		assert.Equal(t, 3, hist.limit)
	})

	t.Run("selected model", func(t *testing.T) {
		hist := &fakeHistory{}
		_, h := newServer(t, &fakeAPI{}, WithHistory(hist))

		rec := do(t, h, http.MethodGet, "/api/forecast/history", "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		do(t, h, http.MethodPost, "/api/selection/model/"+vmHouse+"/prophet", "")
		rec = do(t, h, http.MethodGet, "/api/forecast/history", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, types.ModelKey{RefMeter: vmHouse, Algorithm: "prophet"}, hist.key)
		assert.Equal(t, defaultHistoryLimit, hist.limit)
	})

	t.Run("bad limit", func(t *testing.T) {
		_, h := newServer(t, &fakeAPI{}, WithHistory(&fakeHistory{}))
		rec := do(t, h, http.MethodGet, "/api/forecast/history?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		q := url.Values{"refMeter": {vmHouse}, "algorithm": {"lstm"}, "limit": {"zero"}}
		rec = do(t, h, http.MethodGet, "/api/forecast/history?"+q.Encode(), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, h, http.MethodGet, "/api/forecast/history?latest=maybe", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("latest", func(t *testing.T) {
		hist := &fakeHistory{}
		_, h := newServer(t, &fakeAPI{}, WithHistory(hist))
		q := url.Values{"refMeter": {vmHouse}, "algorithm": {"lstm"}, "latest": {"true"}}

		rec := do(t, h, http.MethodGet, "/api/forecast/history?"+q.Encode(), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		hist.latest = &history.Entry{ID: 7, Model: types.ModelKey{RefMeter: vmHouse, Algorithm: "lstm"}}
		rec = do(t, h, http.MethodGet, "/api/forecast/history?"+q.Encode(), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, types.ModelKey{RefMeter: vmHouse, Algorithm: "lstm"}, hist.key)

		var entry history.Entry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
		assert.Equal(t, int64(7), entry.ID)
	})
}

func TestDebug(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})
	rec := do(t, h, http.MethodGet, "/api/debug", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"debug":true}`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	_, h := newServer(t, &fakeAPI{}, WithAllowedOrigins([]string{"https://console.example.com"}))

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRefresh(t *testing.T) {
	_, h := newServer(t, &fakeAPI{})
	rec := do(t, h, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
