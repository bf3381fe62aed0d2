package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/api"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/console"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/history"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/metrics"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/series"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

const (
	defaultHistoryLimit = 10
	maxRequestBody      = 1 << 20
)

// HistoryReader reads stored forecasts
type HistoryReader interface {
	List(ctx context.Context, key types.ModelKey, limit int) ([]history.Entry, error)
	Latest(ctx context.Context, key types.ModelKey) (*history.Entry, error)
}

// Server exposes a console as JSON over HTTP
type Server struct {
	console        *console.Console
	history        HistoryReader
	allowedOrigins []string
}

// Option allows customizing the server
type Option func(*Server)

// WithHistory serves stored forecasts from h
func WithHistory(h HistoryReader) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithAllowedOrigins sets the origins allowed by CORS
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// New creates a server for c
func New(c *console.Console, opts ...Option) *Server {
	s := &Server{
		console:        c,
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the routes without middleware
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/state", s.getState).Methods(http.MethodGet)
	a.HandleFunc("/physical-meters", s.getPhysicalMeters).Methods(http.MethodGet)
	a.HandleFunc("/virtual-meters", s.getVirtualMeters).Methods(http.MethodGet)
	a.HandleFunc("/algorithms", s.getAlgorithms).Methods(http.MethodGet)
	a.HandleFunc("/models", s.getModels).Methods(http.MethodGet)
	a.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)

	a.HandleFunc("/selection/physical-meters/{id}", s.selectPhysicalMeter).Methods(http.MethodPut)
	a.HandleFunc("/selection/virtual-meter/{id}", s.selectVirtualMeter).Methods(http.MethodPost)
	a.HandleFunc("/selection/algorithm/{name}", s.selectAlgorithm).Methods(http.MethodPost)
	a.HandleFunc("/selection/model/{refMeter}/{algorithm}", s.selectModel).Methods(http.MethodPost)
	a.HandleFunc("/drafts/virtual-meter-name", s.setVirtualMeterName).Methods(http.MethodPut)
	a.HandleFunc("/drafts/model-comment", s.setModelComment).Methods(http.MethodPut)

	a.HandleFunc("/virtual-meters", s.addVirtualMeter).Methods(http.MethodPost)
	a.HandleFunc("/virtual-meters/{id}", s.deleteVirtualMeter).Methods(http.MethodDelete)
	a.HandleFunc("/models/train", s.trainModel).Methods(http.MethodPost)
	a.HandleFunc("/models/{refMeter}/{algorithm}", s.deleteModel).Methods(http.MethodDelete)
	a.HandleFunc("/forecast", s.loadForecast).Methods(http.MethodPost)
	a.HandleFunc("/forecast/history", s.forecastHistory).Methods(http.MethodGet)
	a.HandleFunc("/chart", s.getChart).Methods(http.MethodGet)
	a.HandleFunc("/debug", s.debug).Methods(http.MethodGet)

	r.Use(logRequests)
	return r
}

// Handler returns the routes wrapped in CORS, compression, panic recovery
// and request metrics
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	h = handlers.CompressHandler(h)
	h = handlers.CORS(
		handlers.AllowedOrigins(s.allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	return metrics.InstrumentHandler(h)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		klog.V(4).InfoS("Served request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Snapshot())
}

func (s *Server) getPhysicalMeters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Snapshot().PhysicalMeters)
}

func (s *Server) getVirtualMeters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Snapshot().VirtualMeters)
}

func (s *Server) getAlgorithms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Snapshot().Algorithms)
}

func (s *Server) getModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Snapshot().Models)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if err := s.console.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.console.Snapshot())
}

type includedRequest struct {
	Included bool `json:"included"`
}

func (s *Server) selectPhysicalMeter(w http.ResponseWriter, r *http.Request) {
	var req includedRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.respondSelection(w, s.console.TogglePhysicalMeter(mux.Vars(r)["id"], req.Included))
}

func (s *Server) selectVirtualMeter(w http.ResponseWriter, r *http.Request) {
	s.respondSelection(w, s.console.ToggleVirtualMeter(mux.Vars(r)["id"]))
}

// selectAlgorithm toggles by default; ?mode=choose selects without deselecting
func (s *Server) selectAlgorithm(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if r.URL.Query().Get("mode") == "choose" {
		s.respondSelection(w, s.console.ChooseAlgorithm(name))
		return
	}
	s.respondSelection(w, s.console.ToggleAlgorithm(name))
}

func (s *Server) selectModel(w http.ResponseWriter, r *http.Request) {
	s.respondSelection(w, s.console.ToggleModel(modelKey(r)))
}

func (s *Server) respondSelection(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.console.Snapshot().Selection)
}

type draftRequest struct {
	Value string `json:"value"`
}

func (s *Server) setVirtualMeterName(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.console.SetNewVirtualMeterName(req.Value)
	s.respondSelection(w, nil)
}

func (s *Server) setModelComment(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.console.SetModelComment(req.Value)
	s.respondSelection(w, nil)
}

func (s *Server) addVirtualMeter(w http.ResponseWriter, r *http.Request) {
	id, err := s.console.AddVirtualMeter(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"virtualMeterId": id})
}

func (s *Server) deleteVirtualMeter(w http.ResponseWriter, r *http.Request) {
	msg, err := s.console.DeleteVirtualMeter(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert": msg})
}

func (s *Server) trainModel(w http.ResponseWriter, r *http.Request) {
	// training outlives a client that hangs up
	if err := s.console.TrainModel(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.console.Snapshot())
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	msg, err := s.console.DeleteModel(r.Context(), modelKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert": msg})
}

func (s *Server) loadForecast(w http.ResponseWriter, r *http.Request) {
	sr, err := s.console.LoadForecast(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// forecastHistory lists stored forecasts of the model named by the
// refMeter and algorithm query parameters, or of the selected model
func (s *Server) forecastHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "forecast history is disabled"})
		return
	}

	q := r.URL.Query()
	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	latest := false
	if v := q.Get("latest"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "latest must be a boolean"})
			return
		}
		latest = b
	}

	key := types.ModelKey{RefMeter: q.Get("refMeter"), Algorithm: q.Get("algorithm")}
	if key.RefMeter == "" || key.Algorithm == "" {
		selected, ok := s.console.SelectedModel()
		if !ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"alert": "No model chosen"})
			return
		}
		key = selected
	}

	if latest {
		entry, err := s.history.Latest(r.Context(), key)
		if errors.Is(err, history.ErrNoHistory) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			klog.ErrorS(err, "Failed to read latest forecast", "model", key.String())
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}

	entries, err := s.history.List(r.Context(), key, limit)
	if err != nil {
		klog.ErrorS(err, "Failed to read forecast history", "model", key.String())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getChart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.console.ChartConfig())
}

func (s *Server) debug(w http.ResponseWriter, r *http.Request) {
	raw, err := s.console.Debug(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func modelKey(r *http.Request) types.ModelKey {
	v := mux.Vars(r)
	return types.ModelKey{RefMeter: v["refMeter"], Algorithm: v["algorithm"]}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps console and API errors to a status code
func writeError(w http.ResponseWriter, err error) {
	var alert *console.Alert
	switch {
	case errors.As(err, &alert):
		status := http.StatusBadGateway
		switch alert.Kind {
		case console.AlertValidation:
			status = http.StatusUnprocessableEntity
		case console.AlertNotFound:
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"alert": alert.Message})
	case errors.Is(err, console.ErrUnknownItem):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, api.ErrNotFound), errors.Is(err, series.ErrNoData):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.ErrorS(err, "Failed to write response")
	}
}
