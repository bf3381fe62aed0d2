package console

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/api"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/events"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/metrics"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/selection"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/series"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

// API is the part of the forecasting API client the console drives
type API interface {
	Debug(ctx context.Context) (json.RawMessage, error)
	ListPhysicalMeters(ctx context.Context) ([]types.PhysicalMeter, error)
	ListVirtualMeters(ctx context.Context) ([]types.VirtualMeter, error)
	ListAlgorithms(ctx context.Context) ([]types.Algorithm, error)
	ListModels(ctx context.Context) ([]types.MLModel, error)
	CreateVirtualMeter(ctx context.Context, name string, submeterIDs []string) (string, error)
	DeleteVirtualMeter(ctx context.Context, id string) error
	TrainModel(ctx context.Context, virtualMeterID, algorithm, comment string) error
	DeleteModel(ctx context.Context, key types.ModelKey) error
	Forecast(ctx context.Context, key types.ModelKey) ([]types.ForecastPoint, error)
}

// Recorder keeps a copy of every loaded forecast
type Recorder interface {
	RecordForecast(ctx context.Context, key types.ModelKey, points []types.ForecastPoint) error
}

type namedRecorder struct {
	name string
	Recorder
}

// Console owns the lists, the selection and the chart of one console view.
// Its methods are safe for concurrent use. No lock is held while a request
// to the API is in flight, so requests never wait on each other.
type Console struct {
	api       API
	format    series.Formatter
	policy    selection.ResetPolicy
	sink      series.Sink
	recorders []namedRecorder
	publisher events.Publisher

	mu             sync.RWMutex
	physicalMeters []*types.PhysicalMeter
	virtualMeters  []*types.VirtualMeter
	algorithms     []*types.Algorithm
	models         []*types.MLModel
	sel            selection.State
	chart          *series.Chart
	training       int
}

// Option allows customizing the console
type Option func(*Console)

// WithLocation sets the time zone dates are shown in
func WithLocation(loc *time.Location) Option {
	return func(c *Console) {
		c.format = series.NewFormatter(loc)
	}
}

// WithResetPolicy sets what a successful training clears
func WithResetPolicy(p selection.ResetPolicy) Option {
	return func(c *Console) {
		c.policy = p
	}
}

// WithRecorder adds a forecast recorder. name is used in logs and metrics.
func WithRecorder(name string, r Recorder) Option {
	return func(c *Console) {
		c.recorders = append(c.recorders, namedRecorder{name: name, Recorder: r})
	}
}

// WithPublisher sets where action events go
func WithPublisher(p events.Publisher) Option {
	return func(c *Console) {
		c.publisher = p
	}
}

// WithSink sets the chart surface. The default keeps the chart as a config.
func WithSink(s series.Sink) Option {
	return func(c *Console) {
		c.sink = s
	}
}

// New creates a console with empty lists and the placeholder chart
func New(api API, opts ...Option) (*Console, error) {
	c := &Console{
		api:       api,
		format:    series.NewFormatter(nil),
		publisher: events.Nop{},
		sink:      &series.ConfigSink{},
	}
	for _, opt := range opts {
		opt(c)
	}

	chart, err := series.NewChart(c.sink)
	if err != nil {
		return nil, err
	}
	c.chart = chart
	return c, nil
}

// Init loads all four lists. A failed list is logged and stays empty; the
// returned error aggregates the failures.
func (c *Console) Init(ctx context.Context) error {
	var errs []error
	for _, refresh := range []func(context.Context) error{
		c.RefreshPhysicalMeters,
		c.RefreshVirtualMeters,
		c.RefreshAlgorithms,
		c.RefreshModels,
	} {
		if err := refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Refresh reloads every list from the API, skipping cached list responses.
func (c *Console) Refresh(ctx context.Context) error {
	return c.Init(api.Fresh(ctx))
}

// RefreshPhysicalMeters reloads the physical meters
func (c *Console) RefreshPhysicalMeters(ctx context.Context) error {
	meters, err := c.api.ListPhysicalMeters(ctx)
	if err != nil {
		klog.ErrorS(err, "Failed to load physical meters")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.physicalMeters = pointers(meters)
	return nil
}

// RefreshVirtualMeters reloads the virtual meters. A selected meter is moved
// to its reloaded entry, or dropped if it is gone.
func (c *Console) RefreshVirtualMeters(ctx context.Context) error {
	meters, err := c.api.ListVirtualMeters(ctx)
	if err != nil {
		klog.ErrorS(err, "Failed to load virtual meters")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.virtualMeters = pointers(meters)
	if cur := c.sel.VirtualMeter(); cur != nil {
		if vm := find(c.virtualMeters, func(v *types.VirtualMeter) bool { return v.ID == cur.ID }); vm != nil {
			c.sel.ToggleVirtualMeter(vm)
		} else {
			c.sel.ToggleVirtualMeter(cur)
		}
	}
	return nil
}

// RefreshAlgorithms reloads the algorithms
func (c *Console) RefreshAlgorithms(ctx context.Context) error {
	algs, err := c.api.ListAlgorithms(ctx)
	if err != nil {
		klog.ErrorS(err, "Failed to load algorithms")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.algorithms = pointers(algs)
	if cur := c.sel.Algorithm(); cur != nil {
		c.sel.ChooseAlgorithm(find(c.algorithms, func(a *types.Algorithm) bool { return a.Name == cur.Name }))
	}
	return nil
}

// RefreshModels reloads the models
func (c *Console) RefreshModels(ctx context.Context) error {
	models, err := c.api.ListModels(ctx)
	if err != nil {
		klog.ErrorS(err, "Failed to load models")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = pointers(models)
	if cur := c.sel.Model(); cur != nil {
		key := cur.Key()
		if m := find(c.models, func(m *types.MLModel) bool { return m.Key() == key }); m != nil {
			c.sel.ToggleModel(m)
		} else {
			c.sel.ToggleModel(cur)
		}
	}
	return nil
}

// TogglePhysicalMeter adds or removes a physical meter of the draft
func (c *Console) TogglePhysicalMeter(id string, included bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := find(c.physicalMeters, func(m *types.PhysicalMeter) bool { return m.ID == id })
	if m == nil {
		return ErrUnknownItem
	}
	c.sel.TogglePhysicalMeter(*m, included)
	return nil
}

// ToggleVirtualMeter selects the virtual meter, or deselects it if selected
func (c *Console) ToggleVirtualMeter(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm := find(c.virtualMeters, func(v *types.VirtualMeter) bool { return v.ID == id })
	if vm == nil {
		return ErrUnknownItem
	}
	c.sel.ToggleVirtualMeter(vm)
	return nil
}

// ChooseAlgorithm selects the algorithm
func (c *Console) ChooseAlgorithm(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	alg := find(c.algorithms, func(a *types.Algorithm) bool { return a.Name == name })
	if alg == nil {
		return ErrUnknownItem
	}
	c.sel.ChooseAlgorithm(alg)
	return nil
}

// ToggleAlgorithm selects the algorithm, or deselects it if selected
func (c *Console) ToggleAlgorithm(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	alg := find(c.algorithms, func(a *types.Algorithm) bool { return a.Name == name })
	if alg == nil {
		return ErrUnknownItem
	}
	c.sel.ToggleAlgorithm(alg)
	return nil
}

// ToggleModel selects the model, or deselects it if selected
func (c *Console) ToggleModel(key types.ModelKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := find(c.models, func(m *types.MLModel) bool { return m.Key() == key })
	if m == nil {
		return ErrUnknownItem
	}
	c.sel.ToggleModel(m)
	return nil
}

// SetNewVirtualMeterName sets the name of the virtual meter being drafted
func (c *Console) SetNewVirtualMeterName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sel.NewVirtualMeterName = name
}

// SetModelComment sets the comment sent with the next training
func (c *Console) SetModelComment(comment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sel.ModelComment = comment
}

// Debug checks that the API is reachable
func (c *Console) Debug(ctx context.Context) (json.RawMessage, error) {
	return c.api.Debug(ctx)
}

// ChartConfig returns the chart as currently drawn
func (c *Console) ChartConfig() series.ChartConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.chart.Series()
	return series.NewChartConfig(s.Labels, s.Values, s.DayLabel)
}

func pointers[T any](items []T) []*T {
	out := make([]*T, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}

func find[T any](items []*T, match func(*T) bool) *T {
	for _, it := range items {
		if match(it) {
			return it
		}
	}
	return nil
}

func remove[T any](items []*T, match func(*T) bool) []*T {
	for i, it := range items {
		if match(it) {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}

func recordAction(action, outcome string) {
	metrics.ConsoleActions.WithLabelValues(action, outcome).Inc()
}
