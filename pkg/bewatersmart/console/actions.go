package console

import (
	"context"
	"errors"
	"slices"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/api"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/events"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/metrics"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/series"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

const (
	outcomeSuccess = "success"
	outcomeAlert   = "alert"
	outcomeError   = "error"
)

// AddVirtualMeter creates a virtual meter from the drafted name and the
// selected physical meters, in the order they were selected. On success
// the draft is cleared unless it changed meanwhile, and the virtual meters
// are reloaded.
func (c *Console) AddVirtualMeter(ctx context.Context) (string, error) {
	c.mu.RLock()
	name := c.sel.NewVirtualMeterName
	ids := c.sel.SubmeterIDs()
	c.mu.RUnlock()

	if name == "" {
		klog.V(2).InfoS("Refusing to create virtual meter without a name")
		recordAction("create_virtual_meter", outcomeAlert)
		return "", validationAlert(ErrNoName)
	}

	id, err := c.api.CreateVirtualMeter(ctx, name, ids)
	if err != nil {
		klog.ErrorS(err, "Failed to create virtual meter", "name", name)
		recordAction("create_virtual_meter", outcomeError)
		if errors.Is(err, api.ErrUnexpectedResponse) {
			return "", &Alert{Kind: AlertFailure, Message: msgVirtualMeterMissing, Err: err}
		}
		return "", err
	}

	// edits made while the request was in flight start a new draft
	c.mu.Lock()
	if c.sel.NewVirtualMeterName == name && slices.Equal(c.sel.SubmeterIDs(), ids) {
		c.sel.ResetAfterVirtualMeterCreated()
	}
	c.mu.Unlock()

	_ = c.RefreshVirtualMeters(ctx)
	c.publish(ctx, events.Event{Type: events.VirtualMeterCreated, VirtualMeter: id, SubmeterIDs: ids})
	recordAction("create_virtual_meter", outcomeSuccess)
	klog.V(2).InfoS("Created virtual meter", "virtualMeter", id, "submeters", len(ids))
	return id, nil
}

// DeleteVirtualMeter deletes the virtual meter with id and returns the
// message to show. The list entry is only removed once the API confirms.
func (c *Console) DeleteVirtualMeter(ctx context.Context, id string) (string, error) {
	if err := c.api.DeleteVirtualMeter(ctx, id); err != nil {
		if errors.Is(err, api.ErrNotFound) {
			klog.V(2).InfoS("Virtual meter to delete not found", "virtualMeter", id)
			recordAction("delete_virtual_meter", outcomeAlert)
			return "", &Alert{Kind: AlertNotFound, Message: virtualMeterNotFound(id), Err: err}
		}
		klog.ErrorS(err, "Failed to delete virtual meter", "virtualMeter", id)
		recordAction("delete_virtual_meter", outcomeError)
		return "", &Alert{Kind: AlertFailure, Message: virtualMeterDeleteFailed(id), Err: err}
	}

	c.mu.Lock()
	c.virtualMeters = remove(c.virtualMeters, func(v *types.VirtualMeter) bool { return v.ID == id })
	c.sel.ResetAfterVirtualMeterDeleted()
	c.mu.Unlock()

	c.publish(ctx, events.Event{Type: events.VirtualMeterDeleted, VirtualMeter: id})
	recordAction("delete_virtual_meter", outcomeSuccess)
	return virtualMeterDeleted(id), nil
}

// TrainModel trains the selected algorithm on the selected virtual meter.
// Nothing is sent unless a virtual meter, an algorithm and a comment are set.
func (c *Console) TrainModel(ctx context.Context) error {
	c.mu.Lock()
	args, err := c.sel.TrainArgs()
	if err != nil {
		c.mu.Unlock()
		klog.V(2).InfoS("Refusing to train model", "reason", err.Error())
		recordAction("train_model", outcomeAlert)
		return validationAlert(err)
	}
	c.training++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.training--
		c.mu.Unlock()
	}()

	klog.V(2).InfoS("Training model", "virtualMeter", args.VirtualMeterID, "algorithm", args.Algorithm)
	if err := c.api.TrainModel(ctx, args.VirtualMeterID, args.Algorithm, args.Comment); err != nil {
		klog.ErrorS(err, "Failed to train model", "virtualMeter", args.VirtualMeterID, "algorithm", args.Algorithm)
		recordAction("train_model", outcomeError)
		return &Alert{Kind: AlertFailure, Message: msgTrainingFailed, Err: err}
	}

	_ = c.RefreshModels(ctx)

	c.mu.Lock()
	c.sel.ResetAfterModelTrained(c.policy)
	c.mu.Unlock()

	c.publish(ctx, events.Event{
		Type:         events.ModelTrained,
		VirtualMeter: args.VirtualMeterID,
		Algorithm:    args.Algorithm,
		Comment:      args.Comment,
	})
	recordAction("train_model", outcomeSuccess)
	return nil
}

// DeleteModel deletes the model with key and returns the message to show
func (c *Console) DeleteModel(ctx context.Context, key types.ModelKey) (string, error) {
	if err := c.api.DeleteModel(ctx, key); err != nil {
		if errors.Is(err, api.ErrNotFound) {
			klog.V(2).InfoS("Model to delete not found", "model", key.String())
			recordAction("delete_model", outcomeAlert)
			return "", &Alert{Kind: AlertNotFound, Message: msgModelNotFound, Err: err}
		}
		klog.ErrorS(err, "Failed to delete model", "model", key.String())
		recordAction("delete_model", outcomeError)
		return "", &Alert{Kind: AlertFailure, Message: modelDeleteFailed(key), Err: err}
	}

	c.mu.Lock()
	c.models = remove(c.models, func(m *types.MLModel) bool { return m.Key() == key })
	c.sel.ResetAfterModelDeleted(key)
	c.mu.Unlock()

	c.publish(ctx, events.Event{Type: events.ModelDeleted, VirtualMeter: key.RefMeter, Algorithm: key.Algorithm})
	recordAction("delete_model", outcomeSuccess)
	return msgModelDeleted, nil
}

// LoadForecast fetches the forecast of the selected model and draws it.
// On any failure the chart keeps what it showed before.
func (c *Console) LoadForecast(ctx context.Context) (series.Series, error) {
	c.mu.RLock()
	key, err := c.sel.ForecastArgs()
	c.mu.RUnlock()
	if err != nil {
		klog.V(2).InfoS("Refusing to load forecast", "reason", err.Error())
		recordAction("load_forecast", outcomeAlert)
		return series.Series{}, validationAlert(err)
	}

	points, err := c.api.Forecast(ctx, key)
	if err != nil {
		klog.ErrorS(err, "Failed to load forecast", "model", key.String())
		recordAction("load_forecast", outcomeError)
		return series.Series{}, err
	}

	s, err := c.format.BuildForecastSeries(points)
	if err != nil {
		klog.ErrorS(err, "Failed to build forecast series", "model", key.String(), "points", len(points))
		recordAction("load_forecast", outcomeError)
		return series.Series{}, err
	}

	c.mu.Lock()
	err = c.chart.Populate(s)
	c.mu.Unlock()
	if err != nil {
		klog.ErrorS(err, "Failed to draw forecast", "model", key.String())
		recordAction("load_forecast", outcomeError)
		return series.Series{}, err
	}

	metrics.ForecastPoints.Set(float64(len(points)))
	for _, r := range c.recorders {
		if err := r.RecordForecast(ctx, key, points); err != nil {
			klog.ErrorS(err, "Failed to record forecast", "sink", r.name, "model", key.String())
			metrics.SinkWrites.WithLabelValues(r.name, "error").Inc()
			continue
		}
		metrics.SinkWrites.WithLabelValues(r.name, "success").Inc()
	}
	c.publish(ctx, events.Event{
		Type:         events.ForecastLoaded,
		VirtualMeter: key.RefMeter,
		Algorithm:    key.Algorithm,
		Points:       len(points),
	})
	recordAction("load_forecast", outcomeSuccess)
	return s, nil
}

func (c *Console) publish(ctx context.Context, e events.Event) {
	if err := c.publisher.Publish(ctx, e); err != nil {
		klog.ErrorS(err, "Failed to publish console event", "type", e.Type)
		metrics.SinkWrites.WithLabelValues("events", "error").Inc()
		return
	}
	metrics.SinkWrites.WithLabelValues("events", "success").Inc()
}
