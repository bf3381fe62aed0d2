package influx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/config"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/series"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

const measurement = "water_forecast"

// pointWriter is the part of the blocking write API the recorder needs
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Recorder exports forecasts to an InfluxDB v2 bucket
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	format series.Formatter
}

// NewRecorder connects to InfluxDB and verifies it is healthy
func NewRecorder(ctx context.Context, cfg config.InfluxConfig) (*Recorder, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %v", err)
	}

	klog.V(2).InfoS("Connected to InfluxDB", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return &Recorder{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		format: series.NewFormatter(time.UTC),
	}, nil
}

func newRecorderWithWriter(w pointWriter) *Recorder {
	return &Recorder{writer: w, format: series.NewFormatter(time.UTC)}
}

// RecordForecast writes one point per forecast interval, tagged by meter and
// algorithm. Numeric covariates become extra fields. Points whose timestamp
// cannot be read are skipped.
func (r *Recorder) RecordForecast(ctx context.Context, key types.ModelKey, points []types.ForecastPoint) error {
	tags := map[string]string{
		"ref_meter": key.RefMeter,
		"meter":     series.StripMeterID(key.RefMeter),
		"algorithm": key.Algorithm,
	}

	out := make([]*write.Point, 0, len(points))
	for _, p := range points {
		ts, err := r.format.Parse(p.DatePredicted)
		if err != nil {
			klog.V(2).InfoS("Skipping forecast point with unreadable timestamp",
				"model", key.String(),
				"datePredicted", p.DatePredicted)
			continue
		}

		fields := map[string]interface{}{
			"value": p.NumValue,
		}
		for name, raw := range p.Covariates {
			var v float64
			if err := json.Unmarshal(raw, &v); err == nil {
				fields[name] = v
			}
		}

		out = append(out, write.NewPoint(measurement, tags, fields, ts))
	}

	if len(out) == 0 {
		return nil
	}
	if err := r.writer.WritePoint(ctx, out...); err != nil {
		return fmt.Errorf("failed to write forecast to InfluxDB: %v", err)
	}

	klog.V(3).InfoS("Exported forecast to InfluxDB", "model", key.String(), "points", len(out))
	return nil
}

// Close releases the client
func (r *Recorder) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
