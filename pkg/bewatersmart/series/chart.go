package series

import (
	"sync"
)

// ChartState tells whether the chart shows real data
type ChartState int

const (
	// Placeholder shows the empty hour axis
	Placeholder ChartState = iota
	// Populated shows a forecast
	Populated
)

func (s ChartState) String() string {
	switch s {
	case Placeholder:
		return "placeholder"
	case Populated:
		return "populated"
	default:
		return "unknown"
	}
}

// Sink draws a chart. Each Render replaces whatever was drawn before.
type Sink interface {
	Render(labels []string, values []float64, seriesLabel string) error
}

// Chart is the forecast chart of a console. It starts as a placeholder and
// becomes populated once a forecast has been loaded. It does not go back.
type Chart struct {
	sink   Sink
	state  ChartState
	series Series
}

// NewChart renders the placeholder into sink
func NewChart(sink Sink) (*Chart, error) {
	c := &Chart{sink: sink, state: Placeholder, series: PlaceholderSeries()}
	if err := sink.Render(c.series.Labels, c.series.Values, c.series.DayLabel); err != nil {
		return nil, err
	}
	return c, nil
}

// Populate renders s. The chart state only changes if rendering succeeds.
func (c *Chart) Populate(s Series) error {
	if err := c.sink.Render(s.Labels, s.Values, s.DayLabel); err != nil {
		return err
	}
	c.series = s
	c.state = Populated
	return nil
}

// State returns the current chart state
func (c *Chart) State() ChartState { return c.state }

// Series returns the series last rendered
func (c *Chart) Series() Series { return c.series }

// ChartConfig is a line chart definition in the shape charting front ends
// consume.
type ChartConfig struct {
	Type    string       `json:"type"`
	Data    ChartData    `json:"data"`
	Options ChartOptions `json:"options"`
}

type ChartData struct {
	Labels   []string       `json:"labels"`
	Datasets []ChartDataset `json:"datasets"`
}

type ChartDataset struct {
	Label           string    `json:"label"`
	Data            []float64 `json:"data"`
	BackgroundColor string    `json:"backgroundColor"`
	BorderColor     string    `json:"borderColor"`
}

type ChartOptions struct {
	Scales ChartScales `json:"scales"`
}

type ChartScales struct {
	X ChartAxis `json:"x"`
	Y ChartAxis `json:"y"`
}

type ChartAxis struct {
	Title ChartAxisTitle `json:"title"`
}

type ChartAxisTitle struct {
	Display bool   `json:"display"`
	Text    string `json:"text"`
}

const (
	xAxisTitle      = "time"
	yAxisTitle      = "m^3"
	lineColor       = "blue"
	backgroundColor = "rgba(0,0,255,0.2)"
)

// NewChartConfig builds a single-series line chart
func NewChartConfig(labels []string, values []float64, seriesLabel string) ChartConfig {
	return ChartConfig{
		Type: "line",
		Data: ChartData{
			Labels: labels,
			Datasets: []ChartDataset{{
				Label:           seriesLabel,
				Data:            values,
				BackgroundColor: backgroundColor,
				BorderColor:     lineColor,
			}},
		},
		Options: ChartOptions{
			Scales: ChartScales{
				X: ChartAxis{Title: ChartAxisTitle{Display: true, Text: xAxisTitle}},
				Y: ChartAxis{Title: ChartAxisTitle{Display: true, Text: yAxisTitle}},
			},
		},
	}
}

// ConfigSink keeps the last rendered chart as a ChartConfig. It is safe for
// concurrent use.
type ConfigSink struct {
	mu      sync.RWMutex
	config  ChartConfig
	renders int
}

// Render implements Sink
func (s *ConfigSink) Render(labels []string, values []float64, seriesLabel string) error {
	l := make([]string, len(labels))
	copy(l, labels)
	v := make([]float64, len(values))
	copy(v, values)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = NewChartConfig(l, v, seriesLabel)
	s.renders++
	return nil
}

// Config returns the last rendered chart
func (s *ConfigSink) Config() ChartConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Renders counts how often the sink has been drawn
func (s *ConfigSink) Renders() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renders
}
