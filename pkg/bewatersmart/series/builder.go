package series

import (
	"errors"
	"fmt"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

// ErrNoData is returned when a series is requested from an empty forecast
var ErrNoData = errors.New("forecast contains no data")

// placeholderHours are the x-axis marks shown before any forecast is loaded.
// Midnight is not part of the axis.
var placeholderHours = []string{
	"01:00:00", "02:00:00", "03:00:00", "04:00:00", "05:00:00", "06:00:00",
	"07:00:00", "08:00:00", "09:00:00", "10:00:00", "11:00:00", "12:00:00",
	"13:00:00", "14:00:00", "15:00:00", "16:00:00", "17:00:00", "18:00:00",
	"19:00:00", "20:00:00", "21:00:00", "22:00:00", "23:00:00",
}

// Series is a chart-ready forecast
type Series struct {
	Labels   []string  `json:"labels"`
	Values   []float64 `json:"values"`
	DayLabel string    `json:"dayLabel,omitempty"`
}

// PlaceholderSeries returns the fixed hour axis with no values and no day label
func PlaceholderSeries() Series {
	labels := make([]string, len(placeholderHours))
	copy(labels, placeholderHours)
	return Series{Labels: labels, Values: []float64{}}
}

// BuildForecastSeries pairs clock labels with predicted values in API order.
// The day label comes from the first point.
func (f Formatter) BuildForecastSeries(points []types.ForecastPoint) (Series, error) {
	if len(points) == 0 {
		return Series{}, ErrNoData
	}

	s := Series{
		Labels: make([]string, 0, len(points)),
		Values: make([]float64, 0, len(points)),
	}
	for i, p := range points {
		t, err := f.Parse(p.DatePredicted)
		if err != nil {
			return Series{}, fmt.Errorf("point %d: %w", i, err)
		}
		if i == 0 {
			s.DayLabel = f.Date(t)
		}
		s.Labels = append(s.Labels, f.Clock(t))
		s.Values = append(s.Values, p.NumValue)
	}
	return s, nil
}
