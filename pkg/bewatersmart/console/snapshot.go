package console

import (
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/series"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

// PhysicalMeterRow is a physical meter as listed in the console
type PhysicalMeterRow struct {
	types.PhysicalMeter
	Name        string `json:"name"`
	DisplayDate string `json:"displayDate"`
	Selected    bool   `json:"selected"`
}

// VirtualMeterRow is a virtual meter as listed in the console
type VirtualMeterRow struct {
	types.VirtualMeter
	Name               string `json:"name"`
	DisplayDateCreated string `json:"displayDateCreated"`
	Selected           bool   `json:"selected"`
}

// AlgorithmRow is an algorithm as listed in the console
type AlgorithmRow struct {
	types.Algorithm
	Selected bool `json:"selected"`
}

// ModelRow is a model as listed in the console
type ModelRow struct {
	types.MLModel
	MeterName           string `json:"meterName"`
	DisplayDateCreated  string `json:"displayDateCreated"`
	DisplayDateModified string `json:"displayDateModified"`
	Selected            bool   `json:"selected"`
}

// SelectionView is the current selection
type SelectionView struct {
	PhysicalMeterIDs    []string        `json:"physicalMeterIds"`
	VirtualMeter        string          `json:"virtualMeter,omitempty"`
	Algorithm           string          `json:"algorithm,omitempty"`
	Model               *types.ModelKey `json:"model,omitempty"`
	NewVirtualMeterName string          `json:"newVirtualMeterName"`
	ModelComment        string          `json:"modelComment"`
}

// ChartView is the chart as drawn
type ChartView struct {
	State  string        `json:"state"`
	Series series.Series `json:"series"`
}

// Snapshot is a copy of everything a console shows
type Snapshot struct {
	PhysicalMeters []PhysicalMeterRow `json:"physicalMeters"`
	VirtualMeters  []VirtualMeterRow  `json:"virtualMeters"`
	Algorithms     []AlgorithmRow     `json:"algorithms"`
	Models         []ModelRow         `json:"models"`
	Selection      SelectionView      `json:"selection"`
	Chart          ChartView          `json:"chart"`
	Training       bool               `json:"training"`
}

// Snapshot copies the console state for display
func (c *Console) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		PhysicalMeters: make([]PhysicalMeterRow, 0, len(c.physicalMeters)),
		VirtualMeters:  make([]VirtualMeterRow, 0, len(c.virtualMeters)),
		Algorithms:     make([]AlgorithmRow, 0, len(c.algorithms)),
		Models:         make([]ModelRow, 0, len(c.models)),
		Training:       c.training > 0,
	}

	for _, m := range c.physicalMeters {
		snap.PhysicalMeters = append(snap.PhysicalMeters, PhysicalMeterRow{
			PhysicalMeter: *m,
			Name:          series.StripMeterID(m.ID),
			DisplayDate:   c.format.DisplayDateTime(m.Date),
			Selected:      c.sel.IsPhysicalMeterSelected(m.ID),
		})
	}
	for _, vm := range c.virtualMeters {
		snap.VirtualMeters = append(snap.VirtualMeters, VirtualMeterRow{
			VirtualMeter:       *vm,
			Name:               series.StripMeterID(vm.ID),
			DisplayDateCreated: c.format.DisplayDateTime(vm.DateCreated),
			Selected:           c.sel.VirtualMeter() == vm,
		})
	}
	for _, alg := range c.algorithms {
		snap.Algorithms = append(snap.Algorithms, AlgorithmRow{
			Algorithm: *alg,
			Selected:  c.sel.Algorithm() == alg,
		})
	}
	for _, m := range c.models {
		snap.Models = append(snap.Models, ModelRow{
			MLModel:             *m,
			MeterName:           series.StripMeterID(m.RefMeter),
			DisplayDateCreated:  c.format.DisplayDateTime(m.DateCreated),
			DisplayDateModified: c.format.DisplayDateTime(m.DateModified),
			Selected:            c.sel.Model() == m,
		})
	}

	snap.Selection = SelectionView{
		PhysicalMeterIDs:    c.sel.SubmeterIDs(),
		NewVirtualMeterName: c.sel.NewVirtualMeterName,
		ModelComment:        c.sel.ModelComment,
	}
	if vm := c.sel.VirtualMeter(); vm != nil {
		snap.Selection.VirtualMeter = vm.ID
	}
	if alg := c.sel.Algorithm(); alg != nil {
		snap.Selection.Algorithm = alg.Name
	}
	if m := c.sel.Model(); m != nil {
		key := m.Key()
		snap.Selection.Model = &key
	}

	snap.Chart = ChartView{
		State:  c.chart.State().String(),
		Series: c.chart.Series(),
	}
	return snap
}

// SelectedModel returns the key of the selected model, if any
func (c *Console) SelectedModel() (types.ModelKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, err := c.sel.ForecastArgs()
	return key, err == nil
}
