package selection

import (
	"errors"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

var (
	// ErrNoVirtualMeter is returned when training is requested without a virtual meter
	ErrNoVirtualMeter = errors.New("no virtual meter selected")
	// ErrNoAlgorithm is returned when training is requested without an algorithm
	ErrNoAlgorithm = errors.New("no algorithm selected")
	// ErrNoComment is returned when training is requested without a model comment
	ErrNoComment = errors.New("a comment is necessary")
	// ErrNoModel is returned when a forecast is requested without a model
	ErrNoModel = errors.New("no model chosen")
)

// ResetPolicy controls what a successful training round-trip clears
type ResetPolicy struct {
	// ClearVirtualMeterOnTrain also drops the selected virtual meter after
	// training. Variants of the console disagree on this, so it is opt-in.
	ClearVirtualMeterOnTrain bool
}

// State is the transient selection of one console view. The zero value is
// an empty selection ready to use. State is not safe for concurrent use;
// the owner serializes access.
type State struct {
	physicalMeters []types.PhysicalMeter
	physicalIDs    sets.Set[string]

	virtualMeter *types.VirtualMeter
	algorithm    *types.Algorithm
	model        *types.MLModel

	NewVirtualMeterName string
	ModelComment        string
}

// TogglePhysicalMeter adds meter when included is true and its id is not yet
// selected, otherwise removes the first entry with the same id.
func (s *State) TogglePhysicalMeter(meter types.PhysicalMeter, included bool) {
	if s.physicalIDs == nil {
		s.physicalIDs = sets.New[string]()
	}

	if included {
		if s.physicalIDs.Has(meter.ID) {
			return
		}
		s.physicalMeters = append(s.physicalMeters, meter)
		s.physicalIDs.Insert(meter.ID)
		return
	}

	for i := range s.physicalMeters {
		if s.physicalMeters[i].ID == meter.ID {
			s.physicalMeters = append(s.physicalMeters[:i], s.physicalMeters[i+1:]...)
			s.physicalIDs.Delete(meter.ID)
			return
		}
	}
}

// PhysicalMeters returns the selected physical meters in selection order
func (s *State) PhysicalMeters() []types.PhysicalMeter {
	out := make([]types.PhysicalMeter, len(s.physicalMeters))
	copy(out, s.physicalMeters)
	return out
}

// IsPhysicalMeterSelected reports whether a meter with id is selected
func (s *State) IsPhysicalMeterSelected(id string) bool {
	return s.physicalIDs.Has(id)
}

// SubmeterIDs lists the ids of the selected physical meters in selection order
func (s *State) SubmeterIDs() []string {
	ids := make([]string, 0, len(s.physicalMeters))
	for _, m := range s.physicalMeters {
		ids = append(ids, m.ID)
	}
	return ids
}

// toggle implements click-to-deselect single selection on pointer identity
func toggle[T any](current **T, item *T) {
	if *current == item {
		*current = nil
		return
	}
	*current = item
}

// ToggleVirtualMeter selects vm, or clears the selection if vm is already selected
func (s *State) ToggleVirtualMeter(vm *types.VirtualMeter) {
	toggle(&s.virtualMeter, vm)
}

// ToggleAlgorithm selects alg, or clears the selection if alg is already selected
func (s *State) ToggleAlgorithm(alg *types.Algorithm) {
	toggle(&s.algorithm, alg)
}

// ChooseAlgorithm selects alg without deselect semantics
func (s *State) ChooseAlgorithm(alg *types.Algorithm) {
	s.algorithm = alg
}

// ToggleModel selects m, or clears the selection if m is already selected
func (s *State) ToggleModel(m *types.MLModel) {
	toggle(&s.model, m)
}

// VirtualMeter returns the selected virtual meter or nil
func (s *State) VirtualMeter() *types.VirtualMeter { return s.virtualMeter }

// Algorithm returns the selected algorithm or nil
func (s *State) Algorithm() *types.Algorithm { return s.algorithm }

// Model returns the selected model or nil
func (s *State) Model() *types.MLModel { return s.model }

// TrainArgs are the parameters of a training request
type TrainArgs struct {
	VirtualMeterID string
	Algorithm      string
	Comment        string
}

// TrainArgs checks the selection in the order virtual meter, algorithm,
// comment and returns the first missing one as an error.
func (s *State) TrainArgs() (TrainArgs, error) {
	if s.virtualMeter == nil {
		return TrainArgs{}, ErrNoVirtualMeter
	}
	if s.algorithm == nil {
		return TrainArgs{}, ErrNoAlgorithm
	}
	if s.ModelComment == "" {
		return TrainArgs{}, ErrNoComment
	}
	return TrainArgs{
		VirtualMeterID: s.virtualMeter.ID,
		Algorithm:      s.algorithm.Name,
		Comment:        s.ModelComment,
	}, nil
}

// ForecastArgs returns the key of the selected model
func (s *State) ForecastArgs() (types.ModelKey, error) {
	if s.model == nil {
		return types.ModelKey{}, ErrNoModel
	}
	return s.model.Key(), nil
}

// ResetAfterVirtualMeterCreated clears the draft of the created meter
func (s *State) ResetAfterVirtualMeterCreated() {
	s.physicalMeters = nil
	s.physicalIDs = nil
	s.NewVirtualMeterName = ""
}

// ResetAfterModelTrained clears the algorithm and comment. The virtual meter
// is cleared only when the policy asks for it.
func (s *State) ResetAfterModelTrained(policy ResetPolicy) {
	s.algorithm = nil
	s.ModelComment = ""
	if policy.ClearVirtualMeterOnTrain {
		s.virtualMeter = nil
	}
}

// ResetAfterVirtualMeterDeleted clears the selected virtual meter whichever
// meter was deleted.
func (s *State) ResetAfterVirtualMeterDeleted() {
	s.virtualMeter = nil
}

// ResetAfterModelDeleted clears the selected model if it has the deleted key
func (s *State) ResetAfterModelDeleted(key types.ModelKey) {
	if s.model != nil && s.model.Key() == key {
		s.model = nil
	}
}
