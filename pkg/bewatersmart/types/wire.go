package types

// AllPhysicalMeters is the body of GET /physical-meters
type AllPhysicalMeters struct {
	Meters []PhysicalMeter `json:"meters"`
}

// AllVirtualMeters is the body of GET /virtual-meters
type AllVirtualMeters struct {
	VirtualMeters []VirtualMeter `json:"virtualMeters"`
}

// AllAlgorithms is the body of GET /algorithms
type AllAlgorithms struct {
	Algorithms []Algorithm `json:"algorithms"`
}

// AllModels is the body of GET /models
type AllModels struct {
	MLModels []MLModel `json:"MLModels"`
}

// NewVirtualMeterRequest is the body of POST /virtual-meters
type NewVirtualMeterRequest struct {
	SubmeterIDs []string `json:"submeterIds"`
}

// NewVirtualMeterResponse is the success body of POST /virtual-meters
type NewVirtualMeterResponse struct {
	VirtualMeterID string `json:"virtualMeterId"`
}

// ErrorPayload is what the remote API sends with a 2xx status when a
// resource is absent. Virtual meter and forecast endpoints use Msg, the
// model endpoint uses Message.
type ErrorPayload struct {
	Msg     *string `json:"msg,omitempty"`
	Message *string `json:"message,omitempty"`
}

// Text returns whichever of the two fields is set
func (e ErrorPayload) Text() (string, bool) {
	switch {
	case e.Msg != nil:
		return *e.Msg, true
	case e.Message != nil:
		return *e.Message, true
	}
	return "", false
}
