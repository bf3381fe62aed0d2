package types

import (
	"encoding/json"
)

// Address is the postal location of a physical meter
type Address struct {
	AddressCountry  string `json:"addressCountry"`
	AddressLocality string `json:"addressLocality"`
	StreetAddress   string `json:"streetAddress"`
}

// PhysicalMeter is a metering device managed by the remote system
type PhysicalMeter struct {
	ID          string  `json:"id"` // e.g. urn:ngsi-ld:Device:<name>
	Address     Address `json:"address"`
	Category    string  `json:"category"`
	Date        string  `json:"date"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
}

// VirtualMeter aggregates the readings of other meters
type VirtualMeter struct {
	ID            string   `json:"id"`
	DateCreated   string   `json:"dateCreated"`
	Description   string   `json:"description"`
	SubmeterIDs   []string `json:"submeterIds"`
	SupermeterIDs []string `json:"supermeterIds"`
}

// Algorithm is a forecasting method offered by the remote service
type Algorithm struct {
	Name                  string  `json:"name"`
	Description           string  `json:"description"`
	EstimatedTrainingTime *string `json:"estimatedTrainingTime"`
}

// MLModel is an algorithm trained on one virtual meter. At most one model
// exists per (RefMeter, Algorithm).
type MLModel struct {
	RefMeter        string          `json:"refMeter"`
	Algorithm       string          `json:"algorithm"`
	Comment         string          `json:"comment,omitempty"`
	DateCreated     string          `json:"dateCreated,omitempty"`
	DateModified    string          `json:"dateModified,omitempty"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`         // evaluation scores, opaque
	Hyperparameters json.RawMessage `json:"hyperparameters,omitempty"` // opaque
}

// Key identifies the model on the remote service
func (m MLModel) Key() ModelKey {
	return ModelKey{RefMeter: m.RefMeter, Algorithm: m.Algorithm}
}

// ModelKey is the identity of an MLModel
type ModelKey struct {
	RefMeter  string `json:"refMeter"`
	Algorithm string `json:"algorithm"`
}

// String renders the key the way the remote API addresses models
func (k ModelKey) String() string {
	return k.RefMeter + ":MLModel:" + k.Algorithm
}

// ForecastPoint is one predicted interval. Any attribute besides the
// prediction itself is kept in Covariates.
type ForecastPoint struct {
	DatePredicted string                     `json:"datePredicted"`
	NumValue      float64                    `json:"numValue"`
	Covariates    map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the prediction and collects the remaining keys
func (p *ForecastPoint) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = ForecastPoint{}
	if v, ok := raw["datePredicted"]; ok {
		if err := json.Unmarshal(v, &p.DatePredicted); err != nil {
			return err
		}
		delete(raw, "datePredicted")
	}
	if v, ok := raw["numValue"]; ok {
		if err := json.Unmarshal(v, &p.NumValue); err != nil {
			return err
		}
		delete(raw, "numValue")
	}
	if len(raw) > 0 {
		p.Covariates = raw
	}
	return nil
}

// MarshalJSON writes the covariates back next to the prediction
func (p ForecastPoint) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Covariates)+2)
	for k, v := range p.Covariates {
		out[k] = v
	}
	out["datePredicted"] = p.DatePredicted
	out["numValue"] = p.NumValue
	return json.Marshal(out)
}
