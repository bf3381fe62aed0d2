package console

import (
	"errors"
	"fmt"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/selection"
	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

// AlertKind classifies an alert for callers that map it to a status
type AlertKind int

const (
	// AlertValidation means the action was refused before any request
	AlertValidation AlertKind = iota
	// AlertNotFound means the API reported the resource as absent
	AlertNotFound
	// AlertFailure means the request failed
	AlertFailure
)

func (k AlertKind) String() string {
	switch k {
	case AlertValidation:
		return "validation"
	case AlertNotFound:
		return "not_found"
	case AlertFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Alert is a failure the user is told about. Message is shown as is.
type Alert struct {
	Kind    AlertKind
	Message string
	Err     error
}

func (a *Alert) Error() string {
	if a.Err == nil {
		return a.Message
	}
	return fmt.Sprintf("%s: %v", a.Message, a.Err)
}

func (a *Alert) Unwrap() error { return a.Err }

// ErrUnknownItem is returned when an id is not in the current list
var ErrUnknownItem = errors.New("unknown item")

// ErrNoName is returned when a virtual meter is submitted without a name
var ErrNoName = errors.New("no virtual meter name")

func virtualMeterNotFound(id string) string { return "Virtual Meter with Name " + id + " not found!" }
func virtualMeterDeleted(id string) string  { return "Virtual Meter with Name: " + id + " deleted!" }
func virtualMeterDeleteFailed(id string) string {
	return "Deleting virtual meter " + id + " failed"
}
func modelDeleteFailed(key types.ModelKey) string { return "Deleting model " + key.String() + " failed" }

const (
	msgTrainingFailed      = "Training failed"
	msgModelNotFound       = "Model to delete not found"
	msgModelDeleted        = "Model deleted!"
	msgNoModel             = "No model chosen"
	msgNoName              = "A name for the virtual meter is necessary!"
	msgNoVirtualMeter      = "No Virtual Meter detected!"
	msgNoAlgorithm         = "No algorithm detected!"
	msgNoComment           = "a comment is necessary!"
	msgVirtualMeterMissing = "Virtual meter could not be created"
)

// validationAlert turns a selection error into the message shown for it
func validationAlert(err error) *Alert {
	msg := err.Error()
	switch {
	case errors.Is(err, selection.ErrNoVirtualMeter):
		msg = msgNoVirtualMeter
	case errors.Is(err, selection.ErrNoAlgorithm):
		msg = msgNoAlgorithm
	case errors.Is(err, selection.ErrNoComment):
		msg = msgNoComment
	case errors.Is(err, selection.ErrNoModel):
		msg = msgNoModel
	case errors.Is(err, ErrNoName):
		msg = msgNoName
	}
	return &Alert{Kind: AlertValidation, Message: msg, Err: err}
}
