package series

import (
	"fmt"
	"strings"
	"time"
)

const (
	devicePrefix       = "urn:ngsi-ld:Device:"
	virtualMeterPrefix = "urn:ngsi-ld:virtualMeter:"

	// unknownMeterID is what StripMeterID yields for ids outside both namespaces
	unknownMeterID = "String not found"
)

// Timestamp layouts accepted from the remote API, most specific first.
// Layouts without an offset are read in the formatter's location.
var timestampLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02 15:04:05.999999999Z07:00", true},
	{"2006-01-02 15:04:05.999999999", false},
	{"2006-01-02", false},
}

// Formatter renders timestamps for display in a fixed location
type Formatter struct {
	Location *time.Location
}

// NewFormatter returns a formatter for loc, or the process local zone if loc is nil
func NewFormatter(loc *time.Location) Formatter {
	if loc == nil {
		loc = time.Local
	}
	return Formatter{Location: loc}
}

func (f Formatter) location() *time.Location {
	if f.Location == nil {
		return time.Local
	}
	return f.Location
}

// Parse reads a timestamp as sent by the remote API
func (f Formatter) Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, l := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if l.zoned {
			t, err = time.Parse(l.layout, value)
		} else {
			t, err = time.ParseInLocation(l.layout, value, f.location())
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// Clock renders t as HH:MM:SS
func (f Formatter) Clock(t time.Time) string {
	return t.In(f.location()).Format("15:04:05")
}

// Date renders t as DD.MM.YYYY
func (f Formatter) Date(t time.Time) string {
	return t.In(f.location()).Format("02.01.2006")
}

// DateTime renders t as DD.MM.YYYY HH:MM:SS
func (f Formatter) DateTime(t time.Time) string {
	return f.Date(t) + " " + f.Clock(t)
}

// DisplayDateTime formats a raw API timestamp for tables. Values that do
// not parse are shown unchanged.
func (f Formatter) DisplayDateTime(value string) string {
	t, err := f.Parse(value)
	if err != nil {
		return value
	}
	return f.DateTime(t)
}

// StripMeterID drops the NGSI-LD namespace from a meter id
func StripMeterID(id string) string {
	if strings.Contains(id, devicePrefix) {
		return strings.Replace(id, devicePrefix, "", 1)
	}
	if strings.Contains(id, virtualMeterPrefix) {
		return strings.Replace(id, virtualMeterPrefix, "", 1)
	}
	return unknownMeterID
}
