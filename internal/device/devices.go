// Package device holds the fixed set of controllable devices and their
// in-memory on/off state.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// ID identifies a device in the fixed device table
type ID string

const (
	Light  ID = "light"
	AC     ID = "ac"
	TV     ID = "tv"
	Washer ID = "washer"
	Camera ID = "camera"
)

// OnOff is the power state of a device
type OnOff bool

const (
	Off OnOff = false
	On  OnOff = true
)

func (s OnOff) String() string {
	if s {
		return "on"
	}
	return "off"
}

// Definition describes a device
type Definition struct {
	ID          ID     // identifier used by commands (e.g., "ac")
	Label       string // human readable name (e.g., "air conditioner")
	StateKey    string // key in the persisted snapshot (e.g., "ac_state")
	Schedulable bool   // whether the arrival schedule can switch it on
}

// AllDevices contains the five devices of the control panel in display order
var AllDevices = []Definition{
	{ID: Light, Label: "light", StateKey: "light_state"},
	{ID: AC, Label: "air conditioner", StateKey: "ac_state", Schedulable: true},
	{ID: TV, Label: "television", StateKey: "tv_state"},
	{ID: Washer, Label: "washing machine", StateKey: "washing_machine_state", Schedulable: true},
	{ID: Camera, Label: "camera", StateKey: "camera_state"},
}

// ErrUnknownDevice is returned by ParseID for ids outside the device table
var ErrUnknownDevice = errors.New("unknown device")

// DefinitionsByID creates a map of definitions by their id
func DefinitionsByID() map[ID]Definition {
	defs := make(map[ID]Definition, len(AllDevices))
	for _, d := range AllDevices {
		defs[d.ID] = d
	}
	return defs
}

// Lookup returns the definition for id
func Lookup(id ID) (Definition, bool) {
	for _, d := range AllDevices {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// ParseID validates user input such as "AC" or " washer "
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Lookup(id); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, s)
	}
	return id, nil
}

// Label returns the display name of id, or the raw id if it is unknown
func (id ID) Label() string {
	if d, ok := Lookup(id); ok {
		return d.Label
	}
	return string(id)
}
