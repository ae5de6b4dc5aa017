package store

import "smarthome/internal/device"

// Snapshot is the persisted application state. Absent keys decode to
// false / "".
type Snapshot struct {
	LightState          bool   `json:"light_state"`
	ACState             bool   `json:"ac_state"`
	TVState             bool   `json:"tv_state"`
	CameraState         bool   `json:"camera_state"`
	WashingMachineState bool   `json:"washing_machine_state"`
	TimerEnabled        bool   `json:"timer_enabled"`
	HomeTime            string `json:"home_time"`
}

// DeviceStates returns the device part of the snapshot
func (s Snapshot) DeviceStates() map[device.ID]device.OnOff {
	return map[device.ID]device.OnOff{
		device.Light:  device.OnOff(s.LightState),
		device.AC:     device.OnOff(s.ACState),
		device.TV:     device.OnOff(s.TVState),
		device.Camera: device.OnOff(s.CameraState),
		device.Washer: device.OnOff(s.WashingMachineState),
	}
}

// SetDeviceStates copies states into the snapshot; devices missing from
// states are stored as off
func (s *Snapshot) SetDeviceStates(states map[device.ID]device.OnOff) {
	s.LightState = bool(states[device.Light])
	s.ACState = bool(states[device.AC])
	s.TVState = bool(states[device.TV])
	s.CameraState = bool(states[device.Camera])
	s.WashingMachineState = bool(states[device.Washer])
}
