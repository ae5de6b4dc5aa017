// Package shadowstate records the decisions taken by the scheduling engine
// together with the inputs that led to them, so that "why did (or didn't)
// the AC come on?" can be answered after the fact.
package shadowstate

import "time"

// Action is the outcome of a scheduling decision for one device
type Action string

const (
	ActionArmed           Action = "armed"
	ActionFired           Action = "fired"
	ActionGraceFired      Action = "grace_fired"
	ActionLapsed          Action = "lapsed"
	ActionCancelled       Action = "cancelled"
	ActionSkippedDisabled Action = "skipped_disabled"
	ActionSkippedDeviceOn Action = "skipped_device_on"
)

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	Component   string    `json:"component"`
}

// Decision represents a single decision taken for a device
type Decision struct {
	Timestamp time.Time              `json:"timestamp"`
	Device    string                 `json:"device"`
	Action    Action                 `json:"action"`
	Reason    string                 `json:"reason"`
	Deadline  *time.Time             `json:"deadline,omitempty"`
	Inputs    map[string]interface{} `json:"inputs,omitempty"`
}

// DeviceSchedule is the current scheduling status of one device
type DeviceSchedule struct {
	Armed        bool       `json:"armed"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	LastDecision *Decision  `json:"lastDecision,omitempty"`
}

// SchedulerInputs tracks current and last-decision input values
type SchedulerInputs struct {
	Current        map[string]interface{} `json:"current"`
	AtLastDecision map[string]interface{} `json:"atLastDecision"`
}

// SchedulerOutputs tracks per-device status and recent history
type SchedulerOutputs struct {
	Devices map[string]DeviceSchedule `json:"devices"`
	History []Decision                `json:"history"`
}

// SchedulerShadowState is the shadow state of the scheduling engine
type SchedulerShadowState struct {
	Inputs   SchedulerInputs  `json:"inputs"`
	Outputs  SchedulerOutputs `json:"outputs"`
	Metadata StateMetadata    `json:"metadata"`
}

// NewSchedulerShadowState creates an empty scheduler shadow state
func NewSchedulerShadowState() *SchedulerShadowState {
	return &SchedulerShadowState{
		Inputs: SchedulerInputs{
			Current:        make(map[string]interface{}),
			AtLastDecision: make(map[string]interface{}),
		},
		Outputs: SchedulerOutputs{
			Devices: make(map[string]DeviceSchedule),
			History: make([]Decision, 0),
		},
		Metadata: StateMetadata{
			Component: "scheduler",
		},
	}
}
