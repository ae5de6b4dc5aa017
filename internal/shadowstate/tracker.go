package shadowstate

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of decisions kept by NewTracker
const DefaultHistorySize = 50

// Tracker manages the scheduler shadow state
type Tracker struct {
	mu          sync.RWMutex
	state       *SchedulerShadowState
	historySize int
}

// NewTracker creates a tracker that keeps the last DefaultHistorySize decisions
func NewTracker() *Tracker {
	return NewTrackerWithHistory(DefaultHistorySize)
}

// NewTrackerWithHistory creates a tracker keeping at most size decisions
func NewTrackerWithHistory(size int) *Tracker {
	if size < 1 {
		size = 1
	}
	return &Tracker{
		state:       NewSchedulerShadowState(),
		historySize: size,
	}
}

// UpdateCurrentInputs merges inputs into the current input values
func (t *Tracker) UpdateCurrentInputs(at time.Time, inputs map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, value := range inputs {
		t.state.Inputs.Current[key] = value
	}
	t.state.Metadata.LastUpdated = at
}

// Record stores a decision, snapshots the current inputs alongside it and
// updates the device's armed status.
func (t *Tracker) Record(d Decision) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inputs := make(map[string]interface{}, len(t.state.Inputs.Current))
	for k, v := range t.state.Inputs.Current {
		inputs[k] = v
	}
	d.Inputs = inputs
	t.state.Inputs.AtLastDecision = copyMap(inputs)

	status := DeviceSchedule{LastDecision: &d}
	if d.Action == ActionArmed {
		status.Armed = true
		status.Deadline = d.Deadline
	}
	t.state.Outputs.Devices[d.Device] = status

	t.state.Outputs.History = append(t.state.Outputs.History, d)
	if over := len(t.state.Outputs.History) - t.historySize; over > 0 {
		t.state.Outputs.History = append([]Decision(nil), t.state.Outputs.History[over:]...)
	}
	t.state.Metadata.LastUpdated = d.Timestamp
}

// LastDecision returns the most recent decision for device
func (t *Tracker) LastDecision(device string) (Decision, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status, ok := t.state.Outputs.Devices[device]
	if !ok || status.LastDecision == nil {
		return Decision{}, false
	}
	return *status.LastDecision, true
}

// GetState returns a deep copy of the current shadow state
func (t *Tracker) GetState() *SchedulerShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stateCopy := &SchedulerShadowState{
		Inputs: SchedulerInputs{
			Current:        copyMap(t.state.Inputs.Current),
			AtLastDecision: copyMap(t.state.Inputs.AtLastDecision),
		},
		Outputs: SchedulerOutputs{
			Devices: make(map[string]DeviceSchedule, len(t.state.Outputs.Devices)),
			History: make([]Decision, len(t.state.Outputs.History)),
		},
		Metadata: t.state.Metadata,
	}

	for k, v := range t.state.Outputs.Devices {
		stateCopy.Outputs.Devices[k] = v
	}
	copy(stateCopy.Outputs.History, t.state.Outputs.History)

	return stateCopy
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
