// Package schedule turns a declared arrival time into activation deadlines
// for the air conditioner and the washing machine, and arms, cancels and
// fires those deadlines.
//
// The Engine is single-threaded: every method, including Poll, must be
// called from the same goroutine (the controller loop).
package schedule

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"smarthome/internal/clock"
	"smarthome/internal/device"
	"smarthome/internal/shadowstate"
)

// Plan holds the deadlines shown to the user. Both are nil while scheduling
// is disabled or no arrival time is set.
type Plan struct {
	ACDeadline     *time.Time `json:"ac_deadline"`
	WasherDeadline *time.Time `json:"washer_deadline"`
}

// Options configures an Engine
type Options struct {
	Clock    clock.Clock
	Registry *device.Registry
	Notifier Notifier
	Tracker  *shadowstate.Tracker
	Logger   *zap.Logger

	// Rules overrides the timing offsets. Nil selects DefaultRules; a
	// non-nil value is used as given, including all-zero durations.
	Rules *Rules

	// CancelOnManualToggle makes DeviceToggled cancel the device's armed
	// timer. When false a timer armed while the device was off survives a
	// manual toggle and still switches the device on at its deadline.
	CancelOnManualToggle bool
}

// Engine is the arrival-time scheduling engine
type Engine struct {
	clock    clock.Clock
	registry *device.Registry
	notifier Notifier
	tracker  *shadowstate.Tracker
	logger   *zap.Logger
	rules    []Rule

	cancelOnManualToggle bool

	queue       *Queue
	enabled     bool
	arrival     *time.Time
	arrivalText string
}

// NewEngine creates an engine with scheduling disabled and no arrival time
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = discardNotifier{}
	}
	if opts.Tracker == nil {
		opts.Tracker = shadowstate.NewTracker()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	rules := DefaultRules()
	if opts.Rules != nil {
		rules = *opts.Rules
	}

	return &Engine{
		clock:                opts.Clock,
		registry:             opts.Registry,
		notifier:             opts.Notifier,
		tracker:              opts.Tracker,
		logger:               opts.Logger.Named("scheduler"),
		rules:                rules.list(),
		cancelOnManualToggle: opts.CancelOnManualToggle,
		queue:                NewQueue(),
	}
}

// SetArrival parses text, anchors it to the current day and re-arms both
// devices from it. On a parse error nothing changes.
func (e *Engine) SetArrival(text string) (time.Time, error) {
	at, err := e.setArrival(text)
	if err != nil {
		e.logger.Info("Rejected arrival time", zap.String("input", text), zap.Error(err))
		e.notifier.Notify(NewNotification(KindInvalidArrival, "", err.Error(), e.clock.Now()))
		return time.Time{}, err
	}

	e.logger.Info("Arrival time set", zap.Time("arrival", at), zap.Bool("enabled", e.enabled))
	e.notifier.Notify(NewNotification(KindArrivalSet, "",
		fmt.Sprintf("arrival time set to %s", at.Format("15:04")), e.clock.Now()))

	e.rearmAll("arrival time changed")
	return at, nil
}

// SetEnabled turns scheduling on (arming both devices from the current
// arrival time) or off (cancelling both)
func (e *Engine) SetEnabled(enabled bool) {
	e.enabled = enabled
	e.logger.Info("Scheduling toggled", zap.Bool("enabled", enabled))

	if enabled {
		e.rearmAll("scheduling enabled")
		return
	}
	e.observeInputs()
	for _, rule := range e.rules {
		e.Cancel(rule.Device, "scheduling disabled")
	}
}

// Restore re-applies persisted settings at startup. An unparsable arrival
// text leaves the arrival unset and is returned after the enabled flag has
// been applied.
func (e *Engine) Restore(enabled bool, arrivalText string) error {
	e.enabled = enabled

	var parseErr error
	if arrivalText != "" {
		if _, err := e.setArrival(arrivalText); err != nil {
			parseErr = err
		}
	}

	if enabled {
		e.rearmAll("restored at startup")
	} else {
		e.observeInputs()
	}
	return parseErr
}

// Enabled reports whether scheduling is on
func (e *Engine) Enabled() bool {
	return e.enabled
}

// Arrival returns the anchored arrival time, if one is set
func (e *Engine) Arrival() (time.Time, bool) {
	if e.arrival == nil {
		return time.Time{}, false
	}
	return *e.arrival, true
}

// ArrivalText returns the last accepted arrival text as the user typed it
func (e *Engine) ArrivalText() string {
	return e.arrivalText
}

// Plan returns the activation deadlines for display
func (e *Engine) Plan() Plan {
	var plan Plan
	if !e.enabled || e.arrival == nil {
		return plan
	}

	for _, rule := range e.rules {
		deadline := rule.Deadline(*e.arrival)
		switch rule.Device {
		case device.AC:
			plan.ACDeadline = &deadline
		case device.Washer:
			plan.WasherDeadline = &deadline
		}
	}
	return plan
}

// Armed returns the pending deadline for id
func (e *Engine) Armed(id device.ID) (time.Time, bool) {
	return e.queue.Deadline(id)
}

// ArmedCount returns the number of outstanding timers
func (e *Engine) ArmedCount() int {
	return e.queue.Len()
}

// NextDeadline returns the earliest armed deadline
func (e *Engine) NextDeadline() (time.Time, bool) {
	return e.queue.Peek()
}

// Cancel disarms id. It is a no-op when nothing is armed for id.
func (e *Engine) Cancel(id device.ID, reason string) bool {
	deadline, armed := e.queue.Deadline(id)
	if !armed {
		return false
	}
	e.queue.Cancel(id)

	e.logger.Info("Timer cancelled",
		zap.String("device", string(id)),
		zap.Time("deadline", deadline),
		zap.String("reason", reason))
	e.record(id, shadowstate.ActionCancelled, reason, &deadline)
	return true
}

// DeviceToggled must be called after a manual toggle of id
func (e *Engine) DeviceToggled(id device.ID) {
	if !e.cancelOnManualToggle {
		return
	}
	e.Cancel(id, "manual toggle")
}

// Poll fires every timer whose deadline has been reached and returns how
// many fired
func (e *Engine) Poll() int {
	due := e.queue.PopDue(e.clock.Now())
	for _, entry := range due {
		entry.Fire()
	}
	return len(due)
}

func (e *Engine) setArrival(text string) (time.Time, error) {
	a, err := ParseArrivalTime(text)
	if err != nil {
		return time.Time{}, err
	}

	at := a.On(e.clock.Now())
	e.arrival = &at
	e.arrivalText = strings.TrimSpace(text)
	e.observeInputs()
	return at, nil
}

// rearmAll cancels and re-evaluates every rule
func (e *Engine) rearmAll(reason string) {
	e.observeInputs()
	for _, rule := range e.rules {
		e.Cancel(rule.Device, reason)
		e.arm(rule)
	}
}

// arm evaluates rule against the current arrival time. A timer for the
// device must not be outstanding.
func (e *Engine) arm(rule Rule) {
	if !e.enabled || e.arrival == nil {
		return
	}

	id := rule.Device
	deadline := rule.Deadline(*e.arrival)

	if e.registry.Get(id) == device.On {
		e.logger.Debug("Device already on, not arming",
			zap.String("device", string(id)),
			zap.Time("deadline", deadline))
		e.record(id, shadowstate.ActionSkippedDeviceOn, "device already on when scheduling", &deadline)
		return
	}

	now := e.clock.Now()
	late := now.Sub(deadline)

	switch {
	case late < 0:
		e.queue.Schedule(id, deadline, func() { e.fire(rule, deadline) })
		e.logger.Info("Timer armed",
			zap.String("device", string(id)),
			zap.Time("deadline", deadline),
			zap.Duration("in", -late))
		e.record(id, shadowstate.ActionArmed, "deadline in the future", &deadline)
		e.notifier.Notify(NewNotification(KindScheduled, id,
			fmt.Sprintf("%s scheduled to activate at %s (%s)",
				id.Label(), deadline.Format("15:04"), rule.describeOffset()), now))

	case late < rule.Grace:
		e.logger.Info("Deadline within grace window, activating now",
			zap.String("device", string(id)),
			zap.Time("deadline", deadline),
			zap.Duration("late", late))
		e.activate(id, shadowstate.ActionGraceFired,
			fmt.Sprintf("deadline passed %s ago, within grace window", formatMinutes(late)), &deadline)

	default:
		e.logger.Info("Deadline lapsed, not arming",
			zap.String("device", string(id)),
			zap.Time("deadline", deadline),
			zap.Duration("late", late))
		e.record(id, shadowstate.ActionLapsed, "deadline already passed", &deadline)
	}
}

// fire runs when an armed deadline is reached
func (e *Engine) fire(rule Rule, deadline time.Time) {
	if !e.enabled {
		e.logger.Info("Timer fired while scheduling disabled",
			zap.String("device", string(rule.Device)))
		e.record(rule.Device, shadowstate.ActionSkippedDisabled, "scheduling disabled at fire time", &deadline)
		return
	}
	e.activate(rule.Device, shadowstate.ActionFired, "deadline reached", &deadline)
}

func (e *Engine) activate(id device.ID, action shadowstate.Action, reason string, deadline *time.Time) {
	e.registry.Set(id, device.On)
	e.record(id, action, reason, deadline)
	e.notifier.Notify(NewNotification(KindActivated, id,
		fmt.Sprintf("%s auto-activated", id.Label()), e.clock.Now()))
}

func (e *Engine) record(id device.ID, action shadowstate.Action, reason string, deadline *time.Time) {
	e.tracker.Record(shadowstate.Decision{
		Timestamp: e.clock.Now(),
		Device:    string(id),
		Action:    action,
		Reason:    reason,
		Deadline:  deadline,
	})
}

func (e *Engine) observeInputs() {
	arrival := ""
	if e.arrival != nil {
		arrival = e.arrival.Format(time.RFC3339)
	}

	inputs := map[string]interface{}{
		"enabled": e.enabled,
		"arrival": arrival,
	}
	for _, rule := range e.rules {
		inputs[string(rule.Device)+"_state"] = e.registry.Get(rule.Device).String()
	}
	e.tracker.UpdateCurrentInputs(e.clock.Now(), inputs)
}
