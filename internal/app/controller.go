// Package app wires the device registry, the scheduling engine and the state
// store together and runs them on a single control loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smarthome/internal/clock"
	"smarthome/internal/device"
	"smarthome/internal/metrics"
	"smarthome/internal/schedule"
	"smarthome/internal/shadowstate"
	"smarthome/internal/store"
)

// ErrStopped is returned by operations submitted after Run has returned
var ErrStopped = errors.New("controller stopped")

// Options configures a Controller
type Options struct {
	Clock   clock.Clock
	Store   store.Store
	Metrics *metrics.Metric
	Logger  *zap.Logger
	Rules   *schedule.Rules // nil selects schedule.DefaultRules

	CancelOnManualToggle bool
	HistorySize          int
}

// Status is a point-in-time view for the presentation layer
type Status struct {
	Now               time.Time                  `json:"now"`
	Devices           map[device.ID]device.OnOff `json:"devices"`
	SchedulingEnabled bool                       `json:"scheduling_enabled"`
	ArrivalTime       string                     `json:"arrival_time"`
	Plan              schedule.Plan              `json:"plan"`
}

type command struct {
	fn   func()
	done chan struct{}
}

// Controller owns all application state. Every mutation runs on the Run
// goroutine.
type Controller struct {
	clock    clock.Clock
	store    store.Store
	metrics  *metrics.Metric
	logger   *zap.Logger
	registry *device.Registry
	tracker  *shadowstate.Tracker
	engine   *schedule.Engine
	hub      *Hub
	rules    schedule.Rules

	commands chan command
	stopped  chan struct{}
	wake     chan struct{}
	timer    clock.Timer
}

// New builds the controller with every device off and scheduling disabled
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	rules := schedule.DefaultRules()
	if opts.Rules != nil {
		rules = *opts.Rules
	}
	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = shadowstate.DefaultHistorySize
	}

	c := &Controller{
		clock:    opts.Clock,
		store:    opts.Store,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("controller"),
		registry: device.NewRegistry(opts.Logger),
		tracker:  shadowstate.NewTrackerWithHistory(historySize),
		hub:      NewHub(opts.Logger),
		rules:    rules,
		commands: make(chan command),
		stopped:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}

	c.engine = schedule.NewEngine(schedule.Options{
		Clock:                opts.Clock,
		Registry:             c.registry,
		Notifier:             schedule.NotifierFunc(c.notify),
		Tracker:              c.tracker,
		Logger:               opts.Logger,
		Rules:                &rules,
		CancelOnManualToggle: opts.CancelOnManualToggle,
	})

	c.registry.SubscribeAll(c.deviceChanged)

	return c
}

// Restore loads the snapshot and applies it. It must be called before Run.
// A missing snapshot leaves the defaults in place; an unreadable one is
// returned as a *store.PersistenceError and also leaves the defaults.
func (c *Controller) Restore(ctx context.Context) error {
	snapshot, err := c.store.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Debug("No saved state, starting with defaults")
		return nil
	}
	if err != nil {
		c.metrics.PersistenceError("load")
		c.logger.Warn("Failed to load saved state, starting with defaults", zap.Error(err))
		return err
	}

	for id, state := range snapshot.DeviceStates() {
		c.registry.Set(id, state)
	}

	if err := c.engine.Restore(snapshot.TimerEnabled, snapshot.HomeTime); err != nil {
		c.logger.Warn("Ignoring saved arrival time",
			zap.String("home_time", snapshot.HomeTime),
			zap.Error(err))
	}

	c.metrics.ArmedTimers(c.engine.ArmedCount())
	c.logger.Info("Restored saved state",
		zap.Any("devices", c.registry.Snapshot()),
		zap.Bool("scheduling_enabled", snapshot.TimerEnabled),
		zap.String("arrival", c.engine.ArrivalText()),
		zap.Int("armed", c.engine.ArmedCount()))
	return nil
}

// Run executes submitted operations and armed deadlines until ctx is done,
// then saves the snapshot and returns the save error, if any.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Controller started")
	c.reschedule()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()

		case cmd := <-c.commands:
			cmd.fn()
			c.reschedule()
			close(cmd.done)

		case <-c.wake:
			c.reschedule()
		}
	}
}

// SetArrivalTime parses text and re-arms both schedulable devices from it
func (c *Controller) SetArrivalTime(text string) (time.Time, error) {
	var (
		at  time.Time
		err error
	)
	if doErr := c.do(func() { at, err = c.engine.SetArrival(text) }); doErr != nil {
		return time.Time{}, doErr
	}
	return at, err
}

// EnableScheduling turns arrival-time scheduling on or off
func (c *Controller) EnableScheduling(enabled bool) error {
	return c.do(func() { c.engine.SetEnabled(enabled) })
}

// ToggleDevice flips id and persists the snapshot. When the save fails the
// new state still stands and the *store.PersistenceError is returned with it.
func (c *Controller) ToggleDevice(id device.ID) (device.OnOff, error) {
	if _, ok := device.Lookup(id); !ok {
		return device.Off, fmt.Errorf("%w: %q", device.ErrUnknownDevice, id)
	}

	var (
		state   device.OnOff
		saveErr error
	)
	doErr := c.do(func() {
		state = c.registry.Toggle(id)
		c.engine.DeviceToggled(id)
		saveErr = c.save(context.Background())
	})
	if doErr != nil {
		return device.Off, doErr
	}
	return state, saveErr
}

// CurrentPlan returns the activation deadlines
func (c *Controller) CurrentPlan() (schedule.Plan, error) {
	var plan schedule.Plan
	err := c.do(func() { plan = c.engine.Plan() })
	return plan, err
}

// Status returns the current clock time, device states and schedule
func (c *Controller) Status() (Status, error) {
	var status Status
	err := c.do(func() {
		status = Status{
			Now:               c.clock.Now(),
			Devices:           c.registry.Snapshot(),
			SchedulingEnabled: c.engine.Enabled(),
			ArrivalTime:       c.engine.ArrivalText(),
			Plan:              c.engine.Plan(),
		}
	})
	return status, err
}

// Decisions returns the scheduler's recent decisions and their inputs
func (c *Controller) Decisions() *shadowstate.SchedulerShadowState {
	return c.tracker.GetState()
}

// Tips returns usage hints for the configured rules
func (c *Controller) Tips() []string {
	return c.rules.Tips()
}

// Subscribe streams notifications until the returned function is called or
// the controller stops
func (c *Controller) Subscribe() (<-chan schedule.Notification, func()) {
	return c.hub.Subscribe(DefaultSubscriberBuffer)
}

// Subscribers returns the number of open notification streams
func (c *Controller) Subscribers() int {
	return c.hub.Subscribers()
}

// do runs fn on the control loop and waits for it
func (c *Controller) do(fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}

	select {
	case c.commands <- cmd:
	case <-c.stopped:
		return ErrStopped
	}

	<-cmd.done
	return nil
}

// reschedule fires due timers and arms the wakeup for the next deadline
func (c *Controller) reschedule() {
	if n := c.engine.Poll(); n > 0 {
		c.logger.Debug("Fired due timers", zap.Int("count", n))
	}
	c.metrics.ArmedTimers(c.engine.ArmedCount())

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	next, ok := c.engine.NextDeadline()
	if !ok {
		return
	}
	c.timer = c.clock.AfterFunc(next.Sub(c.clock.Now()), func() {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	})
}

func (c *Controller) shutdown() error {
	close(c.stopped)
	if c.timer != nil {
		c.timer.Stop()
	}

	// The run context is already cancelled.
	err := c.save(context.Background())
	c.hub.Close()

	if err != nil {
		c.logger.Error("Failed to save state on shutdown", zap.Error(err))
		return fmt.Errorf("save state on shutdown: %w", err)
	}
	c.logger.Info("Controller stopped, state saved")
	return nil
}

func (c *Controller) save(ctx context.Context) error {
	snapshot := &store.Snapshot{
		TimerEnabled: c.engine.Enabled(),
		HomeTime:     c.engine.ArrivalText(),
	}
	snapshot.SetDeviceStates(c.registry.Snapshot())

	if err := c.store.Save(ctx, snapshot); err != nil {
		c.metrics.PersistenceError("save")
		c.logger.Warn("Failed to save state", zap.Error(err))
		return err
	}
	return nil
}

// notify receives engine notifications on the loop goroutine
func (c *Controller) notify(n schedule.Notification) {
	if n.Kind == schedule.KindActivated {
		trigger := "fired"
		if d, ok := c.tracker.LastDecision(string(n.Device)); ok {
			trigger = string(d.Action)
		}
		c.metrics.Activation(n.Device, trigger)
	}
	c.hub.Notify(n)
}

func (c *Controller) deviceChanged(id device.ID, _, newState device.OnOff) {
	c.metrics.DeviceState(id, newState)
	c.hub.Notify(schedule.NewNotification(schedule.KindDeviceState, id,
		fmt.Sprintf("%s turned %s", id.Label(), newState), c.clock.Now()))
}
