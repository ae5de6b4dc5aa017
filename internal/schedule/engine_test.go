package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smarthome/internal/clock"
	"smarthome/internal/device"
	"smarthome/internal/shadowstate"
)

// at returns 2024-06-01 h:m UTC
func at(h, m int) time.Time {
	return time.Date(2024, 6, 1, h, m, 0, 0, time.UTC)
}

type fixture struct {
	clock    *clock.MockClock
	registry *device.Registry
	tracker  *shadowstate.Tracker
	engine   *Engine
	notes    []Notification
}

func newFixture(t *testing.T, now time.Time, cancelOnManualToggle bool) *fixture {
	t.Helper()

	f := &fixture{
		clock:    clock.NewMockClock(now),
		registry: device.NewRegistry(zap.NewNop()),
		tracker:  shadowstate.NewTracker(),
	}
	f.engine = NewEngine(Options{
		Clock:                f.clock,
		Registry:             f.registry,
		Tracker:              f.tracker,
		Logger:               zap.NewNop(),
		Notifier:             NotifierFunc(func(n Notification) { f.notes = append(f.notes, n) }),
		CancelOnManualToggle: cancelOnManualToggle,
	})
	return f
}

// advance moves the clock and polls the engine like the controller loop does
func (f *fixture) advance(d time.Duration) int {
	f.clock.Advance(d)
	return f.engine.Poll()
}

func (f *fixture) notesOf(kind Kind, id device.ID) []Notification {
	var out []Notification
	for _, n := range f.notes {
		if n.Kind == kind && n.Device == id {
			out = append(out, n)
		}
	}
	return out
}

func (f *fixture) lastAction(t *testing.T, id device.ID) shadowstate.Action {
	t.Helper()
	d, ok := f.tracker.LastDecision(string(id))
	require.True(t, ok, "expected a recorded decision for %s", id)
	return d.Action
}

func TestEngine_ValidArrivalTimesProduceDeadlines(t *testing.T) {
	f := newFixture(t, at(0, 0), true)
	f.engine.SetEnabled(true)

	for hh := 0; hh <= 23; hh++ {
		for mm := 0; mm <= 59; mm++ {
			for _, text := range []string{fmt.Sprintf("%02d:%02d", hh, mm), fmt.Sprintf("%d:%02d", hh, mm)} {
				arrival, err := f.engine.SetArrival(text)
				require.NoError(t, err, "input %q", text)
				assert.Equal(t, at(hh, mm), arrival)

				plan := f.engine.Plan()
				require.NotNil(t, plan.ACDeadline)
				require.NotNil(t, plan.WasherDeadline)
				assert.Equal(t, arrival.Add(-10*time.Minute), *plan.ACDeadline, "input %q", text)
				assert.Equal(t, arrival.Add(50*time.Minute), *plan.WasherDeadline, "input %q", text)
			}
		}
	}
}

func TestEngine_MalformedArrivalLeavesStateUnchanged(t *testing.T) {
	inputs := []string{"25:00", "abc", "10", "", "12:60", "7:5", "-1:00", "1:2:3", "123:00", " : ", "ab:cd"}

	for _, input := range inputs {
		t.Run(fmt.Sprintf("%q", input), func(t *testing.T) {
			f := newFixture(t, at(12, 0), true)
			f.engine.SetEnabled(true)
			_, err := f.engine.SetArrival("18:30")
			require.NoError(t, err)
			armedBefore := f.engine.ArmedCount()
			planBefore := f.engine.Plan()

			_, err = f.engine.SetArrival(input)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.ErrorIs(t, err, ErrInvalidArrival)
			assert.Equal(t, input, parseErr.Input)

			assert.Equal(t, "18:30", f.engine.ArrivalText())
			assert.Equal(t, armedBefore, f.engine.ArmedCount())
			assert.Equal(t, planBefore, f.engine.Plan())
			assert.Len(t, f.notesOf(KindInvalidArrival, ""), 1)
		})
	}
}

func TestEngine_CancelIsIdempotent(t *testing.T) {
	f := newFixture(t, at(12, 0), true)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("13:00")
	require.NoError(t, err)

	_, armed := f.engine.Armed(device.AC)
	require.True(t, armed)

	assert.True(t, f.engine.Cancel(device.AC, "test"))
	_, armed = f.engine.Armed(device.AC)
	assert.False(t, armed)

	assert.False(t, f.engine.Cancel(device.AC, "test"))
	_, armed = f.engine.Armed(device.AC)
	assert.False(t, armed)

	// Cancelling an idle device that never had a timer is also fine
	assert.False(t, f.engine.Cancel(device.Light, "test"))
}

func TestEngine_GraceWindowFiresImmediately(t *testing.T) {
	// now = 14:05, arrival = 14:10, AC deadline 14:00 was 5 minutes ago
	f := newFixture(t, at(14, 5), true)
	_, err := f.engine.SetArrival("14:10")
	require.NoError(t, err)
	assert.Equal(t, device.Off, f.registry.Get(device.AC), "nothing happens while disabled")

	f.engine.SetEnabled(true)

	assert.Equal(t, device.On, f.registry.Get(device.AC))
	activated := f.notesOf(KindActivated, device.AC)
	require.Len(t, activated, 1)
	assert.Contains(t, activated[0].Message, "auto-activated")
	_, armed := f.engine.Armed(device.AC)
	assert.False(t, armed, "grace activation must not leave a timer behind")
	assert.Equal(t, shadowstate.ActionGraceFired, f.lastAction(t, device.AC))

	// The washer has no grace rule and its deadline (15:00) is ahead
	deadline, armed := f.engine.Armed(device.Washer)
	require.True(t, armed)
	assert.Equal(t, at(15, 0), deadline)
}

func TestEngine_LapsedDeadlineIsNotArmed(t *testing.T) {
	// now = 14:20, arrival = 14:10, AC deadline 14:00 was 20 minutes ago
	f := newFixture(t, at(14, 20), true)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("14:10")
	require.NoError(t, err)

	assert.Equal(t, device.Off, f.registry.Get(device.AC))
	_, armed := f.engine.Armed(device.AC)
	assert.False(t, armed)
	assert.Empty(t, f.notesOf(KindActivated, device.AC))
	assert.Empty(t, f.notesOf(KindScheduled, device.AC))
	assert.Equal(t, shadowstate.ActionLapsed, f.lastAction(t, device.AC))
}

func TestEngine_GraceWindowBoundary(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		wantOn  bool
		wantAct shadowstate.Action
	}{
		{name: "exactly at deadline", now: at(14, 0), wantOn: true, wantAct: shadowstate.ActionGraceFired},
		{name: "just inside window", now: at(14, 9).Add(59 * time.Second), wantOn: true, wantAct: shadowstate.ActionGraceFired},
		{name: "exactly ten minutes late", now: at(14, 10), wantOn: false, wantAct: shadowstate.ActionLapsed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.now, true)
			_, err := f.engine.SetArrival("14:10")
			require.NoError(t, err)
			f.engine.SetEnabled(true)

			assert.Equal(t, device.OnOff(tt.wantOn), f.registry.Get(device.AC))
			assert.Equal(t, tt.wantAct, f.lastAction(t, device.AC))
		})
	}
}

func TestEngine_WasherHasNoGraceWindow(t *testing.T) {
	// Washer deadline 15:00 passed one minute ago
	f := newFixture(t, at(15, 1), true)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("14:10")
	require.NoError(t, err)

	assert.Equal(t, device.Off, f.registry.Get(device.Washer))
	assert.Equal(t, shadowstate.ActionLapsed, f.lastAction(t, device.Washer))
}

func TestEngine_ArmedTimerFiresAtDeadline(t *testing.T) {
	f := newFixture(t, at(17, 0), true)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("18:00")
	require.NoError(t, err)

	// Notifications are emitted when arming, not when firing
	assert.Len(t, f.notesOf(KindScheduled, device.AC), 1)
	assert.Len(t, f.notesOf(KindScheduled, device.Washer), 1)
	assert.Contains(t, f.notesOf(KindScheduled, device.AC)[0].Message, "17:50")
	assert.Contains(t, f.notesOf(KindScheduled, device.Washer)[0].Message, "50 minutes after arrival")

	next, ok := f.engine.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, at(17, 50), next)

	assert.Equal(t, 0, f.advance(49*time.Minute))
	assert.Equal(t, device.Off, f.registry.Get(device.AC))

	assert.Equal(t, 1, f.advance(time.Minute))
	assert.Equal(t, device.On, f.registry.Get(device.AC))
	assert.Len(t, f.notesOf(KindActivated, device.AC), 1)
	assert.Equal(t, shadowstate.ActionFired, f.lastAction(t, device.AC))

	assert.Equal(t, 1, f.advance(time.Hour))
	assert.Equal(t, device.On, f.registry.Get(device.Washer))
	assert.Equal(t, 0, f.engine.ArmedCount())
}

func TestEngine_DisableBeforeFire(t *testing.T) {
	// AC deadline 14:05 is five minutes away
	f := newFixture(t, at(14, 0), true)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("14:15")
	require.NoError(t, err)
	_, armed := f.engine.Armed(device.AC)
	require.True(t, armed)

	f.advance(2 * time.Minute)
	f.engine.SetEnabled(false)
	assert.Equal(t, 0, f.engine.ArmedCount())
	assert.Nil(t, f.engine.Plan().ACDeadline)

	assert.Equal(t, 0, f.advance(3*time.Minute))
	assert.Equal(t, device.Off, f.registry.Get(device.AC))
	assert.Empty(t, f.notesOf(KindActivated, device.AC))
	assert.Equal(t, shadowstate.ActionCancelled, f.lastAction(t, device.AC))
}

func TestEngine_FireWhileDisabledIsNoop(t *testing.T) {
	f := newFixture(t, at(14, 0), true)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("14:15")
	require.NoError(t, err)

	// Flip the flag without going through SetEnabled so the timer survives
	f.engine.enabled = false

	assert.Equal(t, 1, f.advance(5*time.Minute))
	assert.Equal(t, device.Off, f.registry.Get(device.AC))
	assert.Equal(t, shadowstate.ActionSkippedDisabled, f.lastAction(t, device.AC))
}

func TestEngine_RearmReplacesWasherTimer(t *testing.T) {
	f := newFixture(t, at(8, 0), true)
	f.engine.SetEnabled(true)

	_, err := f.engine.SetArrival("09:00")
	require.NoError(t, err)
	deadline, _ := f.engine.Armed(device.Washer)
	assert.Equal(t, at(9, 50), deadline)

	_, err = f.engine.SetArrival("10:00")
	require.NoError(t, err)
	deadline, _ = f.engine.Armed(device.Washer)
	assert.Equal(t, at(10, 50), deadline)
	assert.Equal(t, 2, f.engine.ArmedCount(), "at most one timer per device")

	f.clock.Set(at(9, 50))
	f.engine.Poll()
	assert.Equal(t, device.Off, f.registry.Get(device.Washer), "old deadline must not fire")

	f.clock.Set(at(10, 50))
	f.engine.Poll()
	assert.Equal(t, device.On, f.registry.Get(device.Washer))

	f.clock.Set(at(23, 0))
	f.engine.Poll()
	assert.Len(t, f.notesOf(KindActivated, device.Washer), 1, "only one washer activation")
}

func TestEngine_ArrivalChangeWhileDisabledDoesNotArm(t *testing.T) {
	f := newFixture(t, at(8, 0), true)

	_, err := f.engine.SetArrival("09:00")
	require.NoError(t, err)
	assert.Equal(t, 0, f.engine.ArmedCount())
	assert.Equal(t, Plan{}, f.engine.Plan())
	assert.Len(t, f.notesOf(KindArrivalSet, ""), 1)

	arrival, ok := f.engine.Arrival()
	require.True(t, ok)
	assert.Equal(t, at(9, 0), arrival)
}

func TestEngine_EnableWithoutArrivalIsNoop(t *testing.T) {
	f := newFixture(t, at(8, 0), true)
	f.engine.SetEnabled(true)

	assert.True(t, f.engine.Enabled())
	assert.Equal(t, 0, f.engine.ArmedCount())
	assert.Equal(t, Plan{}, f.engine.Plan())
	_, ok := f.engine.Arrival()
	assert.False(t, ok)
}

func TestEngine_DeviceAlreadyOnIsNotArmed(t *testing.T) {
	f := newFixture(t, at(8, 0), true)
	f.registry.Set(device.AC, device.On)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("09:00")
	require.NoError(t, err)

	_, armed := f.engine.Armed(device.AC)
	assert.False(t, armed)
	assert.Equal(t, shadowstate.ActionSkippedDeviceOn, f.lastAction(t, device.AC))

	_, armed = f.engine.Armed(device.Washer)
	assert.True(t, armed)
}

func TestEngine_ManualToggleCancelsTimer(t *testing.T) {
	f := newFixture(t, at(8, 0), true)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("09:00")
	require.NoError(t, err)

	// User switches the AC on and then off again before the deadline
	f.registry.Toggle(device.AC)
	f.engine.DeviceToggled(device.AC)
	f.registry.Toggle(device.AC)
	f.engine.DeviceToggled(device.AC)

	_, armed := f.engine.Armed(device.AC)
	assert.False(t, armed)
	f.clock.Set(at(8, 50))
	f.engine.Poll()
	assert.Equal(t, device.Off, f.registry.Get(device.AC))

	last, ok := f.tracker.LastDecision(string(device.AC))
	require.True(t, ok)
	assert.Equal(t, "manual toggle", last.Reason)
}

func TestEngine_ManualToggleKeepsTimerWhenConfigured(t *testing.T) {
	f := newFixture(t, at(8, 0), false)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("09:00")
	require.NoError(t, err)

	f.registry.Toggle(device.AC)
	f.engine.DeviceToggled(device.AC)
	f.registry.Toggle(device.AC)
	f.engine.DeviceToggled(device.AC)

	_, armed := f.engine.Armed(device.AC)
	assert.True(t, armed)
	f.clock.Set(at(8, 50))
	f.engine.Poll()
	assert.Equal(t, device.On, f.registry.Get(device.AC), "stale timer switches the AC back on")
}

func TestEngine_Restore(t *testing.T) {
	t.Run("enabled with arrival arms timers", func(t *testing.T) {
		f := newFixture(t, at(8, 0), true)
		require.NoError(t, f.engine.Restore(true, "9:30"))

		assert.True(t, f.engine.Enabled())
		assert.Equal(t, "9:30", f.engine.ArrivalText())
		deadline, armed := f.engine.Armed(device.AC)
		require.True(t, armed)
		assert.Equal(t, at(9, 20), deadline)
		assert.Empty(t, f.notesOf(KindArrivalSet, ""), "restoring is silent")
	})

	t.Run("disabled keeps arrival without arming", func(t *testing.T) {
		f := newFixture(t, at(8, 0), true)
		require.NoError(t, f.engine.Restore(false, "9:30"))

		assert.Equal(t, 0, f.engine.ArmedCount())
		_, ok := f.engine.Arrival()
		assert.True(t, ok)
	})

	t.Run("invalid arrival text", func(t *testing.T) {
		f := newFixture(t, at(8, 0), true)
		err := f.engine.Restore(true, "later")

		assert.ErrorIs(t, err, ErrInvalidArrival)
		assert.True(t, f.engine.Enabled())
		assert.Equal(t, "", f.engine.ArrivalText())
		assert.Equal(t, 0, f.engine.ArmedCount())
	})
}

func TestEngine_CustomRules(t *testing.T) {
	f := &fixture{
		clock:    clock.NewMockClock(at(8, 0)),
		registry: device.NewRegistry(zap.NewNop()),
	}
	f.engine = NewEngine(Options{
		Clock:    f.clock,
		Registry: f.registry,
		Rules:    &Rules{ACLead: 30 * time.Minute, WasherDelay: 5 * time.Minute, GraceWindow: time.Minute},
	})
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("09:00")
	require.NoError(t, err)

	plan := f.engine.Plan()
	assert.Equal(t, at(8, 30), *plan.ACDeadline)
	assert.Equal(t, at(9, 5), *plan.WasherDeadline)
}

func TestEngine_ZeroRulesAreHonoured(t *testing.T) {
	f := &fixture{
		clock:    clock.NewMockClock(at(8, 0)),
		registry: device.NewRegistry(zap.NewNop()),
	}
	f.engine = NewEngine(Options{
		Clock:    f.clock,
		Registry: f.registry,
		Rules:    &Rules{},
	})
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("9:00")
	require.NoError(t, err)

	plan := f.engine.Plan()
	require.NotNil(t, plan.ACDeadline)
	require.NotNil(t, plan.WasherDeadline)
	assert.Equal(t, at(9, 0), *plan.ACDeadline)
	assert.Equal(t, at(9, 0), *plan.WasherDeadline)

	assert.Equal(t, 2, f.advance(time.Hour))
	assert.Equal(t, device.On, f.registry.Get(device.AC))
	assert.Equal(t, device.On, f.registry.Get(device.Washer))
}

func TestEngine_NilRulesUseDefaults(t *testing.T) {
	f := newFixture(t, at(8, 0), true)
	f.engine.SetEnabled(true)
	_, err := f.engine.SetArrival("9:00")
	require.NoError(t, err)

	plan := f.engine.Plan()
	require.NotNil(t, plan.ACDeadline)
	assert.Equal(t, at(8, 50), *plan.ACDeadline)
	assert.Equal(t, at(9, 50), *plan.WasherDeadline)
}
