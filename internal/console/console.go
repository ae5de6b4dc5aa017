// Package console is a line-oriented terminal front end for the controller.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"smarthome/internal/app"
	"smarthome/internal/device"
	"smarthome/internal/schedule"
	"smarthome/internal/shadowstate"
	"smarthome/internal/store"
)

// Controller is the part of app.Controller the console calls into
type Controller interface {
	Status() (app.Status, error)
	CurrentPlan() (schedule.Plan, error)
	ToggleDevice(id device.ID) (device.OnOff, error)
	SetArrivalTime(text string) (time.Time, error)
	EnableScheduling(enabled bool) error
	Decisions() *shadowstate.SchedulerShadowState
	Subscribe() (<-chan schedule.Notification, func())
	Tips() []string
}

// decisionsShown is how many recent decisions the decisions command prints
const decisionsShown = 10

var commands = []struct {
	usage       string
	description string
}{
	{"status", "show the time, devices and schedule"},
	{"toggle <device>", "switch light, ac, tv, washer or camera"},
	{"arrive <H:MM>", "set the arrival time"},
	{"enable", "turn arrival-time scheduling on"},
	{"disable", "turn arrival-time scheduling off"},
	{"plan", "show when the air conditioner and washing machine switch on"},
	{"decisions", "show recent scheduler decisions"},
	{"help", "show this help"},
	{"quit", "leave the console"},
}

// Console reads commands from in and writes results and notifications to out
type Console struct {
	ctrl   Controller
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
}

// New creates a console
func New(ctrl Controller, in io.Reader, out io.Writer, logger *zap.Logger) *Console {
	return &Console{
		ctrl:   ctrl,
		in:     in,
		out:    out,
		logger: logger.Named("console"),
	}
}

// Run processes commands until quit, end of input or ctx is done.
// Notifications are printed as they arrive.
//
// If in is an io.Closer it is closed when Run returns so the reader
// goroutine unblocks. Otherwise that goroutine stays in Read until the
// reader returns data or an error.
func (c *Console) Run(ctx context.Context) error {
	notifications, unsubscribe := c.ctrl.Subscribe()
	defer unsubscribe()

	stop := make(chan struct{})
	defer close(stop)
	if closer, ok := c.in.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				c.logger.Debug("Failed to close input", zap.Error(err))
			}
		}()
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				scanErr <- nil
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, "Smarthome control panel. Type help for commands.")

	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			fmt.Fprintf(c.out, "* [%s] %s\n", n.At.Format("15:04:05"), n.Message)

		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				return nil
			}
			if c.Execute(line) {
				return nil
			}
		}
	}
}

// Execute runs a single command line and reports whether the console should exit
func (c *Console) Execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	c.logger.Debug("Command received", zap.String("command", cmd), zap.Strings("args", args))

	switch cmd {
	case "status":
		c.status()
	case "toggle":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: toggle <device>")
			return false
		}
		c.toggle(args[0])
	case "arrive":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage: arrive <H:MM>")
			return false
		}
		c.arrive(args[0])
	case "enable":
		c.setEnabled(true)
	case "disable":
		c.setEnabled(false)
	case "plan":
		c.plan()
	case "decisions":
		c.decisions()
	case "help":
		c.help()
	case "quit", "exit":
		fmt.Fprintln(c.out, "bye")
		return true
	default:
		fmt.Fprintf(c.out, "unknown command %q, type help for the list of commands\n", cmd)
	}
	return false
}

func (c *Console) status() {
	status, err := c.ctrl.Status()
	if err != nil {
		c.reportError(err)
		return
	}

	fmt.Fprintf(c.out, "time:        %s\n", status.Now.Format("15:04:05"))
	fmt.Fprintf(c.out, "scheduling:  %s\n", enabledText(status.SchedulingEnabled))
	arrival := status.ArrivalTime
	if arrival == "" {
		arrival = "not set"
	}
	fmt.Fprintf(c.out, "arrival:     %s\n", arrival)

	fmt.Fprintln(c.out, "devices:")
	for _, d := range device.AllDevices {
		state := status.Devices[d.ID]
		suffix := ""
		if d.ID == device.Camera && state == device.On {
			suffix = " (live)"
		}
		fmt.Fprintf(c.out, "  %-8s %s%s\n", string(d.ID)+":", state, suffix)
	}
	c.printPlan(status.Plan)
}

func (c *Console) toggle(arg string) {
	id, err := device.ParseID(arg)
	if err != nil {
		fmt.Fprintf(c.out, "%v, choose one of: %s\n", err, deviceList())
		return
	}

	state, err := c.ctrl.ToggleDevice(id)
	var persistErr *store.PersistenceError
	switch {
	case err == nil:
		fmt.Fprintf(c.out, "%s is now %s\n", id.Label(), state)
	case errors.As(err, &persistErr):
		fmt.Fprintf(c.out, "%s is now %s (warning: state not saved: %v)\n", id.Label(), state, persistErr.Err)
	default:
		c.reportError(err)
	}
}

func (c *Console) arrive(arg string) {
	if _, err := c.ctrl.SetArrivalTime(arg); err != nil {
		c.reportError(err)
		return
	}
	c.plan()
}

func (c *Console) setEnabled(enabled bool) {
	if err := c.ctrl.EnableScheduling(enabled); err != nil {
		c.reportError(err)
		return
	}
	fmt.Fprintf(c.out, "scheduling %s\n", enabledText(enabled))
	c.plan()
}

func (c *Console) plan() {
	plan, err := c.ctrl.CurrentPlan()
	if err != nil {
		c.reportError(err)
		return
	}
	c.printPlan(plan)
}

func (c *Console) printPlan(plan schedule.Plan) {
	if plan.ACDeadline == nil && plan.WasherDeadline == nil {
		fmt.Fprintln(c.out, "plan:        nothing planned (scheduling disabled or no arrival time)")
		return
	}
	fmt.Fprintln(c.out, "plan:")
	if plan.ACDeadline != nil {
		fmt.Fprintf(c.out, "  %-16s %s\n", device.AC.Label(), plan.ACDeadline.Format("15:04"))
	}
	if plan.WasherDeadline != nil {
		fmt.Fprintf(c.out, "  %-16s %s\n", device.Washer.Label(), plan.WasherDeadline.Format("15:04"))
	}
}

func (c *Console) decisions() {
	history := c.ctrl.Decisions().Outputs.History
	if len(history) == 0 {
		fmt.Fprintln(c.out, "no decisions yet")
		return
	}
	if len(history) > decisionsShown {
		history = history[len(history)-decisionsShown:]
	}

	for _, d := range history {
		fmt.Fprintf(c.out, "%s  %-7s %-17s %s", d.Timestamp.Format("15:04:05"), d.Device, d.Action, d.Reason)
		if d.Deadline != nil {
			fmt.Fprintf(c.out, " (deadline %s)", d.Deadline.Format("15:04"))
		}
		fmt.Fprintln(c.out)
	}
}

func (c *Console) help() {
	fmt.Fprintln(c.out, "commands:")
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %-16s %s\n", cmd.usage, cmd.description)
	}
	fmt.Fprintln(c.out, "tips:")
	for _, tip := range c.ctrl.Tips() {
		fmt.Fprintf(c.out, "  - %s\n", tip)
	}
}

func (c *Console) reportError(err error) {
	if !errors.Is(err, schedule.ErrInvalidArrival) {
		c.logger.Warn("Command failed", zap.Error(err))
	}
	fmt.Fprintf(c.out, "error: %v\n", err)
}

func enabledText(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func deviceList() string {
	ids := make([]string, 0, len(device.AllDevices))
	for _, d := range device.AllDevices {
		ids = append(ids, string(d.ID))
	}
	return strings.Join(ids, ", ")
}
