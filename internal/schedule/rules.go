package schedule

import (
	"fmt"
	"time"

	"smarthome/internal/device"
)

// Default rule parameters
const (
	DefaultACLead      = 10 * time.Minute
	DefaultWasherDelay = 50 * time.Minute
	DefaultGraceWindow = 10 * time.Minute
)

// Rules configures the deadlines derived from the arrival time
type Rules struct {
	// ACLead is how long before arrival the air conditioner switches on
	ACLead time.Duration
	// WasherDelay is how long after arrival the washing machine switches on
	WasherDelay time.Duration
	// GraceWindow is how late an air conditioner deadline may be and still
	// fire immediately when scheduling is (re)evaluated
	GraceWindow time.Duration
}

// DefaultRules returns AC at arrival-10m with a 10m grace window and
// washer at arrival+50m
func DefaultRules() Rules {
	return Rules{
		ACLead:      DefaultACLead,
		WasherDelay: DefaultWasherDelay,
		GraceWindow: DefaultGraceWindow,
	}
}

// Rule is the deadline rule of a single schedulable device
type Rule struct {
	Device device.ID
	Offset time.Duration // deadline = arrival + Offset
	Grace  time.Duration // zero means a lapsed deadline is never honoured
}

// Deadline returns the activation deadline for arrival
func (r Rule) Deadline(arrival time.Time) time.Time {
	return arrival.Add(r.Offset)
}

func (r Rule) describeOffset() string {
	if r.Offset < 0 {
		return fmt.Sprintf("%s before arrival", formatMinutes(-r.Offset))
	}
	return fmt.Sprintf("%s after arrival", formatMinutes(r.Offset))
}

func (r Rules) list() []Rule {
	return []Rule{
		{Device: device.AC, Offset: -r.ACLead, Grace: r.GraceWindow},
		{Device: device.Washer, Offset: r.WasherDelay},
	}
}

func formatMinutes(d time.Duration) string {
	m := int(d.Round(time.Minute) / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

// Tips returns the usage hints shown by the presentation layer
func (r Rules) Tips() []string {
	tips := []string{
		"Arrival times use the 24-hour clock: H:MM or HH:MM, for example 7:30 or 18:05.",
		fmt.Sprintf("The air conditioner switches on %s before arrival.", formatMinutes(r.ACLead)),
	}
	if r.GraceWindow > 0 {
		tips = append(tips, fmt.Sprintf(
			"If that moment passed less than %s ago, the air conditioner switches on immediately.",
			formatMinutes(r.GraceWindow)))
	}
	return append(tips,
		fmt.Sprintf("The washing machine switches on %s after arrival.", formatMinutes(r.WasherDelay)),
		"Deadlines that have already passed are skipped.",
		"A device that is already on is not scheduled; switch it off first, then set the arrival time again.",
		"Scheduling must be enabled for anything to switch on automatically.",
	)
}
