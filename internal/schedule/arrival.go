package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidArrival is wrapped by every ParseError
var ErrInvalidArrival = errors.New("invalid arrival time")

// ParseError reports malformed arrival-time text
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid arrival time %q: %s (use H:MM or HH:MM, 24-hour clock)", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrInvalidArrival
}

// ArrivalTime is a time of day at which the occupant expects to be home
type ArrivalTime struct {
	Hour   int
	Minute int
}

// ParseArrivalTime accepts "H:MM" or "HH:MM" with 0<=H<=23 and 0<=MM<=59.
// Surrounding whitespace is ignored.
func ParseArrivalTime(text string) (ArrivalTime, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return ArrivalTime{}, &ParseError{Input: text, Reason: "empty"}
	}

	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return ArrivalTime{}, &ParseError{Input: text, Reason: "missing ':' separator"}
	}
	if len(hh) < 1 || len(hh) > 2 || !isDigits(hh) {
		return ArrivalTime{}, &ParseError{Input: text, Reason: "hour must be 1 or 2 digits"}
	}
	if len(mm) != 2 || !isDigits(mm) {
		return ArrivalTime{}, &ParseError{Input: text, Reason: "minute must be 2 digits"}
	}

	hour, _ := strconv.Atoi(hh)
	minute, _ := strconv.Atoi(mm)
	if hour > 23 {
		return ArrivalTime{}, &ParseError{Input: text, Reason: fmt.Sprintf("hour %d out of range 0-23", hour)}
	}
	if minute > 59 {
		return ArrivalTime{}, &ParseError{Input: text, Reason: fmt.Sprintf("minute %d out of range 0-59", minute)}
	}

	return ArrivalTime{Hour: hour, Minute: minute}, nil
}

// On anchors the arrival time to the calendar day of day, in day's location
func (a ArrivalTime) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), a.Hour, a.Minute, 0, 0, day.Location())
}

func (a ArrivalTime) String() string {
	return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
