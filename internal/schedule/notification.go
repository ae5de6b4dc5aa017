package schedule

import (
	"time"

	"github.com/google/uuid"

	"smarthome/internal/device"
)

// Kind classifies a notification
type Kind string

const (
	KindArrivalSet     Kind = "arrival_set"
	KindInvalidArrival Kind = "invalid_arrival"
	KindScheduled      Kind = "scheduled"
	KindActivated      Kind = "activated"
	KindDeviceState    Kind = "device_state"
)

// Notification is a one-way message for the presentation layer
type Notification struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Device  device.ID `json:"device,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// NewNotification creates a notification with a fresh id
func NewNotification(kind Kind, id device.ID, message string, at time.Time) Notification {
	return Notification{
		ID:      uuid.NewString(),
		Kind:    kind,
		Device:  id,
		Message: message,
		At:      at,
	}
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n Notification)

// Notify calls f(n)
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notification) {}
