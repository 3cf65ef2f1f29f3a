package connstate

import (
	"errors"
	"fmt"
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	Unauthorized
	Error
)

var statusNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
	Unauthorized: "unauthorized",
	Error:        "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

type Event int

const (
	// EventConnect is an explicit connect request.
	EventConnect Event = iota
	// EventEstablished means the transport is up and auth was accepted.
	EventEstablished
	EventAuthRejected
	// EventTransportFailure is a failure of the initial connect attempt.
	EventTransportFailure
	// EventDropped is an unexpected loss of an established transport.
	EventDropped
	EventDisconnect
	EventRetryExhausted
)

var eventNames = [...]string{
	EventConnect:          "connect",
	EventEstablished:      "established",
	EventAuthRejected:     "auth_rejected",
	EventTransportFailure: "transport_failure",
	EventDropped:          "dropped",
	EventDisconnect:       "disconnect",
	EventRetryExhausted:   "retry_exhausted",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

var ErrInvalidTransition = errors.New("invalid transition")

// Transition is the whole transition table. It has no side effects.
//
// Besides the edges of the connection lifecycle, a connect request is
// accepted from any state (it preempts pending retries and replaces a live
// transport) and a disconnect request is accepted from any state, being a
// no-op when already disconnected.
func Transition(from Status, ev Event) (Status, error) {
	switch ev {
	case EventConnect:
		return Connecting, nil
	case EventDisconnect:
		return Disconnected, nil
	case EventEstablished:
		if from == Connecting || from == Reconnecting {
			return Connected, nil
		}
	case EventAuthRejected:
		if from == Connecting || from == Reconnecting {
			return Unauthorized, nil
		}
	case EventTransportFailure:
		if from == Connecting {
			return Error, nil
		}
	case EventDropped:
		if from == Connected {
			return Reconnecting, nil
		}
	case EventRetryExhausted:
		if from == Reconnecting {
			return Error, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}
