package connstate

import (
	"errors"
	"sync"
	"time"
)

const DefaultRetryBudget = 5

var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// Change is the notification sent to observers on every transition.
type Change struct {
	Previous Status    `json:"previous_status"`
	New      Status    `json:"new_status"`
	At       time.Time `json:"timestamp"`
	Event    Event     `json:"-"`
}

type Observer interface {
	StatusChanged(c Change)
}

type ObserverFunc func(c Change)

func (f ObserverFunc) StatusChanged(c Change) {
	f(c)
}

// Machine holds the status of one connection. Observers are called
// synchronously, in transition order, and must not call back into the
// Machine.
type Machine struct {
	mu        sync.Mutex
	status    Status
	attempts  int
	budget    int
	now       func() time.Time
	observers []Observer
}

func NewMachine(budget int, observers ...Observer) *Machine {
	m := &Machine{}
	m.status = Disconnected
	m.budget = budget
	if m.budget <= 0 {
		m.budget = DefaultRetryBudget
	}
	m.now = time.Now
	m.observers = observers
	return m
}

func (m *Machine) Observe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Machine) Budget() int {
	return m.budget
}

func (m *Machine) Fire(ev Event) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fire(ev)
}

func (m *Machine) fire(ev Event) (Status, error) {
	next, err := Transition(m.status, ev)
	if err != nil {
		return m.status, err
	}
	if ev == EventConnect || next == Connected {
		m.attempts = 0
	}
	prev := m.status
	m.status = next
	if prev != next {
		c := Change{Previous: prev, New: next, At: m.now(), Event: ev}
		for _, o := range m.observers {
			o.StatusChanged(c)
		}
	}
	return next, nil
}

// RetryFailed records one failed reconnect attempt. When the attempts reach
// the budget the machine moves to Error and ErrRetryBudgetExhausted is
// returned.
func (m *Machine) RetryFailed() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != Reconnecting {
		return m.status, ErrInvalidTransition
	}
	m.attempts++
	if m.attempts < m.budget {
		return m.status, nil
	}
	st, err := m.fire(EventRetryExhausted)
	if err != nil {
		return st, err
	}
	return st, ErrRetryBudgetExhausted
}
