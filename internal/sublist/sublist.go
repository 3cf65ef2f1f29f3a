package sublist

import (
	"sync"
)

// Subscriber receives fan-out payloads. Push must not block; it returns true
// when the subscriber is closed and should be dropped from the list.
type Subscriber interface {
	Push(sender string, d []byte) bool
}

type SublistMap struct {
	mu   *sync.Mutex
	list map[string]*Sublist
}

// Sublist is the subscriber set of one device. The last location and the
// last event payload are replayed to every new subscriber.
type Sublist struct {
	key        string
	list       map[Subscriber]bool
	data       []byte
	event_data []byte
	mu         *sync.Mutex
}

func NewSublistMap() *SublistMap {
	m := SublistMap{}
	m.mu = &sync.Mutex{}
	m.list = map[string]*Sublist{}
	return &m
}

func NewSublist(key string) *Sublist {
	m := &Sublist{}
	m.list = make(map[Subscriber]bool)
	m.key = key
	m.mu = &sync.Mutex{}
	return m
}

func (s *SublistMap) GetSublist(key string, create bool) (*Sublist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l = NewSublist(key)
	s.list[key] = l
	return l, true
}

// RemoveIfEmpty drops the sublist of key when it has no subscribers left.
func (s *SublistMap) RemoveIfEmpty(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if !ok {
		return true
	}
	if l.Len() != 0 {
		return false
	}
	delete(s.list, key)
	return true
}

func (s *SublistMap) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *Sublist) Key() string {
	return s.key
}

func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	if s.data != nil {
		sub.Push(s.key, s.data)
	}
	if s.event_data != nil {
		sub.Push(s.key, s.event_data)
	}
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Has(sub Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list[sub]
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// SendLocation pushes a location payload and keeps it for replay.
func (s *Sublist) SendLocation(d []byte) int {
	s.mu.Lock()
	s.data = d
	n := s.send(d)
	s.mu.Unlock()
	return n
}

// SendEvent pushes an event payload and keeps it for replay.
func (s *Sublist) SendEvent(d []byte) int {
	s.mu.Lock()
	s.event_data = d
	n := s.send(d)
	s.mu.Unlock()
	return n
}

func (s *Sublist) Send(d []byte) int {
	s.mu.Lock()
	n := s.send(d)
	s.mu.Unlock()
	return n
}

// send returns the number of live subscribers pushed to. Caller holds s.mu.
func (s *Sublist) send(d []byte) int {
	n := 0
	for sub := range s.list {
		closed := sub.Push(s.key, d)
		if closed {
			delete(s.list, sub)
		} else {
			n++
		}
	}
	return n
}
