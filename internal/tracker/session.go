package tracker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/model"
	"nuha.dev/famtrack/internal/sublist"
)

// DeviceSession is the runtime state of one device. Every field is guarded
// by mu; the machine is only fired while mu is held, except by the
// reconnector which holds its own lock.
type DeviceSession struct {
	mu           sync.Mutex
	id           string
	machine      *connstate.Machine
	reconn       *connstate.Reconnector
	last         *model.LocationFix
	transport    Transport
	gen          uint64
	epoch        uint64
	lostEpoch    uint64
	lastActivity time.Time
	sublist      *sublist.Sublist
	teardown     *time.Timer
	// expired is set once the session may be removed as soon as nobody
	// watches it.
	expired bool
	removed bool
}

func (s *DeviceSession) MarshalObject(e *log.Entry) {
	e.Str("device_id", s.id).Str("status", s.machine.Status().String()).Uint64("generation", s.gen)
}

func (s *DeviceSession) info() SessionInfo {
	i := SessionInfo{
		DeviceID:     s.id,
		Status:       s.machine.Status(),
		Attempts:     s.machine.Attempts(),
		Subscribers:  s.sublist.Len(),
		LastActivity: s.lastActivity,
	}
	if s.last != nil {
		t := s.last.Timestamp
		i.LastFix = &t
	}
	return i
}

func (s *DeviceSession) stopTeardown() {
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
}

// statusRelay forwards transitions of one device to its subscribers. It runs
// under the machine lock and must not touch the session lock.
type statusRelay struct {
	device_id string
	sub       *sublist.Sublist
	log       *log.Logger
}

func (o *statusRelay) StatusChanged(c connstate.Change) {
	d, err := json.Marshal(model.StatusMessage{Type: model.TypeStatus, DeviceID: o.device_id, Change: c})
	if err != nil {
		o.log.Error().Err(err).Str("device_id", o.device_id).Msg("error encoding status")
		return
	}
	n := o.sub.SendEvent(d)
	o.log.Debug().Str("event", STATUS_CHANGED).Str("device_id", o.device_id).
		Str("previous_status", c.Previous.String()).Str("new_status", c.New.String()).
		Str("trigger", c.Event.String()).Int("subscribers", n).Msg("")
}

// viewer is the fan-out endpoint of one viewer identity. One outbox serves
// every device the viewer watches so updates keep submission order per
// device.
type viewer struct {
	mu        sync.Mutex
	id        string
	outbox    *sublist.Outbox
	transport Transport
	devices   map[string]bool
	gen       uint64
	removed   bool
}
