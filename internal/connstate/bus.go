package connstate

import (
	"context"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
)

const TopicStatus string = "connection.status"

// 2020-01-01 in ms, the epoch of the monoton id generator
const monotonEpoch uint64 = 1577836800000

// StatusEvent is the payload published on TopicStatus.
type StatusEvent struct {
	Identity string `json:"identity"`
	Change
}

func NewBus(node uint64) (*bus.Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, monotonEpoch)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicStatus)
	return b, nil
}

// BusObserver republishes the transitions of one identity on the bus.
type BusObserver struct {
	b        *bus.Bus
	identity string
	log      log.Logger
}

func NewBusObserver(b *bus.Bus, identity string) *BusObserver {
	o := &BusObserver{b: b, identity: identity}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "connstate").Str("identity", identity).Value()
	return o
}

func (o *BusObserver) StatusChanged(c Change) {
	err := o.b.Emit(context.Background(), TopicStatus, StatusEvent{Identity: o.identity, Change: c})
	if err != nil {
		o.log.Error().Err(err).Msg("error publishing status change")
	}
}
