package sublist

import (
	"context"
	"sync/atomic"

	"github.com/phuslu/log"
)

const DefaultOutboxSize = 64

type SendFunc func(ctx context.Context, d []byte) error

type OutboxStats struct {
	Pushed  uint64 `json:"pushed"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

// Outbox is a Subscriber backed by a FIFO queue and its own writer
// goroutine. A slow or broken peer only loses its own messages.
type Outbox struct {
	name    string
	q       chan []byte
	send    SendFunc
	pushed  uint64
	skipped uint64
	failed  uint64
	closed  uint32
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	log     log.Logger
}

func NewOutbox(name string, size int, send SendFunc) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	o := &Outbox{name: name, send: send}
	o.q = make(chan []byte, size)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.done = make(chan struct{})
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "outbox").Str("subscriber", name).Value()
	go o.writeLoop()
	return o
}

func (o *Outbox) Name() string {
	return o.name
}

func (o *Outbox) Push(sender string, d []byte) bool {
	if atomic.LoadUint32(&o.closed) == 1 {
		return true
	}
	select {
	case o.q <- d:
		atomic.AddUint64(&o.pushed, 1)
	default:
		atomic.AddUint64(&o.skipped, 1)
		o.log.Warn().Str("sender", sender).Msg("outbox full, message skipped")
	}
	return false
}

func (o *Outbox) writeLoop() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			return
		case d := <-o.q:
			if o.ctx.Err() != nil {
				return
			}
			err := o.send(o.ctx, d)
			if err != nil {
				atomic.AddUint64(&o.failed, 1)
				if o.ctx.Err() != nil {
					return
				}
				o.log.Error().Err(err).Msg("error while writing to subscriber")
				atomic.StoreUint32(&o.closed, 1)
				return
			}
		}
	}
}

// Close stops the writer and waits for it. Nothing is sent after Close
// returns. Close is idempotent.
func (o *Outbox) Close() {
	atomic.StoreUint32(&o.closed, 1)
	o.cancel()
	<-o.done
}

func (o *Outbox) Closed() bool {
	return atomic.LoadUint32(&o.closed) == 1
}

func (o *Outbox) Stats() OutboxStats {
	return OutboxStats{
		Pushed:  atomic.LoadUint64(&o.pushed),
		Skipped: atomic.LoadUint64(&o.skipped),
		Failed:  atomic.LoadUint64(&o.failed),
	}
}
