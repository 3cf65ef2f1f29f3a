package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/model"
)

var columns = []string{"device_id", "latitude", "longitude", "altitude", "accuracy", "heading", "speed",
	"battery_level", "network_type", "fix_time", "server_time"}

// Store batches fixes and writes them with COPY. A batch is flushed when it
// is full or older than MaxAgeFlush.
type Store struct {
	config  *StoreConfig
	cond    *sync.Cond
	wlock   *sync.Mutex
	rbuf    []buffer
	wbuf    buffer
	dbp     *pgxpool.Pool
	log     log.Logger
	table   string
	stopped bool
	done    chan struct{}
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	fix  model.LocationFix
	srvt time.Time
}

func NewStore(db *pgxpool.Pool, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	if o.config.BufSize <= 0 {
		o.config.BufSize = 100
	}
	if o.config.TickerDur <= 0 {
		o.config.TickerDur = 5 * time.Second
	}
	if o.config.MaxAgeFlush <= 0 {
		o.config.MaxAgeFlush = 5 * time.Second
	}
	o.table = table
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.wlock = &sync.Mutex{}
	o.cond = sync.NewCond(&sync.Mutex{})
	o.done = make(chan struct{})
	return o
}

// Run starts the flusher until ctx is cancelled; pending fixes are written
// before it returns.
func (st *Store) Run(ctx context.Context) {
	go st.handle()
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		case <-ctx.Done():
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 {
				st.flush()
			}
			st.wlock.Unlock()
			st.cond.L.Lock()
			st.stopped = true
			st.cond.L.Unlock()
			st.cond.Signal()
			<-st.done
			return
		}
	}
}

func (st *Store) SaveFix(ctx context.Context, fix *model.LocationFix) error {
	rec := record{fix: *fix, srvt: time.Now().UTC()}
	st.wlock.Lock()
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = rec.srvt
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
	return nil
}

// flush hands the write buffer to the writer. Caller holds wlock.
func (st *Store) flush() {
	next := st.wbuf.seq + 1
	st.cond.L.Lock()
	st.rbuf = append(st.rbuf, st.wbuf)
	st.cond.L.Unlock()
	st.cond.Signal()
	st.wbuf = new_buffer(next, st.config.BufSize)
}

func (st *Store) handle() {
	defer close(st.done)
	st.log.Info().Msg("starting flusher task")
	for {
		st.cond.L.Lock()
		for len(st.rbuf) == 0 && !st.stopped {
			st.cond.Wait()
		}
		bufs := st.rbuf
		st.rbuf = nil
		stopped := st.stopped
		st.cond.L.Unlock()
		for _, b := range bufs {
			st.copy(b)
		}
		if stopped {
			return
		}
	}
}

func (st *Store) copy(buf buffer) {
	t1 := time.Now()
	_, err := st.dbp.CopyFrom(context.Background(),
		pgx.Identifier{st.table},
		columns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			f := d.fix
			return []interface{}{f.DeviceID, f.Latitude, f.Longitude, f.Altitude, f.Accuracy, f.Heading, f.Speed,
				f.BatteryLevel, f.NetworkType, f.Timestamp, d.srvt}, nil
		}))
	if err != nil {
		st.log.Error().Err(err).Uint64("seq", buf.seq).Int("length", len(buf.buf)).Msg("flush error")
	} else {
		st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
}

// pending returns the newest unflushed fix of device_id, if any.
func (st *Store) pending(device_id string) *model.LocationFix {
	var best *model.LocationFix
	pick := func(b buffer) {
		for i := range b.buf {
			f := &b.buf[i].fix
			if f.DeviceID == device_id && (best == nil || f.Timestamp.After(best.Timestamp)) {
				c := *f
				best = &c
			}
		}
	}
	st.wlock.Lock()
	pick(st.wbuf)
	st.wlock.Unlock()
	st.cond.L.Lock()
	for _, b := range st.rbuf {
		pick(b)
	}
	st.cond.L.Unlock()
	return best
}

func (st *Store) LoadLastFix(ctx context.Context, device_id string) (*model.LocationFix, error) {
	if f := st.pending(device_id); f != nil {
		return f, nil
	}
	f := &model.LocationFix{DeviceID: device_id}
	var network *string
	row := st.dbp.QueryRow(ctx, `SELECT latitude, longitude, altitude, accuracy, heading, speed, battery_level, network_type, fix_time
	FROM `+pgx.Identifier{st.table}.Sanitize()+` WHERE device_id = $1 ORDER BY fix_time DESC LIMIT 1`, device_id)
	err := row.Scan(&f.Latitude, &f.Longitude, &f.Altitude, &f.Accuracy, &f.Heading, &f.Speed, &f.BatteryLevel, &network, &f.Timestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if network != nil {
		f.NetworkType = *network
	}
	return f, nil
}
