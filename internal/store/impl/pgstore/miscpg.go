package pgstore

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/connstate"
)

// PgEventStore keeps the connection status history of devices.
type PgEventStore struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewEventStore(db *pgxpool.Pool) *PgEventStore {
	m := PgEventStore{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "event_store").Value()
	return &m
}

func (st *PgEventStore) SaveStatusEvent(ctx context.Context, ev connstate.StatusEvent) {
	_, err := st.db.Exec(ctx, `INSERT INTO connection_event (device_id,previous_status,new_status,event,event_time) VALUES ($1,$2,$3,$4,$5)`,
		ev.Identity, ev.Previous.String(), ev.New.String(), ev.Event.String(), ev.At)
	if err != nil {
		st.log.Error().Err(err).Str("device_id", ev.Identity).Msg("error saving status event")
	}
}
