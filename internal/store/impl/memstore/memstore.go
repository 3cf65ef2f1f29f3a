package memstore

import (
	"context"
	"sync"

	"nuha.dev/famtrack/internal/model"
)

// Store keeps the last fix of every device in memory.
type Store struct {
	mu   sync.Mutex
	last map[string]model.LocationFix
	n    int
}

func NewStore() *Store {
	return &Store{last: make(map[string]model.LocationFix)}
}

func (st *Store) SaveFix(ctx context.Context, fix *model.LocationFix) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	prev, ok := st.last[fix.DeviceID]
	if !ok || fix.Timestamp.After(prev.Timestamp) {
		st.last[fix.DeviceID] = *fix
	}
	st.n++
	return nil
}

func (st *Store) LoadLastFix(ctx context.Context, device_id string) (*model.LocationFix, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	f, ok := st.last[device_id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

// Saved returns how many fixes were saved.
func (st *Store) Saved() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.n
}
