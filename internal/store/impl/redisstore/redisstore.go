package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nuha.dev/famtrack/internal/model"
)

type Options struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Timeout   time.Duration
	// TTL of the last-fix key, zero keeps it forever.
	TTL time.Duration
}

// Store keeps the last fix of every device as a JSON value under
// <namespace>:last:<device_id>.
type Store struct {
	rdb      *redis.Client
	nsPrefix string
	ttl      time.Duration
}

func NewStore(o Options) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	ns := o.Namespace
	if ns == "" {
		ns = "famtrack"
	}
	return &Store{rdb: rdb, nsPrefix: ns, ttl: o.TTL}
}

func (s *Store) key(device_id string) string {
	return fmt.Sprintf("%s:last:%s", s.nsPrefix, device_id)
}

func (s *Store) SaveFix(ctx context.Context, fix *model.LocationFix) error {
	b, err := json.Marshal(fix)
	if err != nil {
		return err
	}
	err = s.rdb.Set(ctx, s.key(fix.DeviceID), b, s.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis set %s: %w", fix.DeviceID, err)
	}
	return nil
}

func (s *Store) LoadLastFix(ctx context.Context, device_id string) (*model.LocationFix, error) {
	val, err := s.rdb.Get(ctx, s.key(device_id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", device_id, err)
	}
	f := &model.LocationFix{}
	if err := json.Unmarshal(val, f); err != nil {
		return nil, fmt.Errorf("decode last fix %s: %w", device_id, err)
	}
	return f, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
