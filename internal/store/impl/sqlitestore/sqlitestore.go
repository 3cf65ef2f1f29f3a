package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"nuha.dev/famtrack/internal/model"
)

// fixed width so fix_time sorts as text
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store writes fixes to a local SQLite file. Suited to single node setups.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS location_fix (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			altitude REAL,
			accuracy REAL,
			heading REAL,
			speed REAL,
			battery_level REAL,
			network_type TEXT,
			fix_time TEXT NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_location_fix_device_time ON location_fix(device_id, fix_time);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveFix(ctx context.Context, f *model.LocationFix) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO location_fix (device_id, latitude, longitude, altitude, accuracy, heading, speed, battery_level, network_type, fix_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		f.DeviceID, f.Latitude, f.Longitude, f.Altitude, f.Accuracy, f.Heading, f.Speed, f.BatteryLevel,
		f.NetworkType, f.Timestamp.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("insert fix: %w", err)
	}
	return nil
}

func (s *Store) LoadLastFix(ctx context.Context, device_id string) (*model.LocationFix, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT latitude, longitude, altitude, accuracy, heading, speed, battery_level, network_type, fix_time
		FROM location_fix WHERE device_id = ? ORDER BY fix_time DESC LIMIT 1;`, device_id)
	f := &model.LocationFix{DeviceID: device_id}
	var network sql.NullString
	var ts string
	err := row.Scan(&f.Latitude, &f.Longitude, &f.Altitude, &f.Accuracy, &f.Heading, &f.Speed, &f.BatteryLevel, &network, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load last fix: %w", err)
	}
	f.NetworkType = network.String
	f.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parse fix_time: %w", err)
	}
	return f, nil
}
