package model

import (
	"time"

	"github.com/go-playground/validator/v10"

	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/geo"
)

const (
	TypeLocation string = "location"
	TypeStatus   string = "status"
)

// LocationFix is one reported position. Coordinates are range-checked by the
// tracker after the ordering check, so they carry no validate tags here.
type LocationFix struct {
	DeviceID     string    `json:"device_id" validate:"omitempty,max=128,printascii"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Altitude     *float64  `json:"altitude,omitempty"`
	Accuracy     *float64  `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Heading      *float64  `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Speed        *float64  `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`
	BatteryLevel *float64  `json:"battery_level,omitempty" validate:"omitempty,gte=0,lte=100"`
	NetworkType  string    `json:"network_type,omitempty" validate:"omitempty,max=32"`
}

func (f *LocationFix) Coordinate() geo.Coordinate {
	return geo.Coordinate{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Update is what subscribers of a device receive for every accepted fix.
type Update struct {
	Type               string           `json:"type"`
	Fix                LocationFix      `json:"fix"`
	MovedSignificantly bool             `json:"moved_significantly"`
	DeviceID           string           `json:"device_id"`
	ConnectionStatus   connstate.Status `json:"connection_status"`
}

// StatusMessage is what subscribers receive on a connection status change.
type StatusMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	connstate.Change
}

var vld = validator.New()

// Validate checks the non-coordinate fields of a decoded fix.
func Validate(f *LocationFix) error {
	return vld.Struct(f)
}
