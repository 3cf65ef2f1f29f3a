package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"nuha.dev/famtrack/internal/connstate"
)

func fp(f float64) *float64 {
	return &f
}

func TestValidate(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		fix  LocationFix
		ok   bool
	}{
		{"minimal", LocationFix{Timestamp: ts}, true},
		{"full", LocationFix{DeviceID: "phone-1", Timestamp: ts, Accuracy: fp(5), Heading: fp(359.9), Speed: fp(3), BatteryLevel: fp(80), NetworkType: "wifi"}, true},
		{"coordinates not checked here", LocationFix{Latitude: 200, Timestamp: ts}, true},
		{"no timestamp", LocationFix{}, false},
		{"negative accuracy", LocationFix{Timestamp: ts, Accuracy: fp(-1)}, false},
		{"heading 360", LocationFix{Timestamp: ts, Heading: fp(360)}, false},
		{"battery over 100", LocationFix{Timestamp: ts, BatteryLevel: fp(101)}, false},
		{"device id too long", LocationFix{Timestamp: ts, DeviceID: strings.Repeat("a", 129)}, false},
	}
	for _, tt := range tests {
		err := Validate(&tt.fix)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: err=%v", tt.name, err)
		}
	}
}

func TestUpdateJSONShape(t *testing.T) {
	u := Update{Type: TypeLocation, DeviceID: "d1", MovedSignificantly: true, ConnectionStatus: connstate.Connected,
		Fix: LocationFix{DeviceID: "d1", Latitude: 1, Longitude: 2, Timestamp: time.Unix(0, 0).UTC()}}
	b, err := json.Marshal(u)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	for _, k := range []string{"type", "fix", "moved_significantly", "device_id", "connection_status"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing %s in %s", k, b)
		}
	}
	if m["connection_status"] != "connected" {
		t.Fatalf("status=%v", m["connection_status"])
	}
	fix := m["fix"].(map[string]interface{})
	if _, ok := fix["altitude"]; ok {
		t.Fatalf("nil optional field encoded: %s", b)
	}
}
