package sqlitestore

import (
	"context"
	"testing"
	"time"

	"nuha.dev/famtrack/internal/model"
)

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}

	f, err := s.LoadLastFix(ctx, "d1")
	if err != nil || f != nil {
		t.Fatalf("empty store: f=%v err=%v", f, err)
	}

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	speed := 4.5
	fixes := []model.LocationFix{
		{DeviceID: "d1", Latitude: 1, Longitude: 2, Timestamp: t0.Add(500 * time.Millisecond), Speed: &speed},
		{DeviceID: "d1", Latitude: 3, Longitude: 4, Timestamp: t0},
		{DeviceID: "d2", Latitude: 5, Longitude: 6, Timestamp: t0.Add(time.Hour)},
	}
	for i := range fixes {
		if err := s.SaveFix(ctx, &fixes[i]); err != nil {
			t.Fatal(err)
		}
	}

	f, err = s.LoadLastFix(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if f.Latitude != 1 || !f.Timestamp.Equal(fixes[0].Timestamp) {
		t.Fatalf("last fix=%+v", f)
	}
	if f.Speed == nil || *f.Speed != speed {
		t.Fatalf("speed=%v", f.Speed)
	}
	if f.Altitude != nil {
		t.Fatalf("altitude=%v", *f.Altitude)
	}
}
