package store

import (
	"context"

	"nuha.dev/famtrack/internal/model"
)

// FixStore is the persistence collaborator. LoadLastFix returns nil, nil
// when nothing is stored for the device.
type FixStore interface {
	SaveFix(ctx context.Context, fix *model.LocationFix) error
	LoadLastFix(ctx context.Context, device_id string) (*model.LocationFix, error)
}
