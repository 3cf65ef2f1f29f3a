package mirror

import (
	"context"
	"encoding/json"

	"nuha.dev/famtrack/internal/model"
)

// Mirror republishes accepted updates to an external broker.
type Mirror interface {
	Publish(ctx context.Context, u model.Update) error
	Close() error
}

func Encode(u model.Update) ([]byte, error) {
	return json.Marshal(u)
}
