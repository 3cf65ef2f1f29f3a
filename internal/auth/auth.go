package auth

import "context"

// Authorizer is the credential check used by the tracker. A false result
// with a nil error is a rejection; an error means the check itself failed.
type Authorizer interface {
	AuthorizeDevice(ctx context.Context, device_id, token string) (bool, error)
	AuthorizeViewer(ctx context.Context, viewer_id, device_id, token string) (bool, error)
}
