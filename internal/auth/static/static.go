package static

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Authorizer checks tokens against bcrypt hashes loaded from configuration.
// Viewers additionally need an ACL entry for the device they watch.
type Authorizer struct {
	mu      sync.RWMutex
	devices map[string][]byte
	viewers map[string][]byte
	acl     map[string]map[string]bool
}

func New() *Authorizer {
	a := &Authorizer{}
	a.devices = map[string][]byte{}
	a.viewers = map[string][]byte{}
	a.acl = map[string]map[string]bool{}
	return a
}

// SetDevice registers a device with the bcrypt hash of its token.
func (a *Authorizer) SetDevice(device_id, hash string) {
	a.mu.Lock()
	a.devices[device_id] = []byte(hash)
	a.mu.Unlock()
}

func (a *Authorizer) SetViewer(viewer_id, hash string, devices ...string) {
	a.mu.Lock()
	a.viewers[viewer_id] = []byte(hash)
	m := map[string]bool{}
	for _, d := range devices {
		m[d] = true
	}
	a.acl[viewer_id] = m
	a.mu.Unlock()
}

func (a *Authorizer) AuthorizeDevice(ctx context.Context, device_id, token string) (bool, error) {
	a.mu.RLock()
	h, ok := a.devices[device_id]
	a.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(h, []byte(token)) == nil, nil
}

func (a *Authorizer) AuthorizeViewer(ctx context.Context, viewer_id, device_id, token string) (bool, error) {
	a.mu.RLock()
	h, ok := a.viewers[viewer_id]
	allowed := a.acl[viewer_id][device_id] || a.acl[viewer_id]["*"]
	a.mu.RUnlock()
	if !ok || !allowed {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(h, []byte(token)) == nil, nil
}
