package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	hashids "github.com/speps/go-hashids/v2"

	"nuha.dev/famtrack/internal/auth"
	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/model"
	"nuha.dev/famtrack/internal/store"
	"nuha.dev/famtrack/internal/sublist"
)

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithStore seeds new sessions with the last stored fix of the device.
func WithStore(st store.FixStore) Option {
	return func(r *Registry) {
		r.store = st
	}
}

// WithBus republishes every status transition on b.
func WithBus(b *bus.Bus) Option {
	return func(r *Registry) {
		r.bus = b
	}
}

// Registry owns the device sessions and the viewer subscriptions.
//
// Lock order: viewer.mu, then Registry.mu (lookups only), then
// DeviceSession.mu. Teardown takes Registry.mu then DeviceSession.mu and
// never a viewer lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*DeviceSession
	vmu      sync.Mutex
	viewers  map[string]*viewer
	subs     *sublist.SublistMap
	auth     auth.Authorizer
	store    store.FixStore
	bus      *bus.Bus
	hid      *hashids.HashID
	seq      uint64
	cfg      Config
	now      func() time.Time
	log      log.Logger

	// OnExhausted is called when a dropped device did not come back within
	// the retry budget.
	OnExhausted func(device_id string, err error)

	reapMu     sync.Mutex
	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

func NewRegistry(a auth.Authorizer, cfg Config, opts ...Option) (*Registry, error) {
	r := &Registry{}
	cfg.setDefaults()
	r.cfg = cfg
	r.auth = a
	r.sessions = map[string]*DeviceSession{}
	r.viewers = map[string]*viewer{}
	r.subs = sublist.NewSublistMap()
	r.now = time.Now
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "registry").Value()
	for _, o := range opts {
		o(r)
	}
	hd := hashids.NewData()
	hd.Salt = cfg.HashSalt
	if hd.Salt == "" {
		hd.Salt = uuid.NewString()
	}
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	r.hid = h
	return r, nil
}

func (r *Registry) Config() Config {
	return r.cfg
}

func (r *Registry) handle(identity string, role Role, device string, gen uint64, st connstate.Status) *SessionHandle {
	n := atomic.AddUint64(&r.seq, 1)
	id, err := r.hid.EncodeInt64([]int64{int64(n)})
	if err != nil {
		id = fmt.Sprint(n)
	}
	return &SessionHandle{ID: id, Identity: identity, Role: role.String(), Device: device, Generation: gen, Status: st}
}

func (r *Registry) lookup(device_id string) *DeviceSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[device_id]
}

// session returns the live session of device_id, creating it when missing.
// The returned session may be removed before the caller locks it; callers
// check removed and retry.
func (r *Registry) session(ctx context.Context, device_id string) *DeviceSession {
	if s := r.lookup(device_id); s != nil {
		return s
	}
	var seed *model.LocationFix
	if r.store != nil {
		f, err := r.store.LoadLastFix(ctx, device_id)
		if err != nil {
			r.log.Error().Err(err).Str("device_id", device_id).Msg("error loading last fix")
		}
		seed = f
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[device_id]; ok {
		return s
	}
	s := r.newSession(device_id, seed)
	r.sessions[device_id] = s
	return s
}

func (r *Registry) newSession(device_id string, seed *model.LocationFix) *DeviceSession {
	s := &DeviceSession{id: device_id}
	s.lastActivity = r.now()
	s.sublist, _ = r.subs.GetSublist(device_id, true)
	observers := []connstate.Observer{&statusRelay{device_id: device_id, sub: s.sublist, log: &r.log}}
	if r.bus != nil {
		observers = append(observers, connstate.NewBusObserver(r.bus, device_id))
	}
	s.machine = connstate.NewMachine(r.cfg.RetryBudget, observers...)
	s.reconn = connstate.NewReconnector(s.machine, r.cfg.BaseDelay)
	s.reconn.OnExhausted = func() {
		r.retryExhausted(s)
	}
	if seed != nil {
		s.last = seed
		u := model.Update{Type: model.TypeLocation, Fix: *seed, DeviceID: device_id, ConnectionStatus: connstate.Disconnected}
		if d, err := json.Marshal(u); err == nil {
			s.sublist.SendLocation(d)
		}
	}
	return s
}

// Connect opens a session for identity. Devices are authorized and driven to
// Connected, replacing any transport they had; viewers are authorized for
// req.Device and subscribed to it.
func (r *Registry) Connect(ctx context.Context, identity string, role Role, req ConnectRequest) (*SessionHandle, error) {
	if role == RoleViewer {
		return r.connectViewer(ctx, identity, req)
	}
	return r.connectDevice(ctx, identity, req)
}

func (r *Registry) connectDevice(ctx context.Context, identity string, req ConnectRequest) (*SessionHandle, error) {
	for {
		s := r.session(ctx, identity)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		h, closing, err := r.connectLocked(ctx, s, req)
		s.mu.Unlock()
		if closing != nil {
			if cerr := closing.Close(); cerr != nil {
				r.log.Debug().Err(cerr).Str("device_id", identity).Msg("error closing replaced transport")
			}
		}
		return h, err
	}
}

// connectLocked runs the connect edges of the machine. It returns the
// transport the caller must close once the session lock is released.
func (r *Registry) connectLocked(ctx context.Context, s *DeviceSession, req ConnectRequest) (*SessionHandle, Transport, error) {
	s.reconn.Cancel()
	s.stopTeardown()
	s.epoch++
	s.expired = false
	s.lastActivity = r.now()

	resuming := s.machine.Status() == connstate.Reconnecting
	if !resuming {
		_, _ = s.machine.Fire(connstate.EventConnect)
	}
	ok, err := r.auth.AuthorizeDevice(ctx, s.id, req.Token)
	if err != nil {
		if resuming {
			_, _ = s.machine.Fire(connstate.EventConnect)
		}
		_, _ = s.machine.Fire(connstate.EventTransportFailure)
		old := s.transport
		s.transport = nil
		r.log.Error().Err(err).Str("event", DEVICE_REJECTED).EmbedObject(s).Msg("authorization check failed")
		return nil, old, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	if !ok {
		_, _ = s.machine.Fire(connstate.EventAuthRejected)
		old := s.transport
		s.transport = nil
		r.log.Info().Str("event", DEVICE_REJECTED).EmbedObject(s).Msg("")
		return nil, old, ErrUnauthenticated
	}

	var old Transport
	if s.transport != req.Transport {
		old = s.transport
	}
	s.transport = req.Transport
	s.gen++
	_, _ = s.machine.Fire(connstate.EventEstablished)
	r.log.Info().Str("event", DEVICE_CONNECTED).EmbedObject(s).Bool("resumed", resuming).Msg("")
	return r.handle(s.id, RoleDevice, "", s.gen, connstate.Connected), old, nil
}

// TransportLost reports an unexpected drop of the connection identified by
// gen. Stale generations are ignored. The device gets a bounded number of
// backoff windows to come back before the session moves to Error.
func (r *Registry) TransportLost(device_id string, gen uint64) {
	s := r.lookup(device_id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.removed || s.gen != gen || s.machine.Status() != connstate.Connected {
		s.mu.Unlock()
		return
	}
	_, _ = s.machine.Fire(connstate.EventDropped)
	old := s.transport
	s.transport = nil
	s.epoch++
	s.lostEpoch = s.epoch
	s.reconn.Start(func(ctx context.Context, attempt int) error {
		return fmt.Errorf("%w: device did not reconnect (attempt %d)", ErrTransportFailure, attempt)
	})
	r.log.Info().Str("event", DEVICE_DROPPED).EmbedObject(s).Msg("")
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Touch marks the connection identified by gen as active, so a device that
// only sends keepalives is not reaped as idle.
func (r *Registry) Touch(device_id string, gen uint64) {
	s := r.lookup(device_id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.removed && s.gen == gen {
		s.lastActivity = r.now()
	}
	s.mu.Unlock()
}

// authorizeFix proves the credential of a device sending over a sessionless
// transport. A connected device is checked without touching its session;
// any other device goes through Connect.
func (r *Registry) authorizeFix(ctx context.Context, device_id string, req ConnectRequest) error {
	if st, _ := r.Status(device_id); st != connstate.Connected {
		_, err := r.Connect(ctx, device_id, RoleDevice, req)
		return err
	}
	ok, err := r.auth.AuthorizeDevice(ctx, device_id, req.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	if !ok {
		r.log.Info().Str("event", DEVICE_REJECTED).Str("device_id", device_id).Msg("bad credential for connected device")
		return ErrUnauthenticated
	}
	return nil
}

func (r *Registry) retryExhausted(s *DeviceSession) {
	s.mu.Lock()
	if s.removed || s.epoch != s.lostEpoch || s.machine.Status() != connstate.Error {
		s.mu.Unlock()
		return
	}
	s.lostEpoch = 0
	r.scheduleTeardown(s)
	r.log.Warn().Str("event", RETRY_EXHAUSTED).EmbedObject(s).Msg("")
	s.mu.Unlock()
	if r.OnExhausted != nil {
		r.OnExhausted(s.id, ErrRetryBudgetExhausted)
	}
}

// Disconnect ends the session of identity. It is idempotent. For a viewer
// no update is delivered to its transport once Disconnect returns.
func (r *Registry) Disconnect(identity string, role Role) error {
	if role == RoleViewer {
		return r.disconnectViewer(identity, 0, false)
	}
	return r.disconnectDevice(identity, 0, false)
}

// Release is Disconnect for the connection identified by gen only; it does
// nothing once the identity has connected again over another transport.
func (r *Registry) Release(identity string, role Role, gen uint64) error {
	if role == RoleViewer {
		return r.disconnectViewer(identity, gen, true)
	}
	return r.disconnectDevice(identity, gen, true)
}

func (r *Registry) disconnectDevice(identity string, gen uint64, match bool) error {
	s := r.lookup(identity)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.removed || (match && s.gen != gen) {
		s.mu.Unlock()
		return nil
	}
	if s.machine.Status() == connstate.Disconnected && s.transport == nil && (s.teardown != nil || s.expired) {
		s.mu.Unlock()
		return nil
	}
	s.reconn.Cancel()
	s.epoch++
	s.lostEpoch = 0
	_, _ = s.machine.Fire(connstate.EventDisconnect)
	old := s.transport
	s.transport = nil
	s.gen++
	r.scheduleTeardown(s)
	r.log.Info().Str("event", DEVICE_DISCONNECTED).EmbedObject(s).Msg("")
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// scheduleTeardown removes s after the grace period unless it connects
// again. Caller holds s.mu.
func (r *Registry) scheduleTeardown(s *DeviceSession) {
	s.stopTeardown()
	epoch := s.epoch
	s.teardown = time.AfterFunc(r.cfg.GracePeriod, func() {
		r.expire(s, epoch)
	})
}

func (r *Registry) expire(s *DeviceSession, epoch uint64) {
	s.mu.Lock()
	if s.removed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.teardown = nil
	s.expired = true
	s.mu.Unlock()
	r.removeIfUnused(s)
}

// removeIfUnused drops an expired session nobody watches.
func (r *Registry) removeIfUnused(s *DeviceSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || !s.expired || s.transport != nil || s.sublist.Len() != 0 {
		return false
	}
	switch s.machine.Status() {
	case connstate.Connected, connstate.Connecting, connstate.Reconnecting:
		return false
	}
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	s.removed = true
	s.reconn.Cancel()
	s.stopTeardown()
	r.subs.RemoveIfEmpty(s.id)
	r.log.Info().Str("event", SESSION_TEARDOWN).EmbedObject(s).Msg("")
	return true
}

func (r *Registry) getViewer(identity string, create bool) *viewer {
	r.vmu.Lock()
	defer r.vmu.Unlock()
	v, ok := r.viewers[identity]
	if !ok && create {
		v = &viewer{id: identity, devices: map[string]bool{}}
		r.viewers[identity] = v
	}
	return v
}

func (r *Registry) connectViewer(ctx context.Context, identity string, req ConnectRequest) (*SessionHandle, error) {
	if req.Device == "" {
		return nil, ErrNoTargetDevice
	}
	ok, err := r.auth.AuthorizeViewer(ctx, identity, req.Device, req.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	if !ok {
		return nil, ErrUnauthenticated
	}
	for {
		v := r.getViewer(identity, true)
		v.mu.Lock()
		if v.removed {
			v.mu.Unlock()
			continue
		}
		h, err := r.subscribeLocked(ctx, v, req)
		v.mu.Unlock()
		return h, err
	}
}

func (r *Registry) subscribeLocked(ctx context.Context, v *viewer, req ConnectRequest) (*SessionHandle, error) {
	if req.Transport != nil && req.Transport != v.transport {
		r.replaceViewerTransport(v, req.Transport)
	}
	if v.outbox == nil {
		return nil, fmt.Errorf("%w: viewer %s has no transport", ErrTransportFailure, v.id)
	}
	var st connstate.Status
	for {
		s := r.session(ctx, req.Device)
		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		if s.transport == nil && s.teardown == nil && s.machine.Status() == connstate.Disconnected {
			s.expired = true
		}
		s.sublist.Subscribe(v.outbox)
		st = s.machine.Status()
		s.mu.Unlock()
		break
	}
	v.devices[req.Device] = true
	r.log.Info().Str("event", VIEWER_SUBSCRIBED).Str("viewer", v.id).Str("device_id", req.Device).Msg("")
	return r.handle(v.id, RoleViewer, req.Device, v.gen, st), nil
}

// replaceViewerTransport moves every subscription of v onto a fresh outbox
// writing to t. Caller holds v.mu.
func (r *Registry) replaceViewerTransport(v *viewer, t Transport) {
	nb := sublist.NewOutbox(v.id, r.cfg.OutboxSize, t.Send)
	ob, ot := v.outbox, v.transport
	for device := range v.devices {
		s := r.lookup(device)
		if s == nil {
			delete(v.devices, device)
			continue
		}
		s.mu.Lock()
		if ob != nil {
			s.sublist.Unsubscribe(ob)
		}
		if !s.removed {
			s.sublist.Subscribe(nb)
		}
		s.mu.Unlock()
	}
	v.outbox = nb
	v.transport = t
	v.gen++
	if ob != nil {
		ob.Close()
	}
	if ot != nil {
		_ = ot.Close()
	}
}

// Unsubscribe stops the updates of one device to a viewer.
func (r *Registry) Unsubscribe(viewer_id, device_id string) {
	v := r.getViewer(viewer_id, false)
	if v == nil {
		return
	}
	v.mu.Lock()
	r.unsubscribeLocked(v, device_id)
	v.mu.Unlock()
}

func (r *Registry) unsubscribeLocked(v *viewer, device_id string) {
	if !v.devices[device_id] {
		return
	}
	delete(v.devices, device_id)
	s := r.lookup(device_id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if v.outbox != nil {
		s.sublist.Unsubscribe(v.outbox)
	}
	s.mu.Unlock()
	r.removeIfUnused(s)
}

func (r *Registry) disconnectViewer(identity string, gen uint64, match bool) error {
	v := r.getViewer(identity, false)
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.removed || (match && v.gen != gen) {
		return nil
	}
	for device := range v.devices {
		r.unsubscribeLocked(v, device)
	}
	if v.outbox != nil {
		v.outbox.Close()
	}
	if v.transport != nil {
		_ = v.transport.Close()
	}
	v.removed = true
	r.vmu.Lock()
	if r.viewers[identity] == v {
		delete(r.viewers, identity)
	}
	r.vmu.Unlock()
	r.log.Info().Str("event", VIEWER_LEFT).Str("viewer", identity).Msg("")
	return nil
}

// ViewerStats returns the delivery counters of a viewer's outbox.
func (r *Registry) ViewerStats(identity string) (sublist.OutboxStats, bool) {
	v := r.getViewer(identity, false)
	if v == nil {
		return sublist.OutboxStats{}, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.outbox == nil {
		return sublist.OutboxStats{}, false
	}
	return v.outbox.Stats(), true
}

func (r *Registry) Status(device_id string) (connstate.Status, bool) {
	s := r.lookup(device_id)
	if s == nil {
		return connstate.Disconnected, false
	}
	return s.machine.Status(), true
}

// Snapshot lists every session, sorted by device id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	list := make([]*DeviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		if !s.removed {
			out = append(out, s.info())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
