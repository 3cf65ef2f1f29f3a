package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/geo"
	"nuha.dev/famtrack/internal/model"
	"nuha.dev/famtrack/internal/store"
)

const FIX_REJECTED string = "fix_rejected"

type Accepted struct {
	Update model.Update
	// Delivered is the number of subscribers the update was queued for.
	Delivered int
}

// Channel runs the accept pipeline for inbound fixes: admission, session
// check, ordering, coordinate range, then fan-out to the device subscribers.
type Channel struct {
	reg     *Registry
	limiter Limiter
	store   store.FixStore
	pubs    []Publisher
	log     log.Logger
}

func NewChannel(reg *Registry, limiter Limiter, st store.FixStore, pubs ...Publisher) *Channel {
	c := &Channel{reg: reg, limiter: limiter, store: st, pubs: pubs}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "channel").Value()
	return c
}

func (c *Channel) Registry() *Registry {
	return c.reg
}

// SubmitFix accepts fix from the device identity. Rejections leave the
// session untouched, except an Unauthenticated reject of a reconnecting
// device which moves it to Unauthorized.
func (c *Channel) SubmitFix(ctx context.Context, identity string, fix model.LocationFix) (*Accepted, error) {
	if !c.limiter.CheckLimit(identity) {
		return c.done(ctx, identity, nil, ErrRateLimited)
	}
	acc, err := c.submit(ctx, identity, fix)
	return c.done(ctx, identity, acc, err)
}

// SubmitWithCredential is SubmitFix for transports that keep no session
// with the device: every fix carries req.Token and is authorized after
// admission. A device that is not connected is connected with req.
func (c *Channel) SubmitWithCredential(ctx context.Context, identity string, req ConnectRequest, fix model.LocationFix) (*Accepted, error) {
	if !c.limiter.CheckLimit(identity) {
		return c.done(ctx, identity, nil, ErrRateLimited)
	}
	if err := c.reg.authorizeFix(ctx, identity, req); err != nil {
		return c.done(ctx, identity, nil, err)
	}
	acc, err := c.submit(ctx, identity, fix)
	return c.done(ctx, identity, acc, err)
}

func (c *Channel) done(ctx context.Context, identity string, acc *Accepted, err error) (*Accepted, error) {
	if err != nil {
		c.log.Debug().Str("event", FIX_REJECTED).Str("device_id", identity).Str("code", Code(err)).Err(err).Msg("")
		return nil, err
	}
	if c.store != nil {
		if err := c.store.SaveFix(ctx, &acc.Update.Fix); err != nil {
			c.log.Error().Err(err).Str("device_id", identity).Msg("error saving fix")
		}
	}
	for _, p := range c.pubs {
		if err := p.Publish(ctx, acc.Update); err != nil {
			c.log.Error().Err(err).Str("device_id", identity).Msg("error publishing update")
		}
	}
	return acc, nil
}

// submit runs every step after admission.
func (c *Channel) submit(ctx context.Context, identity string, fix model.LocationFix) (*Accepted, error) {
	s := c.reg.lookup(identity)
	if s == nil {
		return nil, ErrUnauthenticated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, ErrUnauthenticated
	}
	switch s.machine.Status() {
	case connstate.Connected:
	case connstate.Reconnecting:
		s.reconn.Cancel()
		s.epoch++
		s.lostEpoch = 0
		_, _ = s.machine.Fire(connstate.EventAuthRejected)
		return nil, ErrUnauthenticated
	default:
		return nil, ErrUnauthenticated
	}
	if fix.DeviceID == "" {
		fix.DeviceID = identity
	} else if fix.DeviceID != identity {
		return nil, fmt.Errorf("%w: fix for %s sent by %s", ErrUnauthenticated, fix.DeviceID, identity)
	}
	if s.last != nil && !fix.Timestamp.After(s.last.Timestamp) {
		return nil, ErrOutOfOrder
	}
	if err := model.Validate(&fix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFix, err)
	}
	if !geo.ValidCoordinate(fix.Coordinate()) {
		return nil, ErrInvalidCoordinates
	}

	moved := true
	if s.last != nil && geo.ValidCoordinate(s.last.Coordinate()) {
		m, err := geo.MovedSignificantly(s.last.Coordinate(), fix.Coordinate(), c.reg.cfg.MovementThreshold)
		if err == nil {
			moved = m
		}
	}
	u := model.Update{Type: model.TypeLocation, Fix: fix, MovedSignificantly: moved, DeviceID: identity, ConnectionStatus: connstate.Connected}
	d, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFix, err)
	}
	f := fix
	s.last = &f
	s.lastActivity = c.reg.now()

	acc := &Accepted{Update: u}
	if !moved && c.reg.cfg.SuppressIdle {
		return acc, nil
	}
	acc.Delivered = s.sublist.SendLocation(d)
	return acc, nil
}
