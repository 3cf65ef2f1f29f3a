package tracker

import (
	"context"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/model"
)

type Role int

const (
	RoleDevice Role = iota
	RoleViewer
)

func (r Role) String() string {
	if r == RoleViewer {
		return "viewer"
	}
	return "device"
}

const (
	DEVICE_CONNECTED    string = "device_connected"
	DEVICE_REJECTED     string = "device_rejected"
	DEVICE_DROPPED      string = "device_dropped"
	DEVICE_DISCONNECTED string = "device_disconnected"
	RETRY_EXHAUSTED     string = "retry_exhausted"
	SESSION_TEARDOWN    string = "session_teardown"
	VIEWER_SUBSCRIBED   string = "viewer_subscribed"
	VIEWER_LEFT         string = "viewer_left"
	STATUS_CHANGED      string = "status_changed"
)

// Transport is the outbound half of one live connection.
type Transport interface {
	Send(ctx context.Context, d []byte) error
	Close() error
}

// Limiter is the admission check run before anything else on a fix.
type Limiter interface {
	CheckLimit(identity string) bool
}

// Publisher receives every accepted update after fan-out.
type Publisher interface {
	Publish(ctx context.Context, u model.Update) error
}

type ConnectRequest struct {
	Token string
	// Device is the device a viewer wants to watch. Ignored for devices.
	Device    string
	Transport Transport
}

// SessionHandle identifies one successful Connect. Generation changes every
// time the transport of the identity is replaced; pass it back to
// TransportLost so a stale connection cannot drop a newer one.
type SessionHandle struct {
	ID         string           `json:"id"`
	Identity   string           `json:"identity"`
	Role       string           `json:"role"`
	Device     string           `json:"device,omitempty"`
	Generation uint64           `json:"generation"`
	Status     connstate.Status `json:"status"`
}

func (h *SessionHandle) MarshalObject(e *log.Entry) {
	e.Str("session", h.ID).Str("identity", h.Identity).Str("role", h.Role).Uint64("generation", h.Generation)
}

type Config struct {
	MovementThreshold float64
	// SuppressIdle skips fan-out of fixes that did not move significantly.
	SuppressIdle bool
	GracePeriod  time.Duration
	IdleTimeout  time.Duration
	ReapPeriod   time.Duration
	RetryBudget  int
	BaseDelay    time.Duration
	OutboxSize   int
	HashSalt     string
}

const (
	DefaultMovementThreshold float64 = 25
	DefaultGracePeriod               = 30 * time.Second
	DefaultIdleTimeout               = 10 * time.Minute
	DefaultReapPeriod                = time.Minute
)

func (c *Config) setDefaults() {
	if c.MovementThreshold <= 0 {
		c.MovementThreshold = DefaultMovementThreshold
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReapPeriod <= 0 {
		c.ReapPeriod = DefaultReapPeriod
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = connstate.DefaultRetryBudget
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = connstate.DefaultBaseDelay
	}
}

// SessionInfo is a point in time view of a device session.
type SessionInfo struct {
	DeviceID     string           `json:"device_id"`
	Status       connstate.Status `json:"status"`
	Attempts     int              `json:"attempts"`
	Subscribers  int              `json:"subscribers"`
	LastFix      *time.Time       `json:"last_fix,omitempty"`
	LastActivity time.Time        `json:"last_activity"`
}
