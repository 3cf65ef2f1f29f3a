package natsmirror

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/mirror"
	"nuha.dev/famtrack/internal/model"
)

const DefaultPrefix = "famtrack.fix"

// Mirror publishes every update on <prefix>.<device_id>.
type Mirror struct {
	nc     *nats.Conn
	prefix string
	log    log.Logger
}

func Connect(url, prefix string) (*Mirror, error) {
	m := &Mirror{prefix: prefix}
	if m.prefix == "" {
		m.prefix = DefaultPrefix
	}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "natsmirror").Value()
	nc, err := nats.Connect(url,
		nats.Name("famtrack"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			m.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			m.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}))
	if err != nil {
		return nil, err
	}
	m.nc = nc
	return m, nil
}

// Subject maps a device id to its subject; dots and wildcards are replaced
// so one device is always one token.
func (m *Mirror) Subject(device_id string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return m.prefix + "." + r.Replace(device_id)
}

func (m *Mirror) Publish(ctx context.Context, u model.Update) error {
	d, err := mirror.Encode(u)
	if err != nil {
		return err
	}
	return m.nc.Publish(m.Subject(u.DeviceID), d)
}

func (m *Mirror) Close() error {
	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
		return err
	}
	return nil
}
