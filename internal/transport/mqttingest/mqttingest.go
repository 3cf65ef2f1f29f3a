package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/model"
	"nuha.dev/famtrack/internal/tracker"
	"nuha.dev/famtrack/internal/transport"
	"nuha.dev/famtrack/internal/util"
)

const MQTT_RX string = "mqtt_rx"

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix is the first topic level. Fixes arrive on <prefix>/<device_id>/fix
	// and replies go to <prefix>/<device_id>/reply.
	Prefix string
	QoS    byte
}

// Message is the payload of a fix topic. Every fix carries the device
// token.
type Message struct {
	Token string `json:"token,omitempty"`
	model.LocationFix
}

type Ingest struct {
	client  mqtt.Client
	ch      *tracker.Channel
	config  Config
	log     log.Logger
	publish func(topic string, payload []byte) error
}

func New(ch *tracker.Channel, config Config) *Ingest {
	o := &Ingest{ch: ch, config: config}
	if o.config.Prefix == "" {
		o.config.Prefix = "famtrack"
	}
	if o.config.ClientID == "" {
		o.config.ClientID = "famtrack-" + util.GenRandomString(nil, 6)
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "mqtt").Value()

	opts := mqtt.NewClientOptions().
		AddBroker(o.config.Broker).
		SetClientID(o.config.ClientID).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if o.config.Username != "" {
		opts.SetUsername(o.config.Username)
	}
	if o.config.Password != "" {
		opts.SetPassword(o.config.Password)
	}
	opts.OnConnect = func(c mqtt.Client) {
		topic := o.config.Prefix + "/+/fix"
		if token := c.Subscribe(topic, o.config.QoS, o.handle); token.Wait() && token.Error() != nil {
			o.log.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt subscribe error")
			return
		}
		o.log.Info().Str("topic", topic).Msg("subscribed")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		o.log.Warn().Err(err).Msg("mqtt connection lost")
	}
	o.client = mqtt.NewClient(opts)
	o.publish = o.mqttPublish
	return o
}

func (m *Ingest) mqttPublish(topic string, payload []byte) error {
	token := m.client.Publish(topic, m.config.QoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("mqtt publish timeout")
	}
	return token.Error()
}

// Run connects to the broker, retrying with backoff, and stays subscribed
// until ctx is cancelled.
func (m *Ingest) Run(ctx context.Context) error {
	m.log.Info().Msgf("connecting to broker %s", m.config.Broker)
	connect := func() error {
		token := m.client.Connect()
		token.Wait()
		return token.Error()
	}
	notify := func(err error, d time.Duration) {
		m.log.Error().Err(err).Msgf("mqtt connect error, retrying in %s", d)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	<-ctx.Done()
	m.client.Disconnect(250)
	return nil
}

// DeviceFromTopic returns the device id of a <prefix>/<device_id>/fix topic.
func DeviceFromTopic(prefix, topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	if rest == topic {
		return "", false
	}
	id, kind, ok := strings.Cut(rest, "/")
	if !ok || kind != "fix" || id == "" {
		return "", false
	}
	return id, true
}

func (m *Ingest) replyTopic(device_id string) string {
	return m.config.Prefix + "/" + device_id + "/reply"
}

// replyTransport carries registry pushes back to the device reply topic.
type replyTransport struct {
	m         *Ingest
	device_id string
}

func (t *replyTransport) Send(ctx context.Context, d []byte) error {
	return t.m.publish(t.m.replyTopic(t.device_id), d)
}

func (t *replyTransport) Close() error {
	return nil
}

func (m *Ingest) reply(device_id string, r transport.Reply) {
	d, err := json.Marshal(r)
	if err != nil {
		m.log.Error().Err(err).Msg("error encoding reply")
		return
	}
	if err := m.publish(m.replyTopic(device_id), d); err != nil {
		m.log.Error().Err(err).Str("device_id", device_id).Msg("error publishing reply")
	}
}

func (m *Ingest) handle(_ mqtt.Client, msg mqtt.Message) {
	ctx := context.Background()
	payload := msg.Payload()
	m.log.Debug().Str("event", MQTT_RX).Str("topic", msg.Topic()).Int("bytes", len(payload)).Msg("")
	device_id, ok := DeviceFromTopic(m.config.Prefix, msg.Topic())
	if !ok {
		m.log.Warn().Str("topic", util.Truncate(msg.Topic(), 128)).Msg("unexpected topic")
		return
	}
	in := Message{}
	if err := json.Unmarshal(payload, &in); err != nil {
		m.reply(device_id, transport.RejectReply(fmt.Errorf("%w: %v", tracker.ErrInvalidFix, err)))
		return
	}
	req := tracker.ConnectRequest{Token: in.Token, Transport: &replyTransport{m: m, device_id: device_id}}
	acc, err := m.ch.SubmitWithCredential(ctx, device_id, req, in.LocationFix)
	m.reply(device_id, transport.FixReply(&in.LocationFix, acc, err))
}
