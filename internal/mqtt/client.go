// Package mqtt connects the parking controller to the message bus: decision and barrier
// publishing, the LCD display topic, badge scans and a short log of recent traffic.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"parking-anpr/internal/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Received  uint64            `json:"received"`
	Errors    uint64            `json:"errors"`
}

// Client is a paho client with auto-reconnect, per-topic stats and a message log.
type Client struct {
	cfg    config.MQTTConfig
	client paho.Client
	log    zerolog.Logger
	msgs   *MessageLog

	mu        sync.RWMutex
	published map[string]uint64
	received  uint64
	errors    uint64
	connected bool
	subs      map[string]paho.MessageHandler
}

func NewClient(cfg config.MQTTConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		log:       log.With().Str("component", "mqtt").Logger(),
		msgs:      NewMessageLog(cfg.LogSize),
		published: make(map[string]uint64),
		subs:      make(map[string]paho.MessageHandler),
	}
}

func (c *Client) Messages() *MessageLog { return c.msgs }

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect dials the broker. Subscriptions registered with Handle are restored on every
// reconnect.
func (c *Client) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(brokerURL(c.cfg.Broker))
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)

	opts.OnConnect = func(pc paho.Client) {
		c.mu.Lock()
		c.connected = true
		subs := make(map[string]paho.MessageHandler, len(c.subs))
		for topic, h := range c.subs {
			subs[topic] = h
		}
		c.mu.Unlock()

		c.log.Info().Str("broker", c.cfg.Broker).Str("client_id", c.cfg.ClientID).Msg("mqtt connection established")
		for topic, h := range subs {
			token := pc.Subscribe(topic, 0, h)
			if token.WaitTimeout(publishTimeout) && token.Error() != nil {
				c.log.Error().Err(token.Error()).Str("topic", topic).Msg("failed to subscribe")
			}
		}
	}

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("broker", c.cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	c.client = paho.NewClient(opts)
	c.log.Info().Str("broker", c.cfg.Broker).Msg("connecting to mqtt broker")

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		// ConnectRetry keeps trying in the background
		c.log.Warn().Str("broker", c.cfg.Broker).Msg("mqtt broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Handle registers fn for topic. Every received message is also recorded in the message log.
func (c *Client) Handle(topic string, fn func(topic string, payload []byte)) {
	h := func(_ paho.Client, m paho.Message) {
		c.mu.Lock()
		c.received++
		c.mu.Unlock()
		c.msgs.Add(m.Topic(), m.Payload())
		if fn != nil {
			fn(m.Topic(), m.Payload())
		}
	}

	c.mu.Lock()
	c.subs[topic] = h
	connected := c.connected
	c.mu.Unlock()

	if connected && c.client != nil {
		token := c.client.Subscribe(topic, 0, h)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			c.log.Error().Err(token.Error()).Str("topic", topic).Msg("failed to subscribe")
		}
	}
}

func (c *Client) Publish(topic string, payload []byte) error {
	if !c.isConnected() {
		c.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		c.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	c.mu.Lock()
	c.published[topic]++
	c.mu.Unlock()

	c.log.Debug().Str("topic", topic).Int("size", len(payload)).Msg("published")
	return nil
}

func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.log.Info().Msg("mqtt disconnected")
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}
	return Stats{
		Connected: c.connected,
		Published: published,
		Received:  c.received,
		Errors:    c.errors,
	}
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// LogPublisher stands in for the bus when MQTT is disabled.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(topic string, payload []byte) error {
	p.Log.Info().Str("topic", topic).Str("payload", string(payload)).Msg("bus disabled, message not sent")
	return nil
}
