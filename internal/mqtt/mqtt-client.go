package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/lucaslui/hems/phat/internal/config"
	"github.com/lucaslui/hems/phat/internal/model"
)

const (
	QoS = 1

	disconnectQuiesce = 250 // ms
	pingTimeout       = 10 * time.Second
	inboxSize         = 32
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, topic string, payload []byte)
}

type ErrorRenderer interface {
	ShowError(msg string) error
}

type inbound struct {
	topic   string
	payload []byte
}

// ClientFactory builds the paho client; mqtt.NewClient in production.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Session owns the broker connection of one device: liveness publishing,
// subscriptions and callback wiring.
type Session struct {
	cfg      config.MQTTConfig
	clientID string
	topics   model.Topics
	handler  MessageHandler
	renderer ErrorRenderer
	logger   *slog.Logger

	clock     clockwork.Clock
	newClient ClientFactory

	inbox chan inbound

	mu     sync.Mutex
	state  model.ConnectionState
	client mqtt.Client
}

type Option func(*Session)

func WithClientFactory(f ClientFactory) Option {
	return func(s *Session) { s.newClient = f }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func NewSession(cfg config.MQTTConfig, deviceID string, handler MessageHandler, renderer ErrorRenderer, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:       cfg,
		clientID:  deviceID,
		topics:    model.NewTopics(cfg.TopicPrefix, deviceID),
		handler:   handler,
		renderer:  renderer,
		logger:    logger,
		clock:     clockwork.NewRealClock(),
		newClient: mqtt.NewClient,
		state:     model.Disconnected,
		inbox:     make(chan inbound, inboxSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Session) Topics() model.Topics { return s.topics }

func (s *Session) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st model.ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("mqtt state change", "from", prev, "to", st)
	}
}

func (s *Session) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL()).
		SetClientID(s.clientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(s.cfg.KeepAlive).
		SetPingTimeout(pingTimeout).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetWill(s.topics.Status, string(model.Dead), QoS, true)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		s.logger.Info("mqtt reconnecting", "broker", s.cfg.BrokerURL())
		s.setState(model.Connecting)
	})
	return opts
}

// Connect dials the broker, doubling the wait between failed attempts up to
// BackoffMax. After ConnectAttempts failures it gives up and returns the last
// error; the process treats that as fatal. On success it starts the worker
// that handles inbound messages until ctx is done.
func (s *Session) Connect(ctx context.Context) error {
	client := s.newClient(s.clientOptions())
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.setState(model.Connecting)
	backoff := s.cfg.BackoffStart
	for attempt := 1; ; attempt++ {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			s.logger.Info("mqtt connected", "broker", s.cfg.BrokerURL(), "client_id", s.clientID)
			go s.work(ctx)
			return nil
		}
		err := token.Error()
		if attempt >= s.cfg.ConnectAttempts {
			s.setState(model.Disconnected)
			return fmt.Errorf("mqtt connect %s after %d attempts: %w", s.cfg.BrokerURL(), attempt, err)
		}

		s.logger.Warn("mqtt connect error", "error", err, "retry_in", backoff, "attempt", attempt)
		select {
		case <-s.clock.After(backoff):
			backoff *= 2
			if backoff > s.cfg.BackoffMax {
				backoff = s.cfg.BackoffMax
			}
		case <-ctx.Done():
			s.setState(model.Disconnected)
			return ctx.Err()
		}
	}
}

func (s *Session) onConnect(c mqtt.Client) {
	s.setState(model.Connected)

	if err := s.publishState(c, model.Alive); err != nil {
		s.logger.Error("mqtt publish state", "state", model.Alive, "error", err)
	}

	for _, topic := range []string{s.topics.Broadcast, s.topics.Device} {
		if token := c.Subscribe(topic, QoS, s.onMessage); token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe error", "topic", topic, "error", token.Error())
		} else {
			s.logger.Info("subscribed to topic", "topic", topic, "qos", QoS)
		}
	}
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	s.setState(model.Disconnected)
	s.logger.Warn("mqtt connection lost", "error", err)
	if rerr := s.renderer.ShowError(fmt.Sprintf("disconnected: %v", err)); rerr != nil {
		s.logger.Error("display write failed", "error", rerr)
	}
}

// onMessage runs on paho's router goroutine, which also processes PINGRESP.
// It only queues; a full inbox drops the message rather than stalling keepalive.
func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case s.inbox <- inbound{topic: msg.Topic(), payload: msg.Payload()}:
	default:
		s.logger.Warn("mqtt inbox full, dropping message", "topic", msg.Topic(), "bytes", len(msg.Payload()))
	}
}

// work handles queued messages one at a time, in arrival order.
func (s *Session) work(ctx context.Context) {
	for {
		select {
		case m := <-s.inbox:
			s.handler.HandleMessage(ctx, m.topic, m.payload)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) publishState(c mqtt.Client, state model.Liveness) error {
	token := c.Publish(s.topics.Status, QoS, true, string(state))
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("publish %s to %s: timed out after %s", state, s.topics.Status, s.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", state, s.topics.Status, err)
	}
	s.logger.Info("mqtt state published", "topic", s.topics.Status, "state", state)
	return nil
}

// Shutdown publishes SHUTDOWN and closes the connection cleanly. In-flight
// message handling is not drained.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}

	err := s.publishState(client, model.Shutdown)
	client.Disconnect(disconnectQuiesce)
	s.setState(model.Disconnected)
	s.logger.Info("mqtt disconnected")
	return err
}
