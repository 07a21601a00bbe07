package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pet-feeder-service/internal/infrastructure/config"
)

var (
	ErrNotConnected   = errors.New("mqtt client not connected")
	ErrPublishTimeout = errors.New("mqtt publish timed out")
)

// qos 1: at least once, for both directions
const qos = byte(1)

// LinkState is the session state as seen by the rest of the service.
type LinkState int32

const (
	StateDisconnected LinkState = iota
	StateConnected
	StateReconnecting
)

func (s LinkState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// MessageHandler receives every inbound message on the subscribed topics.
type MessageHandler interface {
	HandleMessage(topic string, payload []byte)
}

// TimerCanceller is what Shutdown stops before closing the session.
type TimerCanceller interface {
	StopAll() int
}

// Options configures a Link.
type Options struct {
	BrokerURL            string
	ClientID             string
	Username             string
	Password             string
	SSLEnabled           bool
	CACertPath           string
	Namespace            string
	Subtopics            []string
	KeepAlive            time.Duration
	MaxReconnectInterval time.Duration
	PublishTimeout       time.Duration
	ConnectRetries       int
	ConnectRetryInterval time.Duration
}

// OptionsFromConfig maps configuration onto link options.
func OptionsFromConfig(cfg *config.Config, subtopics []string) Options {
	return Options{
		BrokerURL:            cfg.MQTTBrokerURL,
		ClientID:             cfg.MQTTClientID,
		Username:             cfg.MQTTUsername,
		Password:             cfg.MQTTPassword,
		SSLEnabled:           cfg.MQTTSSLEnabled,
		CACertPath:           cfg.MQTTCACertPath,
		Namespace:            cfg.MQTTTopicNamespace,
		Subtopics:            subtopics,
		KeepAlive:            cfg.MQTTKeepAlive,
		MaxReconnectInterval: cfg.MQTTMaxReconnectInterval,
		PublishTimeout:       cfg.MQTTPublishTimeout,
		ConnectRetries:       5,
		ConnectRetryInterval: cfg.MQTTMaxReconnectInterval,
	}
}

// Link owns the MQTT session: connect with retry, auto-reconnect, one subscription per
// session, QoS 1 publishes and inbound dispatch.
type Link struct {
	opts   Options
	client paho.Client
	log    zerolog.Logger

	state    atomic.Int32
	closing  atomic.Bool
	retrying atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
	retryWG  sync.WaitGroup

	handlerMu sync.RWMutex
	handler   MessageHandler
}

// NewLink builds the paho client. Nothing is opened until Connect.
func NewLink(opts Options, log zerolog.Logger) (*Link, error) {
	l := &Link{opts: opts, log: log, done: make(chan struct{})}
	clientOpts, err := l.clientOptions()
	if err != nil {
		return nil, err
	}
	l.client = paho.NewClient(clientOpts)
	return l, nil
}

// SetHandler registers the inbound message handler; call it before Connect.
func (l *Link) SetHandler(h MessageHandler) {
	l.handlerMu.Lock()
	l.handler = h
	l.handlerMu.Unlock()
}

func (l *Link) clientOptions() (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(l.opts.BrokerURL)
	// broker client ids must be unique
	opts.SetClientID(fmt.Sprintf("%s-%s", l.opts.ClientID, uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(orDefault(l.opts.MaxReconnectInterval, 30*time.Second))
	opts.SetKeepAlive(orDefault(l.opts.KeepAlive, 60*time.Second))
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		l.log.Debug().Str("topic", msg.Topic()).Msg("unrouted message")
	})

	if l.opts.Username != "" {
		opts.SetUsername(l.opts.Username)
		opts.SetPassword(l.opts.Password)
	}

	if strings.HasPrefix(l.opts.BrokerURL, "ssl://") || strings.HasPrefix(l.opts.BrokerURL, "tls://") || l.opts.SSLEnabled {
		tlsConfig, err := l.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(l.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		if l.closing.Load() {
			return
		}
		l.log.Warn().Err(err).Msg("connection lost")
		l.setState(StateReconnecting)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		l.log.Info().Msg("reconnecting")
		l.setState(StateReconnecting)
	})
	return opts, nil
}

func (l *Link) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if l.opts.CACertPath == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(l.opts.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read mqtt ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", l.opts.CACertPath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Connect opens the session, retrying with exponential backoff: 1s, 2s, 4s, ... When every
// attempt fails the error is returned and a background loop keeps dialing every
// ConnectRetryInterval until the broker answers or Shutdown is called.
func (l *Link) Connect(ctx context.Context) error {
	if l.IsConnected() {
		return nil
	}
	l.closing.Store(false)

	retries := l.opts.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	var err error
	for i := 0; i < retries; i++ {
		if err = l.dial(); err == nil {
			return nil
		}

		if i == retries-1 {
			break
		}
		backoff := time.Duration(1<<uint(i)) * time.Second
		l.log.Warn().Err(err).Int("attempt", i+1).Int("of", retries).Dur("retryIn", backoff).Msg("connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	l.setState(StateReconnecting)
	l.retryInBackground()
	return fmt.Errorf("mqtt connect failed after %d attempts: %w", retries, err)
}

// dial makes one connection attempt.
func (l *Link) dial() error {
	token := l.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("connect timed out")
	}
	if err := token.Error(); err != nil {
		return err
	}
	l.setState(StateConnected)
	l.log.Info().Str("broker", l.opts.BrokerURL).Msg("connected")
	return nil
}

// retryInBackground starts the dial loop unless one is already running. paho only
// reconnects sessions that were once established, so the first session is ours to get.
func (l *Link) retryInBackground() {
	if !l.retrying.CompareAndSwap(false, true) {
		return
	}
	interval := orDefault(l.opts.ConnectRetryInterval, 10*time.Second)
	l.log.Warn().Dur("every", interval).Msg("broker unreachable, retrying in background")

	l.retryWG.Add(1)
	go func() {
		defer l.retryWG.Done()
		defer l.retrying.Store(false)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for attempt := 1; ; attempt++ {
			select {
			case <-l.done:
				return
			case <-ticker.C:
			}
			if l.closing.Load() {
				return
			}
			err := l.dial()
			if err == nil {
				return
			}
			l.log.Debug().Err(err).Int("attempt", attempt).Msg("background connect failed")
		}
	}()
}

// Filters returns the subscription filters, one per telemetry subtopic, for all devices.
func (l *Link) Filters() map[string]byte {
	filters := make(map[string]byte, len(l.opts.Subtopics))
	for _, sub := range l.opts.Subtopics {
		filters[fmt.Sprintf("%s/+/%s", l.opts.Namespace, sub)] = qos
	}
	return filters
}

// onConnect runs on every successful (re)connect. The session is clean, so the single
// SubscribeMultiple call replaces whatever the previous session had.
func (l *Link) onConnect(client paho.Client) {
	l.setState(StateConnected)

	filters := l.Filters()
	token := client.SubscribeMultiple(filters, l.onMessage)
	if !token.WaitTimeout(10 * time.Second) {
		l.log.Error().Msg("subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		l.log.Error().Err(err).Msg("subscribe failed")
		return
	}
	for f := range filters {
		l.log.Info().Str("filter", f).Msg("subscribed")
	}
}

func (l *Link) onMessage(_ paho.Client, msg paho.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("message handler panicked")
		}
	}()

	l.handlerMu.RLock()
	h := l.handler
	l.handlerMu.RUnlock()
	if h == nil {
		l.log.Warn().Str("topic", msg.Topic()).Msg("no handler, message dropped")
		return
	}
	h.HandleMessage(msg.Topic(), msg.Payload())
}

// Publish sends payload with QoS 1, not retained, and waits for the local acknowledgement.
func (l *Link) Publish(topic string, payload []byte) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}

	token := l.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(orDefault(l.opts.PublishTimeout, 3*time.Second)) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected is true only while the session is up, not while reconnecting.
func (l *Link) IsConnected() bool {
	return l.State() == StateConnected && l.client.IsConnectionOpen()
}

// State returns the current session state.
func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

func (l *Link) setState(s LinkState) {
	l.state.Store(int32(s))
}

// Shutdown stops every schedule timer first and only then closes the session.
func (l *Link) Shutdown(timers TimerCanceller) {
	if timers != nil {
		n := timers.StopAll()
		l.log.Info().Int("jobs", n).Msg("schedule jobs stopped")
	}

	l.closing.Store(true)
	l.stopOnce.Do(func() {
		if l.done != nil {
			close(l.done)
		}
	})
	l.retryWG.Wait()
	l.setState(StateDisconnected)
	if l.client != nil && l.client.IsConnectionOpen() {
		l.client.Disconnect(250)
	}
	l.log.Info().Msg("disconnected")
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
