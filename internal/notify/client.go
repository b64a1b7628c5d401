// Package notify publishes gateway events to an MQTT broker and receives
// optional remote-control messages.
package notify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/model"
)

// Handler receives messages for a subscription.
type Handler func(topic string, payload []byte)

// pahoClient is the subset of mqtt.Client used here.
type pahoClient interface {
	Connect() mqtt.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

var errTokenTimeout = errors.New("broker did not acknowledge in time")

type Client struct {
	cfg config.MQTTConfig
	log zerolog.Logger

	newPaho func(*mqtt.ClientOptions) pahoClient

	mu     sync.Mutex
	paho   pahoClient
	subs   map[string]Handler
	closed bool
}

// NewClient validates the broker settings. It does not dial.
func NewClient(cfg config.MQTTConfig, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid broker url")
	}
	if cfg.RequireTLS && !config.IsTLSScheme(u.Scheme) {
		return nil, fmt.Errorf("broker scheme %q is not encrypted and require_tls is set", u.Scheme)
	}
	if cfg.QoS > 1 {
		return nil, fmt.Errorf("qos must be 0 or 1")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = "tmuxgate"
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		subs: make(map[string]Handler),
		newPaho: func(opts *mqtt.ClientOptions) pahoClient {
			return mqtt.NewClient(opts)
		},
	}, nil
}

func (c *Client) options() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		// Unique suffix so two gateways sharing a config do not kick each other off.
		SetClientID(c.cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(c.cfg.MaxReconnectInterval).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			c.log.Info().Msg("broker connected")
			c.resubscribe()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warn().Err(err).Msg("broker connection lost")
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			c.log.Debug().Msg("broker reconnecting")
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	u, _ := url.Parse(c.cfg.Broker)
	if u == nil || !config.IsTLSScheme(u.Scheme) {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec
	}
	if c.cfg.CAFile != "" {
		pem, err := os.ReadFile(c.cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read broker ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("broker ca file contains no certificates")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Connect performs one connection attempt. Once it succeeds the underlying
// client reconnects on its own with capped exponential backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.NewError(model.KindUnreachable, "", errors.New("client closed"))
	}
	if c.paho != nil && c.paho.IsConnectionOpen() {
		c.mu.Unlock()
		return nil
	}
	opts, err := c.options()
	if err != nil {
		c.mu.Unlock()
		return model.NewError(model.KindUnreachable, "", err)
	}
	if c.paho != nil {
		c.paho.Disconnect(0)
	}
	p := c.newPaho(opts)
	c.paho = p
	c.mu.Unlock()

	if err := waitToken(ctx, p.Connect(), c.cfg.ConnectTimeout); err != nil {
		return classifyConnectError(err)
	}
	return nil
}

// Run keeps trying to establish the first connection until ctx ends. Later
// drops are handled by the client's own reconnect loop.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := c.cfg.MaxReconnectInterval
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Minute
	}
	for {
		err := c.Connect(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, model.ErrAuthFailed) {
			c.log.Error().Err(err).Msg("broker rejected credentials; giving up")
			return nil
		}
		c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("broker connect failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	<-ctx.Done()
	c.Close()
	return nil
}

func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return model.NewError(model.KindAuthFailed, "", err)
	case errors.Is(err, errTokenTimeout):
		return model.NewError(model.KindUnreachable, model.ReasonTimeout, err)
	default:
		return model.NewError(model.KindUnreachable, "", err)
	}
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paho != nil && c.paho.IsConnectionOpen()
}

// Publish sends one message. It fails immediately with Unreachable when the
// connection is down; nothing is queued.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	c.mu.Lock()
	p := c.paho
	c.mu.Unlock()
	if p == nil || !p.IsConnectionOpen() {
		return model.NewError(model.KindUnreachable, "", errors.New("not connected"))
	}
	if err := waitToken(ctx, p.Publish(topic, c.cfg.QoS, false, payload), c.cfg.PublishTimeout); err != nil {
		reason := ""
		if errors.Is(err, errTokenTimeout) {
			reason = model.ReasonTimeout
		}
		return model.NewError(model.KindUnreachable, reason, err)
	}
	return nil
}

// Subscribe registers h for filter. The subscription is restored after every
// reconnect.
func (c *Client) Subscribe(ctx context.Context, filter string, h Handler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[filter] = h
	p := c.paho
	c.mu.Unlock()
	if p == nil || !p.IsConnectionOpen() {
		// Applied by the on-connect hook.
		return nil
	}
	return c.subscribe(ctx, p, filter, h)
}

func (c *Client) subscribe(ctx context.Context, p pahoClient, filter string, h Handler) error {
	tok := p.Subscribe(filter, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if err := waitToken(ctx, tok, c.cfg.PublishTimeout); err != nil {
		return model.NewError(model.KindUnreachable, "", err)
	}
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	p := c.paho
	subs := make(map[string]Handler, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()
	if p == nil {
		return
	}
	for filter, h := range subs {
		if err := c.subscribe(context.Background(), p, filter, h); err != nil {
			c.log.Warn().Err(err).Str("filter", filter).Msg("resubscribe failed")
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.paho != nil {
		c.paho.Disconnect(250)
	}
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
