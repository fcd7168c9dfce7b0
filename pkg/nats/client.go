// Package nats wraps the NATS connection used as the chat message bus.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jamilxt/spring-chat/internal/metrics"
)

// Handler consumes one inbound bus message. The subject is passed through so
// a single shared handler can route by subject.
type Handler func(subject string, data []byte)

type Client struct {
	conn    *nats.Conn
	metrics *metrics.Registry
	logger  *zap.Logger

	subsMutex sync.Mutex
	subs      map[string]*nats.Subscription
}

type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

func NewClient(config Config, m *metrics.Registry, logger *zap.Logger) (*Client, error) {
	client := &Client{
		metrics: m,
		logger:  logger,
		subs:    make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ReconnectJitter(config.ReconnectJitter, config.ReconnectJitter),
		nats.MaxPingsOutstanding(config.MaxPingsOut),
		nats.PingInterval(config.PingInterval),
		nats.ConnectHandler(client.connectHandler),
		nats.DisconnectErrHandler(client.disconnectHandler),
		nats.ReconnectHandler(client.reconnectHandler),
		nats.ErrorHandler(client.errorHandler),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client.conn = conn
	client.metrics.Bus.Connected.Set(1)
	return client, nil
}

func (c *Client) connectHandler(conn *nats.Conn) {
	c.logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	c.metrics.Bus.Connected.Set(1)
}

func (c *Client) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn("disconnected from NATS", zap.Error(err))
	} else {
		c.logger.Info("disconnected from NATS")
	}
	c.metrics.Bus.Connected.Set(0)
}

func (c *Client) reconnectHandler(conn *nats.Conn) {
	c.logger.Info("reconnected to NATS", zap.String("url", conn.ConnectedUrl()))
	c.metrics.Bus.Connected.Set(1)
	c.metrics.Bus.Reconnects.Inc()
}

func (c *Client) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	c.logger.Error("NATS error", zap.Error(err))
	c.metrics.Bus.Errors.Inc()
}

// Subscribe registers handler for subject. Subscribing twice to the same
// subject is an error; the caller tracks subscription lifetime.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.subs[subject] = sub
	return nil
}

// Unsubscribe drops the subscription on subject.
func (c *Client) Unsubscribe(subject string) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	sub, exists := c.subs[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}

	delete(c.subs, subject)
	return nil
}

// Publish sends data to subject, blocking until the broker accepts it.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		c.metrics.Bus.PublishErrors.Inc()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON publishes a JSON-serializable object.
func (c *Client) PublishJSON(subject string, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.Publish(subject, data)
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Status() nats.Status {
	if c.conn == nil {
		return nats.DISCONNECTED
	}
	return c.conn.Status()
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("error unsubscribing", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if c.conn != nil {
		c.conn.Close()
		c.metrics.Bus.Connected.Set(0)
	}
	return nil
}

// WaitForConnection blocks until the connection is established or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.IsConnected() {
				return nil
			}
		}
	}
}
