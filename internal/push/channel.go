// Package push maintains the account's real-time MQTT channel: inbound state
// reports and outbound commands.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/env"
	gerrors "github.com/wheelibin/goveed/internal/errors"
	"github.com/wheelibin/goveed/internal/govee"
	"github.com/wheelibin/goveed/internal/models"
)

// Conn is one established broker session
type Conn interface {
	Subscribe(topic string, handler func(payload []byte)) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect()
}

// Dialer opens a session. onLost is called once if the session drops.
type Dialer func(ctx context.Context, creds *govee.IotCredentials, onLost func(err error)) (Conn, error)

type credentialSource interface {
	Login(ctx context.Context) (*govee.IotCredentials, error)
	DeviceTopics(ctx context.Context, token string) (map[string]string, error)
}

type channelReporter interface {
	ChannelDisconnected(err error)
	ChannelDegraded(attempts int)
	ChannelRestored()
}

type Channel struct {
	logger   *log.Logger
	now      func() time.Time
	creds    credentialSource
	dial     Dialer
	reporter channelReporter

	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error

	updates     chan models.StateUpdate
	done        chan struct{}
	closeOnce   sync.Once
	transaction atomic.Int64

	mu          sync.RWMutex
	credentials *govee.IotCredentials
	conn        Conn
	topic       string
	topics      map[string]string
}

func NewChannel(e *env.Env, creds credentialSource, dial Dialer, reporter channelReporter) *Channel {
	return &Channel{
		logger:    e.Logger,
		now:       e.Now,
		creds:     creds,
		dial:      dial,
		reporter:  reporter,
		baseDelay: constants.ReconnectBaseDelay,
		maxDelay:  constants.ReconnectMaxDelay,
		sleep:     sleepContext,
		updates:   make(chan models.StateUpdate, 64),
		done:      make(chan struct{}),
	}
}

// SetReconnectDelays overrides the reconnect backoff bounds
func (c *Channel) SetReconnectDelays(base time.Duration, ceiling time.Duration) {
	c.baseDelay = base
	c.maxDelay = ceiling
}

// Updates delivers decoded state reports in arrival order
func (c *Channel) Updates() <-chan models.StateUpdate {
	return c.updates
}

// Run keeps the channel connected until ctx is cancelled, then closes it
func (c *Channel) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	atCeiling := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			c.Close()
			return
		}
		if connected {
			b.Reset()
			atCeiling = 0
		}
		if gerrors.IsAuth(err) {
			// force a fresh login on the next attempt
			c.mu.Lock()
			c.credentials = nil
			c.mu.Unlock()
		}

		c.reporter.ChannelDisconnected(err)

		delay := b.NextBackOff()
		c.logger.Warn("push channel connection failed, reconnecting", "in", delay, "err", err)
		if err := c.sleep(ctx, delay); err != nil {
			c.Close()
			return
		}
		if delay >= c.maxDelay {
			atCeiling++
			if atCeiling >= constants.DegradedAfterAttempts {
				c.reporter.ChannelDegraded(atCeiling)
			}
		}
	}
}

// session connects and blocks until the connection drops or ctx is cancelled.
// The bool result reports whether a connection was established.
func (c *Channel) session(ctx context.Context) (bool, error) {
	creds, err := c.login(ctx)
	if err != nil {
		return false, err
	}

	lost := make(chan error, 1)
	conn, err := c.dial(ctx, creds, func(err error) {
		select {
		case lost <- err:
		default:
		}
	})
	if err != nil {
		return false, &gerrors.ConnectionError{Op: "push connect", Err: err}
	}

	if err := conn.Subscribe(creds.AccountTopic, c.handle); err != nil {
		conn.Disconnect()
		return false, &gerrors.ConnectionError{Op: "push subscribe", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.topic = creds.AccountTopic
	c.mu.Unlock()
	c.loadTopics(ctx, creds)

	c.logger.Info("push channel connected", "endpoint", creds.Endpoint)
	c.reporter.ChannelRestored()

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case err := <-lost:
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if err == nil {
			err = gerrors.ErrChannelDisconnected
		}
		return true, &gerrors.ConnectionError{Op: "push session", Err: err}
	}
}

func (c *Channel) login(ctx context.Context) (*govee.IotCredentials, error) {
	c.mu.RLock()
	creds := c.credentials
	c.mu.RUnlock()
	if creds != nil {
		return creds, nil
	}

	creds, err := c.creds.Login(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.credentials = creds
	c.mu.Unlock()
	return creds, nil
}

// loadTopics fetches the per device command topics once. Without them the
// channel still receives state, commands fall back to REST.
func (c *Channel) loadTopics(ctx context.Context, creds *govee.IotCredentials) {
	c.mu.RLock()
	loaded := c.topics != nil
	c.mu.RUnlock()
	if loaded {
		return
	}

	topics, err := c.creds.DeviceTopics(ctx, creds.Token)
	if err != nil {
		c.logger.Warn("failed to fetch device topics, push commands unavailable", "err", err)
		return
	}
	c.mu.Lock()
	c.topics = topics
	c.mu.Unlock()
}

func (c *Channel) handle(payload []byte) {
	update, ok, err := DecodeState(payload, c.now())
	if err != nil {
		c.logger.Warn("ignoring malformed push message", "err", err)
		return
	}
	if !ok {
		c.logger.Debug("ignoring push message without state")
		return
	}
	select {
	case c.updates <- update:
	case <-c.done:
	}
}

func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Channel) HasTopic(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[deviceID]
	return ok
}

// Publish sends a command to a device over the channel
func (c *Channel) Publish(ctx context.Context, cmd models.Command) error {
	name, data, ok := commandData(cmd)
	if !ok {
		return &gerrors.CapabilityNotSupportedError{DeviceID: cmd.Target(), Type: cmd.CapabilityType(), Instance: cmd.Instance()}
	}

	c.mu.RLock()
	conn := c.conn
	topic, hasTopic := c.topics[cmd.Target()]
	c.mu.RUnlock()
	if conn == nil {
		return &gerrors.ConnectionError{Op: "push publish", Err: gerrors.ErrChannelDisconnected}
	}
	if !hasTopic {
		return &gerrors.CapabilityNotSupportedError{DeviceID: cmd.Target(), Type: "push", Instance: cmd.Instance()}
	}

	payload, err := json.Marshal(outboundMessage{Msg: outboundCommand{
		Cmd:         name,
		Data:        data,
		CmdVersion:  0,
		Transaction: c.nextTransaction(),
		Type:        1,
	}})
	if err != nil {
		return fmt.Errorf("error encoding push command: %w", err)
	}

	if err := conn.Publish(ctx, topic, payload); err != nil {
		return &gerrors.ConnectionError{Op: "push publish", Err: err}
	}
	c.logger.Debug("published push command", "device", cmd.Target(), "cmd", name)
	return nil
}

// nextTransaction returns v_<millis>, bumped past the previous id when two
// commands land in the same millisecond
func (c *Channel) nextTransaction() string {
	for {
		last := c.transaction.Load()
		next := max(c.now().UnixMilli(), last+1)
		if c.transaction.CompareAndSwap(last, next) {
			return "v_" + strconv.FormatInt(next, 10)
		}
	}
}

// Close unsubscribes from the account topic and disconnects
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn, topic := c.conn, c.topic
		c.conn = nil
		c.mu.Unlock()
		if conn == nil {
			return
		}

		if err := conn.Unsubscribe(topic); err != nil {
			c.logger.Warn("failed to unsubscribe from account topic", "err", err)
		}
		conn.Disconnect()
		c.logger.Info("push channel closed")
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
