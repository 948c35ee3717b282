// Package relay is the persistent duplex transport to the backend relay,
// with reconnection and an acknowledgment ledger for outbound messages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"field-sync-service/internal/config"
	"field-sync-service/internal/logger"
)

const readLimit = 16 << 20

var (
	ErrNotConnected      = errors.New("relay not connected")
	ErrPendingApproval   = errors.New("device pending approval")
	ErrDeliveryExhausted = errors.New("message not acknowledged within retry window")
	ErrCleared           = errors.New("pending messages cleared")
	ErrDisconnected      = errors.New("relay disconnected")

	errApprovalRequired = errors.New(errPendingApprovalCode)
)

// wsConn is the part of *websocket.Conn the connection uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type Option func(*Connection)

// WithDataHandler receives inbound data envelopes after they are acked.
func WithDataHandler(fn func(Envelope)) Option {
	return func(c *Connection) { c.onData = fn }
}

// WithAckHandler receives acks whose sender is no longer waiting.
func WithAckHandler(fn func(PendingMessage)) Option {
	return func(c *Connection) { c.onAcknowledged = fn }
}

// WithPermanentFailureHandler receives entries moved to the failed set.
func WithPermanentFailureHandler(fn func([]PendingMessage)) Option {
	return func(c *Connection) { c.onPermanentFailure = fn }
}

func WithStateHandler(fn func(ConnectionState)) Option {
	return func(c *Connection) { c.onState = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Connection) { c.now = now }
}

// Connection drives the relay state machine. Connect starts a background loop
// that dials, serves and reconnects until Disconnect.
type Connection struct {
	cfg      config.RelayConfig
	url      string
	auth     string
	deviceID string
	now      func() time.Time

	ledger *Ledger
	bo     *backoff.ExponentialBackOff

	onData             func(Envelope)
	onAcknowledged     func(PendingMessage)
	onPermanentFailure func([]PendingMessage)
	onState            func(ConnectionState)

	// writeMu orders replay before direct sends on a fresh connection.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   ConnectionState
	changed chan struct{}
	conn    wsConn
	waiters map[string]chan SendResult
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewConnection(cfg config.RelayConfig, apiKey string, opts ...Option) *Connection {
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	c := &Connection{
		cfg:      cfg,
		url:      strings.TrimRight(cfg.URL, "/") + "/ws/device",
		auth:     fmt.Sprintf("Bearer %s:%s", apiKey, deviceID),
		deviceID: deviceID,
		now:      time.Now,
		state:    Disconnected{},
		changed:  make(chan struct{}),
		waiters:  make(map[string]chan SendResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ledger = NewLedger(cfg.MaxRetries, cfg.MessageTTL, c.now)
	c.bo = newBackOff(cfg)
	return c
}

// newBackOff is exponential without jitter, so delays never shrink until Reset.
func newBackOff(cfg config.RelayConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Connection) DeviceID() string { return c.deviceID }

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsConnected() bool {
	_, ok := c.State().(Connected)
	return ok
}

func (c *Connection) PendingMessageCount() int { return c.ledger.Len() }

func (c *Connection) FailedMessages() []PendingMessage { return c.ledger.Failed() }

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.publishLocked(s)
	c.mu.Unlock()
	c.notify(s)
}

func (c *Connection) publishLocked(s ConnectionState) {
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Connection) notify(s ConnectionState) {
	logger.Log.Debug("Relay state changed", zap.String("state", s.String()))
	if c.onState != nil {
		c.onState(s)
	}
}

// Connect starts the connection loop unless it is already running.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.bo.Reset()
	c.setState(Connecting{Attempt: 1})
	go c.run(ctx, done)
}

// Reconnect restarts the loop from attempt 1. It does nothing while connected.
func (c *Connection) Reconnect() bool {
	if c.IsConnected() {
		return false
	}
	c.stop()
	c.Connect()
	return true
}

// Disconnect stops the loop, cancelling any pending reconnection timer.
// Waiting senders get a retryable failure; their entries stay in the ledger.
func (c *Connection) Disconnect() {
	c.stop()
	c.failWaiters(func(id string) SendResult {
		return SendFailed{MessageID: id, Err: ErrDisconnected, CanRetry: true}
	})
	if _, ok := c.State().(Disconnected); !ok {
		c.setState(Disconnected{})
	}
}

func (c *Connection) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// AwaitConnected blocks until the connection is up or has settled in a
// state that will not become Connected without intervention.
func (c *Connection) AwaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()

		switch s := state.(type) {
		case Connected:
			return nil
		case PendingApproval:
			return ErrPendingApproval
		case ErrorState:
			return fmt.Errorf("relay: %s", s.Message)
		case Disconnected:
			return ErrNotConnected
		case Connecting, Reconnecting:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 1
	for first := true; ; first = false {
		if !first {
			c.setState(Connecting{Attempt: attempt})
		}

		conn, status, err := c.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "bye")
			}
			return
		}

		if err == nil {
			c.bo.Reset()
			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errApprovalRequired) {
				if !c.awaitApproval(ctx) {
					return
				}
				attempt = 1
				continue
			}
			logger.Log.Warn("Relay connection lost", zap.Error(err))
			attempt = 0
		} else {
			switch status {
			case http.StatusUnauthorized:
				logger.Log.Error("Relay rejected credentials", zap.Error(err))
				c.terminate(done, ErrorState{Message: "unauthorized", CanRetry: false})
				return
			case http.StatusForbidden:
				if !c.awaitApproval(ctx) {
					return
				}
				continue
			}

			logger.Log.Warn("Relay dial failed", zap.Int("attempt", attempt), zap.Error(err))
			if attempt >= c.cfg.MaxReconnectAttempts {
				c.terminate(done, ErrorState{Message: err.Error(), CanRetry: false})
				return
			}
		}

		delay := c.bo.NextBackOff()
		attempt++
		c.setState(Reconnecting{Delay: delay, Attempt: attempt})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// terminate ends the loop identified by done in the terminal state s. The
// loop is forgotten and s published in one step, so a Connect racing with it
// either finds the old loop or starts after s. A loop that was already
// replaced publishes nothing.
func (c *Connection) terminate(done chan struct{}, s ConnectionState) {
	c.mu.Lock()
	if c.done != done {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.cancel, c.done = nil, nil
	c.publishLocked(s)
	c.mu.Unlock()
	c.notify(s)
}

func (c *Connection) awaitApproval(ctx context.Context) bool {
	logger.Log.Info("Device awaiting approval", zap.String("device_id", c.deviceID))
	c.setState(PendingApproval{})

	timer := time.NewTimer(c.cfg.ApprovalPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, int, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body
		HTTPHeader: http.Header{"Authorization": []string{c.auth}},
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, status, err
	}
	conn.SetReadLimit(readLimit)
	return conn, 0, nil
}

// serve runs one established connection until it drops.
func (c *Connection) serve(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	c.replay(connCtx, conn)

	logger.Log.Info("Relay connected", zap.String("device_id", c.deviceID))
	c.setState(Connected{DeviceID: c.deviceID})

	go c.keepalive(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Log.Warn("Dropping malformed relay frame", zap.Error(err))
			continue
		}
		if err := c.handle(connCtx, conn, env); err != nil {
			return err
		}
	}
}

func (c *Connection) handle(ctx context.Context, conn wsConn, env Envelope) error {
	switch env.Type {
	case TypeAck:
		c.acknowledge(env.MessageID)
	case TypePing:
		return c.write(ctx, conn, Envelope{Type: TypePong, Timestamp: c.now().UnixMilli()})
	case TypePong:
	case TypeData:
		if err := c.write(ctx, conn, Envelope{Type: TypeAck, MessageID: env.MessageID}); err != nil {
			return err
		}
		if c.onData != nil {
			c.onData(env)
		}
	case TypeError:
		if env.Error == errPendingApprovalCode {
			return errApprovalRequired
		}
		logger.Log.Warn("Relay reported error",
			zap.String("error", env.Error),
			zap.String("message_id", env.MessageID),
		)
	default:
		logger.Log.Debug("Ignoring relay frame", zap.String("type", string(env.Type)))
	}
	return nil
}

func (c *Connection) keepalive(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportFailed(c.ledger.ExpireStale())
			if err := c.write(ctx, conn, Envelope{Type: TypePing, Timestamp: c.now().UnixMilli()}); err != nil {
				logger.Log.Debug("Relay ping failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

// replay snapshots the ledger and publishes conn in one step under c.mu, so
// every message is either in the snapshot or sent directly by SendData, never
// both. writeMu keeps direct sends behind the replayed ones.
func (c *Connection) replay(ctx context.Context, conn wsConn) {
	c.writeMu.Lock()

	c.mu.Lock()
	resend, failed := c.ledger.PrepareReplay()
	c.conn = conn
	c.mu.Unlock()

	if len(resend) > 0 {
		logger.Log.Info("Replaying unacknowledged messages", zap.Int("count", len(resend)))
	}
	for _, msg := range resend {
		if err := c.write(ctx, conn, dataEnvelope(msg, c.now())); err != nil {
			logger.Log.Warn("Replay interrupted", zap.String("message_id", msg.MessageID), zap.Error(err))
			break
		}
	}
	c.writeMu.Unlock()

	c.reportFailed(failed)
}

// SendData registers payload in the ledger and transmits it. The returned
// channel yields Pending, then Acknowledged or SendFailed, then closes.
// While disconnected the message waits in the ledger for the next replay.
func (c *Connection) SendData(ctx context.Context, dataType string, payload any) <-chan SendResult {
	ch := make(chan SendResult, 2)

	raw, err := json.Marshal(payload)
	if err != nil {
		ch <- SendFailed{Err: err, CanRetry: false}
		close(ch)
		return ch
	}

	c.mu.Lock()
	msg := c.ledger.Add(uuid.NewString(), dataType, raw)
	ch <- Pending{MessageID: msg.MessageID}
	c.waiters[msg.MessageID] = ch
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ch
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ledger.MarkSent(msg.MessageID)
	if err := c.write(ctx, conn, dataEnvelope(msg, c.now())); err != nil {
		logger.Log.Warn("Relay send failed", zap.String("message_id", msg.MessageID), zap.Error(err))
		c.resolve(msg.MessageID, SendFailed{MessageID: msg.MessageID, Err: err, CanRetry: true})
	}
	return ch
}

func (c *Connection) acknowledge(id string) {
	msg, ok := c.ledger.Ack(id)
	if !ok {
		logger.Log.Debug("Ack for unknown message", zap.String("message_id", id))
		return
	}
	if c.resolve(id, Acknowledged{MessageID: id}) {
		return
	}
	if c.onAcknowledged != nil {
		c.onAcknowledged(msg)
	}
}

// resolve delivers the terminal result to a waiting sender, if any.
func (c *Connection) resolve(id string, res SendResult) bool {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	delete(c.waiters, id)
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	close(ch)
	return true
}

func (c *Connection) failWaiters(result func(id string) SendResult) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]chan SendResult)
	c.mu.Unlock()

	for id, ch := range waiters {
		ch <- result(id)
		close(ch)
	}
}

func (c *Connection) reportFailed(failed []PendingMessage) {
	if len(failed) == 0 {
		return
	}
	for _, msg := range failed {
		logger.Log.Warn("Relay message permanently failed",
			zap.String("message_id", msg.MessageID),
			zap.String("data_type", msg.DataType),
			zap.Int("retries", msg.RetryCount),
		)
		c.resolve(msg.MessageID, SendFailed{MessageID: msg.MessageID, Err: ErrDeliveryExhausted, CanRetry: false})
	}
	if c.onPermanentFailure != nil {
		c.onPermanentFailure(failed)
	}
}

// RetryFailedMessages re-queues the failed set and transmits it at once when
// connected. It returns how many were re-queued.
func (c *Connection) RetryFailedMessages(ctx context.Context) int {
	requeued := c.ledger.RetryFailed()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		for _, msg := range requeued {
			c.ledger.MarkSent(msg.MessageID)
			if err := c.write(ctx, conn, dataEnvelope(msg, c.now())); err != nil {
				logger.Log.Warn("Retry send failed", zap.String("message_id", msg.MessageID), zap.Error(err))
				break
			}
		}
	}
	return len(requeued)
}

// ClearPendingMessages drops everything in the ledger and fails waiting
// senders permanently.
func (c *Connection) ClearPendingMessages() int {
	ids := c.ledger.Clear()
	for _, id := range ids {
		c.resolve(id, SendFailed{MessageID: id, Err: ErrCleared, CanRetry: false})
	}
	return len(ids)
}

func (c *Connection) write(ctx context.Context, conn wsConn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func dataEnvelope(msg PendingMessage, now time.Time) Envelope {
	return Envelope{
		Type:      TypeData,
		Data:      msg.Payload,
		DataType:  msg.DataType,
		MessageID: msg.MessageID,
		Timestamp: now.UnixMilli(),
	}
}
