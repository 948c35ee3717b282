package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"field-sync-service/internal/config"
	"field-sync-service/internal/logger"
	"field-sync-service/internal/relay"
	"field-sync-service/internal/store"
	"field-sync-service/internal/syncerr"
)

var ErrSyncRunning = errors.New("sync is already running")

const (
	StatusRunning = "running"
	StatusIdle    = "idle"
)

// TokenManager is the token lifecycle as seen by the coordinator.
type TokenManager interface {
	TokenSource
	Configure(account *store.Account)
}

// RelayLink is the duplex transport for relay accounts.
type RelayLink interface {
	Connect()
	Disconnect()
	Reconnect() bool
	AwaitConnected(ctx context.Context) error
	SendData(ctx context.Context, dataType string, payload any) <-chan relay.SendResult
	State() relay.ConnectionState
	DeviceID() string
	PendingMessageCount() int
	FailedMessages() []relay.PendingMessage
	RetryFailedMessages(ctx context.Context) int
	ClearPendingMessages() int
}

// RelayFactory builds the relay link for an account.
type RelayFactory func(account *store.Account) RelayLink

// NewRelayFactory connects relay data pushes to applier.
func NewRelayFactory(cfg config.RelayConfig, applier *Applier) RelayFactory {
	return func(acc *store.Account) RelayLink {
		guid := acc.GUID
		return relay.NewConnection(cfg, acc.RelayKey,
			relay.WithDataHandler(func(env relay.Envelope) { applier.Handle(guid, env) }),
			relay.WithAckHandler(func(msg relay.PendingMessage) {
				logger.Log.Info("Late relay ack", zap.String("message_id", msg.MessageID))
			}),
			relay.WithPermanentFailureHandler(func(msgs []relay.PendingMessage) {
				logger.Log.Warn("Relay messages need attention", zap.Int("count", len(msgs)))
			}),
		)
	}
}

// RelayStatus is a snapshot for status endpoints.
type RelayStatus struct {
	State    string `json:"state"`
	Detail   string `json:"detail"`
	DeviceID string `json:"device_id,omitempty"`
	Pending  int    `json:"pending"`
	Failed   int    `json:"failed"`
}

// Coordinator is the single entry point for sync passes. It picks the
// transport per account and runs at most one pass at a time.
type Coordinator struct {
	cfg          config.SyncConfig
	ackTimeout   time.Duration
	gateway      store.Gateway
	tokens       TokenManager
	orchestrator *Orchestrator
	newRelay     RelayFactory
	now          func() time.Time

	mu      sync.Mutex
	status  string
	current *Session
	link    RelayLink
}

func NewCoordinator(cfg config.SyncConfig, ackTimeout time.Duration, gateway store.Gateway, tokens TokenManager, b Backend, newRelay RelayFactory) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		ackTimeout:   ackTimeout,
		gateway:      gateway,
		tokens:       tokens,
		orchestrator: NewOrchestrator(b, tokens, gateway),
		newRelay:     newRelay,
		now:          time.Now,
		status:       StatusIdle,
	}
}

// Configure makes accountGUID the active account. Any relay link belonging
// to the previous account is torn down.
func (c *Coordinator) Configure(ctx context.Context, accountGUID string) error {
	acc, err := c.gateway.GetAccount(ctx, accountGUID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	c.mu.Lock()
	if c.status == StatusRunning {
		c.mu.Unlock()
		return ErrSyncRunning
	}
	c.tokens.Configure(acc)
	c.orchestrator.useAccount(acc)
	old := c.link
	c.link = nil
	c.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	logger.Log.Info("Account configured",
		zap.String("account", acc.GUID),
		zap.Bool("relay", acc.UseRelay),
	)
	return nil
}

func (c *Coordinator) GetStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) IsRunning() bool {
	return c.GetStatus() == StatusRunning
}

// CurrentSession returns the running pass, if any.
func (c *Coordinator) CurrentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	s := *c.current
	return &s
}

// Run starts a pass in the background. The channel carries its events and
// is closed when the pass ends. Cancelling ctx abandons the pass at the next
// network call.
func (c *Coordinator) Run(ctx context.Context, mode Mode) (<-chan Event, error) {
	acc := c.tokens.Account()
	if acc == nil {
		return nil, &syncerr.ValidationError{Field: "account", Message: "no account configured"}
	}

	transport := TransportHTTP
	if acc.UseRelay {
		transport = TransportRelay
	}

	c.mu.Lock()
	if c.status == StatusRunning {
		c.mu.Unlock()
		return nil, ErrSyncRunning
	}
	session := NewSession(acc.GUID, mode, transport, c.now())
	c.status = StatusRunning
	c.current = session
	c.mu.Unlock()

	logger.Log.Info("Starting sync pass",
		zap.String("session", session.ID),
		zap.String("mode", string(mode)),
		zap.String("transport", string(transport)),
	)

	events := make(chan Event, 16)
	go c.pass(ctx, session, events)
	return events, nil
}

func (c *Coordinator) pass(ctx context.Context, s *Session, events chan<- Event) {
	defer func() {
		c.mu.Lock()
		c.status = StatusIdle
		c.current = nil
		c.mu.Unlock()
		close(events)
	}()

	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	history := &store.SyncHistory{
		ID:          s.ID,
		AccountGUID: s.Account,
		StartedAt:   s.StartedAt,
		Direction:   string(s.Mode),
		Transport:   string(s.Transport),
		Status:      StatusRunning,
	}
	if err := c.gateway.CreateSyncHistory(ctx, history); err != nil {
		logger.Log.Error("Failed to record sync history", zap.Error(err))
	}

	var (
		res Result
		err error
	)
	switch {
	case s.Transport == TransportRelay:
		res, err = c.relayPass(ctx, s, emit)
	case s.Mode == ModeFull:
		res, err = c.orchestrator.FullSync(ctx, s, emit)
	default:
		res, err = c.orchestrator.DiffSync(ctx, s, emit)
	}

	elapsed := c.now().Sub(s.StartedAt)
	c.finishHistory(ctx, history, res, err)

	if err != nil {
		logger.Log.Error("Sync pass failed",
			zap.String("session", s.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		emit(failureOf(err))
		return
	}
	emit(Success{Mode: s.Mode, Duration: elapsed, Items: res.Items, Sent: res.Sent})
}

func (c *Coordinator) finishHistory(ctx context.Context, h *store.SyncHistory, res Result, err error) {
	h.CompletedAt = sql.NullTime{Time: c.now(), Valid: true}
	h.TotalRows = int64(res.Items + res.Sent)
	h.Status = "completed"
	if err != nil {
		h.Status = "failed"
		h.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	if uerr := c.gateway.UpdateSyncHistory(context.WithoutCancel(ctx), h); uerr != nil {
		logger.Log.Error("Failed to update sync history", zap.Error(uerr))
	}
}

// relay returns the link for acc, creating and connecting it if needed.
func (c *Coordinator) relay(acc *store.Account) RelayLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		c.link = c.newRelay(acc)
		c.link.Connect()
	}
	return c.link
}

func (c *Coordinator) existingRelay() RelayLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// relayPass pushes pending documents over the relay and, for a full pass,
// asks the backend to stream the catalog back. Rows arrive through the
// applier; there is no end-of-pass marker so no cleanup runs.
func (c *Coordinator) relayPass(ctx context.Context, s *Session, emit func(Event)) (Result, error) {
	var res Result

	acc := c.tokens.Account()
	link := c.relay(acc)
	switch link.State().(type) {
	case relay.Disconnected, relay.ErrorState:
		link.Connect()
	}
	if err := link.AwaitConnected(ctx); err != nil {
		return res, fmt.Errorf("relay unavailable: %w", err)
	}

	if s.Mode == ModeFull {
		request := map[string]any{"account": acc.GUID, "timestamp": s.Timestamp}
		if ok := c.await(ctx, link.SendData(ctx, "catalog_request", request)); !ok {
			return res, fmt.Errorf("catalog request was not acknowledged")
		}
		emit(Progress{Phase: "pull", Type: "catalog_request", Count: 1})
	}

	if acc.HasOptions() && !acc.CanWrite() {
		if s.Mode == ModeDiff {
			return res, syncerr.ErrNoWriteAccess
		}
		return res, nil
	}

	docs, err := c.gateway.PendingDocuments(ctx, acc.GUID)
	if err != nil {
		return res, err
	}
	emit(Progress{Phase: "push", Type: "pending", Count: len(docs)})

	var (
		mu   sync.Mutex
		sent int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.PushConcurrency, 1))
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			payload, err := BuildPayload(gctx, c.gateway, doc)
			if err != nil {
				return err
			}
			if !c.await(gctx, link.SendData(gctx, string(doc.Kind()), payload)) {
				return nil
			}
			if err := c.gateway.SaveSendResult(gctx, store.SendResult{
				DocumentGUID: doc.DocumentGUID(),
				Kind:         doc.Kind(),
				Status:       "acknowledged",
				Transport:    string(TransportRelay),
				SentAt:       c.now(),
			}); err != nil {
				return err
			}
			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	res.Sent = sent
	emit(Progress{Phase: "push", Type: "acknowledged", Count: sent})
	return res, nil
}

// await waits up to the ack timeout for a terminal send result. A timeout
// leaves the message in the ledger for the next replay.
func (c *Coordinator) await(ctx context.Context, results <-chan relay.SendResult) bool {
	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			logger.Log.Warn("Relay ack timed out, message stays queued")
			return false
		case r, ok := <-results:
			if !ok {
				return false
			}
			switch r := r.(type) {
			case relay.Pending:
			case relay.Acknowledged:
				return true
			case relay.SendFailed:
				logger.Log.Warn("Relay send failed",
					zap.String("message_id", r.MessageID),
					zap.Bool("can_retry", r.CanRetry),
					zap.Error(r.Err),
				)
				return false
			}
		}
	}
}

// ConnectivityRegained reconnects the relay when in use and runs a
// differential pass, logging its events.
func (c *Coordinator) ConnectivityRegained(ctx context.Context) error {
	acc := c.tokens.Account()
	if acc == nil {
		return nil
	}
	if acc.UseRelay {
		c.relay(acc).Reconnect()
	}

	events, err := c.Run(ctx, ModeDiff)
	if errors.Is(err, ErrSyncRunning) {
		logger.Log.Info("Sync already running, skipping connectivity pass")
		return nil
	}
	if err != nil {
		return err
	}
	for ev := range events {
		logEvent(ev)
	}
	return nil
}

func logEvent(ev Event) {
	switch e := ev.(type) {
	case Progress:
		logger.Log.Info("Sync progress", zap.String("phase", e.Phase), zap.String("type", e.Type), zap.Int("count", e.Count))
	case Failure:
		logger.Log.Warn("Sync failed", zap.Int("status", e.StatusCode), zap.String("message", e.Message))
	case Success:
		logger.Log.Info("Sync succeeded", zap.String("mode", string(e.Mode)), zap.Duration("duration", e.Duration))
	}
}

func (c *Coordinator) GetDocumentContent(ctx context.Context, docType, guid string) ([]byte, error) {
	return c.orchestrator.GetDocumentContent(ctx, docType, guid)
}

func (c *Coordinator) GetPrintData(ctx context.Context, guid string) ([]byte, error) {
	return c.orchestrator.GetPrintData(ctx, guid)
}

func (c *Coordinator) History(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error) {
	return c.gateway.GetSyncHistory(ctx, limit, offset)
}

func (c *Coordinator) RelayStatus() RelayStatus {
	link := c.existingRelay()
	if link == nil {
		return RelayStatus{State: relay.StateName(relay.Disconnected{}), Detail: relay.Disconnected{}.String()}
	}
	state := link.State()
	return RelayStatus{
		State:    relay.StateName(state),
		Detail:   state.String(),
		DeviceID: link.DeviceID(),
		Pending:  link.PendingMessageCount(),
		Failed:   len(link.FailedMessages()),
	}
}

// ReconnectRelay restarts the relay loop; false when already connected or no
// relay account is active.
func (c *Coordinator) ReconnectRelay() bool {
	acc := c.tokens.Account()
	if acc == nil || !acc.UseRelay {
		return false
	}
	return c.relay(acc).Reconnect()
}

func (c *Coordinator) RetryFailedMessages(ctx context.Context) int {
	if link := c.existingRelay(); link != nil {
		return link.RetryFailedMessages(ctx)
	}
	return 0
}

func (c *Coordinator) ClearPendingMessages() int {
	if link := c.existingRelay(); link != nil {
		return link.ClearPendingMessages()
	}
	return 0
}

// Close drops the relay link.
func (c *Coordinator) Close() {
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		link.Disconnect()
	}
}
