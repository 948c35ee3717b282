// Package token owns the backend auth token for the active account.
package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"field-sync-service/internal/backend"
	"field-sync-service/internal/config"
	"field-sync-service/internal/logger"
	"field-sync-service/internal/store"
	"field-sync-service/internal/syncerr"
)

// Checker is the check endpoint of the backend.
type Checker interface {
	Check(ctx context.Context, accountGUID string) (*backend.CheckResponse, error)
}

const refreshKey = "refresh"

// Manager serializes token refreshes for one account at a time. Concurrent
// Refresh callers share the in-flight result.
type Manager struct {
	cfg     config.TokenConfig
	checker Checker
	store   store.AccountStore

	group     singleflight.Group
	refreshMu sync.Mutex

	mu       sync.RWMutex
	account  *store.Account
	token    string
	attempts int

	bridge    chan bridgeRequest
	done      chan struct{}
	closeOnce sync.Once
}

type bridgeRequest struct {
	tag   string
	reply chan string
}

func NewManager(cfg config.TokenConfig, checker Checker, accounts store.AccountStore) *Manager {
	m := &Manager{
		cfg:     cfg,
		checker: checker,
		store:   accounts,
		bridge:  make(chan bridgeRequest),
		done:    make(chan struct{}),
	}
	go m.runBridge()
	return m
}

// Configure switches the manager to account and resets the attempt counter.
func (m *Manager) Configure(account *store.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := *account
	m.account = &acc
	m.token = account.Token
	m.attempts = 0
}

func (m *Manager) Account() *store.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return nil
	}
	acc := *m.account
	return &acc
}

func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *Manager) IsRefreshLimitReached() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts >= m.cfg.MaxRefresh
}

func (m *Manager) ResetCounter() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

// Refresh fetches a new token from the check endpoint. Callers arriving while
// a refresh is in flight wait for that one instead of issuing their own.
func (m *Manager) Refresh(ctx context.Context, tag string) (string, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		m.refreshMu.Lock()
		defer m.refreshMu.Unlock()

		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SyncTimeout)
		defer cancel()
		return m.refresh(flightCtx, tag)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, tag string) (string, error) {
	m.mu.Lock()
	if m.account == nil {
		m.mu.Unlock()
		return "", &syncerr.ValidationError{Field: "account", Message: "not configured"}
	}
	m.attempts++
	attempt := m.attempts
	guid := m.account.GUID
	m.mu.Unlock()

	if attempt > m.cfg.MaxRefresh {
		logger.Log.Warn("Token refresh limit reached",
			zap.String("tag", tag),
			zap.Int("attempt", attempt),
		)
		return "", syncerr.ErrRefreshLimit
	}

	logger.Log.Info("Refreshing token",
		zap.String("tag", tag),
		zap.String("account", guid),
		zap.Int("attempt", attempt),
	)

	resp, err := m.checker.Check(ctx, guid)
	if err != nil {
		var netErr *syncerr.NetworkError
		if errors.As(err, &netErr) {
			netErr.Retryable = true
			return "", netErr
		}
		return "", &syncerr.NetworkError{Op: "check", Err: err, Retryable: true}
	}
	if resp.Token == "" {
		return "", syncerr.ErrEmptyToken
	}

	if err := m.store.SaveAccountCredentials(ctx, guid, resp.Token, resp.Options, resp.License); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.account != nil && m.account.GUID == guid {
		m.token = resp.Token
		m.account.Token = resp.Token
		m.account.Options = resp.Options
		m.account.License = resp.License
	}
	m.mu.Unlock()

	if !resp.Read {
		logger.Log.Warn("Account has no read access", zap.String("account", guid))
		return "", syncerr.ErrNoReadAccess
	}

	logger.Log.Info("Token refreshed", zap.String("tag", tag), zap.String("account", guid))
	return resp.Token, nil
}

// RefreshTokenSync blocks for at most SyncTimeout while the dedicated bridge
// worker runs a refresh. It returns "" when no token could be obtained.
func (m *Manager) RefreshTokenSync(tag string) string {
	req := bridgeRequest{tag: tag, reply: make(chan string, 1)}
	timer := time.NewTimer(m.cfg.SyncTimeout)
	defer timer.Stop()

	select {
	case m.bridge <- req:
	case <-timer.C:
		logger.Log.Warn("Sync token refresh timed out waiting for worker", zap.String("tag", tag))
		return ""
	case <-m.done:
		return ""
	}

	select {
	case tok := <-req.reply:
		return tok
	case <-timer.C:
		logger.Log.Warn("Sync token refresh timed out", zap.String("tag", tag))
		return ""
	case <-m.done:
		return ""
	}
}

func (m *Manager) runBridge() {
	for {
		select {
		case <-m.done:
			return
		case req := <-m.bridge:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SyncTimeout)
			tok, err := m.Refresh(ctx, req.tag)
			cancel()
			if err != nil {
				logger.Log.Warn("Sync token refresh failed", zap.String("tag", req.tag), zap.Error(err))
				tok = ""
			}
			req.reply <- tok
		}
	}
}

// ClearToken drops the token in memory and in the store so the next pass
// re-authenticates.
func (m *Manager) ClearToken(ctx context.Context) error {
	m.mu.Lock()
	m.token = ""
	var guid string
	if m.account != nil {
		m.account.Token = ""
		guid = m.account.GUID
	}
	m.mu.Unlock()

	if guid == "" {
		return nil
	}
	logger.Log.Info("Clearing token", zap.String("account", guid))
	return m.store.ClearAccountToken(ctx, guid)
}

// Close stops the bridge worker.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}
