package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"field-sync-service/internal/backend"
	"field-sync-service/internal/config"
	"field-sync-service/internal/database"
	"field-sync-service/internal/relay"
	"field-sync-service/internal/store"
	"field-sync-service/internal/token"
)

type page struct {
	Data []map[string]any `json:"data"`
	More string           `json:"more,omitempty"`
}

// backendStub is a scripted accounting backend.
type backendStub struct {
	mu           sync.Mutex
	options      map[string]any
	pages        map[string]page
	catalogFail  int
	catalogBody  string
	postResponse map[string]string
	posts        []json.RawMessage
	getCalls     map[string]int
	checkCalls   int
	checkGate    chan struct{}
	// issued, when set, is the only token accepted on /get and /post;
	// /check hands it out.
	issued       string
	unauthorized int
}

func newBackendStub() *backendStub {
	return &backendStub{
		options:      map[string]any{"write": true},
		pages:        map[string]page{},
		postResponse: map[string]string{"result": "ok", "status": "queued"},
		getCalls:     map[string]int{},
	}
}

func (b *backendStub) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/check/{guid}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.checkCalls++
		gate := b.checkGate
		tok := "tok-1"
		if b.issued != "" {
			tok = b.issued
		}
		resp := map[string]any{"token": tok, "read": true, "license": "L-1"}
		for k, v := range b.options {
			resp[k] = v
		}
		b.mu.Unlock()
		if gate != nil {
			<-gate
		}
		writeJSON(w, http.StatusOK, resp)
	})
	catalog := func(w http.ResponseWriter, r *http.Request) {
		typ := chi.URLParam(r, "type")
		more := chi.URLParam(r, "more")

		b.mu.Lock()
		if b.rejects(chi.URLParam(r, "token")) {
			b.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.getCalls[typ]++
		status, body := b.catalogFail, b.catalogBody
		p, ok := b.pages[typ+"/"+more]
		b.mu.Unlock()

		switch {
		case status != 0:
			writeJSON(w, status, map[string]string{"error": "backend exploded"})
		case body != "":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
		case !ok:
			writeJSON(w, http.StatusOK, page{Data: []map[string]any{}})
		default:
			writeJSON(w, http.StatusOK, p)
		}
	}
	r.Get("/get/{type}/{token}", catalog)
	r.Get("/get/{type}/{token}/{more}", catalog)
	r.Post("/post/{token}", func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		if b.rejects(chi.URLParam(r, "token")) {
			b.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.posts = append(b.posts, body)
		resp := b.postResponse
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, resp)
	})
	return r
}

// rejects counts and reports a request carrying a token other than the
// issued one. Callers hold b.mu.
func (b *backendStub) rejects(token string) bool {
	if b.issued == "" || token == b.issued {
		return false
	}
	b.unauthorized++
	return true
}

func (b *backendStub) rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unauthorized
}

func (b *backendStub) calls(typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls[typ]
}

func (b *backendStub) checks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkCalls
}

func (b *backendStub) post(i int) json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.posts[i]
}

func (b *backendStub) postCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.posts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func rows(prefix string, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"guid": fmt.Sprintf("%s-%d", prefix, i), "name": prefix}
	}
	return out
}

// reauthHook lets the client re-authenticate through the token manager built
// after it.
type reauthHook struct {
	tokens *token.Manager
}

func (h *reauthHook) Token() string { return h.tokens.Token() }

func (h *reauthHook) RefreshTokenSync(tag string) string { return h.tokens.RefreshTokenSync(tag) }

type fixture struct {
	store   *store.SQLStore
	stub    *backendStub
	tokens  *token.Manager
	coord   *Coordinator
	link    *fakeLink
	account *store.Account
}

func newFixture(t *testing.T, acc *store.Account) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	st := store.NewSQLStore(db)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	stub := newBackendStub()
	srv := httptest.NewServer(stub.router())
	t.Cleanup(srv.Close)

	hook := &reauthHook{}
	client := backend.NewClient(srv.URL, 5*time.Second, backend.WithReauth(hook))
	tokens := token.NewManager(config.TokenConfig{MaxRefresh: 3, SyncTimeout: 2 * time.Second}, client, st)
	hook.tokens = tokens
	t.Cleanup(tokens.Close)

	link := newFakeLink()
	coord := NewCoordinator(
		config.SyncConfig{PushConcurrency: 2, InboundBatch: 10},
		time.Second,
		st, tokens, client,
		func(*store.Account) RelayLink { return link },
	)
	t.Cleanup(coord.Close)

	require.NoError(t, st.SaveAccount(ctx, acc))
	require.NoError(t, coord.Configure(ctx, acc.GUID))

	return &fixture{store: st, stub: stub, tokens: tokens, coord: coord, link: link, account: acc}
}

func (f *fixture) run(t *testing.T, mode Mode) []Event {
	t.Helper()
	events, err := f.coord.Run(context.Background(), mode)
	require.NoError(t, err)
	return drain(t, events)
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("pass did not finish, events so far: %v", out)
		}
	}
}

// fakeLink acknowledges or fails every send immediately.
type fakeLink struct {
	mu       sync.Mutex
	state    relay.ConnectionState
	fail     bool
	sent     []string
	payloads []any
}

func newFakeLink() *fakeLink {
	return &fakeLink{state: relay.Disconnected{}}
}

func (l *fakeLink) Connect() {
	l.mu.Lock()
	l.state = relay.Connected{DeviceID: "dev-test"}
	l.mu.Unlock()
}

func (l *fakeLink) Disconnect() {
	l.mu.Lock()
	l.state = relay.Disconnected{}
	l.mu.Unlock()
}

func (l *fakeLink) Reconnect() bool { l.Connect(); return true }

func (l *fakeLink) AwaitConnected(context.Context) error {
	if _, ok := l.State().(relay.Connected); ok {
		return nil
	}
	return relay.ErrNotConnected
}

func (l *fakeLink) SendData(_ context.Context, dataType string, payload any) <-chan relay.SendResult {
	l.mu.Lock()
	l.sent = append(l.sent, dataType)
	l.payloads = append(l.payloads, payload)
	id := fmt.Sprintf("m-%d", len(l.sent))
	fail := l.fail
	l.mu.Unlock()

	ch := make(chan relay.SendResult, 2)
	ch <- relay.Pending{MessageID: id}
	if fail {
		ch <- relay.SendFailed{MessageID: id, Err: relay.ErrDeliveryExhausted}
	} else {
		ch <- relay.Acknowledged{MessageID: id}
	}
	close(ch)
	return ch
}

func (l *fakeLink) State() relay.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) DeviceID() string { return "dev-test" }

func (l *fakeLink) PendingMessageCount() int { return 0 }

func (l *fakeLink) FailedMessages() []relay.PendingMessage { return nil }

func (l *fakeLink) RetryFailedMessages(context.Context) int { return 0 }

func (l *fakeLink) ClearPendingMessages() int { return 0 }

func (l *fakeLink) sentTypes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}
