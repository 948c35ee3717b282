package sync

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"field-sync-service/internal/config"
	"field-sync-service/internal/relay"
	"field-sync-service/internal/store"
)

func relayAccount() *store.Account {
	return &store.Account{GUID: "acc-r", Name: "Relay shop", UseRelay: true, RelayKey: "key"}
}

func TestRun_OnePassAtATime(t *testing.T) {
	f := newFixture(t, httpAccount())
	gate := make(chan struct{})
	f.stub.mu.Lock()
	f.stub.checkGate = gate
	f.stub.mu.Unlock()

	events, err := f.coord.Run(context.Background(), ModeFull)
	require.NoError(t, err)
	assert.True(t, f.coord.IsRunning())
	require.NotNil(t, f.coord.CurrentSession())

	_, err = f.coord.Run(context.Background(), ModeDiff)
	assert.ErrorIs(t, err, ErrSyncRunning)
	assert.ErrorIs(t, f.coord.Configure(context.Background(), "acc-1"), ErrSyncRunning)

	close(gate)
	drain(t, events)
	assert.False(t, f.coord.IsRunning())
	assert.Nil(t, f.coord.CurrentSession())
}

func TestRun_RecordsHistory(t *testing.T) {
	f := newFixture(t, httpAccount())
	f.stub.options = map[string]any{"write": false}

	f.run(t, ModeFull)
	f.run(t, ModeDiff)

	history, err := f.coord.History(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	byMode := map[string]*store.SyncHistory{}
	for _, h := range history {
		byMode[h.Direction] = h
	}
	assert.Equal(t, "completed", byMode["full"].Status)
	assert.Equal(t, "http", byMode["full"].Transport)
	assert.Equal(t, "failed", byMode["diff"].Status)
	assert.Equal(t, "No write access", byMode["diff"].ErrorMessage.String)
	assert.True(t, byMode["diff"].CompletedAt.Valid)
}

func TestRun_CancelledContextAbandonsPass(t *testing.T) {
	f := newFixture(t, httpAccount())
	f.stub.pages["clients/"] = page{Data: rows("c", 3), More: "2"}
	f.stub.pages["clients/2"] = page{Data: rows("c2", 3)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, err := f.coord.Run(ctx, ModeFull)
	require.NoError(t, err)
	for range events {
	}
	assert.False(t, f.coord.IsRunning())
	assert.Zero(t, f.stub.calls("debts"))
}

func TestRelayPass_PushesPendingDocuments(t *testing.T) {
	f := newFixture(t, relayAccount())
	ctx := context.Background()

	require.NoError(t, f.store.SaveDocument(ctx, &store.Cash{GUID: "k1", AccountID: "acc-r", Amount: 12}))
	require.NoError(t, f.store.SaveDocument(ctx, &store.Location{GUID: "l1", AccountID: "acc-r", Latitude: 1, Longitude: 2}))
	require.NoError(t, f.store.SaveDocument(ctx, &store.Order{GUID: "o1", AccountID: "acc-r"}))

	events := f.run(t, ModeDiff)
	success, ok := events[len(events)-1].(Success)
	require.True(t, ok, "last event %#v", events[len(events)-1])
	assert.Equal(t, 3, success.Sent)

	assert.ElementsMatch(t, []string{"cash", "location", "order"}, f.link.sentTypes())
	for _, guid := range []string{"k1", "l1", "o1"} {
		sent, _, err := f.store.DocumentFlags(ctx, guid)
		require.NoError(t, err)
		assert.True(t, sent, guid)
	}
	assert.Zero(t, f.stub.postCount())
	assert.Zero(t, f.stub.checks())

	status := f.coord.RelayStatus()
	assert.Equal(t, "connected", status.State)
	assert.Equal(t, "dev-test", status.DeviceID)
}

func TestRelayPass_FullRequestsCatalog(t *testing.T) {
	f := newFixture(t, relayAccount())

	events := f.run(t, ModeFull)
	assert.Equal(t, Progress{Phase: "pull", Type: "catalog_request", Count: 1}, events[0])
	_, ok := events[len(events)-1].(Success)
	assert.True(t, ok)
	assert.Equal(t, []string{"catalog_request"}, f.link.sentTypes())
}

func TestRelayPass_FailedSendLeavesDocumentPending(t *testing.T) {
	f := newFixture(t, relayAccount())
	f.link.fail = true
	ctx := context.Background()
	require.NoError(t, f.store.SaveDocument(ctx, &store.Cash{GUID: "k1", AccountID: "acc-r"}))

	events := f.run(t, ModeDiff)
	success, ok := events[len(events)-1].(Success)
	require.True(t, ok)
	assert.Zero(t, success.Sent)

	pending, err := f.store.PendingDocuments(ctx, "acc-r")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRelayPass_Unavailable(t *testing.T) {
	f := newFixture(t, relayAccount())
	f.coord.newRelay = func(*store.Account) RelayLink { return &downLink{fakeLink: newFakeLink()} }

	events := f.run(t, ModeDiff)
	require.Len(t, events, 1)
	failure, ok := events[0].(Failure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, relay.ErrPendingApproval)
}

// downLink never gets past approval.
type downLink struct{ *fakeLink }

func (d *downLink) Connect() {
	d.mu.Lock()
	d.state = relay.PendingApproval{}
	d.mu.Unlock()
}

func (d *downLink) AwaitConnected(context.Context) error { return relay.ErrPendingApproval }

func TestConfigure_DropsRelayLink(t *testing.T) {
	f := newFixture(t, relayAccount())
	f.run(t, ModeDiff)
	assert.True(t, f.coord.RelayStatus().State == "connected")

	require.NoError(t, f.store.SaveAccount(context.Background(), httpAccount()))
	require.NoError(t, f.coord.Configure(context.Background(), "acc-1"))

	assert.Equal(t, "disconnected", f.coord.RelayStatus().State)
	assert.Equal(t, relay.Disconnected{}, f.link.State())
	assert.False(t, f.coord.ReconnectRelay())
}

func TestConnectivityRegained_RunsDiffPass(t *testing.T) {
	f := newFixture(t, relayAccount())
	ctx := context.Background()
	require.NoError(t, f.store.SaveDocument(ctx, &store.Image{GUID: "i1", AccountID: "acc-r", Data: []byte{1}}))

	require.NoError(t, f.coord.ConnectivityRegained(ctx))

	sent, _, err := f.store.DocumentFlags(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, sent)
}

type fakeRunner struct {
	running atomic.Bool
	runs    atomic.Int32
}

func (r *fakeRunner) IsRunning() bool { return r.running.Load() }

func (r *fakeRunner) Run(context.Context, Mode) (<-chan Event, error) {
	r.runs.Add(1)
	ch := make(chan Event, 1)
	ch <- Success{Mode: ModeDiff}
	close(ch)
	return ch, nil
}

func TestScheduler_SkipsWhileRunning(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h", Mode: "diff"}, runner)

	runner.running.Store(true)
	s.triggerSync(ModeDiff)
	assert.Zero(t, runner.runs.Load())

	runner.running.Store(false)
	s.triggerSync(ModeDiff)
	assert.Equal(t, int32(1), runner.runs.Load())
}

func TestScheduler_StartValidates(t *testing.T) {
	disabled := NewScheduler(config.SchedulerConfig{Enabled: false}, &fakeRunner{})
	assert.NoError(t, disabled.Start())

	badMode := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h", Mode: "sideways"}, &fakeRunner{})
	assert.Error(t, badMode.Start())

	badSpec := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "whenever", Mode: "full"}, &fakeRunner{})
	assert.Error(t, badSpec.Start())

	ok := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h", Mode: "full"}, &fakeRunner{})
	require.NoError(t, ok.Start())
	ok.Stop()
}

func TestApplier_BatchesCatalogRows(t *testing.T) {
	f := newFixture(t, relayAccount())
	a := NewApplier(config.SyncConfig{InboundBatch: 2}, f.store)
	a.Start()

	a.Handle("acc-r", relay.Envelope{
		Type:      relay.TypeData,
		DataType:  "clients",
		Timestamp: 500,
		Data:      json.RawMessage(`[{"guid":"a"},{"guid":"b"},{"name":"no guid"}]`),
	})
	a.Handle("acc-r", relay.Envelope{
		Type:     relay.TypeData,
		DataType: "goods",
		Data:     json.RawMessage(`{"guid":"g1"}`),
	})
	a.Handle("acc-r", relay.Envelope{Type: relay.TypeData, DataType: "order_status", Data: json.RawMessage(`{"guid":"x"}`)})

	require.Eventually(t, func() bool {
		items, err := f.store.CatalogItems(context.Background(), "clients", "acc-r")
		return err == nil && len(items) == 2
	}, 5*time.Second, 10*time.Millisecond)

	a.Stop()

	clients, err := f.store.CatalogItems(context.Background(), "clients", "acc-r")
	require.NoError(t, err)
	for _, c := range clients {
		assert.Equal(t, int64(500), c.Timestamp)
	}

	goods, err := f.store.CatalogItems(context.Background(), "goods", "acc-r")
	require.NoError(t, err)
	require.Len(t, goods, 1)
	assert.Equal(t, "g1", goods[0].GUID)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("full")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	_, err = ParseMode("partial")
	assert.Error(t, err)
}
