package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"field-sync-service/internal/database"
	"field-sync-service/internal/syncerr"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)

	s := NewSQLStore(db)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	// second run must be a no-op
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestAccountLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "acc-1")
	var notFound *syncerr.NotFoundError
	require.ErrorAs(t, err, &notFound)

	require.NoError(t, s.SaveAccount(ctx, &Account{GUID: "acc-1", Name: "Shop", UseRelay: true, Login: "agent"}))
	require.NoError(t, s.SaveAccountCredentials(ctx, "acc-1", "tok-1", `{"write":true}`, "lic"))

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", acc.Token)
	assert.Equal(t, "lic", acc.License)
	assert.True(t, acc.UseRelay)
	assert.True(t, acc.CanWrite())

	require.NoError(t, s.ClearAccountToken(ctx, "acc-1"))
	acc, err = s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, acc.Token)
	assert.Equal(t, `{"write":true}`, acc.Options)
}

func TestUpsertCatalogItems_LastWriteWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCatalogItems(ctx, []CatalogItem{
		{Type: "clients", DatabaseID: "acc-1", GUID: "c1", Timestamp: 200, Fields: json.RawMessage(`{"name":"new"}`)},
	}))
	require.NoError(t, s.UpsertCatalogItems(ctx, []CatalogItem{
		{Type: "clients", DatabaseID: "acc-1", GUID: "c1", Timestamp: 100, Fields: json.RawMessage(`{"name":"stale"}`)},
	}))

	items, err := s.CatalogItems(ctx, "clients", "acc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(200), items[0].Timestamp)
	assert.JSONEq(t, `{"name":"new"}`, string(items[0].Fields))

	require.NoError(t, s.UpsertCatalogItems(ctx, []CatalogItem{
		{Type: "clients", DatabaseID: "acc-1", GUID: "c1", Timestamp: 300, Fields: json.RawMessage(`{"name":"newer"}`)},
	}))
	items, err = s.CatalogItems(ctx, "clients", "acc-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"newer"}`, string(items[0].Fields))
}

func TestCleanupCatalog_KeepsCurrentPass(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const pass = int64(1_000)
	require.NoError(t, s.UpsertCatalogItems(ctx, []CatalogItem{
		{Type: "clients", DatabaseID: "acc-1", GUID: "old", Timestamp: pass - 1, Fields: json.RawMessage(`{}`)},
		{Type: "goods", DatabaseID: "acc-1", GUID: "old-goods", Timestamp: 1, Fields: json.RawMessage(`{}`)},
		{Type: "clients", DatabaseID: "acc-1", GUID: "fresh", Timestamp: pass, Fields: json.RawMessage(`{}`)},
		{Type: "clients", DatabaseID: "acc-2", GUID: "other", Timestamp: 1, Fields: json.RawMessage(`{}`)},
	}))

	deleted, err := s.CleanupCatalog(ctx, "acc-1", pass)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	items, err := s.CatalogItems(ctx, "clients", "acc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "fresh", items[0].GUID)

	other, err := s.CatalogItems(ctx, "clients", "acc-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestDocuments_PendingAndSendResult(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	order := &Order{GUID: "o1", AccountID: "acc-1", ClientGUID: "c1", Number: "A-1", Total: 30}
	img := &Image{GUID: "i1", AccountID: "acc-1", ClientGUID: "c1", Data: []byte{0xff, 0xd8}}
	foreign := &Cash{GUID: "k1", AccountID: "acc-2", Amount: 5}

	require.NoError(t, s.SaveDocument(ctx, order))
	require.NoError(t, s.SaveDocument(ctx, img))
	require.NoError(t, s.SaveDocument(ctx, foreign))
	require.NoError(t, s.SaveOrderLines(ctx, "o1", []OrderLine{
		{LineNo: 2, GoodsGUID: "g2", Quantity: 1, Price: 10, Sum: 10},
		{LineNo: 1, GoodsGUID: "g1", Quantity: 2, Price: 10, Sum: 20},
	}))

	docs, err := s.PendingDocuments(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, docs, 2)

	kinds := map[DocumentKind]Document{}
	for _, d := range docs {
		kinds[d.Kind()] = d
	}
	gotOrder, ok := kinds[KindOrder].(*Order)
	require.True(t, ok)
	assert.Equal(t, "A-1", gotOrder.Number)
	assert.Equal(t, "acc-1", gotOrder.Account())
	gotImage, ok := kinds[KindImage].(*Image)
	require.True(t, ok)
	assert.Equal(t, []byte{0xff, 0xd8}, gotImage.Data)

	lines, err := s.OrderContent(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 1, lines[0].LineNo)
	assert.Equal(t, "o1", lines[0].OrderGUID)

	require.NoError(t, s.SaveSendResult(ctx, SendResult{DocumentGUID: "o1", Kind: KindOrder, Status: "queued", Transport: "http"}))
	require.NoError(t, s.SaveSendResult(ctx, SendResult{DocumentGUID: "i1", Kind: KindImage, Status: "processed", Transport: "relay"}))

	sent, processed, err := s.DocumentFlags(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.False(t, processed)

	sent, processed, err = s.DocumentFlags(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.True(t, processed)

	docs, err = s.PendingDocuments(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSyncHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	started := time.UnixMilli(time.Now().UnixMilli())
	h := &SyncHistory{
		ID:          "h1",
		AccountGUID: "acc-1",
		StartedAt:   started,
		Direction:   "full",
		Transport:   "http",
		Status:      "running",
	}
	require.NoError(t, s.CreateSyncHistory(ctx, h))

	h.Status = "failed"
	h.TotalRows = 15
	h.CompletedAt = sql.NullTime{Time: started.Add(time.Second), Valid: true}
	h.ErrorMessage = sql.NullString{String: "http 500", Valid: true}
	require.NoError(t, s.UpdateSyncHistory(ctx, h))

	history, err := s.GetSyncHistory(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "failed", history[0].Status)
	assert.Equal(t, int64(15), history[0].TotalRows)
	assert.True(t, history[0].StartedAt.Equal(started))
	assert.True(t, history[0].CompletedAt.Valid)
	assert.Equal(t, "http 500", history[0].ErrorMessage.String)
}

func TestAccountOptions(t *testing.T) {
	acc := &Account{}
	assert.False(t, acc.HasOptions())
	assert.False(t, acc.CanWrite())

	acc.Options = `{"write":false,"images":true,"clients_goods":true}`
	opts, err := acc.ParsedOptions()
	require.NoError(t, err)
	assert.True(t, opts.Images)
	assert.True(t, opts.ClientsGoods)
	assert.False(t, opts.ClientsLocations)
	assert.False(t, acc.CanWrite())

	acc.Options = `not json`
	_, err = acc.ParsedOptions()
	assert.Error(t, err)
	assert.False(t, acc.CanWrite())
}
