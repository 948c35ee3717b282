package store

import (
	"context"
)

// AccountStore is the only path through which the account's token, options
// and license are mutated.
type AccountStore interface {
	GetAccount(ctx context.Context, guid string) (*Account, error)
	SaveAccount(ctx context.Context, account *Account) error
	SaveAccountCredentials(ctx context.Context, guid, token, options, license string) error
	ClearAccountToken(ctx context.Context, guid string) error
}

// Gateway is the sync core's view of the on-device store.
type Gateway interface {
	AccountStore

	// Catalog
	UpsertCatalogItems(ctx context.Context, items []CatalogItem) error
	// CleanupCatalog deletes rows of databaseID older than before and
	// returns how many were removed.
	CleanupCatalog(ctx context.Context, databaseID string, before int64) (int64, error)

	// Outbound documents
	SaveDocument(ctx context.Context, doc Document) error
	SaveOrderLines(ctx context.Context, orderGUID string, lines []OrderLine) error
	PendingDocuments(ctx context.Context, accountGUID string) ([]Document, error)
	OrderContent(ctx context.Context, orderGUID string) ([]OrderLine, error)
	SaveSendResult(ctx context.Context, result SendResult) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Close() error
}
