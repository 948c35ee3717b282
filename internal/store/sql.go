package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"field-sync-service/internal/database"
	"field-sync-service/internal/logger"
	"field-sync-service/internal/syncerr"
)

// SQLStore implements Gateway on MySQL or SQLite.
type SQLStore struct {
	db *database.Database
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// upsert picks the dialect-specific form of an insert-or-update statement.
func (s *SQLStore) upsert(mysql, sqlite string) string {
	if s.db.Dialect == database.MySQL {
		return mysql
	}
	return sqlite
}

func (s *SQLStore) GetAccount(ctx context.Context, guid string) (*Account, error) {
	query := `SELECT guid, name, use_relay, login, password, relay_key, token, options, license
			  FROM accounts WHERE guid = ?`

	var (
		a       Account
		options sql.NullString
	)
	err := s.db.DB.QueryRowContext(ctx, query, guid).Scan(
		&a.GUID,
		&a.Name,
		&a.UseRelay,
		&a.Login,
		&a.Password,
		&a.RelayKey,
		&a.Token,
		&options,
		&a.License,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &syncerr.NotFoundError{ResourceType: "account", ID: guid}
	}
	if err != nil {
		return nil, syncerr.Database("get account", err)
	}
	a.Options = options.String
	return &a, nil
}

func (s *SQLStore) SaveAccount(ctx context.Context, a *Account) error {
	query := s.upsert(
		`INSERT INTO accounts (guid, name, use_relay, login, password, relay_key, token, options, license)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		 name = VALUES(name), use_relay = VALUES(use_relay), login = VALUES(login),
		 password = VALUES(password), relay_key = VALUES(relay_key), token = VALUES(token),
		 options = VALUES(options), license = VALUES(license)`,
		`INSERT INTO accounts (guid, name, use_relay, login, password, relay_key, token, options, license)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO UPDATE SET
		 name = excluded.name, use_relay = excluded.use_relay, login = excluded.login,
		 password = excluded.password, relay_key = excluded.relay_key, token = excluded.token,
		 options = excluded.options, license = excluded.license`,
	)

	_, err := s.db.DB.ExecContext(ctx, query,
		a.GUID, a.Name, a.UseRelay, a.Login, a.Password, a.RelayKey, a.Token, a.Options, a.License)
	return syncerr.Database("save account", err)
}

func (s *SQLStore) SaveAccountCredentials(ctx context.Context, guid, token, options, license string) error {
	query := `UPDATE accounts SET token = ?, options = ?, license = ? WHERE guid = ?`

	_, err := s.db.DB.ExecContext(ctx, query, token, options, license, guid)
	return syncerr.Database("save credentials", err)
}

func (s *SQLStore) ClearAccountToken(ctx context.Context, guid string) error {
	query := `UPDATE accounts SET token = '' WHERE guid = ?`

	_, err := s.db.DB.ExecContext(ctx, query, guid)
	return syncerr.Database("clear token", err)
}

func (s *SQLStore) UpsertCatalogItems(ctx context.Context, items []CatalogItem) error {
	if len(items) == 0 {
		return nil
	}

	// A row only replaces a stored one that is not newer.
	query := s.upsert(
		`INSERT INTO catalog_items (type, database_id, guid, timestamp, fields)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		 fields = IF(VALUES(timestamp) >= timestamp, VALUES(fields), fields),
		 timestamp = GREATEST(timestamp, VALUES(timestamp))`,
		`INSERT INTO catalog_items (type, database_id, guid, timestamp, fields)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(type, database_id, guid) DO UPDATE SET
		 fields = excluded.fields, timestamp = excluded.timestamp
		 WHERE excluded.timestamp >= catalog_items.timestamp`,
	)

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, item := range items {
			if _, err := stmt.ExecContext(ctx, item.Type, item.DatabaseID, item.GUID, item.Timestamp, string(item.Fields)); err != nil {
				return fmt.Errorf("%s/%s: %w", item.Type, item.GUID, err)
			}
		}
		return nil
	})
	return syncerr.Database("upsert catalog", err)
}

func (s *SQLStore) CleanupCatalog(ctx context.Context, databaseID string, before int64) (int64, error) {
	query := `DELETE FROM catalog_items WHERE database_id = ? AND timestamp < ?`

	res, err := s.db.DB.ExecContext(ctx, query, databaseID, before)
	if err != nil {
		return 0, syncerr.Database("cleanup catalog", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.Database("cleanup catalog", err)
	}

	logger.Log.Debug("Catalog cleanup",
		zap.String("database_id", databaseID),
		zap.Int64("before", before),
		zap.Int64("deleted", n),
	)
	return n, nil
}

// CatalogItems lists the stored rows of one type, mostly for inspection.
func (s *SQLStore) CatalogItems(ctx context.Context, typ, databaseID string) ([]CatalogItem, error) {
	query := `SELECT type, database_id, guid, timestamp, fields
			  FROM catalog_items WHERE type = ? AND database_id = ? ORDER BY guid`

	rows, err := s.db.DB.QueryContext(ctx, query, typ, databaseID)
	if err != nil {
		return nil, syncerr.Database("list catalog", err)
	}
	defer rows.Close()

	var items []CatalogItem
	for rows.Next() {
		var (
			item   CatalogItem
			fields []byte
		)
		if err := rows.Scan(&item.Type, &item.DatabaseID, &item.GUID, &item.Timestamp, &fields); err != nil {
			return nil, syncerr.Database("list catalog", err)
		}
		item.Fields = json.RawMessage(fields)
		items = append(items, item)
	}
	return items, syncerr.Database("list catalog", rows.Err())
}

func (s *SQLStore) SaveDocument(ctx context.Context, doc Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return &syncerr.ValidationError{Field: "payload", Message: err.Error()}
	}

	query := s.upsert(
		`INSERT INTO documents (guid, account_id, kind, payload, is_sent, is_processed, created_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)
		 ON DUPLICATE KEY UPDATE payload = VALUES(payload), is_sent = 0, is_processed = 0`,
		`INSERT INTO documents (guid, account_id, kind, payload, is_sent, is_processed, created_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)
		 ON CONFLICT(guid) DO UPDATE SET payload = excluded.payload, is_sent = 0, is_processed = 0`,
	)

	_, err = s.db.DB.ExecContext(ctx, query,
		doc.DocumentGUID(), doc.Account(), string(doc.Kind()), string(payload), time.Now().UnixMilli())
	return syncerr.Database("save document", err)
}

func (s *SQLStore) SaveOrderLines(ctx context.Context, orderGUID string, lines []OrderLine) error {
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_lines WHERE order_guid = ?`, orderGUID); err != nil {
			return err
		}
		for _, l := range lines {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO order_lines (order_guid, line_no, goods_guid, quantity, price, line_sum)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				orderGUID, l.LineNo, l.GoodsGUID, l.Quantity, l.Price, l.Sum)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return syncerr.Database("save order lines", err)
}

func (s *SQLStore) PendingDocuments(ctx context.Context, accountGUID string) ([]Document, error) {
	query := `SELECT kind, payload FROM documents
			  WHERE account_id = ? AND is_sent = 0 ORDER BY created_at, guid`

	rows, err := s.db.DB.QueryContext(ctx, query, accountGUID)
	if err != nil {
		return nil, syncerr.Database("pending documents", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			kind    string
			payload []byte
		)
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, syncerr.Database("pending documents", err)
		}
		doc, err := decodeDocument(DocumentKind(kind), accountGUID, payload)
		if err != nil {
			logger.Log.Warn("Skipping undecodable document", zap.String("kind", kind), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, syncerr.Database("pending documents", rows.Err())
}

func (s *SQLStore) OrderContent(ctx context.Context, orderGUID string) ([]OrderLine, error) {
	query := `SELECT order_guid, line_no, goods_guid, quantity, price, line_sum
			  FROM order_lines WHERE order_guid = ? ORDER BY line_no`

	rows, err := s.db.DB.QueryContext(ctx, query, orderGUID)
	if err != nil {
		return nil, syncerr.Database("order content", err)
	}
	defer rows.Close()

	var lines []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.OrderGUID, &l.LineNo, &l.GoodsGUID, &l.Quantity, &l.Price, &l.Sum); err != nil {
			return nil, syncerr.Database("order content", err)
		}
		lines = append(lines, l)
	}
	return lines, syncerr.Database("order content", rows.Err())
}

// SaveSendResult records the outcome and flips the document's flags. A
// "processed" status means the backend already posted the document.
func (s *SQLStore) SaveSendResult(ctx context.Context, r SendResult) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	processed := r.Status == "processed"

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO send_results (document_guid, kind, status, warning, transport, sent_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.DocumentGUID, string(r.Kind), r.Status, r.Warning, r.Transport, r.SentAt.UnixMilli())
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET is_sent = 1, is_processed = ? WHERE guid = ?`,
			processed, r.DocumentGUID)
		return err
	})
	return syncerr.Database("save send result", err)
}

// DocumentFlags returns the isSent/isProcessed pair of a document.
func (s *SQLStore) DocumentFlags(ctx context.Context, guid string) (sent, processed bool, err error) {
	err = s.db.DB.QueryRowContext(ctx,
		`SELECT is_sent, is_processed FROM documents WHERE guid = ?`, guid).Scan(&sent, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, &syncerr.NotFoundError{ResourceType: "document", ID: guid}
	}
	return sent, processed, syncerr.Database("document flags", err)
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, h *SyncHistory) error {
	query := `INSERT INTO sync_history (id, account_guid, started_at, completed_at, direction, transport, total_rows, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		h.ID,
		h.AccountGUID,
		h.StartedAt.UnixMilli(),
		nullMillis(h.CompletedAt),
		h.Direction,
		h.Transport,
		h.TotalRows,
		h.Status,
		h.ErrorMessage,
	)
	return syncerr.Database("create history", err)
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, h *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, total_rows = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.db.DB.ExecContext(ctx, query,
		nullMillis(h.CompletedAt),
		h.TotalRows,
		h.Status,
		h.ErrorMessage,
		h.ID,
	)
	return syncerr.Database("update history", err)
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, account_guid, started_at, completed_at, direction, transport, total_rows, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, syncerr.Database("get history", err)
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var (
			h         SyncHistory
			started   int64
			completed sql.NullInt64
		)
		err := rows.Scan(
			&h.ID,
			&h.AccountGUID,
			&started,
			&completed,
			&h.Direction,
			&h.Transport,
			&h.TotalRows,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, syncerr.Database("get history", err)
		}
		h.StartedAt = time.UnixMilli(started)
		if completed.Valid {
			h.CompletedAt = sql.NullTime{Time: time.UnixMilli(completed.Int64), Valid: true}
		}
		history = append(history, &h)
	}

	return history, syncerr.Database("get history", rows.Err())
}

func nullMillis(t sql.NullTime) sql.NullInt64 {
	if !t.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Time.UnixMilli(), Valid: true}
}
