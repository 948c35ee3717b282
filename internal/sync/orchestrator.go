package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"field-sync-service/internal/backend"
	"field-sync-service/internal/logger"
	"field-sync-service/internal/store"
	"field-sync-service/internal/syncerr"
)

// Backend is the request/response API the orchestrator drives.
type Backend interface {
	BaseURL() string
	SetCredentials(creds backend.Credentials)
	GetCatalog(ctx context.Context, catalogType, token, more string) (*backend.CatalogPage, error)
	Post(ctx context.Context, token string, body any) (*backend.PostResponse, error)
	GetDocument(ctx context.Context, docType, guid, token string) (*backend.DocumentResponse, error)
	GetPrint(ctx context.Context, guid string) (*backend.PrintResponse, error)
}

// TokenSource is the token manager as seen by a sync pass.
type TokenSource interface {
	Account() *store.Account
	Token() string
	Refresh(ctx context.Context, tag string) (string, error)
	ResetCounter()
	ClearToken(ctx context.Context) error
}

// Catalog types pulled on every full sync, in order.
var baseCatalogTypes = []string{"clients", "debts", "goods"}

// Result summarises a finished pass.
type Result struct {
	Items int
	Sent  int
}

// Orchestrator runs passes over the HTTP transport.
type Orchestrator struct {
	backend Backend
	tokens  TokenSource
	gateway store.Gateway
}

func NewOrchestrator(b Backend, tokens TokenSource, gateway store.Gateway) *Orchestrator {
	return &Orchestrator{backend: b, tokens: tokens, gateway: gateway}
}

func (o *Orchestrator) useAccount(acc *store.Account) {
	o.backend.SetCredentials(backend.Credentials{Login: acc.Login, Password: acc.Password})
}

// prepare validates the account and makes sure a usable token is at hand.
// Requests read the token per call: the re-auth transport can rotate it
// mid-pass.
func (o *Orchestrator) prepare(ctx context.Context) (*store.Account, error) {
	acc := o.tokens.Account()
	if acc == nil || acc.GUID == "" {
		return nil, &syncerr.ValidationError{Field: "account.guid", Message: "no account configured"}
	}
	if o.backend.BaseURL() == "" {
		return nil, &syncerr.ValidationError{Field: "backend.base_url", Message: "not configured"}
	}

	o.tokens.ResetCounter()

	if o.tokens.Token() == "" || !acc.HasOptions() {
		if _, err := o.tokens.Refresh(ctx, "prepare"); err != nil {
			return nil, err
		}
		acc = o.tokens.Account()
	}
	return acc, nil
}

// CatalogQueue lists the catalog types a full sync pulls for acc.
func CatalogQueue(acc *store.Account) []string {
	queue := append([]string(nil), baseCatalogTypes...)
	opts, err := acc.ParsedOptions()
	if err != nil {
		logger.Log.Warn("Ignoring unreadable account options", zap.String("account", acc.GUID), zap.Error(err))
		return queue
	}
	if opts.ClientsLocations {
		queue = append(queue, "clients_locations")
	}
	if opts.ClientsDirections {
		queue = append(queue, "clients_directions")
	}
	if opts.ClientsGoods {
		queue = append(queue, "clients_goods")
	}
	if opts.Images {
		queue = append(queue, "images")
	}
	return queue
}

// FullSync pulls every catalog type page by page and then removes the
// account's rows the pass did not refresh.
func (o *Orchestrator) FullSync(ctx context.Context, s *Session, emit func(Event)) (Result, error) {
	var res Result

	acc, err := o.prepare(ctx)
	if err != nil {
		return res, o.fail(ctx, err)
	}

	for _, typ := range CatalogQueue(acc) {
		n, err := o.pullType(ctx, acc.GUID, typ, s.Timestamp)
		res.Items += n
		if err != nil {
			return res, o.fail(ctx, err)
		}
		emit(Progress{Phase: "pull", Type: typ, Count: n})
	}

	removed, err := o.gateway.CleanupCatalog(ctx, acc.GUID, s.Timestamp)
	if err != nil {
		return res, o.fail(ctx, err)
	}
	emit(Progress{Phase: "cleanup", Count: int(removed)})

	logger.Log.Info("Full sync finished",
		zap.String("session", s.ID),
		zap.Int("items", res.Items),
		zap.Int64("removed", removed),
		zap.Duration("elapsed", time.Since(s.StartedAt)),
	)
	return res, nil
}

// pullType follows the more cursor one page at a time.
func (o *Orchestrator) pullType(ctx context.Context, accountGUID, typ string, ts int64) (int, error) {
	total := 0
	more := ""
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		page, err := o.backend.GetCatalog(ctx, typ, o.tokens.Token(), more)
		if err != nil {
			return total, err
		}

		items := catalogItems(typ, accountGUID, ts, page.Data)
		if len(items) > 0 {
			if err := o.gateway.UpsertCatalogItems(ctx, items); err != nil {
				return total, err
			}
		}
		total += len(items)

		logger.Log.Debug("Catalog page applied",
			zap.String("type", typ),
			zap.Int("rows", len(items)),
			zap.Bool("more", page.More != ""),
		)

		if page.More == "" {
			return total, nil
		}
		if page.More == more {
			return total, fmt.Errorf("%s: pagination cursor %q did not advance", typ, more)
		}
		more = page.More
	}
}

// catalogItems keys raw rows by their guid field; rows without one are
// dropped.
func catalogItems(typ, accountGUID string, ts int64, rows []json.RawMessage) []store.CatalogItem {
	items := make([]store.CatalogItem, 0, len(rows))
	for _, row := range rows {
		var key struct {
			GUID string `json:"guid"`
		}
		if err := json.Unmarshal(row, &key); err != nil || key.GUID == "" {
			logger.Log.Warn("Skipping catalog row without guid", zap.String("type", typ))
			continue
		}
		items = append(items, store.CatalogItem{
			Type:       typ,
			DatabaseID: accountGUID,
			GUID:       key.GUID,
			Timestamp:  ts,
			Fields:     row,
		})
	}
	return items
}

// DiffSync pushes pending documents. It does not pull.
func (o *Orchestrator) DiffSync(ctx context.Context, s *Session, emit func(Event)) (Result, error) {
	var res Result

	acc, err := o.prepare(ctx)
	if err != nil {
		return res, o.fail(ctx, err)
	}
	if !acc.CanWrite() {
		return res, syncerr.ErrNoWriteAccess
	}

	docs, err := o.gateway.PendingDocuments(ctx, acc.GUID)
	if err != nil {
		return res, o.fail(ctx, err)
	}
	emit(Progress{Phase: "push", Type: "pending", Count: len(docs)})

	sentByKind := map[store.DocumentKind]int{}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		payload, err := BuildPayload(ctx, o.gateway, doc)
		if err != nil {
			return res, o.fail(ctx, err)
		}

		resp, err := o.backend.Post(ctx, o.tokens.Token(), payload)
		if err != nil {
			return res, o.fail(ctx, err)
		}

		ok, err := o.recordPost(ctx, doc, resp)
		if err != nil {
			return res, o.fail(ctx, err)
		}
		if ok {
			res.Sent++
			sentByKind[doc.Kind()]++
		}
	}

	for _, kind := range []store.DocumentKind{store.KindOrder, store.KindCash, store.KindImage, store.KindLocation} {
		if n := sentByKind[kind]; n > 0 {
			emit(Progress{Phase: "push", Type: string(kind), Count: n})
		}
	}

	logger.Log.Info("Differential sync finished",
		zap.String("session", s.ID),
		zap.Int("pending", len(docs)),
		zap.Int("sent", res.Sent),
	)
	return res, nil
}

// recordPost stores the outcome of one POST. A non-empty error alongside an
// ok result is a warning only; the literal "null" counts as non-empty.
func (o *Orchestrator) recordPost(ctx context.Context, doc store.Document, resp *backend.PostResponse) (bool, error) {
	fields := []zap.Field{
		zap.String("guid", doc.DocumentGUID()),
		zap.String("kind", string(doc.Kind())),
		zap.String("status", resp.Status),
	}

	switch resp.Result {
	case "ok":
		if resp.Error != "" {
			logger.Log.Warn("Document accepted with warning", append(fields, zap.String("warning", resp.Error))...)
		}
		err := o.gateway.SaveSendResult(ctx, store.SendResult{
			DocumentGUID: doc.DocumentGUID(),
			Kind:         doc.Kind(),
			Status:       resp.Status,
			Warning:      resp.Error,
			Transport:    string(TransportHTTP),
			SentAt:       time.Now(),
		})
		return err == nil, err
	case "error":
		logger.Log.Warn("Document rejected, leaving pending", append(fields, zap.String("error", resp.Error))...)
	default:
		logger.Log.Warn("Unrecognised post result, leaving pending", append(fields, zap.String("result", resp.Result))...)
	}
	return false, nil
}

// GetDocumentContent fetches one document from the backend.
func (o *Orchestrator) GetDocumentContent(ctx context.Context, docType, guid string) (json.RawMessage, error) {
	if _, err := o.prepare(ctx); err != nil {
		return nil, o.fail(ctx, err)
	}

	resp, err := o.backend.GetDocument(ctx, docType, guid, o.tokens.Token())
	if err != nil {
		return nil, o.fail(ctx, err)
	}
	if resp.Error != "" {
		return nil, &syncerr.NotFoundError{ResourceType: docType, ID: guid}
	}
	return resp.Content, nil
}

// GetPrintData returns the decoded printable form of a document.
func (o *Orchestrator) GetPrintData(ctx context.Context, guid string) ([]byte, error) {
	if _, err := o.prepare(ctx); err != nil {
		return nil, o.fail(ctx, err)
	}

	resp, err := o.backend.GetPrint(ctx, guid)
	if err != nil {
		return nil, o.fail(ctx, err)
	}
	if resp.Error != "" {
		return nil, &syncerr.NotFoundError{ResourceType: "print", ID: guid}
	}
	data, err := resp.Decode()
	if err != nil {
		return nil, &syncerr.NetworkError{Op: "print", Message: fmt.Sprintf("bad base64 payload: %v", err)}
	}
	return data, nil
}

// fail applies the pass error policy: a backend HTTP error or an exhausted
// refresh budget clears the token, anything else leaves it alone.
func (o *Orchestrator) fail(ctx context.Context, err error) error {
	_, isHTTP := syncerr.HTTPStatus(err)
	if isHTTP || errors.Is(err, syncerr.ErrRefreshLimit) {
		if cerr := o.tokens.ClearToken(context.WithoutCancel(ctx)); cerr != nil {
			logger.Log.Error("Failed to clear token", zap.Error(cerr))
		}
	}
	return err
}

// OutboundPayload is the wire form of a pushed document, shared by both
// transports.
type OutboundPayload struct {
	Type      store.DocumentKind `json:"type"`
	AccountID string             `json:"account_id"`
	Document  store.Document     `json:"document"`
	Content   []store.OrderLine  `json:"content,omitempty"`
}

// BuildPayload serialises doc, attaching content lines to orders.
func BuildPayload(ctx context.Context, gateway store.Gateway, doc store.Document) (*OutboundPayload, error) {
	p := &OutboundPayload{
		Type:      doc.Kind(),
		AccountID: doc.Account(),
		Document:  doc,
	}

	switch doc.(type) {
	case *store.Order:
		lines, err := gateway.OrderContent(ctx, doc.DocumentGUID())
		if err != nil {
			return nil, err
		}
		p.Content = lines
	case *store.Cash, *store.Image, *store.Location:
	}
	return p, nil
}
