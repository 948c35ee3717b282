package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"field-sync-service/internal/config"
	"field-sync-service/internal/logger"
	"field-sync-service/internal/relay"
	"field-sync-service/internal/store"
)

const (
	applierFlushInterval = 500 * time.Millisecond
	applierFlushTimeout  = 10 * time.Second
)

type inboundData struct {
	account string
	env     relay.Envelope
}

// Applier batches catalog rows pushed over the relay into the gateway. A
// batch is flushed when it reaches the configured size or on a short tick.
type Applier struct {
	gateway   store.Gateway
	batchSize int
	now       func() time.Time

	events chan inboundData
	batch  []store.CatalogItem

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApplier(cfg config.SyncConfig, gateway store.Gateway) *Applier {
	ctx, cancel := context.WithCancel(context.Background())

	batchSize := cfg.InboundBatch
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Applier{
		gateway:   gateway,
		batchSize: batchSize,
		now:       time.Now,
		events:    make(chan inboundData, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (a *Applier) Start() {
	logger.Log.Info("Starting inbound applier", zap.Int("batch", a.batchSize))
	a.wg.Add(1)
	go a.run()
}

// Stop flushes what is buffered and waits for the worker to exit.
func (a *Applier) Stop() {
	a.cancel()
	a.wg.Wait()
	logger.Log.Info("Stopped inbound applier")
}

// Handle queues a relay data envelope for account. It blocks while the
// worker is behind and gives up once the applier is stopped.
func (a *Applier) Handle(account string, env relay.Envelope) {
	select {
	case a.events <- inboundData{account: account, env: env}:
	case <-a.ctx.Done():
		logger.Log.Warn("Applier stopped, dropping inbound data", zap.String("message_id", env.MessageID))
	}
}

func (a *Applier) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(applierFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-a.events:
			a.batch = append(a.batch, a.decode(in)...)
			if len(a.batch) >= a.batchSize {
				a.flush()
			}

		case <-ticker.C:
			if len(a.batch) > 0 {
				a.flush()
			}

		case <-a.ctx.Done():
			a.drain()
			a.flush()
			return
		}
	}
}

func (a *Applier) drain() {
	for {
		select {
		case in := <-a.events:
			a.batch = append(a.batch, a.decode(in)...)
		default:
			return
		}
	}
}

func (a *Applier) decode(in inboundData) []store.CatalogItem {
	if !isCatalogType(in.env.DataType) {
		logger.Log.Debug("Ignoring non-catalog relay data", zap.String("data_type", in.env.DataType))
		return nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(in.env.Data, &rows); err != nil {
		// a single row is sent bare
		rows = []json.RawMessage{in.env.Data}
	}

	ts := in.env.Timestamp
	if ts == 0 {
		ts = a.now().UnixMilli()
	}
	return catalogItems(in.env.DataType, in.account, ts, rows)
}

func (a *Applier) flush() {
	if len(a.batch) == 0 {
		return
	}

	logger.Log.Debug("Applying inbound batch", zap.Int("size", len(a.batch)))

	ctx, cancel := context.WithTimeout(context.Background(), applierFlushTimeout)
	defer cancel()
	if err := a.gateway.UpsertCatalogItems(ctx, a.batch); err != nil {
		logger.Log.Error("Failed to apply inbound catalog rows",
			zap.Int("size", len(a.batch)),
			zap.Error(err),
		)
	}
	a.batch = a.batch[:0]
}

func isCatalogType(t string) bool {
	switch t {
	case "clients", "debts", "goods", "clients_locations", "clients_directions", "clients_goods", "images":
		return true
	}
	return false
}
