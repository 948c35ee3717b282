package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"field-sync-service/internal/logger"
	"field-sync-service/internal/store"
	"field-sync-service/internal/sync"
	"field-sync-service/internal/syncerr"
)

// Service is the sync coordinator as exposed to the UI shell.
type Service interface {
	Run(ctx context.Context, mode sync.Mode) (<-chan sync.Event, error)
	GetStatus() string
	CurrentSession() *sync.Session
	History(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error)
	RelayStatus() sync.RelayStatus
	ReconnectRelay() bool
	RetryFailedMessages(ctx context.Context) int
	ClearPendingMessages() int
	ConnectivityRegained(ctx context.Context) error
	GetDocumentContent(ctx context.Context, docType, guid string) ([]byte, error)
	GetPrintData(ctx context.Context, guid string) ([]byte, error)
}

type Handler struct {
	svc       Service
	authToken string
	origins   []string
}

func NewHandler(svc Service, authToken string, origins []string) *Handler {
	return &Handler{
		svc:       svc,
		authToken: authToken,
		origins:   origins,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.origins))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.authToken))

		r.Post("/sync/{mode}", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)

		r.Get("/relay/status", h.GetRelayStatus)
		r.Post("/relay/reconnect", h.ReconnectRelay)
		r.Post("/relay/retry", h.RetryFailed)
		r.Delete("/relay/pending", h.ClearPending)

		r.Post("/connectivity", h.ConnectivityRegained)

		r.Get("/documents/{type}/{guid}", h.GetDocument)
		r.Get("/print/{guid}", h.GetPrint)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// TriggerSync runs a pass and streams its events as NDJSON. Closing the
// request abandons the pass.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	mode, err := sync.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.svc.Run(r.Context(), mode)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(eventView(ev)); err != nil {
			logger.Log.Debug("Event stream closed by client", zap.Error(err))
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": h.svc.GetStatus()}
	if s := h.svc.CurrentSession(); s != nil {
		resp["session"] = map[string]any{
			"id":         s.ID,
			"account":    s.Account,
			"mode":       s.Mode,
			"transport":  s.Transport,
			"started_at": s.StartedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	history, err := h.svc.History(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(history))
	for _, hst := range history {
		row := map[string]any{
			"id":         hst.ID,
			"account":    hst.AccountGUID,
			"mode":       hst.Direction,
			"transport":  hst.Transport,
			"status":     hst.Status,
			"total_rows": hst.TotalRows,
			"started_at": hst.StartedAt,
		}
		if hst.CompletedAt.Valid {
			row["completed_at"] = hst.CompletedAt.Time
		}
		if hst.ErrorMessage.Valid {
			row["error"] = hst.ErrorMessage.String
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetRelayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.RelayStatus())
}

func (h *Handler) ReconnectRelay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"reconnecting": h.svc.ReconnectRelay()})
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"requeued": h.svc.RetryFailedMessages(r.Context())})
}

func (h *Handler) ClearPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.svc.ClearPendingMessages()})
}

// ConnectivityRegained returns at once; the pass runs in the background.
func (h *Handler) ConnectivityRegained(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := h.svc.ConnectivityRegained(ctx); err != nil {
			logger.Log.Warn("Connectivity pass failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	content, err := h.svc.GetDocumentContent(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "guid"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (h *Handler) GetPrint(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.GetPrintData(r.Context(), chi.URLParam(r, "guid"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func eventView(ev sync.Event) map[string]any {
	switch e := ev.(type) {
	case sync.Progress:
		return map[string]any{"event": "progress", "phase": e.Phase, "type": e.Type, "count": e.Count}
	case sync.Failure:
		view := map[string]any{"event": "error", "message": e.Message}
		if e.StatusCode != 0 {
			view["status_code"] = e.StatusCode
		}
		return view
	case sync.Success:
		return map[string]any{
			"event":       "success",
			"mode":        e.Mode,
			"duration_ms": e.Duration.Milliseconds(),
			"items":       e.Items,
			"sent":        e.Sent,
		}
	default:
		return map[string]any{"event": "unknown"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		notFound   *syncerr.NotFoundError
		validation *syncerr.ValidationError
		auth       *syncerr.AuthenticationError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sync.ErrSyncRunning):
		status = http.StatusConflict
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &auth):
		status = http.StatusForbidden
	default:
		if _, ok := syncerr.HTTPStatus(err); ok || syncerr.IsRetryable(err) {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

var _ Service = (*sync.Coordinator)(nil)
