package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-rental/internal/common"
)

// Inspector is the subset of *asynq.Inspector the admin endpoints use.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
	RunAllArchivedTasks(queue string) (int, error)
}

// AdminHandler exposes queue inspection and manual reconcile endpoints.
type AdminHandler struct {
	Inspector Inspector
	Queue     Enqueuer
	PageSize  int
	Logger    zerolog.Logger
}

// Routes mounts the admin endpoints on r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/queue/stats", h.Stats)
	r.Get("/queue/dlq", h.ListDLQ)
	r.Post("/queue/dlq/replay", h.ReplayDLQ)
	r.Post("/orders/{id}/recompute", h.Recompute)
}

// Stats returns the state counters of the rental queue.
func (h *AdminHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	info, err := h.Inspector.GetQueueInfo(QueueName)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		common.JSON(w, http.StatusOK, map[string]any{"queue": QueueName, "size": 0})
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"queue":     info.Queue,
		"size":      info.Size,
		"pending":   info.Pending,
		"active":    info.Active,
		"scheduled": info.Scheduled,
		"retry":     info.Retry,
		"archived":  info.Archived,
		"processed": info.Processed,
		"failed":    info.Failed,
		"paused":    info.Paused,
		"latencyMs": info.Latency.Milliseconds(),
	})
}

// ListDLQ returns archived tasks, the tasks that exhausted their retries.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	page, size := parsePagination(r, h.pageSize())
	tasks, err := h.Inspector.ListArchivedTasks(QueueName, asynq.Page(page), asynq.PageSize(size))
	if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	items := make([]dlqItem, 0, len(tasks))
	for _, t := range tasks {
		item := dlqItem{
			ID:        t.ID,
			Type:      t.Type,
			Retried:   t.Retried,
			LastError: t.LastErr,
		}
		if !t.LastFailedAt.IsZero() {
			failedAt := t.LastFailedAt
			item.LastFailedAt = &failedAt
		}
		var payload RecomputePayload
		if json.Unmarshal(t.Payload, &payload) == nil {
			item.OrderID = payload.OrderID
		}
		items = append(items, item)
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items, "page": page})
}

// ReplayDLQ moves archived tasks back to pending, either the listed IDs or
// every archived task when none are given.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	var req replayRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
			return
		}
	}
	ids := uniqueStrings(req.IDs)
	if len(ids) == 0 {
		n, err := h.Inspector.RunAllArchivedTasks(QueueName)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
		h.Logger.Info().Int("count", n).Msg("archived tasks replayed")
		common.JSON(w, http.StatusOK, map[string]any{"replayed": n})
		return
	}
	replayed := make([]string, 0, len(ids))
	failed := make(map[string]string)
	for _, id := range ids {
		if err := h.Inspector.RunTask(QueueName, id); err != nil {
			failed[id] = err.Error()
			continue
		}
		replayed = append(replayed, id)
	}
	resp := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// Recompute enqueues an earnings recompute for one order.
func (h *AdminHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.Client == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "task client unavailable", nil)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "order id is required", nil)
		return
	}
	enqueued, err := h.Queue.EnqueueRecompute(r.Context(), id)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusAccepted, map[string]any{"orderId": id, "enqueued": enqueued})
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func parsePagination(r *http.Request, defaultSize int) (page, size int) {
	page = 1
	size = defaultSize
	if size <= 0 {
		size = 50
	}
	if v := strings.TrimSpace(r.URL.Query().Get("pageSize")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			size = parsed
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("page")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			page = parsed
		}
	}
	return
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

type dlqItem struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	OrderID      string     `json:"orderId,omitempty"`
	Retried      int        `json:"retried"`
	LastError    string     `json:"lastError,omitempty"`
	LastFailedAt *time.Time `json:"lastFailedAt,omitempty"`
}

type replayRequest struct {
	IDs []string `json:"ids"`
}
