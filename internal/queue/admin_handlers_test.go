package queue_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-rental/internal/queue"
)

type fakeInspector struct {
	archived []*asynq.TaskInfo
	ran      []string
	runAll   int
}

func (f *fakeInspector) GetQueueInfo(q string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: q, Size: 3, Pending: 2, Archived: len(f.archived), Latency: 1500 * time.Millisecond}, nil
}

func (f *fakeInspector) ListArchivedTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return f.archived, nil
}

func (f *fakeInspector) RunTask(_ string, id string) error {
	for _, t := range f.archived {
		if t.ID == id {
			f.ran = append(f.ran, id)
			return nil
		}
	}
	return asynq.ErrTaskNotFound
}

func (f *fakeInspector) RunAllArchivedTasks(string) (int, error) {
	f.runAll++
	return len(f.archived), nil
}

func adminRouter(h *queue.AdminHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/admin", h.Routes)
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminListAndReplayDLQ(t *testing.T) {
	inspector := &fakeInspector{archived: []*asynq.TaskInfo{{
		ID:           "t1",
		Type:         queue.TypeEarningsRecompute,
		Payload:      []byte(`{"orderId":"o-9"}`),
		Retried:      10,
		LastErr:      "db down",
		LastFailedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}}}
	router := adminRouter(&queue.AdminHandler{Inspector: inspector})

	rec := serve(router, http.MethodGet, "/admin/queue/dlq?page=1&pageSize=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []struct {
			ID        string `json:"id"`
			OrderID   string `json:"orderId"`
			LastError string `json:"lastError"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, "o-9", list.Data[0].OrderID)
	require.Equal(t, "db down", list.Data[0].LastError)

	rec = serve(router, http.MethodPost, "/admin/queue/dlq/replay", `{"ids":["t1","t1","missing"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"t1"}, inspector.ran)
	require.Contains(t, rec.Body.String(), `"missing"`)

	rec = serve(router, http.MethodPost, "/admin/queue/dlq/replay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, inspector.runAll)
}

func TestAdminStats(t *testing.T) {
	router := adminRouter(&queue.AdminHandler{Inspector: &fakeInspector{}})
	rec := serve(router, http.MethodGet, "/admin/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"latencyMs":1500`)
	require.Contains(t, rec.Body.String(), `"queue":"rental"`)
}

func TestAdminRecomputeEnqueues(t *testing.T) {
	client := &fakeClient{}
	router := adminRouter(&queue.AdminHandler{Queue: queue.Enqueuer{Client: client}})
	rec := serve(router, http.MethodPost, "/admin/orders/o-1/recompute", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"o-1"}, orderIDs(t, client.tasks))

	rec = serve(router, http.MethodPost, "/admin/orders/o-1/recompute", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"enqueued":false`)
}
