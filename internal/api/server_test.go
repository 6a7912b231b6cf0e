// Package api tests for the HTTP routes and the websocket event stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/errors"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/backoff"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/sync/remote"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
	"github.com/kimhsiao/ledgersync/internal/sync/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *Server
	engine *syncpkg.Engine
	remote *remote.Memory
}

func newTestEnv(t *testing.T, mutate func(*syncpkg.Config), opts ...Option) *testEnv {
	t.Helper()

	cfg := syncpkg.DefaultConfig()
	cfg.DeviceID = "device_a"
	if mutate != nil {
		mutate(&cfg)
	}
	rm := remote.NewMemory()
	engine, err := syncpkg.NewEngine(cfg, store.NewMemory(), rm,
		syncpkg.WithBackoff(&backoff.Policy{Base: time.Second, Cap: time.Minute, MaxRetries: 5}))
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &testEnv{server: NewServer(engine, opts...), engine: engine, remote: rm}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func invoiceBody(docID string) map[string]interface{} {
	return map[string]interface{}{
		"ownerId":          "biz_1",
		"operationType":    "create",
		"targetCollection": "invoices",
		"documentId":       docID,
		"payload":          map[string]interface{}{"amount": 120, "version": 1},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "active", body["mode"])
}

func TestEnqueueAndGetItem(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/queue", invoiceBody("inv_1"))
	require.Equal(t, http.StatusAccepted, w.Code)
	id, _ := decode(t, w)["operationId"].(string)
	require.NotEmpty(t, id)

	w = env.do(t, http.MethodGet, "/v1/queue/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view ItemView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, id, view.OperationID)
	assert.Equal(t, queue.StatusPending, view.Status)
	assert.Equal(t, "device_a", view.Payload[queue.PayloadKeyDeviceID])
	assert.NotEmpty(t, view.PayloadHash)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   errors.ErrorCode
	}{
		{"missing owner", http.MethodPost, "/v1/queue", map[string]interface{}{
			"operationType": "create", "targetCollection": "invoices", "documentId": "x",
		}, http.StatusBadRequest, errors.ErrValidation},
		{"unknown item", http.MethodGet, "/v1/queue/nope", nil, http.StatusNotFound, errors.ErrNotFound},
		{"requeue unknown", http.MethodPost, "/v1/deadletters/nope/requeue", nil, http.StatusNotFound, errors.ErrNotFound},
		{"bad limit", http.MethodGet, "/v1/conflicts?limit=zero", nil, http.StatusBadRequest, errors.ErrValidation},
		{"bad olderThan", http.MethodPost, "/v1/purge?olderThan=soon", nil, http.StatusBadRequest, errors.ErrValidation},
		{"no background", http.MethodGet, "/v1/background", nil, http.StatusNotFound, errors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(tt.code), decode(t, w)["code"])
		})
	}
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/queue", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncAndStats(t *testing.T) {
	env := newTestEnv(t, nil)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/queue", invoiceBody("inv_1")).Code)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/queue", invoiceBody("inv_2")).Code)

	w := env.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result syncpkg.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Synced)

	w = env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats syncpkg.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Queue[queue.StatusSynced])
	assert.EqualValues(t, 2, stats.SuccessfulSyncs)
}

func TestSync_WriteOnlyConflicts(t *testing.T) {
	env := newTestEnv(t, func(c *syncpkg.Config) { c.Mode = syncpkg.WriteOnly })

	w := env.do(t, http.MethodPost, "/v1/sync", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(errors.ErrWriteOnly), decode(t, w)["code"])
}

func TestDeadLetterListAndRequeue(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.Hook = func(remote.Request) remote.Outcome {
		return remote.Permanent(errors.New(errors.ErrValidation, "rejected"))
	}

	w := env.do(t, http.MethodPost, "/v1/queue", invoiceBody("inv_1"))
	id, _ := decode(t, w)["operationId"].(string)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/sync", nil).Code)

	w = env.do(t, http.MethodGet, "/v1/deadletters?owner=biz_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = env.do(t, http.MethodPost, "/v1/deadletters/"+id+"/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view ItemView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, queue.StatusPending, view.Status)
	assert.Zero(t, view.RetryCount)

	// A pending item cannot be requeued.
	w = env.do(t, http.MethodPost, "/v1/deadletters/"+id+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitOperation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/operations", map[string]interface{}{
		"ownerId": "biz_1",
		"name":    "close_month",
		"steps": []map[string]interface{}{
			{"operationType": "create", "targetCollection": "ledgers", "documentId": "l_1", "payload": map[string]interface{}{"version": 1}},
			{"operationType": "update", "targetCollection": "reports", "documentId": "r_1", "payload": map[string]interface{}{"version": 1}},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["totalSteps"])
	assert.Len(t, body["steps"], 2)

	w = env.do(t, http.MethodPost, "/v1/operations", map[string]interface{}{"ownerId": "biz_1", "name": "empty"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurge(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/v1/queue", invoiceBody("inv_1"))
	env.do(t, http.MethodPost, "/v1/sync", nil)

	w := env.do(t, http.MethodPost, "/v1/purge?olderThan=0s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["purged"])
}

func TestConflictsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/v1/conflicts?owner=biz_1&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])
}

func TestBackgroundRoutes(t *testing.T) {
	cfg := syncpkg.DefaultConfig()
	engine, err := syncpkg.NewEngine(cfg, store.NewMemory(), remote.NewMemory())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	bg, err := scheduler.NewScheduler(engine, scheduler.DefaultConfig())
	require.NoError(t, err)
	env := &testEnv{server: NewServer(engine, WithBackground(bg)), engine: engine}

	w := env.do(t, http.MethodGet, "/v1/background", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(scheduler.StatusIdle), decode(t, w)["status"])

	w = env.do(t, http.MethodPost, "/v1/background/trigger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	bg.SetOnlineStatus(false)
	w = env.do(t, http.MethodPost, "/v1/background/trigger", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEventsWebsocket(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{"enqueued"},
	}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack Envelope
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack.Type)
	assert.Eventually(t, func() bool { return env.server.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	id, err := env.engine.Enqueue(context.Background(), syncpkg.EnqueueRequest{
		OwnerID:          "biz_1",
		OperationType:    queue.OperationCreate,
		TargetCollection: "invoices",
		DocumentID:       "inv_ws",
		Payload:          map[string]interface{}{"version": 1},
	})
	require.NoError(t, err)

	var ev Envelope
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "enqueued", ev.Type)
	assert.Equal(t, id, ev.Data["operationId"])
	assert.Equal(t, "biz_1", ev.Data["ownerId"])
}

func TestHubClose_RejectsNewClients(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	env.server.Hub().Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, env.server.Hub().ClientCount())
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(nil, HubConfig{AllowedOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodGet, "http://syncd.local/v1/events", nil)
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "http://syncd.local")
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(req))
}
