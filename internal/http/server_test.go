package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/naok1207/workflow-visualizer/internal/command"
	internal_http "github.com/naok1207/workflow-visualizer/internal/http"
	"github.com/naok1207/workflow-visualizer/pkg/relay"
	"github.com/naok1207/workflow-visualizer/pkg/service"
	"github.com/naok1207/workflow-visualizer/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := storage.NewMemoryStore()
	r := relay.New(relay.WithLogger(logger))
	r.Start(context.Background())

	workflows := service.NewWorkflowService(store, logger, service.WithNotifier(r))
	tasks := service.NewTaskService(store, logger)
	srv := internal_http.NewServer(internal_http.Deps{
		Dispatcher: command.NewDispatcher(command.Deps{
			Workflows:   workflows,
			Tasks:       tasks,
			Store:       store,
			Subscribers: r.SubscriberCount,
			Logger:      logger,
		}),
		Workflows:    workflows,
		Tasks:        tasks,
		Relay:        r,
		Logger:       logger,
		PingInterval: time.Second,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	// Runs before ts.Close so live viewers are disconnected first.
	t.Cleanup(r.Close)
	return ts
}

func get(t *testing.T, ts *httptest.Server, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func post(t *testing.T, ts *httptest.Server, name, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+"/api/commands/"+name, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func createTask(t *testing.T, ts *httptest.Server, title string) (taskID, workflowID string) {
	t.Helper()
	resp, out := post(t, ts, "create_task", `{"title":"`+title+`","task_type":"research"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"], out)
	data := out["data"].(map[string]interface{})
	return data["task_id"].(string), data["workflow_id"].(string)
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		ts := newTestServer(t)
		var body map[string]interface{}
		resp := get(t, ts, "/health", &body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, float64(0), body["connected_clients"])
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	})

	t.Run("RequestIDIsEchoed", func(t *testing.T) {
		ts := newTestServer(t)
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("X-Request-Id", "req-42")
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "req-42", resp.Header.Get("X-Request-Id"))
	})

	t.Run("Metrics", func(t *testing.T) {
		ts := newTestServer(t)
		get(t, ts, "/health", nil)
		resp, err := ts.Client().Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "workflow_visualizer_http_requests_total")
	})

	t.Run("ReadAPI", func(t *testing.T) {
		ts := newTestServer(t)
		taskID, workflowID := createTask(t, ts, "Investigate")
		createTask(t, ts, "Second")

		var page service.TaskPage
		resp := get(t, ts, "/api/tasks/active?task_type=research&limit=1", &page)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 2, page.Total)
		assert.Len(t, page.Tasks, 1)

		var status command.TaskStatusResult
		resp = get(t, ts, "/api/tasks/"+taskID+"/status", &status)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, taskID, status.Task.ID)
		require.NotNil(t, status.Workflow)
		assert.Len(t, status.Workflow.Steps, 3)
		assert.Len(t, status.History, 1)

		status = command.TaskStatusResult{}
		get(t, ts, "/api/tasks/"+taskID+"/status?include_workflow=false&include_history=false", &status)
		assert.Nil(t, status.Workflow)
		assert.Empty(t, status.History)

		var wf map[string]interface{}
		resp = get(t, ts, "/api/tasks/"+taskID+"/workflow", &wf)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, workflowID, wf["workflow_id"])

		wf = nil
		resp = get(t, ts, "/api/workflows/"+workflowID, &wf)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, taskID, wf["task_id"])
	})

	t.Run("ReadAPIErrors", func(t *testing.T) {
		ts := newTestServer(t)
		var body map[string]interface{}
		resp := get(t, ts, "/api/tasks/missing/status", &body)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", body["kind"])
		assert.NotEmpty(t, body["request_id"])

		resp = get(t, ts, "/api/workflows/missing", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = get(t, ts, "/api/tasks/active?limit=many", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = get(t, ts, "/api/tasks/active?task_type=chores", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, err := ts.Client().Post(ts.URL+"/api/tasks/active", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Commands", func(t *testing.T) {
		ts := newTestServer(t)
		var defs struct {
			Commands []command.Definition `json:"commands"`
		}
		get(t, ts, "/api/commands", &defs)
		assert.Len(t, defs.Commands, 10)

		resp, out := post(t, ts, "delete_task", `{}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, command.KindUnknownCommand, out["kind"])

		resp, out = post(t, ts, "create_task", `{"title":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation", out["kind"])

		resp, out = post(t, ts, "get_task_status", `{"task_id":"missing"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, out["ok"])
		assert.Equal(t, "not_found", out["error"].(map[string]interface{})["kind"])

		resp, out = post(t, ts, "create_task", `{"title":"x","task_type":"custom","extra":1}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "validation", out["error"].(map[string]interface{})["kind"])

		resp, out = post(t, ts, "get_system_info", ``)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, out["ok"])
	})

	t.Run("LiveViewer", func(t *testing.T) {
		ts := newTestServer(t)
		taskID, _ := createTask(t, ts, "Investigate")

		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]string{"type": "join_task", "task_id": taskID}))
		joined := readUntil(t, conn, func(m wsMessage) bool { return m.Type == "joined" })
		assert.Equal(t, taskID, joined.TaskID)

		require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
		readUntil(t, conn, func(m wsMessage) bool { return m.Type == "error" })

		_, out := post(t, ts, "update_task_progress", `{"task_id":"`+taskID+`","status":"completed"}`)
		require.Equal(t, true, out["ok"], out)

		global := readUntil(t, conn, func(m wsMessage) bool {
			return m.Type == "progress_updated" && m.Channel == relay.GlobalChannel
		})
		assert.Equal(t, float64(33), global.Data["progress_percentage"])
		scoped := readUntil(t, conn, func(m wsMessage) bool {
			return m.Type == "progress_updated" && m.Channel == relay.TaskChannel(taskID)
		})
		assert.Equal(t, taskID, scoped.TaskID)

		var health map[string]interface{}
		get(t, ts, "/health", &health)
		assert.Equal(t, float64(1), health["connected_clients"])

		require.NoError(t, conn.WriteJSON(map[string]string{"type": "leave_task", "task_id": taskID}))
		readUntil(t, conn, func(m wsMessage) bool { return m.Type == "left" })

		_, out = post(t, ts, "update_task_progress", `{"task_id":"`+taskID+`","status":"completed"}`)
		require.Equal(t, true, out["ok"], out)
		global = readUntil(t, conn, func(m wsMessage) bool {
			return m.Type == "progress_updated" && m.Channel == relay.GlobalChannel
		})
		assert.Equal(t, float64(67), global.Data["progress_percentage"])

		// The task channel delivery would directly follow the global one.
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
	})
}

type wsMessage struct {
	Type    string                 `json:"type"`
	Channel string                 `json:"channel"`
	TaskID  string                 `json:"task_id"`
	Data    map[string]interface{} `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}
