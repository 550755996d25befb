package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"channel-cloner/internal/adapters/web"
	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/commands"

	"github.com/stretchr/testify/require"
)

type tasksExecutor struct {
	commands.Executor
	running []clone.Task
	history map[int64][]clone.Task
}

func (e *tasksExecutor) Running(context.Context) []clone.Task { return e.running }

func (e *tasksExecutor) Tasks(_ context.Context, operator int64, _ int) ([]clone.Task, error) {
	return e.history[operator], nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	exec := &tasksExecutor{
		running: []clone.Task{{ID: "a", Operator: 1, Status: clone.StatusRunning}},
		history: map[int64][]clone.Task{1: {{ID: "a", Operator: 1, Status: clone.StatusRunning}}},
	}
	h := web.NewServer("127.0.0.1:0", exec).Handler()

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","running":1}`, rec.Body.String())

	rec = get(t, h, "/tasks/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Operator int64        `json:"operator"`
		Tasks    []clone.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(1), body.Operator)
	require.Len(t, body.Tasks, 1)
	require.Equal(t, "a", body.Tasks[0].ID)

	rec = get(t, h, "/tasks/2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"operator":2,"tasks":[]}`, rec.Body.String())

	rec = get(t, h, "/tasks/abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
