package web

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/infra/logger"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const tasksLimit = 20

type healthResponse struct {
	Status  string `json:"status"`
	Running int    `json:"running"`
}

type tasksResponse struct {
	Operator int64        `json:"operator,omitempty"`
	Tasks    []clone.Task `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Running: len(s.executor.Running(r.Context())),
	})
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tasksResponse{Tasks: nonNil(s.executor.Running(r.Context()))})
}

// handleTasks: история задач оператора, новые первыми.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	operator, err := strconv.ParseInt(chi.URLParam(r, "operator"), 10, 64)
	if err != nil || operator <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid operator id"})
		return
	}
	tasks, err := s.executor.Tasks(r.Context(), operator, tasksLimit)
	if err != nil {
		logger.Error("list tasks failed", zap.Int64("operator", operator), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, tasksResponse{Operator: operator, Tasks: nonNil(tasks)})
}

func nonNil(tasks []clone.Task) []clone.Task {
	if tasks == nil {
		return []clone.Task{}
	}
	return tasks
}

// writeJSON пишет ответ и логирует ошибку записи с местом вызова.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	writeErr := json.NewEncoder(w).Encode(v)
	if writeErr == nil {
		return
	}

	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, getwdErr := os.Getwd(); getwdErr == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}
	logger.Error("failed to write response",
		zap.String("caller", callerLocation),
		zap.Error(writeErr))
}
