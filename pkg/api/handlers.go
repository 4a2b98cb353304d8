package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/cuemby/notebroker/pkg/scheduler"
	"github.com/cuemby/notebroker/pkg/storage"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req submitExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NotebookKey == "" || req.Source == "" {
		writeError(w, http.StatusBadRequest, "notebook_key and source are required")
		return
	}

	taskID, err := s.sched.Submit(req.NotebookKey, req.CellIndex, req.Source, req.TaskID)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitExecutionResponse{TaskID: taskID})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrDuplicateTaskID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSubmitInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id query parameter is required")
		return
	}
	var req submitInputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.sched.SubmitInput(req.NotebookKey, taskID, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	notebookKey := r.URL.Query().Get("notebook_key")
	taskID := r.URL.Query().Get("task_id")
	if notebookKey == "" || taskID == "" {
		writeError(w, http.StatusBadRequest, "notebook_key and task_id query parameters are required")
		return
	}
	if err := s.sched.Cancel(notebookKey, taskID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id query parameter is required")
		return
	}
	exec, err := s.sched.Status(taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(exec))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.kernels.ListSessions()
	resp := listSessionsResponse{Sessions: make([]sessionResponse, 0, len(sessions))}
	for _, sess := range sessions {
		status := "dead"
		if s.kernels.IsAlive(sess.NotebookKey) {
			status = "alive"
		}
		resp.Sessions = append(resp.Sessions, sessionResponse{
			NotebookKey: sess.NotebookKey,
			StartedAt:   formatTime(sess.StartedAt),
			KernelPID:   sess.KernelPID,
			Status:      status,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInterruptKernel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	notebookKey := r.URL.Query().Get("notebook_key")
	if notebookKey == "" {
		writeError(w, http.StatusBadRequest, "notebook_key query parameter is required")
		return
	}
	if err := s.kernels.Interrupt(notebookKey); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShutdownKernel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	notebookKey := r.URL.Query().Get("notebook_key")
	if notebookKey == "" {
		writeError(w, http.StatusBadRequest, "notebook_key query parameter is required")
		return
	}
	if err := s.kernels.Shutdown(notebookKey); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePruneAssets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req pruneAssetsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	referenced := make(map[string]struct{}, len(req.Referenced))
	for _, p := range req.Referenced {
		referenced[p] = struct{}{}
	}
	report, err := s.assets.Prune(req.NotebookKey, referenced, req.DryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newPruneAssetsResponse(report))
}

func (s *Server) handleFetchAsset(w http.ResponseWriter, r *http.Request) {
	assetPath := r.URL.Query().Get("asset_path")
	if assetPath == "" {
		writeError(w, http.StatusBadRequest, "asset_path query parameter is required")
		return
	}
	data, err := s.assets.FetchAsset(assetPath)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	// Stored assets carry a trailing ".zst"; the bytes returned here are
	// already decompressed, so the MIME type comes from the extension before it.
	mimeType := mime.TypeByExtension(filepath.Ext(strings.TrimSuffix(assetPath, ".zst")))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	writeJSON(w, http.StatusOK, fetchAssetResponse{
		MIME:        mimeType,
		Base64Bytes: base64.StdEncoding.EncodeToString(data),
	})
}

// handleNotifications upgrades the connection to a chunked newline-delimited
// JSON stream and registers it with the Fan-out Hub until the client
// disconnects (spec.md §6, broker-initiated notifications).
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	conn := newStreamConnection()
	s.hub.Register(conn)
	defer s.hub.Unregister(conn.ID())

	conn.run(r.Context(), w)
}
