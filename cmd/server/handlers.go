package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pangpangai/ragqa"
)

// uploadCopyBufSize is the segment size uploaded files are streamed to
// disk in.
const uploadCopyBufSize = 8 << 20 // 8 MiB

type handler struct {
	engine *ragqa.Engine
}

func newHandler(e *ragqa.Engine) *handler {
	return &handler{engine: e}
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ready":  h.engine.Ready(),
	})
}

// POST /upload — async multipart ingest. Returns the pending task.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	filename, tempPath, ok := h.stageUpload(w, r)
	if !ok {
		return
	}

	task := h.engine.SubmitIngest(filename, tempPath)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  task.ID,
		"filename": task.Filename,
		"status":   task.Status,
	})
}

// POST /upload/sync — blocking ingest.
func (h *handler) handleUploadSync(w http.ResponseWriter, r *http.Request) {
	filename, tempPath, ok := h.stageUpload(w, r)
	if !ok {
		return
	}
	defer os.Remove(tempPath)

	chunks, err := h.engine.Ingest(r.Context(), tempPath, filename)
	if err != nil {
		writeEngineError(w, err)
		slog.Error("sync ingest failed", "filename", filename, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filename":       filename,
		"status":         "completed",
		"chunks_created": chunks,
	})
}

// stageUpload validates the multipart upload and streams it to a temp
// file in 8 MiB segments. On failure it writes the error response and
// returns ok=false.
func (h *handler) stageUpload(w http.ResponseWriter, r *http.Request) (filename, tempPath string, ok bool) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart form with a 'file' field is required")
		return "", "", false
	}
	defer file.Close()

	// Sanitise filename to prevent path traversal.
	filename = filepath.Base(header.Filename)
	if !h.engine.SupportedExtension(filename) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported file type %q: accepted extensions are .pdf, .md, .markdown", filepath.Ext(filename)))
		return "", "", false
	}

	tempPath, err = streamToTemp(file, filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save uploaded file")
		slog.Error("staging upload failed", "filename", filename, "error", err)
		return "", "", false
	}
	return filename, tempPath, true
}

func streamToTemp(file multipart.File, filename string) (string, error) {
	tmp, err := os.CreateTemp("", "ragqa-upload-*"+filepath.Ext(filename))
	if err != nil {
		return "", err
	}
	tempPath := tmp.Name()

	buf := make([]byte, uploadCopyBufSize)
	if _, err := io.CopyBuffer(tmp, file, buf); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return "", err
	}
	return tempPath, nil
}

// GET /tasks/{id}
func (h *handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.engine.Task(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GET /tasks
func (h *handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": h.engine.Tasks()})
}

type chatRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return req, false
	}
	return req, true
}

// POST /chat
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	answer, err := h.engine.Query(r.Context(), req.Question, req.ConversationID)
	if err != nil {
		writeEngineError(w, err)
		slog.Error("chat failed", "question", req.Question, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// POST /chat/agentic
func (h *handler) handleChatAgentic(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	answer, err := h.engine.QueryAgentic(r.Context(), req.Question, req.ConversationID)
	if err != nil {
		writeEngineError(w, err)
		slog.Error("agentic chat failed", "question", req.Question, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// POST /chat/stream
func (h *handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	streamEvents(w, r, h.engine.QueryStream(r.Context(), req.Question, req.ConversationID))
}

// POST /chat/agentic/stream
func (h *handler) handleChatAgenticStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	streamEvents(w, r, h.engine.QueryAgenticStream(r.Context(), req.Question, req.ConversationID))
}

// streamEvents writes the event channel as server-sent events, framed
// `data: <json>\n\n`. A closed client connection just drains the rest.
func streamEvents(w http.ResponseWriter, r *http.Request, events <-chan ragqa.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("encoding stream event", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Client closed the connection; keep draining so the
			// producer goroutine can finish and log the answer.
			continue
		}
		flusher.Flush()
	}
}

// GET /history
func (h *handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.engine.History().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list history")
		slog.Error("list history failed", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

// GET /history/{id}
func (h *handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	messages, err := h.engine.History().Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		slog.Error("get history failed", "conversation_id", id, "error", err)
		return
	}
	if len(messages) == 0 {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        messages,
	})
}

// DELETE /history/{id}
func (h *handler) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := h.engine.History().Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		slog.Error("delete history failed", "conversation_id", id, "error", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.Documents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents failed", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// DELETE /documents/{name}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.engine.Delete(r.Context(), name); err != nil {
		writeEngineError(w, err)
		slog.Error("delete document failed", "filename", name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "filename": name})
}

// POST /tools/discover
func (h *handler) handleDiscoverTools(w http.ResponseWriter, r *http.Request) {
	added, err := h.engine.DiscoverTools()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "discovery failed")
		slog.Error("tool discovery failed", "error", err)
		return
	}
	if added == nil {
		added = []ragqa.ToolEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"new_tools": added})
}

// writeEngineError maps sentinel errors to status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ragqa.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ragqa.ErrDocumentNotFound), errors.Is(err, ragqa.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
