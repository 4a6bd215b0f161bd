package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// pingInterval keeps idle SSE streams alive through proxies and lets a
// dead peer surface as a write error instead of lingering forever.
const pingInterval = 30 * time.Second

// handleProviderStream is the provider's long-lived event channel. The
// connection doubles as the device's presence: opening it registers the
// connection, closing it (for the device's last stream) requeues the
// device's work.
//
//	GET /v1/provider/stream?provider_id=p1&device_id=d1&device_name=MacBook
func (s *Server) handleProviderStream(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	deviceName := r.URL.Query().Get("device_name")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before registering: the dispatch attempt the open
	// triggers may address this very stream.
	events, cancel := s.hub.Subscribe(domain.TopicProvider(providerID), domain.TopicAllProviders)
	defer cancel()

	// Clients that reconnect may carry their previous id so server-side
	// state keyed on it survives the gap. A fresh one is minted otherwise.
	connID := r.URL.Query().Get("connection_id")
	if connID == "" {
		connID = uuid.NewString()
	}
	if err := s.bridge.HandleOpen(r.Context(), connID, providerID, deviceID, deviceName); err != nil {
		writeDomainError(w, err)
		return
	}
	// The request context is already canceled when the close sweep
	// runs, so the bridge gets a fresh one for its store writes.
	defer s.bridge.HandleClose(context.Background(), connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]string{"connection_id": connID})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			writeSSE(w, flusher, evt)
		}
	}
}

// writeSSE writes one event in text/event-stream framing.
func writeSSE(w io.Writer, flusher http.Flusher, evt domain.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[api] marshal event %s: %v", evt.Type, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	flusher.Flush()
}

// handleAnnounce records a device's self-reported hardware.
//
//	POST /v1/provider/announce
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID    string `json:"device_id"`
		MemoryBytes int64  `json:"memory_bytes"`
		GPUCount    int    `json:"gpu_count"`
		GPUName     string `json:"gpu_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	caps := domain.CapabilitySnapshot{
		MemoryBytes: req.MemoryBytes,
		GPUCount:    req.GPUCount,
		GPUName:     req.GPUName,
		ReportedAt:  time.Now(),
	}
	if err := s.bridge.HandleAnnounce(r.Context(), req.DeviceID, caps); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClaimNext assigns the next pending subtask to the calling
// device. 204 means the pool is empty, not an error.
//
//	POST /v1/provider/claim
func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"provider_id"`
		DeviceID   string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "provider_id and device_id are required")
		return
	}
	s.bridge.Touch(req.DeviceID)

	sub, err := s.life.TryClaim(r.Context(), req.ProviderID, req.DeviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sub == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtask": sub})
}

// handleGetSubtask returns one subtask.
//
//	GET /v1/subtasks/{id}
func (s *Server) handleGetSubtask(w http.ResponseWriter, r *http.Request) {
	sub, err := s.life.Subtask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtask": sub})
}

// handleAccept claims one specific pending subtask for the caller.
//
//	POST /v1/subtasks/{id}/accept
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"provider_id"`
		DeviceID   string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "provider_id and device_id are required")
		return
	}
	s.bridge.Touch(req.DeviceID)

	sub, err := s.life.Accept(r.Context(), chi.URLParam(r, "id"), req.ProviderID, req.DeviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtask": sub})
}

// handleStart acknowledges that execution began on the assigned device.
//
//	POST /v1/subtasks/{id}/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"provider_id"`
		DeviceID   string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID != "" {
		s.bridge.Touch(req.DeviceID)
	}

	sub, err := s.life.AcknowledgeExecutionStart(r.Context(), chi.URLParam(r, "id"), req.ProviderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtask": sub})
}

// handleProgress records an execution progress report, which also
// counts as a heartbeat.
//
//	POST /v1/subtasks/{id}/progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"provider_id"`
		DeviceID   string `json:"device_id"`
		Percent    int    `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID != "" {
		s.bridge.Touch(req.DeviceID)
	}

	sub, err := s.life.ReportProgress(r.Context(), chi.URLParam(r, "id"), req.ProviderID, req.Percent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtask": sub})
}

// handleResult completes a subtask with its result payload. The
// finishing device is free again, so one dispatch attempt runs before
// the response goes out.
//
//	POST /v1/subtasks/{id}/result
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID    string `json:"provider_id"`
		ResultPayload string `json:"result_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, taskDone, err := s.life.Complete(r.Context(), chi.URLParam(r, "id"), req.ProviderID, req.ResultPayload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if _, err := s.engine.DispatchNext(r.Context()); err != nil {
		log.Printf("[api] dispatch after completion: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subtask":        sub,
		"task_completed": taskDone,
	})
}

// handleFailure reports an execution failure. Requeued work triggers a
// dispatch attempt so another device picks it up immediately.
//
//	POST /v1/subtasks/{id}/failure
func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID     string `json:"provider_id"`
		Reason         string `json:"reason"`
		FailurePayload string `json:"failure_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, requeued, taskFailed, err := s.life.Fail(r.Context(), chi.URLParam(r, "id"), req.ProviderID, req.Reason, req.FailurePayload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if requeued {
		if _, err := s.engine.DispatchNext(r.Context()); err != nil {
			log.Printf("[api] dispatch after failure: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subtask":     sub,
		"requeued":    requeued,
		"task_failed": taskFailed,
	})
}
