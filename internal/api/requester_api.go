package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// handleSubmitTask accepts a new task, fans it out into subtasks and
// runs one dispatch attempt per created subtask.
//
//	POST /v1/tasks
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID    string `json:"requester_id"`
		Payload        string `json:"payload"`
		PartitionCount int    `json:"partition_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, subs, err := s.life.Submit(r.Context(), req.RequesterID, req.Payload, req.PartitionCount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for range subs {
		if _, err := s.engine.DispatchNext(r.Context()); err != nil {
			log.Printf("[api] dispatch after submit: %v", err)
			break
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task":     task,
		"subtasks": subs,
	})
}

// handleListTasks lists a requester's tasks, newest first.
//
//	GET /v1/tasks?requester_id=u1
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	requesterID := r.URL.Query().Get("requester_id")
	if requesterID == "" {
		writeError(w, http.StatusBadRequest, "requester_id is required")
		return
	}
	tasks, err := s.life.TasksByRequester(r.Context(), requesterID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleGetTask returns a task with all of its subtasks.
//
//	GET /v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, subs, err := s.life.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"subtasks": subs,
	})
}

// handleTaskEvents streams one task's lifecycle events. Roll-up
// summaries (task.updated and friends) are addressed to the owner, so
// the stream joins the owner's topic alongside the task's own.
//
//	GET /v1/tasks/{id}/events
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, _, err := s.life.Task(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.streamTopics(w, r, domain.TopicTask(taskID), domain.TopicUser(task.RequesterID))
}

// handleUserEvents streams task-level updates addressed to one user.
//
//	GET /v1/users/{id}/events
func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	s.streamTopics(w, r, domain.TopicUser(chi.URLParam(r, "id")))
}

// handleListDevices lists all devices the node has ever seen, with
// their persisted connectivity.
//
//	GET /v1/devices?provider=p1
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if provider := r.URL.Query().Get("provider"); provider != "" {
		kept := devices[:0]
		for _, d := range devices {
			if d.ProviderID == provider {
				kept = append(kept, d)
			}
		}
		devices = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// streamTopics is the read-only SSE loop shared by the task and user
// event endpoints. Unlike the provider stream it carries no presence
// side effects.
func (s *Server) streamTopics(w http.ResponseWriter, r *http.Request, topics ...string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	events, cancel := s.hub.Subscribe(topics...)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
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
