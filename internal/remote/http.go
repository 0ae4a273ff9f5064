package remote

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewHTTPHandler builds the loopback-only HTTP surface over a Registry:
// the one concrete transport the core owns for a remote client to list
// sessions, to stop/resume/interrupt one or all of them, and to queue an
// inbound message for a session (POST /sessions/{sessionID}/messages), without
// reaching into a session's conversation content (that stays on
// internal/service.Conversation's in-process SendMessage/Interrupt calls).
func NewHTTPHandler(reg *Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, reg.Sessions())
	})

	r.Get("/sessions/{sessionID}", func(w http.ResponseWriter, req *http.Request) {
		entry, found := reg.Get(chi.URLParam(req, "sessionID"))
		if !found {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	r.Post("/sessions/{sessionID}/stop", func(w http.ResponseWriter, req *http.Request) {
		if err := reg.StopSession(chi.URLParam(req, "sessionID")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/sessions/{sessionID}/resume", func(w http.ResponseWriter, req *http.Request) {
		if err := reg.ResumeSession(chi.URLParam(req, "sessionID")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/sessions/{sessionID}/interrupt", func(w http.ResponseWriter, req *http.Request) {
		if err := reg.InterruptSession(chi.URLParam(req, "sessionID")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/sessions/{sessionID}/messages", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Text == "" {
			http.Error(w, "missing text", http.StatusBadRequest)
			return
		}
		count, err := reg.EnqueueMessage(chi.URLParam(req, "sessionID"), QueuedMessage{
			Text:       body.Text,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"queuedCount": count})
	})

	r.Post("/stop-all", func(w http.ResponseWriter, req *http.Request) {
		if err := reg.StopAll(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/resume-all", func(w http.ResponseWriter, req *http.Request) {
		if err := reg.ResumeAll(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/interrupt-all", func(w http.ResponseWriter, req *http.Request) {
		if err := reg.InterruptAll(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
