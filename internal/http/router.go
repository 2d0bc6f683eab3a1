// Package http exposes session management, chunk ingest and a WebSocket
// bridge endpoint over chi.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/app"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/session"
	"transcript-relay-service/internal/transcript"
)

// maxBodyBytes caps a single chunk or metadata body.
const maxBodyBytes = 1 << 20

// uidHeader carries the publishing stream uid when the query omits it.
const uidHeader = "X-Stream-UID"

type handlers struct {
	app    *app.Application
	logger zerolog.Logger
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	h := &handlers{
		app:    application,
		logger: logging.WithComponent("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if err := application.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Get("/", h.listSessions)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.deleteSession)
			r.Get("/history", h.getHistory)
			r.Post("/messages", h.postMessage)
			r.Post("/pts", h.postPTS)
			r.Get("/ws", h.serveWS)
		})
	})

	return r
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var (
		s       *session.Handler
		created = true
		err     error
	)
	if req.SessionID == "" {
		s, err = h.app.Sessions.Create()
	} else {
		s, created, err = h.app.Sessions.GetOrCreate(req.SessionID)
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, s.Info())
}

func (h *handlers) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Sessions.List())
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.app.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Sessions.Remove(chi.URLParam(r, "id"), "api"); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	s, err := h.app.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// postMessage ingests one raw stream-message chunk. The session is created
// on first use so a bridge can post without a prior create call.
func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		uid = r.Header.Get(uidHeader)
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s, _, err := h.app.Sessions.GetOrCreate(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := s.HandleStreamMessage(uid, body); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// postPTS ingests an audio-metadata body carrying the playback timestamp.
func (h *handlers) postPTS(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s, _, err := h.app.Sessions.GetOrCreate(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := s.HandleAudioMetadata(body); err != nil {
		if errors.Is(err, transcript.ErrShortMetadata) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusGone, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
