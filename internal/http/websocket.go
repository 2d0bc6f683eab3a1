package http

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/session"
	"transcript-relay-service/internal/transcript"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// The bridge connects from a backend, not a browser page.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWS reads JSON frames from the bridge and writes every history
// snapshot of the session back as a JSON text message.
func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, _, err := h.app.Sessions.GetOrCreate(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	sub, err := s.Subscribe()
	if err != nil {
		writeSessionError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.Warn().Err(err).Str("sessionId", id).Msg("WebSocket upgrade failed")
		return
	}
	logger := h.logger.With().Str("sessionId", id).Logger()
	logger.Info().Msg("WebSocket attached")

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var readerDone atomic.Bool
	sessionEnded := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		writeLoop(conn, sub)
		if !readerDone.Load() {
			// The session closed first; break the pending read.
			close(sessionEnded)
			conn.SetReadDeadline(time.Now())
		}
	}()

	closeCode, closeText := websocket.CloseNormalClosure, ""
	for {
		var f models.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("WebSocket read failed")
			}
			break
		}
		if f.SessionID != "" && f.SessionID != id {
			closeCode, closeText = websocket.ClosePolicyViolation, "frame for another session"
			break
		}
		err := s.HandleFrame(f)
		switch {
		case err == nil:
		case errors.Is(err, transcript.ErrShortMetadata):
			logger.Debug().Err(err).Msg("Skipping audio metadata")
		case errors.Is(err, session.ErrUnknownFrameKind):
			logger.Warn().Str("kind", f.Kind).Msg("Skipping frame of unknown kind")
		default:
			closeCode, closeText = websocket.CloseGoingAway, err.Error()
		}
		if closeText != "" {
			break
		}
	}

	// Closing the subscription ends the writer once it has drained.
	readerDone.Store(true)
	sub.Close()
	<-done
	select {
	case <-sessionEnded:
		closeCode, closeText = websocket.CloseGoingAway, session.ErrSessionClosed.Error()
	default:
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, closeText),
		time.Now().Add(wsWriteWait))
	conn.Close()
	logger.Info().Msg("WebSocket detached")
}

func writeLoop(conn *websocket.Conn, sub *session.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				// Unblocks the reader.
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
