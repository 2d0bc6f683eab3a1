// Package grpcapi exposes the transcript engine over a bidirectional gRPC
// stream: the bridge sends frames, the server streams history snapshots.
package grpcapi

import (
	"errors"
	"io"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/session"
	"transcript-relay-service/internal/transcript"
)

// Server implements TranscriptServiceServer on top of a session manager.
type Server struct {
	sessions *session.Manager
	logger   zerolog.Logger
}

// Register registers the transcript service on g.
func Register(g *grpc.Server, sessions *session.Manager) *Server {
	s := &Server{
		sessions: sessions,
		logger:   logging.WithComponent("grpc"),
	}
	RegisterTranscriptServiceServer(g, s)
	return s
}

// Stream binds the call to the session named by the first frame, forwards
// every frame to it and streams its snapshots until either side ends.
func (s *Server) Stream(stream TranscriptService_StreamServer) error {
	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if first.SessionID == "" {
		return status.Error(codes.InvalidArgument, "first frame must carry sessionId")
	}
	sessionID := first.SessionID

	h, created, err := s.sessions.GetOrCreate(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		return status.Error(codes.Unavailable, err.Error())
	}
	sub, err := h.Subscribe()
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()

	logger := s.logger.With().Str("sessionId", sessionID).Logger()
	logger.Info().Bool("created", created).Msg("Stream attached")

	// Recv cannot be interrupted, so the reader runs on its own and the
	// handler goroutine owns every Send. Returning unblocks the reader.
	recvDone := make(chan error, 1)
	go func() {
		recvDone <- s.recvLoop(stream, h, sessionID, first, logger)
	}()

	for {
		select {
		case err := <-recvDone:
			if err != nil {
				logger.Info().Err(err).Msg("Stream detached")
				return err
			}
			// Snapshots are produced while frames are handled, so
			// everything caused by this stream is already queued.
			for {
				select {
				case snap, ok := <-sub.C:
					if !ok {
						return nil
					}
					if err := stream.Send(&snap); err != nil {
						return err
					}
				default:
					logger.Info().Msg("Stream detached")
					return nil
				}
			}
		case snap, ok := <-sub.C:
			if !ok {
				logger.Info().Msg("Session closed under stream")
				return status.Error(codes.Unavailable, session.ErrSessionClosed.Error())
			}
			if err := stream.Send(&snap); err != nil {
				return err
			}
		}
	}
}

func (s *Server) recvLoop(stream TranscriptService_StreamServer, h *session.Handler, sessionID string, first *models.Frame, logger zerolog.Logger) error {
	if err := s.handle(h, sessionID, first, logger); err != nil {
		return err
	}
	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.handle(h, sessionID, f, logger); err != nil {
			return err
		}
	}
}

// handle applies one frame. Frame-level problems are logged and skipped;
// only protocol violations end the call.
func (s *Server) handle(h *session.Handler, sessionID string, f *models.Frame, logger zerolog.Logger) error {
	if f.SessionID != "" && f.SessionID != sessionID {
		return status.Errorf(codes.InvalidArgument, "frame for session %q on stream bound to %q", f.SessionID, sessionID)
	}
	err := h.HandleFrame(*f)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrUnknownFrameKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, transcript.ErrShortMetadata):
		logger.Debug().Err(err).Msg("Skipping audio metadata")
		return nil
	default:
		logger.Warn().Err(err).Str("kind", f.Kind).Msg("Frame rejected")
		return nil
	}
}
