// Package app wires configuration, logging, the Kafka publisher and the
// session manager into one process-wide Application.
package app

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/config"
	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/session"
	"transcript-relay-service/internal/transcript"
)

// ErrNotReady is reported by Ready before Start and after Shutdown.
var ErrNotReady = errors.New("service not ready")

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	Publisher *events.Publisher
	Sessions  *session.Manager

	ready atomic.Bool
}

// New constructs an Application from cfg. Logging is configured first so
// every component created afterwards inherits it.
func New(cfg *config.Configuration) (*Application, error) {
	a := &Application{Cfg: cfg}
	a.setupLogger()

	mode, err := transcript.ParseRenderMode(cfg.Transcript.RenderMode)
	if err != nil {
		return nil, err
	}

	a.Publisher = events.New(&events.Config{
		Brokers:      cfg.Kafka.Brokers,
		TopicHistory: cfg.Kafka.TopicHistory,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
		Enabled:      cfg.Kafka.Enabled,
	})

	a.Sessions = session.NewManager(session.ManagerConfig{
		Engine: transcript.Config{
			ContinuePhrase:    cfg.Transcript.ContinuePhrase,
			RenderMode:        mode,
			ReassemblyTimeout: cfg.Transcript.ReassemblyTimeout,
			TickInterval:      cfg.Transcript.TickInterval,
		},
		IdleTimeout:      cfg.Session.IdleTimeout,
		CleanupInterval:  cfg.Session.CleanupInterval,
		MaxSessions:      cfg.Session.MaxSessions,
		SubscriberBuffer: cfg.Session.SubscriberBuffer,
	}, a.Publisher)

	a.Logger.Info().
		Str("renderMode", string(mode)).
		Bool("kafka", a.Publisher.Enabled()).
		Msg("Transcript relay application created")
	return a, nil
}

func (a *Application) setupLogger() {
	logCfg := logging.DefaultConfig()
	logCfg.Level = a.Cfg.Observability.LogLevel
	logCfg.Format = a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" {
		logCfg.Format = "console"
	}
	logging.Setup(logCfg, os.Stdout)

	a.Logger = logging.WithComponent("application")
	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start marks the application ready to serve traffic.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Transcript relay starting")
	return nil
}

// Ready reports whether the application accepts traffic.
func (a *Application) Ready() error {
	if !a.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// Shutdown closes every session, which drains their publish queues, and
// then the Kafka writers.
func (a *Application) Shutdown() {
	a.ready.Store(false)
	a.Logger.Info().Msg("Transcript relay shutting down")

	a.Sessions.Stop()
	if err := a.Publisher.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to close Kafka publisher")
	}
}
