// Command viewer consumes transcript events from Kafka and shows them to
// browsers over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/observability/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func main() {
	var (
		addr         string
		brokers      string
		topicHistory string
		topicFinal   string
		groupID      string
		logFormat    string
	)

	cmd := &cobra.Command{
		Use:          "viewer",
		Short:        "Show live chat histories from the transcript topics",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logCfg := logging.DefaultConfig()
			logCfg.Format = logFormat
			logging.Init(logCfg)

			consumer, err := events.NewConsumer(events.ConsumerConfig{
				Brokers: strings.Split(brokers, ","),
				Topics:  []string{topicHistory, topicFinal},
				GroupID: groupID,
			})
			if err != nil {
				return err
			}
			defer consumer.Close()

			return run(cmd.Context(), addr, consumer)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8081", "HTTP listen address")
	cmd.Flags().StringVar(&brokers, "brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	cmd.Flags().StringVar(&topicHistory, "topic-history", "transcript.history", "History snapshot topic")
	cmd.Flags().StringVar(&topicFinal, "topic-final", "transcript.turn.final", "Finalized turn topic")
	cmd.Flags().StringVar(&groupID, "group", "transcript-viewer", "Kafka consumer group")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "json or console")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string, consumer *events.Consumer) error {
	hub := newHub()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx, hub.Apply)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Transcript viewer starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hub.Sessions())
	})
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}
		hub.Add(conn)

		// Viewers only listen; reading detects the disconnect.
		go func() {
			defer hub.Remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
	return r
}
