// Command testclient replays a scripted conversation against a running
// relay and prints every history snapshot it receives.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "transcript-relay-service/internal/api/grpc"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/transcript"
)

const (
	agentUID = "1000"
	userUID  = "2000"
)

// conn is the transport-neutral side of a bridge connection.
type conn interface {
	Send(*models.Frame) error
	Recv() (*models.HistorySnapshot, error)
	CloseSend() error
}

type options struct {
	transport string
	grpcAddr  string
	httpAddr  string
	sessionID string
	partLen   int
	tick      time.Duration
	words     bool
	shuffle   bool
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "testclient",
		Short:        "Replay a scripted conversation against the relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logCfg := logging.DefaultConfig()
			logCfg.Format = "console"
			logging.Init(logCfg)
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.transport, "transport", "grpc", "grpc or ws")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "localhost:50051", "gRPC server address")
	cmd.Flags().StringVar(&opts.httpAddr, "http", "localhost:8080", "HTTP server address for the WebSocket transport")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id (default: random)")
	cmd.Flags().IntVar(&opts.partLen, "part-len", 24, "max base64 bytes per chunk")
	cmd.Flags().DurationVar(&opts.tick, "tick", 100*time.Millisecond, "audio clock step, also the real-time pacing")
	cmd.Flags().BoolVar(&opts.words, "words", true, "send word-level agent transcripts")
	cmd.Flags().BoolVar(&opts.shuffle, "shuffle", true, "send chunk parts out of order")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.sessionID == "" {
		opts.sessionID = "test-" + uuid.NewString()[:8]
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	c, closeConn, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer closeConn()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			snap, err := c.Recv()
			if err != nil {
				return
			}
			printSnapshot(snap)
		}
	}()

	log.Info().Str("session", opts.sessionID).Str("transport", opts.transport).Msg("Replaying conversation")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var pts uint64
	first := true
	for _, step := range script(opts.words) {
		for pts < step.atMs {
			pts += uint64(opts.tick.Milliseconds())
			if err := c.Send(frame(opts.sessionID, &first, models.FrameKindAudioMetadata, "", transcript.EncodePTS(pts))); err != nil {
				return err
			}
			time.Sleep(opts.tick)
		}

		payload, err := json.Marshal(step.msg)
		if err != nil {
			return err
		}
		parts := transcript.EncodeChunks(step.msg["message_id"].(string), payload, opts.partLen)
		if opts.shuffle {
			rng.Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })
		}
		for _, p := range parts {
			if err := c.Send(frame(opts.sessionID, &first, models.FrameKindStreamMessage, step.uid, p)); err != nil {
				return err
			}
		}
		log.Info().
			Str("object", step.msg["object"].(string)).
			Int("parts", len(parts)).
			Uint64("pts", pts).
			Msg("Sent message")
	}

	// Let the word queue catch up before closing.
	for i := 0; i < 20; i++ {
		pts += uint64(opts.tick.Milliseconds())
		if err := c.Send(frame(opts.sessionID, &first, models.FrameKindAudioMetadata, "", transcript.EncodePTS(pts))); err != nil {
			return err
		}
		time.Sleep(opts.tick)
	}

	if err := c.CloseSend(); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	log.Info().Msg("Stream completed")
	return nil
}

// frame builds a frame; only the first frame of a connection carries the
// session id.
func frame(sessionID string, first *bool, kind, uid string, data []byte) *models.Frame {
	f := &models.Frame{Kind: kind, UID: uid, Data: data}
	if *first {
		f.SessionID = sessionID
		*first = false
	}
	return f
}

func printSnapshot(snap *models.HistorySnapshot) {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s (%d turns)\n", snap.SessionID, len(snap.Turns))
	for _, t := range snap.Turns {
		fmt.Fprintf(&b, "  [%d] %-5s %-11s %s\n", t.TurnID, t.UID, t.Status, t.Text)
	}
	fmt.Print(b.String())
}

func dial(ctx context.Context, opts options) (conn, func(), error) {
	switch opts.transport {
	case "grpc":
		cc, err := grpc.NewClient(opts.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect: %w", err)
		}
		stream, err := grpcapi.NewClient(cc).Stream(ctx)
		if err != nil {
			cc.Close()
			return nil, nil, fmt.Errorf("failed to open stream: %w", err)
		}
		return stream, func() { cc.Close() }, nil

	case "ws":
		u := url.URL{Scheme: "ws", Host: opts.httpAddr, Path: "/v1/sessions/" + opts.sessionID + "/ws"}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect: %w", err)
		}
		return &wsConn{ws: ws}, func() { ws.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", opts.transport)
	}
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(f *models.Frame) error { return c.ws.WriteJSON(f) }

func (c *wsConn) Recv() (*models.HistorySnapshot, error) {
	var snap models.HistorySnapshot
	if err := c.ws.ReadJSON(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *wsConn) CloseSend() error {
	return c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

type step struct {
	atMs uint64
	uid  string
	msg  map[string]any
}

// script is a short support call: a greeting, a user question, an agent
// answer that the user interrupts, and a follow-up.
func script(words bool) []step {
	agent := func(id string, turn int64, startMs int64, text string, status models.TurnStatus) map[string]any {
		m := map[string]any{
			"object":      "assistant.transcription",
			"message_id":  id,
			"turn_id":     turn,
			"stream_id":   agentUID,
			"text":        text,
			"start_ms":    startMs,
			"turn_status": int(status),
		}
		if words {
			var ws []map[string]any
			at := startMs
			for _, w := range strings.Fields(text) {
				ws = append(ws, map[string]any{"word": w, "start_ms": at, "duration_ms": 250, "stable": true})
				at += 300
			}
			m["words"] = ws
		}
		return m
	}
	user := func(id string, turn int64, text string, final bool) map[string]any {
		return map[string]any{
			"object":     "user.transcription",
			"message_id": id,
			"turn_id":    turn,
			"user_id":    userUID,
			"text":       text,
			"final":      final,
		}
	}

	return []step{
		{0, agentUID, agent("a0", 0, 100, "Hi, thanks for calling. How can I help?", models.TurnEnd)},
		{2500, userUID, user("u1a", 1, "I want to", false)},
		{3000, userUID, user("u1b", 1, "I want to check my order", true)},
		{3500, agentUID, agent("a1a", 1, 3600, "Sure, can you read me", models.TurnInProgress)},
		{4200, agentUID, agent("a1b", 1, 3600, "Sure, can you read me the order number on your receipt", models.TurnEnd)},
		{5000, userUID, map[string]any{"object": "message.interrupt", "message_id": "i1", "turn_id": 1, "start_ms": 5000}},
		{5200, userUID, user("u2", 2, "It's four two seven one", true)},
		{6000, agentUID, agent("a2", 2, 6100, "Thanks, order 4271 ships tomorrow.", models.TurnEnd)},
	}
}
