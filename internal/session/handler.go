// Package session owns the per-call transcript engines. A Handler connects
// one engine to its transports: inbound frames are fed to the engine, and
// every history change is fanned out to subscribers and published to Kafka.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/transcript"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrTooManySessions  = errors.New("session limit reached")
	ErrUnknownFrameKind = errors.New("unknown frame kind")
)

// Publisher receives history snapshots and finalized turns. A turn is
// published as final when it first reaches a terminal status and again
// whenever its text changes afterwards; the latest event per turn wins.
// *events.Publisher satisfies it.
type Publisher interface {
	PublishHistory(ctx context.Context, snapshot models.HistorySnapshot) error
	PublishTurnFinal(ctx context.Context, event models.TurnFinal) error
}

const (
	publishQueueSize = 256
	publishTimeout   = 5 * time.Second
)

type turnKey struct {
	turnID int64
	uid    string
}

// outbound is one queued Kafka event; exactly one field is set.
type outbound struct {
	snapshot *models.HistorySnapshot
	final    *models.TurnFinal
}

// Subscription delivers history snapshots to one consumer. Slow consumers
// lose the oldest undelivered snapshot; the latest one always gets through.
type Subscription struct {
	C  <-chan models.HistorySnapshot
	ch chan models.HistorySnapshot
	h  *Handler
}

// Close detaches the subscription and closes C. Idempotent.
func (s *Subscription) Close() {
	s.h.unsubscribe(s)
}

// Handler manages one transcript session.
type Handler struct {
	id        string
	engine    *transcript.Engine
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	createdAt time.Time

	mu            sync.RWMutex
	subscribers   map[*Subscription]struct{}
	subBuffer     int
	last          models.HistorySnapshot
	finalized     map[turnKey]string
	lastActivity  time.Time
	lastAgentTurn int64
	agentMessages int
	closed        bool

	outbox chan outbound
	wg     sync.WaitGroup
}

// NewHandler creates and starts a session handler. engineCfg supplies the
// engine settings; its session id and callbacks are set by the handler.
// A nil publisher disables Kafka forwarding.
func NewHandler(id string, engineCfg transcript.Config, publisher Publisher, subscriberBuffer int) *Handler {
	if subscriberBuffer < 1 {
		subscriberBuffer = 1
	}
	now := time.Now()
	h := &Handler{
		id:            id,
		publisher:     publisher,
		logger:        logging.WithSession("session", id),
		metrics:       metrics.DefaultMetrics,
		createdAt:     now,
		subscribers:   make(map[*Subscription]struct{}),
		subBuffer:     subscriberBuffer,
		finalized:     make(map[turnKey]string),
		lastActivity:  now,
		lastAgentTurn: -1,
		last: models.HistorySnapshot{
			EventType: models.EventTypeHistory,
			SessionID: id,
			Timestamp: now.UnixMilli(),
			Turns:     []models.ChatTurn{},
		},
	}

	engineCfg.SessionID = id
	engineCfg.OnHistory = h.onHistory
	engineCfg.OnAgentTranscript = h.onAgentTranscript
	if engineCfg.Logger == nil {
		logger := logging.WithSession("transcript", id)
		engineCfg.Logger = &logger
	}
	h.engine = transcript.New(engineCfg)

	if publisher != nil {
		h.outbox = make(chan outbound, publishQueueSize)
		h.wg.Add(1)
		go h.publishLoop()
	}
	h.engine.Start()

	h.logger.Info().
		Str("renderMode", string(engineCfg.RenderMode)).
		Bool("kafka", publisher != nil).
		Msg("Session started")
	return h
}

// ID returns the session id.
func (h *Handler) ID() string {
	return h.id
}

// Engine returns the session's transcript engine.
func (h *Handler) Engine() *transcript.Engine {
	return h.engine
}

// HandleFrame feeds one transport frame to the engine.
func (h *Handler) HandleFrame(f models.Frame) error {
	if h.isClosed() {
		return ErrSessionClosed
	}
	h.touch()

	switch f.Kind {
	case models.FrameKindStreamMessage:
		h.engine.HandleStreamMessage(f.UID, f.Data)
		return nil
	case models.FrameKindAudioMetadata:
		return h.engine.HandleAudioMetadata(f.Data)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrameKind, f.Kind)
	}
}

// HandleStreamMessage feeds one raw stream-message chunk published by uid.
func (h *Handler) HandleStreamMessage(uid string, raw []byte) error {
	return h.HandleFrame(models.Frame{Kind: models.FrameKindStreamMessage, UID: uid, Data: raw})
}

// HandleAudioMetadata feeds one audio-metadata event.
func (h *Handler) HandleAudioMetadata(raw []byte) error {
	return h.HandleFrame(models.Frame{Kind: models.FrameKindAudioMetadata, Data: raw})
}

// Snapshot returns the last published history snapshot.
func (h *Handler) Snapshot() models.HistorySnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return cloneSnapshot(h.last)
}

// Subscribe registers a snapshot consumer. The current snapshot is queued
// immediately so a new consumer starts from the full history.
func (h *Handler) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrSessionClosed
	}
	ch := make(chan models.HistorySnapshot, h.subBuffer)
	sub := &Subscription{C: ch, ch: ch, h: h}
	ch <- cloneSnapshot(h.last)
	h.subscribers[sub] = struct{}{}
	h.metrics.SubscribersActive.Inc()

	h.logger.Debug().Int("subscribers", len(h.subscribers)).Msg("Subscriber attached")
	return sub, nil
}

func (h *Handler) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.ch)
	h.metrics.SubscribersActive.Dec()
}

// Info returns a summary of the session for listings.
func (h *Handler) Info() Info {
	state := h.engine.State()

	h.mu.RLock()
	defer h.mu.RUnlock()
	return Info{
		ID:            h.id,
		State:         state.String(),
		CreatedAt:     h.createdAt,
		LastActivity:  h.lastActivity,
		Turns:         len(h.last.Turns),
		Subscribers:   len(h.subscribers),
		AgentMessages: h.agentMessages,
		LastAgentTurn: h.lastAgentTurn,
	}
}

// Info summarises a session.
type Info struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Turns         int       `json:"turns"`
	Subscribers   int       `json:"subscribers"`
	AgentMessages int       `json:"agentMessages"`
	LastAgentTurn int64     `json:"lastAgentTurn"`
}

// LastActivity returns the time of the last inbound frame.
func (h *Handler) LastActivity() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastActivity
}

// Close tears the engine down, detaches every subscriber and drains the
// Kafka queue. Idempotent.
func (h *Handler) Close() {
	// Engine first: once Close returns no further onHistory call can run.
	h.engine.Close()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		close(sub.ch)
		h.metrics.SubscribersActive.Dec()
	}
	h.mu.Unlock()

	if h.outbox != nil {
		close(h.outbox)
		h.wg.Wait()
	}
	h.logger.Info().Dur("duration", time.Since(h.createdAt)).Msg("Session closed")
}

func (h *Handler) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Handler) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// onHistory runs under the engine lock; it must not call into the engine.
func (h *Handler) onHistory(turns []models.ChatTurn) {
	now := time.Now().UnixMilli()
	snap := models.HistorySnapshot{
		EventType: models.EventTypeHistory,
		SessionID: h.id,
		Timestamp: now,
		Turns:     turns,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.last = snap

	var finals []models.TurnFinal
	for _, t := range turns {
		if !t.Status.IsTerminal() {
			continue
		}
		k := turnKey{t.TurnID, t.UID}
		if text, done := h.finalized[k]; done && text == t.Text {
			continue
		}
		h.finalized[k] = t.Text
		finals = append(finals, models.TurnFinal{
			EventType: models.EventTypeTurnFinal,
			SessionID: h.id,
			Timestamp: now,
			Turn:      t.Clone(),
		})
	}

	for sub := range h.subscribers {
		h.deliver(sub, cloneSnapshot(snap))
	}
	h.mu.Unlock()

	if h.outbox == nil {
		return
	}
	h.enqueue(outbound{snapshot: &snap})
	for i := range finals {
		h.enqueue(outbound{final: &finals[i]})
	}
}

// deliver sends snap to sub, evicting the oldest queued snapshot when full.
// Called with h.mu held.
func (h *Handler) deliver(sub *Subscription, snap models.HistorySnapshot) {
	select {
	case sub.ch <- snap:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- snap:
	default:
	}
	h.metrics.SnapshotsOverflowed.Inc()
}

func (h *Handler) enqueue(ev outbound) {
	select {
	case h.outbox <- ev:
	default:
		h.logger.Warn().Msg("Publish queue full, dropping event")
	}
}

func (h *Handler) onAgentTranscript(turnID int64) {
	h.mu.Lock()
	h.lastAgentTurn = turnID
	h.agentMessages++
	h.mu.Unlock()
}

func (h *Handler) publishLoop() {
	defer h.wg.Done()
	for ev := range h.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		var err error
		switch {
		case ev.snapshot != nil:
			err = h.publisher.PublishHistory(ctx, *ev.snapshot)
		case ev.final != nil:
			err = h.publisher.PublishTurnFinal(ctx, *ev.final)
		}
		cancel()
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to publish transcript event")
		}
	}
}

func cloneSnapshot(s models.HistorySnapshot) models.HistorySnapshot {
	s.Turns = models.CloneTurns(s.Turns)
	return s
}
