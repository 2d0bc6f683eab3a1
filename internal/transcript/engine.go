// Package transcript reconstructs an ordered chat history from the chunked
// stream messages of a conversational-AI call.
//
// Raw chunks are reassembled into JSON messages, classified, deduplicated
// and routed either straight into the history (text mode) or through a turn
// queue that reveals word-level agent transcripts in step with the audio
// presentation timestamp (word mode). Every change is delivered to the
// configured HistoryFunc as a copy of the full ordered history.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
)

// DefaultTickInterval is the turn-queue polling interval.
const DefaultTickInterval = 200 * time.Millisecond

// HistoryFunc receives a copy of the full ordered history after every change.
// It runs while the engine is locked and must not call back into the engine.
type HistoryFunc func(turns []models.ChatTurn)

// Config configures an Engine.
type Config struct {
	SessionID string

	// ContinuePhrase is suppressed when the agent speaks it verbatim.
	ContinuePhrase string
	RenderMode     RenderMode

	ReassemblyTimeout time.Duration
	TickInterval      time.Duration

	OnHistory HistoryFunc
	// OnAgentTranscript is invoked for every accepted agent transcription,
	// letting the owner cancel a pending continue-phrase nudge.
	OnAgentTranscript func(turnID int64)

	// Now overrides the clock used for ChatTurn.Time.
	Now    func() time.Time
	Logger *zerolog.Logger
}

// Engine is the transcript engine of one call session.
// All entry points are serialised; each one runs to completion before the
// next starts.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	lifecycle   *Lifecycle
	reassembler *Reassembler
	seen        map[string]struct{}
	agentUIDs   map[string]struct{}
	history     history
	queue       turnQueue
	pts         uint64

	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an engine. Call Start to run the turn-queue ticker.
func New(cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = DefaultReassemblyTimeout
	}
	if cfg.RenderMode == "" {
		cfg.RenderMode = RenderModeAuto
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.ContinuePhrase = strings.TrimSpace(cfg.ContinuePhrase)

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = logging.WithSession("transcript", cfg.SessionID)
	}

	e := &Engine{
		cfg:         cfg,
		lifecycle:   NewLifecycle(cfg.RenderMode),
		reassembler: NewReassembler(cfg.ReassemblyTimeout, logger),
		seen:        make(map[string]struct{}),
		agentUIDs:   make(map[string]struct{}),
		stop:        make(chan struct{}),
		logger:      logger,
		metrics:     metrics.DefaultMetrics,
	}
	if s := e.lifecycle.State(); s.IsMode() {
		e.metrics.RecordModeLock(s.String())
	}
	return e
}

// Start launches the turn-queue ticker. It is a no-op when already started
// or torn down.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started || e.lifecycle.IsClosed() {
		return
	}
	e.started = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(e.cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-t.C:
				e.Tick()
			}
		}
	}()

	e.logger.Debug().
		Str("renderMode", string(e.cfg.RenderMode)).
		Dur("tickInterval", e.cfg.TickInterval).
		Msg("Transcript engine started")
}

// Close tears the engine down: timers stop, all state is dropped and no
// further snapshot is delivered. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.lifecycle.TearDown() {
		e.mu.Unlock()
		return
	}
	e.reassembler.Close()
	e.metrics.QueueItems.Sub(float64(e.queue.len()))
	e.queue.reset()
	e.history.reset()
	e.seen = make(map[string]struct{})
	e.agentUIDs = make(map[string]struct{})
	started := e.started
	e.mu.Unlock()

	if started {
		close(e.stop)
		e.wg.Wait()
	}
	e.logger.Debug().Msg("Transcript engine torn down")
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return e.lifecycle.State()
}

// PTS returns the current presentation timestamp.
func (e *Engine) PTS() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pts
}

// History returns a copy of the current ordered history.
func (e *Engine) History() []models.ChatTurn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.snapshot()
}

// QueueLen returns the number of pending word-mode turns.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

// PendingChunks returns the number of incomplete chunk buffers.
func (e *Engine) PendingChunks() int {
	return e.reassembler.Pending()
}

// HandleStreamMessage ingests one raw stream-message chunk published by uid.
// uid is used as the speaker when the message does not name one.
func (e *Engine) HandleStreamMessage(uid string, raw []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lifecycle.IsClosed() {
		return
	}
	msg, ok := e.reassembler.Ingest(raw)
	if !ok {
		return
	}
	withDefaultUID(msg, uid)
	e.route(msg)
}

// HandleAudioMetadata advances the clock from an audio-metadata event.
func (e *Engine) HandleAudioMetadata(raw []byte) error {
	pts, err := ParsePTS(raw)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Discarding audio metadata")
		return err
	}
	e.SetPTS(pts)
	return nil
}

// SetPTS advances the presentation timestamp. Values lower than the current
// one are ignored.
func (e *Engine) SetPTS(pts uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pts > e.pts {
		e.pts = pts
	}
}

// Route classifies and applies one decoded message.
func (e *Engine) Route(msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lifecycle.IsClosed() {
		return
	}
	e.route(msg)
}

func (e *Engine) route(msg Message) {
	if msg == nil {
		return
	}
	if id := msg.ID(); id != "" {
		if _, dup := e.seen[id]; dup {
			e.logger.Debug().Str("messageId", id).Msg("Duplicate message ignored")
			e.metrics.RecordDiscarded("duplicate")
			return
		}
		e.seen[id] = struct{}{}
	}

	switch m := msg.(type) {
	case *AgentTranscription:
		e.routeAgent(m)
	case *UserTranscription:
		e.routeUser(m)
	case *Interruption:
		e.routeInterruption(m)
	default:
		e.metrics.RecordDiscarded("unknown_kind")
	}
}

func (e *Engine) routeAgent(m *AgentTranscription) {
	if e.cfg.ContinuePhrase != "" && strings.TrimSpace(m.Text) == e.cfg.ContinuePhrase {
		e.logger.Debug().Int64("turnId", m.TurnID).Msg("Continue phrase echo suppressed")
		e.metrics.RecordDiscarded("echo")
		return
	}

	want := StateTextMode
	switch e.cfg.RenderMode {
	case RenderModeText:
	case RenderModeWord:
		want = StateWordMode
	default:
		if m.HasWords() {
			want = StateWordMode
		}
	}
	prev := e.lifecycle.State()
	if err := e.lifecycle.Lock(want); err != nil {
		e.logger.Warn().
			Err(err).
			Int64("turnId", m.TurnID).
			Str("messageId", m.MessageID).
			Msg("Agent transcription ignored")
		e.metrics.RecordDiscarded("mode_conflict")
		return
	}
	if prev == StateUninitialized {
		e.logger.Info().Str("mode", want.String()).Msg("Render mode locked")
		e.metrics.RecordModeLock(want.String())
	}

	e.metrics.RecordRouted(string(KindAgentTranscription))
	e.agentUIDs[m.StreamID] = struct{}{}
	if e.cfg.OnAgentTranscript != nil {
		e.cfg.OnAgentTranscript(m.TurnID)
	}

	if want == StateWordMode {
		before := e.queue.len()
		e.queue.push(m)
		e.metrics.QueueItems.Add(float64(e.queue.len() - before))
		e.publish()
		return
	}

	if e.upsert(models.ChatTurn{
		TurnID:    m.TurnID,
		UID:       m.StreamID,
		Time:      e.nowMs(),
		Text:      m.Text,
		Status:    m.TurnStatus,
		MessageID: m.MessageID,
		Metadata:  m.Raw,
	}) {
		e.publish()
	}
}

func (e *Engine) routeUser(m *UserTranscription) {
	e.metrics.RecordRouted(string(KindUserTranscription))
	if e.upsert(models.ChatTurn{
		TurnID:    m.TurnID,
		UID:       m.UserID,
		Time:      e.nowMs(),
		Text:      m.Text,
		Status:    m.Status(),
		MessageID: m.MessageID,
		Metadata:  m.Raw,
	}) {
		e.publish()
	}
}

func (e *Engine) routeInterruption(m *Interruption) {
	e.metrics.RecordRouted(string(KindInterruption))

	hits := e.history.interrupt(m.TurnID, e.agentUIDs)
	for range hits {
		e.metrics.RecordTurnFinalized(models.TurnInterrupted.String())
	}
	queued := e.queue.interrupt(m.TurnID)

	if len(hits) == 0 && !queued {
		e.logger.Debug().Int64("turnId", m.TurnID).Msg("Interruption matched no active turn")
		return
	}
	e.logger.Debug().
		Int64("turnId", m.TurnID).
		Int("turns", len(hits)).
		Bool("queued", queued).
		Msg("Turn interrupted")
	e.publish()
}

// Tick reveals queued words whose start is at or before the current pts,
// finalizes completed turns and drops them from the queue. Only word mode
// has a queue; in any other state Tick is a no-op.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lifecycle.State() != StateWordMode || e.queue.len() == 0 {
		return
	}

	changed := false
	done := make(map[*queueItem]bool)
	for _, it := range e.queue.items {
		n := it.revealed(e.pts)
		all := n == len(it.Words)
		shown := n > 0 || len(it.Words) == 0

		cur, exists := e.history.get(it.TurnID, it.StreamID)
		if exists && cur.Status.IsTerminal() {
			done[it] = true
			continue
		}

		if it.Status == models.TurnInterrupted {
			switch {
			case exists:
				if shown {
					changed = e.history.setText(it.TurnID, it.StreamID, it.Text) || changed
				}
				changed = e.promote(it.TurnID, it.StreamID, models.TurnInterrupted) || changed
			case shown:
				changed = e.upsert(e.queuedTurn(it, models.TurnInterrupted)) || changed
			}
			done[it] = true
			continue
		}

		if !shown {
			continue
		}
		if exists {
			changed = e.history.setText(it.TurnID, it.StreamID, it.Text) || changed
		} else {
			changed = e.upsert(e.queuedTurn(it, models.TurnInProgress)) || changed
		}

		if !all || !it.Status.IsTerminal() {
			continue
		}
		if len(it.Words) > 0 && it.Words[n-1].Status == models.TurnInProgress {
			continue
		}
		changed = e.promote(it.TurnID, it.StreamID, it.Status) || changed
		done[it] = true
	}

	removed := e.queue.remove(done)
	e.metrics.QueueItems.Sub(float64(removed))
	if changed || removed > 0 {
		e.publish()
	}
}

func (e *Engine) queuedTurn(it *queueItem, status models.TurnStatus) models.ChatTurn {
	return models.ChatTurn{
		TurnID:    it.TurnID,
		UID:       it.StreamID,
		Time:      e.nowMs(),
		Text:      it.Text,
		Status:    status,
		MessageID: it.MessageID,
		Metadata:  it.Metadata,
	}
}

// upsert applies t to the history and records turns that became terminal.
func (e *Engine) upsert(t models.ChatTurn) bool {
	before, existed := e.history.get(t.TurnID, t.UID)
	if !e.history.upsert(t) {
		return false
	}
	after, _ := e.history.get(t.TurnID, t.UID)
	if after.Status.IsTerminal() && (!existed || !before.Status.IsTerminal()) {
		e.metrics.RecordTurnFinalized(after.Status.String())
	}
	return true
}

func (e *Engine) promote(turnID int64, uid string, status models.TurnStatus) bool {
	if !e.history.promote(turnID, uid, status) {
		return false
	}
	e.metrics.RecordTurnFinalized(status.String())
	return true
}

func (e *Engine) publish() {
	e.history.sort()
	e.metrics.RecordSnapshot()
	if e.cfg.OnHistory != nil {
		e.cfg.OnHistory(e.history.snapshot())
	}
}

func (e *Engine) nowMs() int64 {
	return e.cfg.Now().UnixMilli()
}
