package transcript

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
)

// historySink records every snapshot delivered by an engine.
type historySink struct {
	mu        sync.Mutex
	snapshots [][]models.ChatTurn
}

func (s *historySink) record(turns []models.ChatTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, turns)
}

func (s *historySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *historySink) last() []models.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return nil
	}
	return s.snapshots[len(s.snapshots)-1]
}

// stepClock advances one millisecond per call so turn times are distinct.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *historySink) {
	t.Helper()
	sink := &historySink{}
	logger := zerolog.Nop()
	clock := &stepClock{now: time.UnixMilli(1_700_000_000_000)}

	cfg.SessionID = "test-session"
	cfg.OnHistory = sink.record
	cfg.Now = clock.Now
	cfg.Logger = &logger
	e := New(cfg)
	t.Cleanup(e.Close)
	return e, sink
}

func agent(id string, turn int64, text string, status models.TurnStatus) *AgentTranscription {
	return &AgentTranscription{MessageID: id, TurnID: turn, StreamID: "1000", Text: text, TurnStatus: status}
}

func wordAgent(id string, turn int64, text string, status models.TurnStatus, starts ...int64) *AgentTranscription {
	m := agent(id, turn, text, status)
	m.Words = make([]Word, 0, len(starts))
	for _, s := range starts {
		m.Words = append(m.Words, Word{Word: "w", StartMs: s, Status: models.TurnInProgress})
	}
	return m
}

func user(id string, turn int64, uid, text string, final bool) *UserTranscription {
	return &UserTranscription{MessageID: id, TurnID: turn, UserID: uid, Text: text, Final: final}
}

func assertTurns(t *testing.T, got []models.ChatTurn, want ...models.ChatTurn) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d turns, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.TurnID != w.TurnID || g.UID != w.UID || g.Text != w.Text || g.Status != w.Status {
			t.Errorf("turn %d = {%d %s %q %v}, want {%d %s %q %v}",
				i, g.TurnID, g.UID, g.Text, g.Status, w.TurnID, w.UID, w.Text, w.Status)
		}
	}
}

func turn(id int64, uid, text string, status models.TurnStatus) models.ChatTurn {
	return models.ChatTurn{TurnID: id, UID: uid, Text: text, Status: status}
}

func TestEngine_ChunkedTextTranscript(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	chunks := encodeChunks(t, "m1", agentText("m1", 1, "hi"), 2)
	e.HandleStreamMessage("1000", chunks[1])
	if sink.count() != 0 {
		t.Fatal("expected no snapshot before the message completes")
	}
	e.HandleStreamMessage("1000", chunks[0])

	if sink.count() != 1 {
		t.Fatalf("expected 1 snapshot, got %d", sink.count())
	}
	assertTurns(t, sink.last(), turn(1, "1000", "hi", models.TurnInProgress))
	if e.State() != StateTextMode {
		t.Errorf("expected StateTextMode, got %v", e.State())
	}
	if e.PendingChunks() != 0 {
		t.Errorf("expected no pending chunks, got %d", e.PendingChunks())
	}
}

func TestEngine_UnknownPartSumProducesNothing(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.HandleStreamMessage("1000", []byte("m2|0|???|AA=="))

	if sink.count() != 0 {
		t.Errorf("expected no snapshot, got %d", sink.count())
	}
	if e.State() != StateUninitialized {
		t.Errorf("expected StateUninitialized, got %v", e.State())
	}
}

func TestEngine_TextModeUpdatesInPlace(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 1, "hel", models.TurnInProgress))
	e.Route(agent("a2", 1, "hello", models.TurnInProgress))
	e.Route(agent("a3", 1, "hello world", models.TurnEnd))

	assertTurns(t, sink.last(), turn(1, "1000", "hello world", models.TurnEnd))
	if sink.count() != 3 {
		t.Errorf("expected 3 snapshots, got %d", sink.count())
	}
}

func TestEngine_UnchangedUpsertDoesNotPublish(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 1, "same", models.TurnInProgress))
	e.Route(agent("a2", 1, "same", models.TurnInProgress))

	if sink.count() != 1 {
		t.Errorf("expected 1 snapshot, got %d", sink.count())
	}
}

func TestEngine_TerminalStatusIsNeverDowngraded(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 1, "done", models.TurnEnd))
	e.Route(agent("a2", 1, "done, revised", models.TurnInProgress))

	assertTurns(t, sink.last(), turn(1, "1000", "done, revised", models.TurnEnd))
}

func TestEngine_DuplicateMessageIgnored(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 1, "hi", models.TurnInProgress))
	e.Route(agent("a1", 1, "hi again", models.TurnInProgress))

	if sink.count() != 1 {
		t.Errorf("expected duplicate to be ignored, got %d snapshots", sink.count())
	}
	assertTurns(t, e.History(), turn(1, "1000", "hi", models.TurnInProgress))
}

func TestEngine_ContinuePhraseSuppressed(t *testing.T) {
	e, sink := newTestEngine(t, Config{ContinuePhrase: "Please continue."})

	e.Route(agent("a1", 1, "  Please continue. ", models.TurnEnd))
	if sink.count() != 0 {
		t.Fatalf("expected echo to be suppressed, got %d snapshots", sink.count())
	}
	if e.State() != StateUninitialized {
		t.Errorf("echo must not lock the mode, got %v", e.State())
	}

	e.Route(agent("a2", 2, "Please continue with the form.", models.TurnEnd))
	assertTurns(t, sink.last(), turn(2, "1000", "Please continue with the form.", models.TurnEnd))
}

func TestEngine_InterruptionIsSticky(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 5, "let me tell you", models.TurnInProgress))
	e.Route(&Interruption{MessageID: "i1", TurnID: 5})
	assertTurns(t, sink.last(), turn(5, "1000", "let me tell you", models.TurnInterrupted))

	e.Route(agent("a2", 5, "let me tell you about", models.TurnEnd))
	assertTurns(t, e.History(), turn(5, "1000", "let me tell you about", models.TurnInterrupted))
}

func TestEngine_InterruptionWithoutMatchingTurn(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 1, "finished", models.TurnEnd))
	e.Route(&Interruption{MessageID: "i1", TurnID: 1})
	e.Route(&Interruption{MessageID: "i2", TurnID: 9})

	if sink.count() != 1 {
		t.Errorf("expected no snapshot for unmatched interruptions, got %d", sink.count())
	}
	assertTurns(t, e.History(), turn(1, "1000", "finished", models.TurnEnd))
}

func TestEngine_InterruptionLeavesUserTurns(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 3, "your order ships", models.TurnInProgress))
	e.Route(user("u1", 3, "2000", "wait", false))
	e.Route(&Interruption{MessageID: "i1", TurnID: 3})
	assertTurns(t, sink.last(),
		turn(3, "1000", "your order ships", models.TurnInterrupted),
		turn(3, "2000", "wait", models.TurnInProgress),
	)

	e.Route(user("u2", 3, "2000", "wait stop", true))
	assertTurns(t, e.History(),
		turn(3, "1000", "your order ships", models.TurnInterrupted),
		turn(3, "2000", "wait stop", models.TurnEnd),
	)
}

func TestEngine_UserTranscriptions(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 1, "how can I help", models.TurnEnd))
	e.Route(user("u1", 1, "alice", "I need", false))
	e.Route(user("u2", 1, "alice", "I need a refund", true))

	assertTurns(t, sink.last(),
		turn(1, "1000", "how can I help", models.TurnEnd),
		turn(1, "alice", "I need a refund", models.TurnEnd),
	)
}

func TestEngine_UserIDFallsBackToPublisher(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	payload := map[string]any{"object": "user.transcription", "message_id": "u1", "turn_id": 2, "text": "yes"}
	for _, c := range encodeChunks(t, "u1", payload, 1) {
		e.HandleStreamMessage("caller-7", c)
	}

	assertTurns(t, sink.last(), turn(2, "caller-7", "yes", models.TurnInProgress))
}

func TestEngine_GreetingOrderedFirst(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(user("u1", 2, "alice", "hello?", true))
	e.Route(agent("a1", 3, "hi alice", models.TurnEnd))
	e.Route(agent("a0", 0, "welcome", models.TurnEnd))

	assertTurns(t, sink.last(),
		turn(0, "1000", "welcome", models.TurnEnd),
		turn(2, "alice", "hello?", models.TurnEnd),
		turn(3, "1000", "hi alice", models.TurnEnd),
	)
}

func TestEngine_SnapshotsAreCopies(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 1, "original", models.TurnInProgress))
	snap := sink.last()
	snap[0].Text = "mutated"

	if got := e.History()[0].Text; got != "original" {
		t.Errorf("mutating a snapshot changed engine state: %q", got)
	}
}

func TestEngine_ModeLockedByFirstAgentMessage(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(agent("a1", 1, "text first", models.TurnInProgress))
	e.Route(wordAgent("a2", 2, "words later", models.TurnEnd, 10, 20))

	if e.State() != StateTextMode {
		t.Errorf("expected StateTextMode, got %v", e.State())
	}
	if e.QueueLen() != 0 {
		t.Errorf("expected conflicting word message to be ignored, queue=%d", e.QueueLen())
	}
	assertTurns(t, sink.last(), turn(1, "1000", "text first", models.TurnInProgress))
}

func TestEngine_UserMessagesDoNotLockMode(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	e.Route(user("u1", 1, "alice", "hi", true))
	if e.State() != StateUninitialized {
		t.Errorf("expected StateUninitialized, got %v", e.State())
	}
}

func TestEngine_ForcedTextModeRendersWordsAsText(t *testing.T) {
	e, sink := newTestEngine(t, Config{RenderMode: RenderModeText})

	e.Route(wordAgent("a1", 1, "spoken words", models.TurnEnd, 100, 200))

	if e.QueueLen() != 0 {
		t.Errorf("expected nothing queued, got %d", e.QueueLen())
	}
	assertTurns(t, sink.last(), turn(1, "1000", "spoken words", models.TurnEnd))
}

func TestEngine_ForcedWordModeQueuesTextMessages(t *testing.T) {
	e, sink := newTestEngine(t, Config{RenderMode: RenderModeWord})

	e.Route(agent("a1", 1, "no timing", models.TurnEnd))
	if e.QueueLen() != 1 {
		t.Fatalf("expected 1 queued turn, got %d", e.QueueLen())
	}

	e.Tick()
	assertTurns(t, sink.last(), turn(1, "1000", "no timing", models.TurnEnd))
	if e.QueueLen() != 0 {
		t.Errorf("expected queue drained, got %d", e.QueueLen())
	}
}

func TestEngine_WordModeRevealsWithPTS(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(wordAgent("a1", 1, "one two three", models.TurnEnd, 100, 200, 300))
	if e.State() != StateWordMode {
		t.Fatalf("expected StateWordMode, got %v", e.State())
	}
	if e.QueueLen() != 1 {
		t.Fatalf("expected 1 queued turn, got %d", e.QueueLen())
	}
	if len(sink.last()) != 0 {
		t.Fatalf("expected no turn before any word is revealed, got %+v", sink.last())
	}

	e.Tick()
	if len(e.History()) != 0 {
		t.Fatal("expected nothing revealed at pts 0")
	}

	e.SetPTS(150)
	e.Tick()
	assertTurns(t, sink.last(), turn(1, "1000", "one two three", models.TurnInProgress))

	e.SetPTS(299)
	e.Tick()
	assertTurns(t, e.History(), turn(1, "1000", "one two three", models.TurnInProgress))

	e.SetPTS(300)
	e.Tick()
	assertTurns(t, sink.last(), turn(1, "1000", "one two three", models.TurnEnd))
	if e.QueueLen() != 0 {
		t.Errorf("expected finished turn removed from queue, got %d", e.QueueLen())
	}
}

func TestEngine_WordModeEndWaitsForFinalMessage(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	e.Route(wordAgent("a1", 1, "one two", models.TurnInProgress, 100, 200))
	e.SetPTS(1000)
	e.Tick()
	assertTurns(t, e.History(), turn(1, "1000", "one two", models.TurnInProgress))
	if e.QueueLen() != 1 {
		t.Fatalf("expected in-progress turn to stay queued, got %d", e.QueueLen())
	}

	e.Route(wordAgent("a2", 1, "one two three", models.TurnEnd, 100, 200, 300))
	e.Tick()
	assertTurns(t, e.History(), turn(1, "1000", "one two three", models.TurnEnd))
	if e.QueueLen() != 0 {
		t.Errorf("expected queue drained, got %d", e.QueueLen())
	}
}

func TestEngine_WordModeInterruption(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Route(wordAgent("a1", 4, "I was saying", models.TurnInProgress, 100, 200, 300))
	e.SetPTS(150)
	e.Tick()

	e.Route(&Interruption{MessageID: "i1", TurnID: 4})
	assertTurns(t, sink.last(), turn(4, "1000", "I was saying", models.TurnInterrupted))

	e.SetPTS(1000)
	e.Tick()
	if e.QueueLen() != 0 {
		t.Errorf("expected interrupted turn removed, got %d", e.QueueLen())
	}
	assertTurns(t, e.History(), turn(4, "1000", "I was saying", models.TurnInterrupted))
}

func TestEngine_WordModeInterruptedBeforeReveal(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	e.Route(wordAgent("a1", 4, "never heard", models.TurnInProgress, 500, 600))
	e.Route(&Interruption{MessageID: "i1", TurnID: 4})
	e.Tick()

	if e.QueueLen() != 0 {
		t.Errorf("expected interrupted turn dropped, got %d", e.QueueLen())
	}
	if len(e.History()) != 0 {
		t.Errorf("expected no turn for unrevealed speech, got %+v", e.History())
	}
}

func TestEngine_TickOutsideWordModeIsNoop(t *testing.T) {
	e, sink := newTestEngine(t, Config{})

	e.Tick()
	e.Route(agent("a1", 1, "text", models.TurnInProgress))
	e.Tick()

	if sink.count() != 1 {
		t.Errorf("expected only the routing snapshot, got %d", sink.count())
	}
}

func TestTurnQueue_MergeKeepsFirstWordPerStart(t *testing.T) {
	var q turnQueue

	q.push(wordAgent("a1", 1, "a", models.TurnInProgress, 200, 100))
	m := wordAgent("a2", 1, "a b", models.TurnInProgress, 100, 300)
	m.Words[0].Word = "replacement"
	q.push(m)

	if q.len() != 1 {
		t.Fatalf("expected one item per turn, got %d", q.len())
	}
	it := q.items[0]
	if it.Text != "a b" || it.MessageID != "a2" {
		t.Errorf("expected latest text and id, got %q %q", it.Text, it.MessageID)
	}
	var starts []int64
	for _, w := range it.Words {
		starts = append(starts, w.StartMs)
	}
	if len(starts) != 3 || starts[0] != 100 || starts[1] != 200 || starts[2] != 300 {
		t.Fatalf("expected sorted unique starts [100 200 300], got %v", starts)
	}
	if it.Words[0].Word != "w" {
		t.Errorf("expected first word at 100 to win, got %q", it.Words[0].Word)
	}
}

func TestTurnQueue_StatusMarksWords(t *testing.T) {
	var q turnQueue

	it := q.push(wordAgent("a1", 1, "x y", models.TurnEnd, 10, 20))
	if it.Words[0].Status != models.TurnInProgress || it.Words[1].Status != models.TurnEnd {
		t.Errorf("expected only the last word to end, got %+v", it.Words)
	}

	// A late IN_PROGRESS update must not reopen the turn.
	q.push(wordAgent("a2", 1, "x y", models.TurnInProgress, 10, 20))
	if it.Status != models.TurnEnd {
		t.Errorf("expected END to stick, got %v", it.Status)
	}

	if !q.interrupt(1) {
		t.Fatal("expected interrupt to hit the queued turn")
	}
	for i, w := range it.Words {
		if w.Status != models.TurnInterrupted {
			t.Errorf("word %d: expected INTERRUPTED, got %v", i, w.Status)
		}
	}
}

func TestQueueItem_Revealed(t *testing.T) {
	it := &queueItem{Words: []Word{{StartMs: 0}, {StartMs: 100}, {StartMs: 200}}}

	tests := []struct {
		pts  uint64
		want int
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{250, 3},
	}
	for _, tt := range tests {
		if got := it.revealed(tt.pts); got != tt.want {
			t.Errorf("revealed(%d) = %d, want %d", tt.pts, got, tt.want)
		}
	}
}

func TestEngine_PTSOnlyMovesForward(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	if err := e.HandleAudioMetadata(EncodePTS(500)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.SetPTS(200)
	if e.PTS() != 500 {
		t.Errorf("expected pts 500, got %d", e.PTS())
	}

	if err := e.HandleAudioMetadata([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short metadata")
	}
	if e.PTS() != 500 {
		t.Errorf("expected pts unchanged, got %d", e.PTS())
	}
}

func TestParsePTS(t *testing.T) {
	raw := []byte{0x10, 0x27, 0, 0, 0, 0, 0, 0, 0xff}
	pts, err := ParsePTS(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts != 10000 {
		t.Errorf("expected 10000, got %d", pts)
	}
}

func TestEngine_OnAgentTranscriptHook(t *testing.T) {
	var mu sync.Mutex
	var turns []int64
	e, _ := newTestEngine(t, Config{
		ContinuePhrase: "go on",
		OnAgentTranscript: func(turnID int64) {
			mu.Lock()
			turns = append(turns, turnID)
			mu.Unlock()
		},
	})

	e.Route(agent("a1", 1, "go on", models.TurnEnd))
	e.Route(agent("a2", 2, "answer", models.TurnEnd))
	e.Route(user("u1", 3, "alice", "thanks", true))

	mu.Lock()
	defer mu.Unlock()
	if len(turns) != 1 || turns[0] != 2 {
		t.Errorf("expected hook for turn 2 only, got %v", turns)
	}
}

func TestEngine_CloseStopsEverything(t *testing.T) {
	e, sink := newTestEngine(t, Config{TickInterval: 5 * time.Millisecond})
	e.Start()

	e.Route(wordAgent("a1", 1, "pending", models.TurnEnd, 100))
	chunks := encodeChunks(t, "m9", agentText("m9", 9, "partial"), 2)
	e.HandleStreamMessage("1000", chunks[0])

	e.Close()
	before := sink.count()

	if e.State() != StateTornDown {
		t.Errorf("expected StateTornDown, got %v", e.State())
	}
	if e.QueueLen() != 0 || e.PendingChunks() != 0 || len(e.History()) != 0 {
		t.Errorf("expected all state dropped, queue=%d chunks=%d history=%d",
			e.QueueLen(), e.PendingChunks(), len(e.History()))
	}

	e.SetPTS(1000)
	e.Tick()
	e.HandleStreamMessage("1000", chunks[1])
	e.Route(agent("a2", 2, "late", models.TurnEnd))
	time.Sleep(20 * time.Millisecond)

	if sink.count() != before {
		t.Errorf("expected no snapshot after Close, got %d more", sink.count()-before)
	}

	// Idempotent, and Start after Close stays stopped.
	e.Close()
	e.Start()
}

func TestEngine_TickerRevealsWords(t *testing.T) {
	e, sink := newTestEngine(t, Config{TickInterval: 5 * time.Millisecond})
	e.Start()
	e.Start()

	e.Route(wordAgent("a1", 1, "tick tock", models.TurnEnd, 100, 200))
	e.SetPTS(200)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if last := sink.last(); len(last) == 1 && last[0].Status == models.TurnEnd {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the ticker to finish the turn, last snapshot %+v", sink.last())
}
