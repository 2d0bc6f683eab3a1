package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// State represents the render-mode lifecycle of an engine.
type State int

const (
	// StateUninitialized - No agent transcription seen yet, mode not chosen.
	StateUninitialized State = iota
	// StateTextMode - Sentence-level transcripts, upserted directly.
	StateTextMode
	// StateWordMode - Word-level agent transcripts, revealed through the turn queue.
	StateWordMode
	// StateTornDown - Engine closed. Terminal.
	StateTornDown
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateTextMode:
		return "TEXT_MODE"
	case StateWordMode:
		return "WORD_MODE"
	case StateTornDown:
		return "TORN_DOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateTornDown
}

// IsMode returns true for TEXT_MODE and WORD_MODE.
func (s State) IsMode() bool {
	return s == StateTextMode || s == StateWordMode
}

// Errors for invalid state transitions.
var (
	ErrEngineClosed = errors.New("transcript engine is torn down")
	ErrModeLocked   = errors.New("render mode already locked")
	ErrInvalidMode  = errors.New("invalid render mode")
)

// RenderMode is the configured render-mode override.
type RenderMode string

const (
	RenderModeAuto RenderMode = "auto"
	RenderModeText RenderMode = "text"
	RenderModeWord RenderMode = "word"
)

// ParseRenderMode parses a render mode. The empty string selects auto.
func ParseRenderMode(s string) (RenderMode, error) {
	switch RenderMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RenderModeAuto:
		return RenderModeAuto, nil
	case RenderModeText:
		return RenderModeText, nil
	case RenderModeWord:
		return RenderModeWord, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Lifecycle manages the render-mode state machine of one engine.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	UNINITIALIZED ──Lock(TEXT)──→ TEXT_MODE ──┐
//	      │                                    ├── TearDown() ──→ TORN_DOWN
//	      └───────Lock(WORD)──→ WORD_MODE ─────┘
//
// Rules:
//   - A mode can only be chosen from UNINITIALIZED; it is permanent afterwards.
//   - Locking the mode already held is a no-op.
//   - TORN_DOWN is reachable from every state and rejects everything.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle creates a lifecycle for the given render mode. Text and word
// overrides start already locked.
func NewLifecycle(mode RenderMode) *Lifecycle {
	l := &Lifecycle{state: StateUninitialized}
	switch mode {
	case RenderModeText:
		l.state = StateTextMode
	case RenderModeWord:
		l.state = StateWordMode
	}
	return l
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsClosed returns true once the engine is torn down.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.IsTerminal()
}

// Lock transitions UNINITIALIZED to the given mode.
// Returns nil if the lifecycle is (now) in mode, ErrModeLocked if another
// mode is held, ErrEngineClosed after teardown.
func (l *Lifecycle) Lock(mode State) error {
	if !mode.IsMode() {
		return fmt.Errorf("%w: %v", ErrInvalidMode, mode)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateUninitialized:
		l.state = mode
		return nil
	case StateTextMode, StateWordMode:
		if l.state == mode {
			return nil
		}
		return fmt.Errorf("%w: %v, requested %v", ErrModeLocked, l.state, mode)
	case StateTornDown:
		return ErrEngineClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// TearDown transitions to TORN_DOWN.
// Returns true if the state changed, false if already torn down.
func (l *Lifecycle) TearDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateTornDown
	return true
}
