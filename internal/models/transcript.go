// Package models defines the chat-history records and transport frames
// exchanged between the transcript engine and its consumers.
package models

import (
	"encoding/json"
	"fmt"
)

// TurnStatus is the lifecycle status of a chat turn. The numeric values
// match the turn_status field carried by agent transcriptions.
type TurnStatus int

const (
	TurnInProgress  TurnStatus = 0
	TurnEnd         TurnStatus = 1
	TurnInterrupted TurnStatus = 2
)

// String returns the string representation of the status.
func (s TurnStatus) String() string {
	switch s {
	case TurnInProgress:
		return "IN_PROGRESS"
	case TurnEnd:
		return "END"
	case TurnInterrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal returns true for END and INTERRUPTED.
func (s TurnStatus) IsTerminal() bool {
	return s == TurnEnd || s == TurnInterrupted
}

// Valid reports whether s is one of the known statuses.
func (s TurnStatus) Valid() bool {
	return s == TurnInProgress || s == TurnEnd || s == TurnInterrupted
}

// ChatTurn is one utterance of one speaker. (TurnID, UID) is unique within
// a session history.
type ChatTurn struct {
	TurnID    int64           `json:"turnId"`
	UID       string          `json:"uid"`
	Time      int64           `json:"time"`
	Text      string          `json:"text"`
	Status    TurnStatus      `json:"status"`
	MessageID string          `json:"messageId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the turn.
func (t ChatTurn) Clone() ChatTurn {
	c := t
	if t.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), t.Metadata...)
	}
	return c
}

// CloneTurns deep-copies a slice of turns. A nil input yields an empty,
// non-nil slice so JSON consumers always see an array.
func CloneTurns(turns []ChatTurn) []ChatTurn {
	out := make([]ChatTurn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}

// HistorySnapshot is the full ordered chat history of a session at one point in time.
type HistorySnapshot struct {
	EventType string     `json:"eventType"`
	SessionID string     `json:"sessionId"`
	Timestamp int64      `json:"timestamp"`
	Turns     []ChatTurn `json:"turns"`
}

// TurnFinal is emitted when a turn reaches a terminal status and again if
// its text changes afterwards.
type TurnFinal struct {
	EventType string   `json:"eventType"`
	SessionID string   `json:"sessionId"`
	Timestamp int64    `json:"timestamp"`
	Turn      ChatTurn `json:"turn"`
}

const (
	EventTypeHistory   = "transcript.history.snapshot"
	EventTypeTurnFinal = "transcript.turn.final"
)
