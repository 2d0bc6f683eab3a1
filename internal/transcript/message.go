package transcript

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"transcript-relay-service/internal/models"
)

// Kind is the object tag of a decoded stream message.
type Kind string

const (
	KindAgentTranscription Kind = "assistant.transcription"
	KindUserTranscription  Kind = "user.transcription"
	KindInterruption       Kind = "message.interrupt"
)

var (
	ErrInvalidBase64 = errors.New("payload is not valid base64")
	ErrInvalidUTF8   = errors.New("payload is not valid UTF-8")
	ErrUnknownKind   = errors.New("unknown message object")
)

// Message is one of *AgentTranscription, *UserTranscription or *Interruption.
type Message interface {
	Kind() Kind
	ID() string
	Turn() int64
	isMessage()
}

// Word is one timed word of an agent transcription.
type Word struct {
	Word       string            `json:"word"`
	StartMs    int64             `json:"start_ms"`
	DurationMs int64             `json:"duration_ms"`
	Stable     bool              `json:"stable"`
	Status     models.TurnStatus `json:"word_status"`
}

// AgentTranscription is a transcript of the agent's speech. Words is nil
// for sentence-level streams.
type AgentTranscription struct {
	MessageID  string
	TurnID     int64
	StreamID   string
	Text       string
	Words      []Word
	StartMs    int64
	TurnStatus models.TurnStatus
	Raw        json.RawMessage
}

// UserTranscription is a transcript of a user's speech.
type UserTranscription struct {
	MessageID string
	TurnID    int64
	UserID    string
	Text      string
	Final     bool
	StartMs   int64
	Raw       json.RawMessage
}

// Interruption marks the agent turn TurnID as cut off.
type Interruption struct {
	MessageID string
	TurnID    int64
	StartMs   int64
}

func (m *AgentTranscription) Kind() Kind  { return KindAgentTranscription }
func (m *AgentTranscription) ID() string  { return m.MessageID }
func (m *AgentTranscription) Turn() int64 { return m.TurnID }
func (m *AgentTranscription) isMessage()  {}

// HasWords reports whether the message carried a words array.
func (m *AgentTranscription) HasWords() bool { return m.Words != nil }

func (m *UserTranscription) Kind() Kind  { return KindUserTranscription }
func (m *UserTranscription) ID() string  { return m.MessageID }
func (m *UserTranscription) Turn() int64 { return m.TurnID }
func (m *UserTranscription) isMessage()  {}

// Status maps the final flag onto a turn status.
func (m *UserTranscription) Status() models.TurnStatus {
	if m.Final {
		return models.TurnEnd
	}
	return models.TurnInProgress
}

func (m *Interruption) Kind() Kind  { return KindInterruption }
func (m *Interruption) ID() string  { return m.MessageID }
func (m *Interruption) Turn() int64 { return m.TurnID }
func (m *Interruption) isMessage()  {}

// flexID accepts both JSON strings and numbers; stream and user ids arrive as either.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*f = flexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexID(n.String())
	return nil
}

type wireWord struct {
	Word       string `json:"word"`
	StartMs    int64  `json:"start_ms"`
	DurationMs int64  `json:"duration_ms"`
	Stable     bool   `json:"stable"`
}

type wireMessage struct {
	Object     string            `json:"object"`
	MessageID  string            `json:"message_id"`
	TurnID     int64             `json:"turn_id"`
	Text       string            `json:"text"`
	Words      []wireWord        `json:"words"`
	StartMs    int64             `json:"start_ms"`
	Final      bool              `json:"final"`
	TurnStatus models.TurnStatus `json:"turn_status"`
	StreamID   flexID            `json:"stream_id"`
	UserID     flexID            `json:"user_id"`
}

// DecodePayload decodes a reassembled base64 payload into a Message.
func DecodePayload(encoded string) (Message, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	if !utf8.Valid(raw) {
		return nil, ErrInvalidUTF8
	}
	return DecodeJSON(raw)
}

// DecodeJSON classifies a JSON document by its object tag.
func DecodeJSON(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid message json: %w", err)
	}

	switch Kind(w.Object) {
	case KindAgentTranscription:
		status := w.TurnStatus
		if !status.Valid() {
			status = models.TurnInProgress
		}
		m := &AgentTranscription{
			MessageID:  w.MessageID,
			TurnID:     w.TurnID,
			StreamID:   string(w.StreamID),
			Text:       w.Text,
			StartMs:    w.StartMs,
			TurnStatus: status,
			Raw:        json.RawMessage(raw),
		}
		if w.Words != nil {
			m.Words = make([]Word, 0, len(w.Words))
			for _, ww := range w.Words {
				m.Words = append(m.Words, Word{
					Word:       ww.Word,
					StartMs:    ww.StartMs,
					DurationMs: ww.DurationMs,
					Stable:     ww.Stable,
					Status:     models.TurnInProgress,
				})
			}
		}
		return m, nil

	case KindUserTranscription:
		uid := string(w.UserID)
		if uid == "" {
			uid = string(w.StreamID)
		}
		return &UserTranscription{
			MessageID: w.MessageID,
			TurnID:    w.TurnID,
			UserID:    uid,
			Text:      w.Text,
			Final:     w.Final,
			StartMs:   w.StartMs,
			Raw:       json.RawMessage(raw),
		}, nil

	case KindInterruption:
		return &Interruption{
			MessageID: w.MessageID,
			TurnID:    w.TurnID,
			StartMs:   w.StartMs,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Object)
	}
}

// withDefaultUID fills an empty speaker id with the uid of the publishing stream.
func withDefaultUID(msg Message, uid string) {
	if uid == "" {
		return
	}
	switch m := msg.(type) {
	case *AgentTranscription:
		if m.StreamID == "" {
			m.StreamID = uid
		}
	case *UserTranscription:
		if m.UserID == "" {
			m.UserID = uid
		}
	case *Interruption:
	}
}
