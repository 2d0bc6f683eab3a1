package transcript

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/observability/metrics"
)

// UnknownPartSum is the part_sum sentinel used when the sender does not yet
// know how many parts a message has.
const UnknownPartSum = "???"

// DefaultReassemblyTimeout is how long an incomplete buffer is kept.
const DefaultReassemblyTimeout = 5 * time.Minute

var (
	ErrMalformedChunk  = errors.New("malformed chunk")
	ErrUnknownPartSum  = errors.New("chunk part_sum is unknown")
	ErrPartSumMismatch = errors.New("chunk part_sum differs from buffered parts")
)

// Chunk is one parsed "message_id|part_idx|part_sum|part_data" record.
type Chunk struct {
	MessageID string
	PartIdx   int
	PartSum   int
	Content   string
}

// EncodeChunks encodes payload as base64 and splits it into chunks whose
// part data is at most maxPartLen bytes. It is the sender side of ParseChunk.
func EncodeChunks(messageID string, payload []byte, maxPartLen int) [][]byte {
	enc := base64.StdEncoding.EncodeToString(payload)
	if maxPartLen < 1 {
		maxPartLen = len(enc)
	}
	sum := max(1, (len(enc)+maxPartLen-1)/maxPartLen)

	out := make([][]byte, 0, sum)
	for i := 0; i < sum; i++ {
		start := min(i*maxPartLen, len(enc))
		end := min(start+maxPartLen, len(enc))
		out = append(out, []byte(fmt.Sprintf("%s|%d|%d|%s", messageID, i, sum, enc[start:end])))
	}
	return out
}

// ParseChunk parses a raw stream-message chunk.
func ParseChunk(raw []byte) (Chunk, error) {
	if !utf8.Valid(raw) {
		return Chunk{}, fmt.Errorf("%w: not valid UTF-8", ErrMalformedChunk)
	}
	fields := strings.SplitN(string(raw), "|", 4)
	if len(fields) != 4 {
		return Chunk{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedChunk, len(fields))
	}
	if fields[0] == "" {
		return Chunk{}, fmt.Errorf("%w: empty message id", ErrMalformedChunk)
	}
	if fields[2] == UnknownPartSum {
		return Chunk{}, ErrUnknownPartSum
	}

	idx, err := strconv.Atoi(fields[1])
	if err != nil || idx < 0 {
		return Chunk{}, fmt.Errorf("%w: bad part_idx %q", ErrMalformedChunk, fields[1])
	}
	sum, err := strconv.Atoi(fields[2])
	if err != nil || sum < 1 {
		return Chunk{}, fmt.Errorf("%w: bad part_sum %q", ErrMalformedChunk, fields[2])
	}
	if idx >= sum {
		return Chunk{}, fmt.Errorf("%w: part_idx %d out of range for part_sum %d", ErrMalformedChunk, idx, sum)
	}

	return Chunk{
		MessageID: fields[0],
		PartIdx:   idx,
		PartSum:   sum,
		Content:   fields[3],
	}, nil
}

type chunkBuffer struct {
	partSum int
	parts   []Chunk
	timer   *time.Timer
}

func (b *chunkBuffer) add(c Chunk) bool {
	i := sort.Search(len(b.parts), func(i int) bool { return b.parts[i].PartIdx >= c.PartIdx })
	if i < len(b.parts) && b.parts[i].PartIdx == c.PartIdx {
		return false
	}
	b.parts = append(b.parts, Chunk{})
	copy(b.parts[i+1:], b.parts[i:])
	b.parts[i] = c
	return true
}

func (b *chunkBuffer) payload() string {
	var sb strings.Builder
	for _, p := range b.parts {
		sb.WriteString(p.Content)
	}
	return sb.String()
}

// Reassembler buffers multi-part stream messages until every part has
// arrived. Incomplete buffers are purged after the configured timeout.
// Thread-safe for concurrent access.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[string]*chunkBuffer
	timeout time.Duration
	closed  bool
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewReassembler creates a Reassembler. A non-positive timeout selects
// DefaultReassemblyTimeout.
func NewReassembler(timeout time.Duration, logger zerolog.Logger) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		buffers: make(map[string]*chunkBuffer),
		timeout: timeout,
		logger:  logger,
		metrics: metrics.DefaultMetrics,
	}
}

// Ingest adds one raw chunk. It returns the decoded message once the chunk
// completes its buffer. Every failure is logged and reported as (nil, false).
func (r *Reassembler) Ingest(raw []byte) (Message, bool) {
	r.metrics.RecordChunk()

	c, err := ParseChunk(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownPartSum) {
			r.logger.Debug().Msg("Chunk with unknown part_sum ignored")
			r.metrics.RecordChunkDropped("unknown_part_sum")
			return nil, false
		}
		r.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Discarding malformed chunk")
		r.metrics.RecordChunkDropped("malformed")
		return nil, false
	}

	payload, complete, err := r.add(c)
	if err != nil {
		r.logger.Warn().Err(err).Str("messageId", c.MessageID).Msg("Discarding chunk")
		r.metrics.RecordChunkDropped("part_sum_mismatch")
		return nil, false
	}
	if !complete {
		return nil, false
	}

	msg, err := DecodePayload(payload)
	if err != nil {
		reason := "invalid_json"
		switch {
		case errors.Is(err, ErrInvalidBase64):
			reason = "invalid_base64"
		case errors.Is(err, ErrInvalidUTF8):
			reason = "invalid_utf8"
		case errors.Is(err, ErrUnknownKind):
			reason = "unknown_kind"
		}
		r.logger.Warn().Err(err).Str("messageId", c.MessageID).Str("reason", reason).Msg("Discarding undecodable message")
		r.metrics.RecordChunkDropped(reason)
		return nil, false
	}

	r.metrics.RecordReassembled()
	return msg, true
}

// add buffers c and returns the concatenated payload when the buffer completes.
func (r *Reassembler) add(c Chunk) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", false, nil
	}

	buf, ok := r.buffers[c.MessageID]
	if !ok {
		buf = &chunkBuffer{partSum: c.PartSum}
		r.buffers[c.MessageID] = buf
		id := c.MessageID
		buf.timer = time.AfterFunc(r.timeout, func() { r.expire(id, buf) })
	} else if buf.partSum != c.PartSum {
		return "", false, fmt.Errorf("%w: have %d, got %d", ErrPartSumMismatch, buf.partSum, c.PartSum)
	}

	if !buf.add(c) {
		r.logger.Debug().Str("messageId", c.MessageID).Int("partIdx", c.PartIdx).Msg("Duplicate chunk ignored")
		return "", false, nil
	}
	if len(buf.parts) < buf.partSum {
		return "", false, nil
	}

	buf.timer.Stop()
	delete(r.buffers, c.MessageID)
	return buf.payload(), true, nil
}

// expire purges buf if it is still the live buffer for id.
func (r *Reassembler) expire(id string, buf *chunkBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.buffers[id]; !ok || cur != buf {
		return
	}
	delete(r.buffers, id)
	r.metrics.RecordReassemblyTimeout()
	r.logger.Info().
		Str("messageId", id).
		Int("received", len(buf.parts)).
		Int("partSum", buf.partSum).
		Msg("Incomplete message purged after timeout")
}

// Pending returns the number of incomplete buffers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// Close stops all timers and drops every buffer. Later chunks are ignored.
func (r *Reassembler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, buf := range r.buffers {
		buf.timer.Stop()
		delete(r.buffers, id)
	}
	r.closed = true
}
