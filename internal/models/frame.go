package models

// Frame kinds accepted from the RTC bridge.
const (
	// FrameKindStreamMessage carries one raw stream-message chunk
	// ("message_id|part_idx|part_sum|part_data").
	FrameKindStreamMessage = "stream-message"
	// FrameKindAudioMetadata carries an 8-byte little-endian presentation timestamp.
	FrameKindAudioMetadata = "audio-metadata"
)

// Frame is one inbound event forwarded by the RTC bridge over WebSocket or gRPC.
// Data is base64 encoded on the JSON wire.
type Frame struct {
	SessionID string `json:"sessionId,omitempty"`
	Kind      string `json:"kind"`
	UID       string `json:"uid,omitempty"`
	Data      []byte `json:"data"`
}
