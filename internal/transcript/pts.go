package transcript

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PTSSize is the size of an audio-metadata presentation timestamp.
const PTSSize = 8

var ErrShortMetadata = errors.New("audio metadata too short")

// ParsePTS decodes the little-endian presentation timestamp carried by an
// audio-metadata event.
func ParsePTS(raw []byte) (uint64, error) {
	if len(raw) < PTSSize {
		return 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrShortMetadata, PTSSize, len(raw))
	}
	return binary.LittleEndian.Uint64(raw[:PTSSize]), nil
}

// EncodePTS encodes pts the way audio-metadata events carry it.
func EncodePTS(pts uint64) []byte {
	buf := make([]byte, PTSSize)
	binary.LittleEndian.PutUint64(buf, pts)
	return buf
}
