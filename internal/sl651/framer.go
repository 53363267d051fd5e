package sl651

import (
	"bytes"
	"sync"

	"github.com/hyird/iot-manager-sub001/internal/gwerrors"
	"github.com/hyird/iot-manager-sub001/internal/logger"
)

// Framer holds one accumulation buffer per link and drains complete
// candidate frames from it as bytes arrive. It holds no protocol
// knowledge beyond locating the preamble and reading the length field;
// element decoding is the Parser's job.
type Framer struct {
	mu      sync.Mutex
	buffers map[string][]byte
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{buffers: make(map[string][]byte)}
}

// Clear discards the accumulation buffer for linkID, used when a link is
// stopped or its state machine resets so stale bytes from a previous
// connection never bleed into the next one.
func (f *Framer) Clear(linkID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buffers, linkID)
}

// Feed appends data to linkID's buffer and returns every complete frame
// that can be drained from it, in arrival order. The returned slices are
// copies; the internal buffer is safe to keep mutating after Feed returns.
func (f *Framer) Feed(linkID string, data []byte) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := append(f.buffers[linkID], data...)

	if len(buf) > MaxBufferSize {
		logger.Warn("framer buffer overflow, clearing", logger.LinkID(linkID), logger.Bytes(len(buf)))
		f.buffers[linkID] = nil
		return nil, &gwerrors.FramerOverflow{LinkID: linkID, Size: len(buf)}
	}

	var frames [][]byte
	for {
		idx := bytes.Index(buf, []byte{Preamble1, Preamble2})
		if idx < 0 {
			// No preamble anywhere in the buffer: the wire format
			// guarantees every well-formed stream starts with one, so
			// whatever remains is garbage.
			buf = nil
			break
		}
		if idx > 0 {
			buf = buf[idx:]
		}

		if len(buf) < HeaderLen {
			break
		}

		lenField := uint16(buf[11])<<8 | uint16(buf[12])
		bodyLen := int(lenField & 0x0FFF)
		frameLen := HeaderLen + 1 + bodyLen + 1 + 2

		if len(buf) < frameLen {
			break
		}

		frame := make([]byte, frameLen)
		copy(frame, buf[:frameLen])
		frames = append(frames, frame)
		buf = buf[frameLen:]
	}

	f.buffers[linkID] = buf
	return frames, nil
}
