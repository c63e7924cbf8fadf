package camera

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// staleAfter bounds the age of a frame handed to the decoder.
const staleAfter = 5 * time.Second

// maxFrameSize resets the parser when no end marker shows up.
const maxFrameSize = 10 * 1024 * 1024

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// frameBuffer holds the most recent complete JPEG frame.
type frameBuffer struct {
	mu    sync.RWMutex
	frame []byte
	at    time.Time
}

func (b *frameBuffer) set(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = frame
	b.at = time.Now()
}

func (b *frameBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = nil
	b.at = time.Time{}
}

// get returns a copy of the latest frame unless it is older than maxAge.
func (b *frameBuffer) get(maxAge time.Duration) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.frame) == 0 {
		return nil, fmt.Errorf("no frame available yet")
	}
	// The process may have died without the frame being cleared.
	if time.Since(b.at) > maxAge {
		return nil, fmt.Errorf("frame is stale (>%s old)", maxAge)
	}
	dst := make([]byte, len(b.frame))
	copy(dst, b.frame)
	return dst, nil
}

// pumpFrames reads an MJPEG byte stream, splits it on JPEG start and end
// markers and hands each complete frame to emit. It returns the read error
// that ended the stream.
func pumpFrames(r io.Reader, emit func(frame []byte)) error {
	const readChunkSize = 4096
	buf := make([]byte, readChunkSize)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = extractFrames(pending, emit)

			if len(pending) > maxFrameSize {
				pending = nil
				slog.Warn("Frame buffer overflow, resetting")
			}
		}
		if err != nil {
			return err
		}
	}
}

// extractFrames emits every complete frame in data and returns the unparsed
// remainder, which starts at a frame start marker or is empty.
func extractFrames(data []byte, emit func([]byte)) []byte {
	for {
		start := bytes.Index(data, soi)
		if start == -1 {
			// Keep a trailing 0xFF in case the marker is split across reads.
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return data[len(data)-1:]
			}
			return nil
		}
		data = data[start:]

		end := bytes.Index(data[len(soi):], eoi)
		if end == -1 {
			return data
		}
		end += len(soi) + len(eoi)

		frame := make([]byte, end)
		copy(frame, data[:end])
		emit(frame)
		data = data[end:]
	}
}
