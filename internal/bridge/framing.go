package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single newline-terminated record. Records are JSON
// and normally small; tool output is truncated upstream.
const maxFrameBytes = 32 << 20

// FrameWriter serializes envelopes as newline-terminated UTF-8 JSON records.
// Writes are serialized so concurrent senders cannot interleave frames.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write frames one envelope.
func (fw *FrameWriter) Write(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrames splits the stream on newlines, buffering partial chunks until
// their terminator arrives, and invokes fn per decoded envelope. A frame
// that fails to decode is reported to onErr and skipped; the stream
// continues. ReadFrames returns when the reader is exhausted or closed.
func ReadFrames(r io.Reader, fn func(*Envelope), onErr func(error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("malformed frame: %w", err))
			}
			continue
		}
		fn(&env)
	}
	return scanner.Err()
}
