package wav

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Accumulator is a growing audio buffer. When the stream is RIFF/WAVE its
// header is rewritten after every append, so Bytes always returns a playable
// file. Other container formats are accumulated unchanged.
//
// An Accumulator has a single writer; it is not safe for concurrent use.
type Accumulator struct {
	buf []byte
}

// NewAccumulator returns an empty accumulator with capacity for sizeHint bytes.
func NewAccumulator(sizeHint int) *Accumulator {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Accumulator{buf: make([]byte, 0, sizeHint)}
}

// Append adds p and repairs the WAV header once enough bytes are present.
func (a *Accumulator) Append(p []byte) error {
	a.buf = append(a.buf, p...)
	if len(a.buf) < HeaderSize || !IsWAV(a.buf) {
		return nil
	}
	return Reheader(a.buf)
}

// Write implements io.Writer on top of Append.
func (a *Accumulator) Write(p []byte) (int, error) {
	if err := a.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Bytes returns the accumulated stream. The slice is only valid until the
// next Append.
func (a *Accumulator) Bytes() []byte { return a.buf }

// Len returns the number of accumulated bytes.
func (a *Accumulator) Len() int { return len(a.buf) }

// WriteTo writes the accumulated stream to w.
func (a *Accumulator) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(a.buf)
	return int64(n), err
}

// Flush replaces the file at path with the current stream. The file is
// written beside path and renamed into place so readers never observe a
// partial write.
func (a *Accumulator) Flush(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := a.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
