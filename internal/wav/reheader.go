// Package wav keeps an incrementally received RIFF/WAVE stream structurally
// valid while it grows.
package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/loqalabs/synthstream/internal/protocol"
)

// HeaderSize is the size of a canonical PCM WAV header.
const HeaderSize = 44

const (
	riffSizeOffset = 4
	firstSubchunk  = 12
)

var (
	tagRIFF = []byte("RIFF")
	tagWAVE = []byte("WAVE")
	tagData = []byte("data")
)

// Reheader rewrites the RIFF size and the data subchunk size of buf so both
// match the bytes present right now. Only those two fields are written, and
// calling it again without appending is a no-op.
//
// If the data subchunk has not arrived yet only the RIFF size is updated.
func Reheader(buf []byte) error {
	if err := checkTags(buf); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[riffSizeOffset:], uint32(len(buf)-8))

	offset, ok := dataSizeOffset(buf)
	if !ok {
		return nil
	}
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(buf)-(offset+4)))
	return nil
}

// RIFFSize returns the value stored in the RIFF chunk size field.
func RIFFSize(buf []byte) (uint32, error) {
	if err := checkTags(buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[riffSizeOffset:]), nil
}

// DataSize returns the value stored in the data subchunk size field and the
// offset of the first audio byte. ok is false while the data subchunk header
// has not been received.
func DataSize(buf []byte) (size uint32, dataStart int, ok bool) {
	if checkTags(buf) != nil {
		return 0, 0, false
	}
	offset, found := dataSizeOffset(buf)
	if !found {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(buf[offset:]), offset + 4, true
}

// IsWAV reports whether buf starts with a RIFF/WAVE header.
func IsWAV(buf []byte) bool {
	return checkTags(buf) == nil
}

func checkTags(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: wav buffer holds %d bytes, need at least %d", protocol.ErrInvalidState, len(buf), HeaderSize)
	}
	if !bytes.Equal(buf[0:4], tagRIFF) || !bytes.Equal(buf[8:12], tagWAVE) {
		return fmt.Errorf("%w: buffer is not a RIFF/WAVE stream", protocol.ErrInvalidState)
	}
	return nil
}

// dataSizeOffset walks the subchunks after the RIFF header and returns the
// offset of the data subchunk's size field.
func dataSizeOffset(buf []byte) (int, bool) {
	pos := firstSubchunk
	for pos+8 <= len(buf) {
		if bytes.Equal(buf[pos:pos+4], tagData) {
			return pos + 4, true
		}
		size := int(binary.LittleEndian.Uint32(buf[pos+4:]))
		// RIFF subchunks are word aligned.
		next := pos + 8 + size + size%2
		if next <= pos {
			return 0, false
		}
		pos = next
	}
	return 0, false
}
