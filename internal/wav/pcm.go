package wav

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const formatPCM = 1

// Header returns a canonical 44 byte PCM header with both size fields zero,
// ready to be followed by streamed samples.
func Header(sampleRate, channels, bitDepth int) []byte {
	h := make([]byte, HeaderSize)
	copy(h[0:], tagRIFF)
	copy(h[8:], tagWAVE)
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], formatPCM)
	binary.LittleEndian.PutUint16(h[22:], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(sampleRate))
	blockAlign := channels * bitDepth / 8
	binary.LittleEndian.PutUint32(h[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], uint16(bitDepth))
	copy(h[36:], tagData)
	return h
}

// EncodePCM wraps raw 16-bit little-endian PCM (audio/l16) in a WAV file.
func EncodePCM(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, formatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Info describes a WAV stream as decoded by go-audio.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	DataBytes  int64
}

// Inspect decodes the header of a complete WAV stream.
func Inspect(r io.ReadSeeker) (Info, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Info{}, fmt.Errorf("not a valid wav stream")
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("locate pcm data: %w", err)
	}
	return Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		DataBytes:  dec.PCMLen(),
	}, nil
}
