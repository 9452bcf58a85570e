package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// MessageKind is the transport class of one logical message. Values match the
// websocket opcodes so transports can convert without a lookup.
type MessageKind int

const (
	TextMessage   MessageKind = 1
	BinaryMessage MessageKind = 2
)

func (k MessageKind) String() string {
	switch k {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FrameKind tags the variant held by a Frame.
type FrameKind int

const (
	FrameAudioChunk FrameKind = iota
	FrameContentType
	FrameMarks
	FrameWordTimings
	FrameWarning
	FrameClose
)

func (k FrameKind) String() string {
	return [...]string{
		"audio_chunk",
		"content_type",
		"marks",
		"word_timings",
		"warning",
		"close"}[k]
}

// Mark is a named position in the synthesized audio.
type Mark struct {
	Label string  `json:"label"`
	Time  float64 `json:"time"`
}

// WordTiming locates one spoken word in the synthesized audio.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Frame is one classified inbound message. Only the field matching Kind is set.
type Frame struct {
	Kind        FrameKind
	Audio       []byte
	ContentType string
	Marks       []Mark
	Words       []WordTiming
	Warning     string
}

func (f Frame) String() string {
	switch f.Kind {
	case FrameAudioChunk:
		return fmt.Sprintf("audio_chunk(%d bytes)", len(f.Audio))
	case FrameContentType:
		return "content_type(" + f.ContentType + ")"
	case FrameMarks:
		return fmt.Sprintf("marks(%d)", len(f.Marks))
	case FrameWordTimings:
		return fmt.Sprintf("word_timings(%d)", len(f.Words))
	case FrameWarning:
		return "warning(" + f.Warning + ")"
	default:
		return f.Kind.String()
	}
}

var (
	markerBinaryStreams = []byte(`"binary_streams"`)
	markerMarks         = []byte(`"marks"`)
	markerWords         = []byte(`"words"`)
	markerError         = []byte(`"error"`)
	markerWarnings      = []byte(`"warnings"`)
)

// CloseFrame is the frame for a graceful close by the peer.
func CloseFrame() Frame {
	return Frame{Kind: FrameClose}
}

// DecodeBinary classifies a complete binary message. The payload is copied so
// the caller may reuse its receive buffer.
func DecodeBinary(payload []byte) Frame {
	return Frame{Kind: FrameAudioChunk, Audio: append([]byte(nil), payload...)}
}

// Decode classifies a complete message of the given kind.
func Decode(kind MessageKind, payload []byte, strict bool) (Frame, error) {
	if kind == BinaryMessage {
		return DecodeBinary(payload), nil
	}
	return DecodeText(payload, strict)
}

// DecodeText classifies a complete text message by the control key it carries.
// Text that carries no known key is an error when strict is set; otherwise it
// is surfaced as audio, which is what older service revisions expect.
func DecodeText(payload []byte, strict bool) (Frame, error) {
	if !hasMarker(payload) {
		return unrecognized(payload, strict)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: decode control message: %v", ErrProtocol, err)
	}

	if raw, ok := fields["binary_streams"]; ok {
		return decodeContentType(raw)
	}
	if raw, ok := fields["marks"]; ok {
		return decodeMarks(raw)
	}
	if raw, ok := fields["words"]; ok {
		return decodeWords(raw)
	}
	if raw, ok := fields["error"]; ok {
		return Frame{}, decodeServerError(raw, fields["code"])
	}
	if raw, ok := fields["warnings"]; ok {
		var warning string
		if err := json.Unmarshal(raw, &warning); err != nil {
			warning = string(raw)
		}
		return Frame{Kind: FrameWarning, Warning: warning}, nil
	}
	// A marker appeared only inside a value.
	return unrecognized(payload, strict)
}

func hasMarker(payload []byte) bool {
	for _, marker := range [][]byte{markerBinaryStreams, markerMarks, markerWords, markerError, markerWarnings} {
		if bytes.Contains(payload, marker) {
			return true
		}
	}
	return false
}

func unrecognized(payload []byte, strict bool) (Frame, error) {
	if strict {
		return Frame{}, fmt.Errorf("%w: unrecognized text message (%d bytes)", ErrProtocol, len(payload))
	}
	return DecodeBinary(payload), nil
}

func decodeContentType(raw json.RawMessage) (Frame, error) {
	var streams []struct {
		ContentType string `json:"content_type"`
	}
	if err := json.Unmarshal(raw, &streams); err != nil {
		return Frame{}, fmt.Errorf("%w: decode binary_streams: %v", ErrProtocol, err)
	}
	if len(streams) == 0 || streams[0].ContentType == "" {
		return Frame{}, fmt.Errorf("%w: binary_streams declares no content type", ErrProtocol)
	}
	return Frame{Kind: FrameContentType, ContentType: streams[0].ContentType}, nil
}

func decodeMarks(raw json.RawMessage) (Frame, error) {
	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Frame{}, fmt.Errorf("%w: decode marks: %v", ErrProtocol, err)
	}
	marks := make([]Mark, 0, len(entries))
	for i, entry := range entries {
		if len(entry) != 2 {
			return Frame{}, fmt.Errorf("%w: mark %d has %d fields, want 2", ErrProtocol, i, len(entry))
		}
		label, err := decodeString(entry[0])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: mark %d label: %v", ErrProtocol, i, err)
		}
		m := Mark{Label: label}
		t, err := decodeSeconds(entry[1])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: mark %d time: %v", ErrProtocol, i, err)
		}
		m.Time = t
		marks = append(marks, m)
	}
	return Frame{Kind: FrameMarks, Marks: marks}, nil
}

func decodeWords(raw json.RawMessage) (Frame, error) {
	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Frame{}, fmt.Errorf("%w: decode words: %v", ErrProtocol, err)
	}
	words := make([]WordTiming, 0, len(entries))
	for i, entry := range entries {
		if len(entry) != 3 {
			return Frame{}, fmt.Errorf("%w: word %d has %d fields, want 3", ErrProtocol, i, len(entry))
		}
		word, err := decodeString(entry[0])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: word %d text: %v", ErrProtocol, i, err)
		}
		w := WordTiming{Word: word}
		start, err := decodeSeconds(entry[1])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: word %d start: %v", ErrProtocol, i, err)
		}
		end, err := decodeSeconds(entry[2])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: word %d end: %v", ErrProtocol, i, err)
		}
		if end < start {
			return Frame{}, fmt.Errorf("%w: word %d ends at %g before it starts at %g", ErrProtocol, i, end, start)
		}
		w.Start, w.End = start, end
		words = append(words, w)
	}
	return Frame{Kind: FrameWordTimings, Words: words}, nil
}

var jsonNull = []byte("null")

// decodeString and decodeSeconds reject null, which json.Unmarshal would
// otherwise leave as the zero value.
func decodeString(raw json.RawMessage) (string, error) {
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return "", errors.New("null where a string is required")
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	return v, nil
}

func decodeSeconds(raw json.RawMessage) (float64, error) {
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return 0, errors.New("null where a number is required")
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	if v < 0 || math.IsNaN(v) {
		return 0, fmt.Errorf("negative offset %g", v)
	}
	return v, nil
}

func decodeServerError(raw, code json.RawMessage) error {
	se := &ServerError{}
	if err := json.Unmarshal(raw, &se.Message); err != nil {
		se.Message = string(raw)
	}
	if len(code) > 0 {
		_ = json.Unmarshal(code, &se.Code)
	}
	return se
}
