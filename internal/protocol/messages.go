package protocol

import "time"

// OpeningMessage is the control message sent once after the socket opens,
// before any text or audio payload.
type OpeningMessage struct {
	Accept  string   `json:"accept"`
	Voice   string   `json:"voice,omitempty"`
	Timings []string `json:"timings,omitempty"`
}

// StopMessage ends an audio-send sequence.
type StopMessage struct {
	Action string `json:"action"`
}

// Stop is the canonical stop control message.
var Stop = StopMessage{Action: "stop"}

// Timing categories the server can emit alongside audio.
const (
	TimingWords = "words"
	TimingMarks = "marks"
)

// TTSRequest asks the runtime to synthesize text over the bus.
type TTSRequest struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Voice     string   `json:"voice,omitempty"`
	Accept    string   `json:"accept,omitempty"`
	Timings   []string `json:"timings,omitempty"`
	Target    string   `json:"target,omitempty"`
	TraceID   string   `json:"trace_id,omitempty"`
}

// AudioChunk carries synthesized audio published on the bus.
type AudioChunk struct {
	SessionID   string `json:"session_id"`
	Target      string `json:"target,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Sequence    int    `json:"sequence"`
	Audio       []byte `json:"audio"`
}

// TimingEvent carries marks or word timings published on the bus.
type TimingEvent struct {
	SessionID string       `json:"session_id"`
	Target    string       `json:"target,omitempty"`
	Marks     []Mark       `json:"marks,omitempty"`
	Words     []WordTiming `json:"words,omitempty"`
}

// TTSStatus reports the terminal state of a bus synthesis request.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Bytes     int       `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest = "tts.request"
	SubjectTTSAudio   = "tts.audio"
	SubjectTTSTiming  = "tts.timing"
	SubjectTTSDone    = "tts.done"
)
