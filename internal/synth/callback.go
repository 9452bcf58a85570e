package synth

import "github.com/loqalabs/synthstream/internal/protocol"

// Callbacks receive session events. Every field is optional; a nil handler is
// skipped. Handlers run on the receive loop and must not block for long.
type Callbacks struct {
	OnOpen        func()
	OnAudioChunk  func(audio []byte)
	OnContentType func(contentType string)
	OnMarks       func(marks []protocol.Mark)
	OnWordTimings func(words []protocol.WordTiming)
	OnWarning     func(warning string)
	OnError       func(err error)
	OnClose       func()
}

// Chain returns callbacks that invoke c and then next for every event.
func (c Callbacks) Chain(next Callbacks) Callbacks {
	return Callbacks{
		OnOpen:        chain0(c.OnOpen, next.OnOpen),
		OnAudioChunk:  chain1(c.OnAudioChunk, next.OnAudioChunk),
		OnContentType: chain1(c.OnContentType, next.OnContentType),
		OnMarks:       chain1(c.OnMarks, next.OnMarks),
		OnWordTimings: chain1(c.OnWordTimings, next.OnWordTimings),
		OnWarning:     chain1(c.OnWarning, next.OnWarning),
		OnError:       chain1(c.OnError, next.OnError),
		OnClose:       chain0(c.OnClose, next.OnClose),
	}
}

func chain0(a, b func()) func() {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func() {
		a()
		b()
	}
}

func chain1[T any](a, b func(T)) func(T) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}
