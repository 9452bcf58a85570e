// Package synth streams text to a speech synthesis service over a persistent
// socket and hands audio, content type and timing events back to the caller.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/synthstream/internal/auth"
	"github.com/loqalabs/synthstream/internal/protocol"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateSending
	StateReceiving
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	return [...]string{
		"idle",
		"connecting",
		"open",
		"sending",
		"receiving",
		"closing",
		"closed",
		"failed"}[s]
}

const (
	// DefaultChunkSize bounds each outbound fragment.
	DefaultChunkSize = 8192
	// DefaultMaxMessageSize bounds one inbound logical message.
	DefaultMaxMessageSize = 16 << 20
)

type options struct {
	callbacks      Callbacks
	logger         *slog.Logger
	dialer         Dialer
	tokens         auth.TokenSource
	authInQuery    bool
	chunkSize      int
	maxMessageSize int
	strict         bool
}

// Option configures a Session.
type Option func(*options)

func WithCallbacks(cb Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTokenSource attaches a credential to the handshake, as a bearer
// Authorization header or, when inQuery is set, as the access_token argument.
func WithTokenSource(ts auth.TokenSource, inQuery bool) Option {
	return func(o *options) {
		o.tokens = ts
		o.authInQuery = inQuery
	}
}

func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

func WithMaxMessageSize(n int) Option {
	return func(o *options) { o.maxMessageSize = n }
}

// WithStrictFrames controls unrecognized text messages: rejected as protocol
// errors when strict (the default), delivered as audio otherwise.
func WithStrictFrames(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// Session is one live synthesis connection. It is not reusable: once closed
// a new Session must be dialed. Sends are serialized internally and Close
// may be called from any goroutine; only one Receive loop may run.
type Session struct {
	id      string
	args    Args
	opts    options
	log     *slog.Logger
	metrics *instruments
	conn    Conn
	started time.Time

	writeMu sync.Mutex

	stateMu     sync.Mutex
	state       State
	openingSent bool
	textSent    bool
	receiving   bool
	err         error
	closeErr    error
	// pending is the failure handed to a running receive loop.
	pending error

	closing    atomic.Bool
	terminated atomic.Bool
	done       chan struct{}

	// recv is owned by the receive loop.
	recv bytes.Buffer
}

// Dial opens a session against endpoint. On failure the OnError and OnClose
// callbacks have already run when Dial returns.
func Dial(ctx context.Context, endpoint string, args Args, opts ...Option) (*Session, error) {
	s := newSession(args, opts...)
	if err := s.open(ctx, endpoint); err != nil {
		s.terminate(err)
		return nil, err
	}
	return s, nil
}

func newSession(args Args, opts ...Option) *Session {
	o := options{
		chunkSize:      DefaultChunkSize,
		maxMessageSize: DefaultMaxMessageSize,
		strict:         true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chunkSize <= 0 {
		o.chunkSize = DefaultChunkSize
	}
	if o.maxMessageSize <= 0 {
		o.maxMessageSize = DefaultMaxMessageSize
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dialer == nil {
		o.dialer = WebsocketDialer{FragmentSize: o.chunkSize}
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		args:    args,
		opts:    o,
		log:     o.logger.With(slog.String("component", "synth.session"), slog.String("session_id", id)),
		metrics: metrics(),
		state:   StateIdle,
		done:    make(chan struct{}),
	}
}

func (s *Session) open(ctx context.Context, endpoint string) error {
	s.setState(StateConnecting)
	s.started = time.Now()

	args := s.args
	header := http.Header{}
	if s.opts.tokens != nil {
		token, err := s.opts.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: obtain credential: %v", protocol.ErrConnection, err)
		}
		if s.opts.authInQuery {
			args = args.WithQuery("access_token", token)
		} else {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	url, err := args.URL(endpoint)
	if err != nil {
		return err
	}
	conn, err := s.opts.dialer.Dial(ctx, url, header)
	if err != nil {
		if !errors.Is(err, protocol.ErrConnection) {
			err = fmt.Errorf("%w: %v", protocol.ErrConnection, err)
		}
		return err
	}

	s.conn = conn
	s.setState(StateOpen)
	s.log.Debug("session open", slog.String("endpoint", endpoint))
	if cb := s.opts.callbacks.OnOpen; cb != nil {
		cb()
	}
	return nil
}

// ID identifies the session in logs and the event store.
func (s *Session) ID() string { return s.id }

// Args returns the arguments the session was dialed with.
func (s *Session) Args() Args { return s.args }

func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

// Done is closed once the session has terminated and OnClose has run.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// SendOpeningMessage declares the audio format and voice. It must be sent
// exactly once, before any text or audio.
func (s *Session) SendOpeningMessage(msg protocol.OpeningMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode opening message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.Lock()
	if s.state != StateOpen || s.openingSent {
		defer s.stateMu.Unlock()
		return fmt.Errorf("%w: opening message in state %s (already sent: %t)", protocol.ErrInvalidState, s.state, s.openingSent)
	}
	s.stateMu.Unlock()

	if err := s.conn.WriteFragment(protocol.TextMessage, data, true); err != nil {
		return s.sendFailed(err)
	}
	s.stateMu.Lock()
	s.openingSent = true
	s.stateMu.Unlock()
	return nil
}

// SendText transmits the text to synthesize as one logical message, split
// into fragments of at most the configured chunk size.
func (s *Session) SendText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.Lock()
	if s.state != StateOpen || !s.openingSent || s.textSent {
		defer s.stateMu.Unlock()
		return fmt.Errorf("%w: text in state %s (opening sent: %t, text sent: %t)", protocol.ErrInvalidState, s.state, s.openingSent, s.textSent)
	}
	s.state = StateSending
	s.stateMu.Unlock()

	if err := writeChunked(s.conn, protocol.TextMessage, []byte(text), s.opts.chunkSize); err != nil {
		return s.sendFailed(err)
	}

	s.stateMu.Lock()
	s.textSent = true
	if s.state == StateSending {
		s.state = StateReceiving
	}
	s.stateMu.Unlock()
	return nil
}

// SendAudio streams one chunk of input audio as a binary message. The audio
// sequence is ended with FinishAudio.
func (s *Session) SendAudio(chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.Lock()
	if (s.state != StateOpen && s.state != StateSending) || !s.openingSent || s.textSent {
		defer s.stateMu.Unlock()
		return fmt.Errorf("%w: audio in state %s", protocol.ErrInvalidState, s.state)
	}
	s.state = StateSending
	s.stateMu.Unlock()

	if err := writeChunked(s.conn, protocol.BinaryMessage, chunk, s.opts.chunkSize); err != nil {
		return s.sendFailed(err)
	}
	return nil
}

// FinishAudio sends the stop control message that ends an audio sequence.
func (s *Session) FinishAudio() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.Lock()
	if s.state != StateSending {
		defer s.stateMu.Unlock()
		return fmt.Errorf("%w: finish audio in state %s", protocol.ErrInvalidState, s.state)
	}
	s.stateMu.Unlock()

	if err := s.writeStop(); err != nil {
		return s.sendFailed(err)
	}
	s.setState(StateReceiving)
	return nil
}

func (s *Session) writeStop() error {
	data, err := json.Marshal(protocol.Stop)
	if err != nil {
		return err
	}
	return s.conn.WriteFragment(protocol.TextMessage, data, true)
}

func (s *Session) sendFailed(err error) error {
	wrapped := fmt.Errorf("%w: send: %v", protocol.ErrConnection, err)
	s.end(wrapped)
	return wrapped
}

func writeChunked(conn Conn, kind protocol.MessageKind, payload []byte, size int) error {
	if len(payload) == 0 {
		return conn.WriteFragment(kind, nil, true)
	}
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		if err := conn.WriteFragment(kind, payload[off:end], end == len(payload)); err != nil {
			return err
		}
	}
	return nil
}

// Receive runs the receive loop until the peer closes, the session fails,
// Close is called or ctx is done. Frames are dispatched to the callbacks in
// the order they arrive. It returns the error that failed the session, the
// context error when cancelled, or nil after a graceful close.
func (s *Session) Receive(ctx context.Context) error {
	s.stateMu.Lock()
	switch {
	case s.receiving:
		defer s.stateMu.Unlock()
		return fmt.Errorf("%w: receive loop already running", protocol.ErrInvalidState)
	case s.state != StateOpen && s.state != StateSending && s.state != StateReceiving:
		defer s.stateMu.Unlock()
		return fmt.Errorf("%w: receive in state %s", protocol.ErrInvalidState, s.state)
	}
	s.receiving = true
	s.stateMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		kind, r, err := s.conn.NextMessage()
		if err == nil {
			var frame protocol.Frame
			frame, err = s.readFrame(kind, r)
			if s.closing.Load() {
				// Close was requested while the read was in flight.
				s.terminate(s.pendingCause())
				break
			}
			if err == nil {
				s.dispatch(frame)
				continue
			}
		}
		switch {
		case s.closing.Load():
			s.terminate(s.pendingCause())
		case errors.Is(err, io.EOF):
			s.dispatch(protocol.CloseFrame())
		case errors.Is(err, protocol.ErrProtocol), errors.Is(err, protocol.ErrPayloadTooLarge):
			s.terminate(err)
		default:
			s.terminate(fmt.Errorf("%w: receive: %v", protocol.ErrConnection, err))
		}
		break
	}

	if err := s.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Session) readFrame(kind protocol.MessageKind, r io.Reader) (protocol.Frame, error) {
	limit := int64(s.opts.maxMessageSize)
	s.recv.Reset()
	n, err := s.recv.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return protocol.Frame{}, err
	}
	if n > limit {
		return protocol.Frame{}, fmt.Errorf("%w: inbound %s message exceeds %d bytes", protocol.ErrPayloadTooLarge, kind, limit)
	}
	return protocol.Decode(kind, s.recv.Bytes(), s.opts.strict)
}

func (s *Session) dispatch(f protocol.Frame) {
	cb := s.opts.callbacks
	s.metrics.frame(f.Kind.String(), len(f.Audio))
	switch f.Kind {
	case protocol.FrameAudioChunk:
		if cb.OnAudioChunk != nil {
			cb.OnAudioChunk(f.Audio)
		}
	case protocol.FrameContentType:
		if cb.OnContentType != nil {
			cb.OnContentType(f.ContentType)
		}
	case protocol.FrameMarks:
		if cb.OnMarks != nil {
			cb.OnMarks(f.Marks)
		}
	case protocol.FrameWordTimings:
		if cb.OnWordTimings != nil {
			cb.OnWordTimings(f.Words)
		}
	case protocol.FrameWarning:
		if cb.OnWarning != nil {
			cb.OnWarning(f.Warning)
		} else {
			s.log.Warn("service warning", slog.String("warning", f.Warning))
		}
	case protocol.FrameClose:
		s.terminate(nil)
	}
}

func (s *Session) pendingCause() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.pending
}

// end terminates the session. While a receive loop runs, termination is
// handed to the loop so that no callback can run after OnClose: the
// connection is closed to unblock the read and the loop finishes the job.
func (s *Session) end(cause error) error {
	s.stateMu.Lock()
	loop := s.receiving && !s.terminated.Load()
	if loop && s.pending == nil {
		s.pending = cause
	}
	s.stateMu.Unlock()

	if !loop {
		s.terminate(cause)
		s.stateMu.Lock()
		defer s.stateMu.Unlock()
		return s.closeErr
	}

	s.closing.Store(true)
	if code, reason := closeCode(cause); code != 0 {
		_ = s.conn.WriteClose(code, reason)
	}
	return s.conn.Close()
}

// Close stops the session. A stop message is sent first when an audio
// sequence is still open. OnClose runs exactly once across all paths. Close
// may be called from callbacks. It does not wait for the receive loop to
// finish the termination; use Done for that.
func (s *Session) Close() error {
	s.closing.Store(true)

	if s.State() == StateSending {
		s.writeMu.Lock()
		if s.State() == StateSending {
			if err := s.writeStop(); err != nil {
				s.log.Debug("stop message not sent", slogError(err))
			}
		}
		s.writeMu.Unlock()
	}

	return s.end(nil)
}

// terminate ends the session exactly once. cause is nil for graceful ends.
func (s *Session) terminate(cause error) {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	s.closing.Store(true)

	s.stateMu.Lock()
	if cause != nil {
		s.state = StateFailed
		s.err = cause
	} else {
		s.state = StateClosing
	}
	s.stateMu.Unlock()

	var closeErr error
	if s.conn != nil {
		if code, reason := closeCode(cause); code != 0 {
			_ = s.conn.WriteClose(code, reason)
		}
		closeErr = s.conn.Close()
	}

	outcome := "failed"
	if cause == nil {
		outcome = "closed"
	}
	s.stateMu.Lock()
	s.closeErr = closeErr
	if cause == nil {
		s.state = StateClosed
	}
	s.stateMu.Unlock()

	if cause != nil {
		if cb := s.opts.callbacks.OnError; cb != nil {
			cb(cause)
		} else {
			s.log.Warn("session failed", slogError(cause))
		}
	}
	s.metrics.finished(outcome, s.started)
	s.log.Debug("session closed", slog.String("outcome", outcome))
	if cb := s.opts.callbacks.OnClose; cb != nil {
		cb()
	}
	close(s.done)
}

func closeCode(cause error) (int, string) {
	var serverErr *protocol.ServerError
	switch {
	case cause == nil, errors.As(cause, &serverErr):
		return CloseNormal, ""
	case errors.Is(cause, protocol.ErrPayloadTooLarge):
		return CloseMessageTooBig, "message too large"
	case errors.Is(cause, protocol.ErrProtocol):
		return CloseProtocolError, "unrecognized message"
	default:
		return 0, ""
	}
}

// Synthesize sends the opening message built from the session arguments and
// text, then runs the receive loop until the session ends.
func (s *Session) Synthesize(ctx context.Context, text string) error {
	if err := s.SendOpeningMessage(s.args.Opening); err != nil {
		return err
	}
	if err := s.SendText(text); err != nil {
		return err
	}
	return s.Receive(ctx)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
