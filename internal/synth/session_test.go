package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/synthstream/internal/auth"
	"github.com/loqalabs/synthstream/internal/protocol"
)

type fragment struct {
	kind  protocol.MessageKind
	data  []byte
	final bool
}

type inbound struct {
	kind   protocol.MessageKind
	data   []byte
	reader io.Reader
	err    error
}

// fakeConn replays queued inbound messages and records everything written.
// Closing the inbound channel behaves like a graceful peer close.
type fakeConn struct {
	inbound chan inbound

	mu        sync.Mutex
	writes    []fragment
	closeCode int
	closed    bool
	closedCh  chan struct{}
	writeErr  error
}

func newFakeConn(messages ...inbound) *fakeConn {
	c := &fakeConn{
		inbound:  make(chan inbound, len(messages)+1),
		closedCh: make(chan struct{}),
	}
	for _, m := range messages {
		c.inbound <- m
	}
	return c
}

func (c *fakeConn) WriteFragment(kind protocol.MessageKind, data []byte, final bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.writes = append(c.writes, fragment{kind: kind, data: append([]byte(nil), data...), final: final})
	return nil
}

func (c *fakeConn) NextMessage() (protocol.MessageKind, io.Reader, error) {
	select {
	case <-c.closedCh:
		return 0, nil, errors.New("use of closed network connection")
	default:
	}
	select {
	case m, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		if m.err != nil {
			return 0, nil, m.err
		}
		if m.reader != nil {
			return m.kind, m.reader, nil
		}
		return m.kind, bytes.NewReader(m.data), nil
	case <-c.closedCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteClose(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) fragments() []fragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fragment(nil), c.writes...)
}

func (c *fakeConn) sentCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeDialer struct {
	conn   *fakeConn
	err    error
	url    string
	header http.Header
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.url = url
	d.header = header
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// recorder counts lifecycle callbacks and logs every event in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	closes int
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen:        func() { r.add("open") },
		OnAudioChunk:  func(audio []byte) { r.add("audio:" + string(audio)) },
		OnContentType: func(ct string) { r.add("content_type:" + ct) },
		OnMarks: func(marks []protocol.Mark) {
			for _, m := range marks {
				r.add("mark:" + m.Label)
			}
		},
		OnWordTimings: func(words []protocol.WordTiming) {
			for _, w := range words {
				r.add("word:" + w.Word)
			}
		},
		OnWarning: func(w string) { r.add("warning:" + w) },
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), len(r.errs), r.closes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testArgs(t *testing.T) Args {
	t.Helper()
	args, err := BuildArgs(Params{Voice: "en-US_AllisonVoice", Accept: "audio/wav"}, Policy{})
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	return args
}

func dialFake(t *testing.T, conn *fakeConn, rec *recorder, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithDialer(&fakeDialer{conn: conn}),
		WithCallbacks(rec.callbacks()),
		WithLogger(testLogger()),
	}, opts...)
	s, err := Dial(context.Background(), "wss://synth.example/v1/synthesize", testArgs(t), opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return s
}

func text(s string) inbound   { return inbound{kind: protocol.TextMessage, data: []byte(s)} }
func binary(s string) inbound { return inbound{kind: protocol.BinaryMessage, data: []byte(s)} }

func TestSessionDispatchesFramesInOrder(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(
		text(`{"binary_streams":[{"content_type":"audio/wav"}]}`),
		binary("aa"),
		text(`{"marks":[["m1",0.1]]}`),
		binary("bb"),
		text(`{"words":[["hello",0.1,0.4],["world",0.5,0.9]]}`),
		text(`{"warnings":"unknown argument"}`),
		binary("cc"),
	)
	close(conn.inbound)

	rec := &recorder{}
	s := dialFake(t, conn, rec)
	if err := s.Synthesize(context.Background(), "hello world"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	events, errs, closes := rec.snapshot()
	want := []string{
		"open",
		"content_type:audio/wav",
		"audio:aa",
		"mark:m1",
		"audio:bb",
		"word:hello",
		"word:world",
		"warning:unknown argument",
		"audio:cc",
	}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event order:\n got %v\nwant %v", events, want)
	}
	if errs != 0 || closes != 1 {
		t.Fatalf("expected no errors and one close, got %d errors and %d closes", errs, closes)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
	if code := conn.sentCloseCode(); code != CloseNormal {
		t.Fatalf("expected normal close code, got %d", code)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected done channel to be closed")
	}
}

func TestSessionOpeningMessageFirst(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := dialFake(t, conn, &recorder{})
	defer s.Close()

	if err := s.SendText("hi"); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("expected invalid state before opening message, got %v", err)
	}
	if err := s.SendOpeningMessage(s.Args().Opening); err != nil {
		t.Fatalf("send opening: %v", err)
	}
	if err := s.SendOpeningMessage(s.Args().Opening); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("expected invalid state for second opening message, got %v", err)
	}

	frags := conn.fragments()
	if len(frags) != 1 || frags[0].kind != protocol.TextMessage || !frags[0].final {
		t.Fatalf("expected one final text fragment, got %+v", frags)
	}
	var opening protocol.OpeningMessage
	if err := json.Unmarshal(frags[0].data, &opening); err != nil {
		t.Fatalf("decode opening: %v", err)
	}
	if opening.Accept != "audio/wav" || opening.Voice != "en-US_AllisonVoice" {
		t.Fatalf("unexpected opening message: %+v", opening)
	}
}

func TestSessionSendTextFragments(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := dialFake(t, conn, &recorder{}, WithChunkSize(4))
	defer s.Close()

	if err := s.SendOpeningMessage(s.Args().Opening); err != nil {
		t.Fatalf("send opening: %v", err)
	}
	if err := s.SendText("abcdefghij"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := s.SendText("again"); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("expected invalid state for second text, got %v", err)
	}

	frags := conn.fragments()[1:]
	want := []string{"abcd", "efgh", "ij"}
	if len(frags) != len(want) {
		t.Fatalf("expected %d fragments, got %d", len(want), len(frags))
	}
	var joined []byte
	for i, f := range frags {
		if string(f.data) != want[i] {
			t.Fatalf("fragment %d: expected %q, got %q", i, want[i], f.data)
		}
		if len(f.data) > 4 {
			t.Fatalf("fragment %d exceeds chunk size", i)
		}
		if f.final != (i == len(frags)-1) {
			t.Fatalf("fragment %d: unexpected final flag %t", i, f.final)
		}
		joined = append(joined, f.data...)
	}
	if string(joined) != "abcdefghij" {
		t.Fatalf("fragments do not reassemble the text: %q", joined)
	}
	if s.State() != StateReceiving {
		t.Fatalf("expected receiving state, got %s", s.State())
	}
}

func TestSessionSendEmptyText(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := dialFake(t, conn, &recorder{})
	defer s.Close()

	if err := s.SendOpeningMessage(s.Args().Opening); err != nil {
		t.Fatalf("send opening: %v", err)
	}
	if err := s.SendText(""); err != nil {
		t.Fatalf("send text: %v", err)
	}
	frags := conn.fragments()
	if len(frags) != 2 {
		t.Fatalf("expected opening plus one fragment, got %d", len(frags))
	}
	if last := frags[1]; len(last.data) != 0 || !last.final {
		t.Fatalf("expected one empty final fragment, got %+v", last)
	}
}

func TestSessionAudioSequenceStopsOnClose(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	s := dialFake(t, conn, &recorder{}, WithChunkSize(3))

	if err := s.SendOpeningMessage(s.Args().Opening); err != nil {
		t.Fatalf("send opening: %v", err)
	}
	if err := s.SendAudio([]byte("12345")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if s.State() != StateSending {
		t.Fatalf("expected sending state, got %s", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	frags := conn.fragments()
	if len(frags) != 4 {
		t.Fatalf("expected opening, two audio fragments and stop, got %d", len(frags))
	}
	if frags[1].kind != protocol.BinaryMessage || frags[1].final || !frags[2].final {
		t.Fatalf("unexpected audio fragments: %+v", frags[1:3])
	}
	var stop protocol.StopMessage
	if err := json.Unmarshal(frags[3].data, &stop); err != nil || stop.Action != "stop" {
		t.Fatalf("expected stop message, got %q (%v)", frags[3].data, err)
	}
}

func TestSessionPayloadTooLarge(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(binary("12345678"), binary("123456789"))
	rec := &recorder{}
	s := dialFake(t, conn, rec, WithMaxMessageSize(8))

	err := s.Receive(context.Background())
	if !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("expected payload too large, got %v", err)
	}
	events, errs, closes := rec.snapshot()
	if len(events) != 2 || events[1] != "audio:12345678" {
		t.Fatalf("expected the message at the limit to be delivered, got %v", events)
	}
	if errs != 1 || closes != 1 {
		t.Fatalf("expected one error and one close, got %d and %d", errs, closes)
	}
	if code := conn.sentCloseCode(); code != CloseMessageTooBig {
		t.Fatalf("expected close code %d, got %d", CloseMessageTooBig, code)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", s.State())
	}
}

func TestSessionLenientFramesPassUnknownText(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(text("RIFF"))
	close(conn.inbound)
	rec := &recorder{}
	s := dialFake(t, conn, rec, WithStrictFrames(false))

	if err := s.Receive(context.Background()); err != nil {
		t.Fatalf("receive: %v", err)
	}
	events, errs, _ := rec.snapshot()
	if errs != 0 || events[len(events)-1] != "audio:RIFF" {
		t.Fatalf("expected unknown text as audio, got %v (%d errors)", events, errs)
	}
}

func TestSessionClosesOnce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		messages []inbound
		eof      bool
		run      func(t *testing.T, s *Session) error
		wantErr  error
		wantErrs int
		wantCode int
	}{
		{
			name: "peer close",
			eof:  true,
			run: func(t *testing.T, s *Session) error {
				return s.Receive(context.Background())
			},
			wantCode: CloseNormal,
		},
		{
			name:     "unrecognized text",
			messages: []inbound{text("hello there")},
			run: func(t *testing.T, s *Session) error {
				return s.Receive(context.Background())
			},
			wantErr:  protocol.ErrProtocol,
			wantErrs: 1,
			wantCode: CloseProtocolError,
		},
		{
			name:     "server error",
			messages: []inbound{text(`{"error":"Model not found","code":404}`)},
			run: func(t *testing.T, s *Session) error {
				err := s.Receive(context.Background())
				var serverErr *protocol.ServerError
				if !errors.As(err, &serverErr) || serverErr.Code != 404 {
					t.Fatalf("expected server error with code 404, got %v", err)
				}
				return err
			},
			wantErr:  protocol.ErrProtocol,
			wantErrs: 1,
			wantCode: CloseNormal,
		},
		{
			name:     "transport failure",
			messages: []inbound{{err: errors.New("connection reset by peer")}},
			run: func(t *testing.T, s *Session) error {
				return s.Receive(context.Background())
			},
			wantErr:  protocol.ErrConnection,
			wantErrs: 1,
		},
		{
			name: "close twice",
			run: func(t *testing.T, s *Session) error {
				if err := s.Close(); err != nil {
					return err
				}
				return s.Close()
			},
			wantCode: CloseNormal,
		},
		{
			name: "context cancelled",
			run: func(t *testing.T, s *Session) error {
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					time.Sleep(10 * time.Millisecond)
					cancel()
				}()
				err := s.Receive(ctx)
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context cancellation, got %v", err)
				}
				return nil
			},
			wantCode: CloseNormal,
		},
		{
			name:     "close from callback during receive",
			messages: []inbound{binary("x")},
			run: func(t *testing.T, s *Session) error {
				return s.Receive(context.Background())
			},
			wantCode: CloseNormal,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			conn := newFakeConn(tc.messages...)
			if tc.eof {
				close(conn.inbound)
			}
			rec := &recorder{}
			var s *Session
			cb := rec.callbacks()
			if tc.name == "close from callback during receive" {
				cb = cb.Chain(Callbacks{OnAudioChunk: func([]byte) { _ = s.Close() }})
			}
			s = dialFake(t, conn, rec, WithCallbacks(cb))

			err := tc.run(t, s)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}

			// Every path converges: later closes are no-ops.
			_ = s.Close()
			<-s.Done()

			_, errs, closes := rec.snapshot()
			if closes != 1 {
				t.Fatalf("expected exactly one close callback, got %d", closes)
			}
			if errs != tc.wantErrs {
				t.Fatalf("expected %d error callbacks, got %d", tc.wantErrs, errs)
			}
			if code := conn.sentCloseCode(); code != tc.wantCode {
				t.Fatalf("expected close code %d, got %d", tc.wantCode, code)
			}
		})
	}
}

// stallReader blocks until release is closed, then yields data.
type stallReader struct {
	started chan struct{}
	release <-chan struct{}
	once    sync.Once
	data    io.Reader
}

func (r *stallReader) Read(p []byte) (int, error) {
	r.once.Do(func() {
		close(r.started)
		<-r.release
	})
	return r.data.Read(p)
}

func TestSessionCloseDuringReadDropsMessage(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	stall := &stallReader{
		started: make(chan struct{}),
		release: conn.closedCh,
		data:    strings.NewReader("abc"),
	}
	conn.inbound <- inbound{kind: protocol.BinaryMessage, reader: stall}
	rec := &recorder{}
	s := dialFake(t, conn, rec)

	result := make(chan error, 1)
	go func() { result <- s.Receive(context.Background()) }()

	<-stall.started
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-result; err != nil {
		t.Fatalf("receive: %v", err)
	}
	<-s.Done()

	events, errs, closes := rec.snapshot()
	if len(events) != 1 || events[0] != "open" {
		t.Fatalf("expected no frames after close, got %v", events)
	}
	if errs != 0 || closes != 1 {
		t.Fatalf("expected no errors and one close, got %d and %d", errs, closes)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
	if code := conn.sentCloseCode(); code != CloseNormal {
		t.Fatalf("expected normal close code, got %d", code)
	}
}

func TestSessionSendFailureDuringReceive(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	rec := &recorder{}
	s := dialFake(t, conn, rec)
	if err := s.SendOpeningMessage(s.Args().Opening); err != nil {
		t.Fatalf("send opening: %v", err)
	}

	result := make(chan error, 1)
	go func() { result <- s.Receive(context.Background()) }()

	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()
	// The loop may not have started yet; the failure must land either way.
	if err := s.SendText("hello"); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if err := <-result; !errors.Is(err, protocol.ErrConnection) && !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("unexpected receive result: %v", err)
	}
	<-s.Done()

	if _, errs, closes := rec.snapshot(); errs != 1 || closes != 1 {
		t.Fatalf("expected one error and one close, got %d and %d", errs, closes)
	}
	if s.State() != StateFailed || !errors.Is(s.Err(), protocol.ErrConnection) {
		t.Fatalf("expected failed session, got %s (%v)", s.State(), s.Err())
	}
}

func TestSessionSendFailureClosesOnce(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	rec := &recorder{}
	s := dialFake(t, conn, rec)

	err := s.SendOpeningMessage(s.Args().Opening)
	if !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if err := s.Receive(context.Background()); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("expected invalid state after failure, got %v", err)
	}
	_ = s.Close()

	_, errs, closes := rec.snapshot()
	if errs != 1 || closes != 1 {
		t.Fatalf("expected one error and one close, got %d and %d", errs, closes)
	}
	if !errors.Is(s.Err(), protocol.ErrConnection) {
		t.Fatalf("expected session error to be kept, got %v", s.Err())
	}
}

func TestDialFailureReportsAndCloses(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	dialer := &fakeDialer{err: errors.New("connection refused")}
	s, err := Dial(context.Background(), "wss://synth.example/v1/synthesize", testArgs(t),
		WithDialer(dialer),
		WithCallbacks(rec.callbacks()),
		WithLogger(testLogger()),
	)
	if s != nil {
		t.Fatalf("expected no session on failure")
	}
	if !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	events, errs, closes := rec.snapshot()
	if len(events) != 0 || errs != 1 || closes != 1 {
		t.Fatalf("expected only error and close callbacks, got %v, %d, %d", events, errs, closes)
	}
}

func TestDialRejectsNonWebsocketEndpoint(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "ftp://synth.example", testArgs(t),
		WithDialer(&fakeDialer{conn: newFakeConn()}),
		WithLogger(testLogger()),
	)
	if !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestDialCredentialPlacement(t *testing.T) {
	t.Parallel()

	header := &fakeDialer{conn: newFakeConn()}
	s, err := Dial(context.Background(), "https://synth.example/v1/synthesize", testArgs(t),
		WithDialer(header),
		WithTokenSource(auth.Static("secret"), false),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = s.Close()
	if got := header.header.Get("Authorization"); got != "Bearer secret" {
		t.Fatalf("expected bearer header, got %q", got)
	}
	if strings.Contains(header.url, "access_token") {
		t.Fatalf("token leaked into url %q", header.url)
	}
	if !strings.HasPrefix(header.url, "wss://synth.example/v1/synthesize?") {
		t.Fatalf("expected rewritten websocket url, got %q", header.url)
	}

	query := &fakeDialer{conn: newFakeConn()}
	s, err = Dial(context.Background(), "wss://synth.example/v1/synthesize", testArgs(t),
		WithDialer(query),
		WithTokenSource(auth.Static("secret"), true),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = s.Close()
	if !strings.Contains(query.url, "access_token=secret") {
		t.Fatalf("expected token in query, got %q", query.url)
	}
	if query.header.Get("Authorization") != "" {
		t.Fatalf("expected no authorization header")
	}
}

func TestDialCredentialFailure(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	_, err := Dial(context.Background(), "wss://synth.example", testArgs(t),
		WithDialer(&fakeDialer{conn: newFakeConn()}),
		WithTokenSource(auth.Static(""), false),
		WithCallbacks(rec.callbacks()),
		WithLogger(testLogger()),
	)
	if !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, errs, closes := rec.snapshot(); errs != 1 || closes != 1 {
		t.Fatalf("expected one error and one close, got %d and %d", errs, closes)
	}
}
