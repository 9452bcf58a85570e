package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/synthstream/internal/protocol"
)

// Conn is a full-duplex, message oriented connection. Implementations map a
// graceful peer close to io.EOF from NextMessage. WriteClose and Close may be
// called concurrently with the other methods.
type Conn interface {
	// WriteFragment sends one fragment of the current outbound message; the
	// message ends with the fragment marked final.
	WriteFragment(kind protocol.MessageKind, data []byte, final bool) error
	// NextMessage blocks until the next inbound message starts.
	NextMessage() (protocol.MessageKind, io.Reader, error)
	WriteClose(code int, reason string) error
	Close() error
}

// Dialer opens connections to the synthesis endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Close codes sent when a session ends.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseProtocolError  = websocket.CloseProtocolError
	CloseMessageTooBig  = websocket.CloseMessageTooBig
	closeControlTimeout = time.Second
)

// WebsocketDialer dials with gorilla/websocket. The write buffer equals the
// fragment size, so every full fragment leaves as exactly one frame.
type WebsocketDialer struct {
	FragmentSize     int
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		WriteBufferSize:  d.FragmentSize,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 45 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: handshake failed: %s: %s", protocol.ErrConnection, resp.Status, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnection, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	writer io.WriteCloser
	kind   protocol.MessageKind
}

func (c *wsConn) WriteFragment(kind protocol.MessageKind, data []byte, final bool) error {
	if c.writer == nil {
		w, err := c.conn.NextWriter(int(kind))
		if err != nil {
			return err
		}
		c.writer, c.kind = w, kind
	} else if c.kind != kind {
		return fmt.Errorf("%w: %s fragment inside unfinished %s message", protocol.ErrInvalidState, kind, c.kind)
	}

	if _, err := c.writer.Write(data); err != nil {
		c.writer = nil
		return err
	}
	if !final {
		return nil
	}
	err := c.writer.Close()
	c.writer = nil
	return err
}

func (c *wsConn) NextMessage() (protocol.MessageKind, io.Reader, error) {
	mt, r, err := c.conn.NextReader()
	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
		) {
			return 0, nil, io.EOF
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Text != "" {
			return 0, nil, fmt.Errorf("peer closed with %d: %s", closeErr.Code, closeErr.Text)
		}
		return 0, nil, err
	}
	return protocol.MessageKind(mt), r, nil
}

func (c *wsConn) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeControlTimeout))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
