package remote

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errStreamClosed = errors.New("websocket stream closed")

// wsStream presents a WebSocket connection as the byte stream a STOMP
// session runs on. Every Write goes out as one text message; Read runs
// across message boundaries. It satisfies net.Conn so stomp applies
// handshake deadlines to it.
type wsStream struct {
	conn *websocket.Conn

	readMu sync.Mutex
	r      io.Reader

	writeMu sync.Mutex

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

var _ net.Conn = (*wsStream)(nil)

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn, done: make(chan struct{})}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				s.fail(err)
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			s.fail(err)
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		s.fail(err)
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal closure and drops the connection. It is safe to call
// more than once.
func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		s.setErr(errStreamClosed)
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// Done is closed once the stream failed or was closed.
func (s *wsStream) Done() <-chan struct{} { return s.done }

// Err returns the first failure seen on the stream.
func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsStream) fail(err error) {
	s.setErr(err)
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *wsStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *wsStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *wsStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
