package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 256
	maxFrameSize        = 4 << 20
)

// Socket is one outbound relay connection.
//
// Send is fire-and-forget: it never blocks, and frames written before the
// connection is established are flushed once it is.
type Socket interface {
	Address() string
	Connect(ctx context.Context)
	Send(frame []byte) bool
	Close()
}

// SocketHandler receives connection lifecycle callbacks and inbound text frames.
// Callbacks run on the socket's own goroutine.
type SocketHandler interface {
	OnConnected(s Socket)
	OnText(s Socket, frame []byte)
	OnDisconnected(s Socket, err error)
}

// Dialer creates an unconnected socket for address
type Dialer func(address string, h SocketHandler) Socket

// WebsocketDialer returns a Dialer backed by gorilla/websocket
func WebsocketDialer(dialTimeout time.Duration, sendBuffer int, logger *slog.Logger) Dialer {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: dialTimeout,
	}
	return func(address string, h SocketHandler) Socket {
		return &wsSocket{
			address:     address,
			handler:     h,
			dialer:      dialer,
			dialTimeout: dialTimeout,
			out:         make(chan []byte, sendBuffer),
			done:        make(chan struct{}),
			logger:      logger.With("relay", address),
		}
	}
}

// wsSocket manages a single websocket connection. One goroutine dials and
// reads, a second one owns all writes.
type wsSocket struct {
	address     string
	handler     SocketHandler
	dialer      *websocket.Dialer
	dialTimeout time.Duration
	logger      *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	dropped   atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSocket) Address() string { return s.address }

// Connect dials in the background. Calling it more than once has no effect.
func (s *wsSocket) Connect(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Send queues frame for writing, dropping it when the buffer is full or the
// socket is closed
func (s *wsSocket) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("send buffer full, dropping frame", "dropped_total", n)
		return false
	}
}

// Close tears the connection down. The handler still receives OnDisconnected.
func (s *wsSocket) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *wsSocket) run(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.address, nil)
	cancel()
	if err != nil {
		s.logger.Debug("dial failed", "error", err)
		s.handler.OnDisconnected(s, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s.mu.Lock()
	select {
	case <-s.done:
		// closed while dialing
		s.mu.Unlock()
		conn.Close()
		s.handler.OnDisconnected(s, nil)
		return
	default:
	}
	s.conn = conn
	s.mu.Unlock()

	go s.writeLoop(conn)
	s.handler.OnConnected(s)

	err = s.readLoop(conn)
	s.Close()

	select {
	case <-ctx.Done():
		err = nil
	default:
	}
	s.handler.OnDisconnected(s, err)
}

// readLoop forwards text frames until the connection fails. A nil error means
// the socket was closed locally.
func (s *wsSocket) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			s.logger.Debug("read error", "error", err)
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handler.OnText(s, data)
	}
}

func (s *wsSocket) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case frame := <-s.out:
			// Set write deadline to prevent indefinite blocking
			conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("write error", "error", err)
				conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
