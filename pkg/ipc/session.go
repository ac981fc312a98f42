package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mcpbench/mcpbench/internal/common/errors"
	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/pkg/ipc/protocol"
)

// ErrSessionClosed is returned by Send after the session has terminated.
var ErrSessionClosed = errors.New("session closed")

// flushTimeout bounds how long Close waits for already-queued messages to
// reach the wire before the socket goes away.
const flushTimeout = 2 * time.Second

// Session is one accepted IPC connection, bound to one task. Outbound
// messages are delivered in send order; inbound messages surface on the
// Receive channel, which is closed on disconnect.
type Session struct {
	conn   net.Conn
	logger *logger.Logger

	outbound  chan *protocol.Message
	inbound   chan *protocol.Message
	done      chan struct{}
	writeDone chan struct{}

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewSession wraps a connection with framing and the protocol read loop.
func NewSession(conn net.Conn, log *logger.Logger) *Session {
	s := &Session{
		conn:     conn,
		logger:   log.WithFields(zap.String("component", "ipc-session")),
		outbound:  make(chan *protocol.Message, 64),
		inbound:   make(chan *protocol.Message, 64),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// Send enqueues one outbound message. Order is preserved relative to other
// Send calls on this session.
func (s *Session) Send(msg *protocol.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Receive returns the inbound message stream. The channel is closed when the
// peer disconnects or the session is closed.
func (s *Session) Receive() <-chan *protocol.Message {
	return s.inbound
}

// Err reports the terminal session error, if any. A clean end-of-stream
// leaves it nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close performs a graceful half-close of the write side followed by a full
// close. Messages already accepted by Send are flushed to the wire first,
// bounded by flushTimeout. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.writeDone:
		case <-time.After(flushTimeout):
		}
		if hc, ok := s.conn.(interface{ CloseWrite() error }); ok {
			_ = hc.CloseWrite()
		}
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) writeLoop() {
	defer s.Close()
	defer close(s.writeDone)
	for {
		select {
		case msg := <-s.outbound:
			payload, err := msg.Encode()
			if err != nil {
				s.logger.Error("failed to encode outbound message", zap.String("name", msg.Name), zap.Error(err))
				continue
			}
			if err := WriteFrame(s.conn, payload); err != nil {
				select {
				case <-s.done:
				default:
					s.setErr(fmt.Errorf("write failed: %w", err))
					s.logger.Warn("session write failed", zap.Error(err))
				}
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes whatever Send already queued before the close. A peer that has
// stopped reading cannot stall teardown past the write deadline.
func (s *Session) flush() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case msg := <-s.outbound:
			payload, err := msg.Encode()
			if err != nil {
				continue
			}
			if err := WriteFrame(s.conn, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.inbound)
	for {
		payload, err := ReadFrame(s.conn)
		if err != nil {
			select {
			case <-s.done:
				// Local close; not an error.
			default:
				if !errors.Is(err, io.EOF) {
					s.setErr(apperrors.Protocol(fmt.Sprintf("framing error: %v", err)))
					s.logger.Warn("session framing error", zap.Error(err))
				}
			}
			s.Close()
			return
		}

		msg, err := protocol.Parse(payload)
		if err != nil {
			// Schema violations are fatal for this session only.
			s.setErr(apperrors.Protocol(err.Error()))
			s.logger.Warn("invalid message, closing session", zap.Error(err))
			s.Close()
			return
		}

		select {
		case s.inbound <- msg:
		case <-s.done:
			return
		}
	}
}
