package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// ErrTransportClosed is returned by Accept after the listener shuts down.
var ErrTransportClosed = errors.New("transport closed")

// Transport is the process-wide listener bound to a local stream socket.
// Each accepted connection becomes a Session handed out FIFO via Accept.
type Transport struct {
	ln     net.Listener
	path   string
	logger *logger.Logger

	accepted chan *Session
	done     chan struct{}

	closeOnce sync.Once

	mu   sync.Mutex
	open map[*Session]struct{}
}

// Listen binds a unix stream socket at socketPath, removing any stale socket
// file left by a previous run.
func Listen(socketPath string, log *logger.Logger) (*Transport, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	return newTransport(ln, socketPath, log), nil
}

func newTransport(ln net.Listener, socketPath string, log *logger.Logger) *Transport {
	t := &Transport{
		ln:       ln,
		path:     socketPath,
		logger:   log.WithFields(zap.String("component", "ipc-transport"), zap.String("socket", socketPath)),
		accepted: make(chan *Session, 16),
		done:     make(chan struct{}),
		open:     make(map[*Session]struct{}),
	}
	go t.acceptLoop()
	t.logger.Info("IPC transport listening")
	return t
}

// Path returns the socket path clients dial.
func (t *Transport) Path() string {
	return t.path
}

// Accept returns the next accepted session, blocking until one arrives, the
// context is canceled, or the transport closes.
func (t *Transport) Accept(ctx context.Context) (*Session, error) {
	select {
	case s, ok := <-t.accepted:
		if !ok {
			return nil, ErrTransportClosed
		}
		return s, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenSessions returns the number of sessions not yet closed.
func (t *Transport) OpenSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Close stops accepting, closes all open sessions, and removes the socket
// file. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.ln.Close()

		t.mu.Lock()
		sessions := make([]*Session, 0, len(t.open))
		for s := range t.open {
			sessions = append(sessions, s)
		}
		t.mu.Unlock()

		for _, s := range sessions {
			_ = s.Close()
		}
		_ = os.Remove(t.path)
		t.logger.Info("IPC transport closed")
	})
	return nil
}

func (t *Transport) acceptLoop() {
	// Transient accept errors (fd exhaustion under parallel agent launches,
	// resets) back off and retry; only shutdown or a dead listener ends the
	// loop.
	backoff := 10 * time.Millisecond
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed, retrying",
				zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-t.done:
				return
			}
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 10 * time.Millisecond

		session := NewSession(conn, t.logger)

		t.mu.Lock()
		t.open[session] = struct{}{}
		t.mu.Unlock()

		// Reap the bookkeeping entry once the session terminates.
		go func(s *Session) {
			<-s.done
			t.mu.Lock()
			delete(t.open, s)
			t.mu.Unlock()
		}(session)

		select {
		case t.accepted <- session:
		case <-t.done:
			_ = session.Close()
			return
		}
	}
}
