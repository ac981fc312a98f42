package ipc

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/pkg/ipc/protocol"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"event","name":"TaskCompleted"}`)

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if buf.Len() != len(payload)+4 {
		t.Errorf("expected %d bytes on the wire, got %d", len(payload)+4, buf.Len())
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: %s", got)
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func sessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	sa := NewSession(a, logger.NewNop())
	sb := NewSession(b, logger.NewNop())
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

func TestSessionSendReceiveOrder(t *testing.T) {
	server, client := sessionPair(t)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			_ = server.Send(protocol.NewTaskToolFailed(fmt.Sprintf("tool-%d", i), "boom"))
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case msg := <-client.Receive():
			data, err := msg.DecodeToolFailed()
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			want := fmt.Sprintf("tool-%d", i)
			if data.ToolName != want {
				t.Fatalf("out of order: expected %s, got %s", want, data.ToolName)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestSessionCloseTerminatesReceive(t *testing.T) {
	server, client := sessionPair(t)

	_ = server.Close()

	select {
	case _, ok := <-client.Receive():
		if ok {
			t.Fatal("expected closed receive channel, got a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive channel not closed after peer close")
	}

	if err := client.Send(protocol.NewTaskCompleted()); err == nil {
		// The first send may still be buffered before the write loop notices
		// the dead conn; a second send after close must fail.
		_ = client.Close()
		if err := client.Send(protocol.NewTaskCompleted()); err != ErrSessionClosed {
			t.Errorf("expected ErrSessionClosed, got %v", err)
		}
	}
}

func TestSessionCloseFlushesQueuedMessages(t *testing.T) {
	// The teardown sequence is Send(CloseTask) immediately followed by
	// Close(); the queued command must still reach the peer.
	for i := 0; i < 50; i++ {
		a, b := net.Pipe()
		server := NewSession(a, logger.NewNop())
		client := NewSession(b, logger.NewNop())

		if err := server.Send(protocol.NewCloseTask()); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		_ = server.Close()

		delivered := false
		timeout := time.After(2 * time.Second)
	recv:
		for {
			select {
			case msg, ok := <-client.Receive():
				if !ok {
					break recv
				}
				if msg.Name == protocol.CommandCloseTask {
					delivered = true
				}
			case <-timeout:
				t.Fatal("timed out draining client session")
			}
		}
		if !delivered {
			t.Fatalf("CloseTask lost on Close (iteration %d)", i)
		}
		_ = client.Close()
	}
}

func TestSessionInvalidPayloadIsFatal(t *testing.T) {
	a, b := net.Pipe()
	session := NewSession(a, logger.NewNop())
	t.Cleanup(func() { session.Close() })

	go func() {
		_ = WriteFrame(b, []byte(`{"type":"nonsense","name":"x"}`))
	}()

	select {
	case _, ok := <-session.Receive():
		if ok {
			t.Fatal("expected session to close on invalid payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on invalid payload")
	}

	if session.Err() == nil {
		t.Error("expected a terminal protocol error")
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	server, _ := sessionPair(t)
	for i := 0; i < 3; i++ {
		if err := server.Close(); err != nil {
			t.Fatalf("Close #%d failed: %v", i+1, err)
		}
	}
}
