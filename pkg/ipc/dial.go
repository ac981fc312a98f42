package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// Dial connects to the orchestrator's rendezvous socket and returns the
// client-side session. Used by agent stubs and tests; real agents implement
// the wire contract in their own runtime.
func Dial(ctx context.Context, socketPath string, log *logger.Logger) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", socketPath, err)
	}
	return NewSession(conn, log), nil
}
