package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
)

// subjectPrefix namespaces harness subjects on a shared NATS server.
const subjectPrefix = "mcpbench."

// NatsBus mirrors every event onto NATS so dashboards and other processes
// can follow a run without attaching to the harness.
type NatsBus struct {
	nc     *nats.Conn
	local  *LocalBus
	logger *logger.Logger
}

// NewNatsBus connects to the NATS server. In-process subscribers still get
// synchronous delivery through the embedded local bus.
func NewNatsBus(url string, log *logger.Logger) (*NatsBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("mcpbench-harness"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Info("connected to NATS", zap.String("url", url))
	return &NatsBus{nc: nc, local: NewLocalBus(), logger: log}, nil
}

func (b *NatsBus) Publish(ctx context.Context, ev Event) error {
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.nc.Publish(subjectPrefix+ev.Subject, data); err != nil {
		// External mirroring is best effort; local delivery already happened.
		b.logger.Warn("NATS publish failed",
			zap.String("subject", ev.Subject), zap.Error(err))
	}
	return nil
}

func (b *NatsBus) Subscribe(subject string, h Handler) (func(), error) {
	return b.local.Subscribe(subject, h)
}

func (b *NatsBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
	return b.local.Close()
}
