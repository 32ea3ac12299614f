package messaging

import (
	"context"
	"errors"

	"github.com/wolfman30/autoreply/internal/observability/metrics"
	"github.com/wolfman30/autoreply/pkg/logging"
)

// InstrumentedGateway records a send metric for every delivery attempt.
type InstrumentedGateway struct {
	next    Gateway
	metrics *metrics.DispatchMetrics
	logger  *logging.Logger
}

func NewInstrumentedGateway(next Gateway, m *metrics.DispatchMetrics, logger *logging.Logger) *InstrumentedGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &InstrumentedGateway{next: next, metrics: m, logger: logger}
}

var _ Gateway = (*InstrumentedGateway)(nil)

func (g *InstrumentedGateway) Send(ctx context.Context, msg Outbound) error {
	if g == nil || g.next == nil {
		return errors.New("messaging: gateway not configured")
	}
	err := g.next.Send(ctx, msg)
	g.metrics.ObserveSend(string(msg.Message.Kind()), err == nil)
	if err != nil {
		g.logger.Warn("gateway send failed",
			"tenant_id", msg.TenantID,
			"message_type", msg.Message.Kind(),
			"error", err,
		)
	}
	return err
}
