package messaging

import (
	"context"
	"sync"
)

// RecordingGateway keeps every outbound message in memory. It backs local
// development and tests; Err, when set, is returned instead of recording.
type RecordingGateway struct {
	mu   sync.Mutex
	sent []Outbound
	Err  error
}

func NewRecordingGateway() *RecordingGateway {
	return &RecordingGateway{}
}

var _ Gateway = (*RecordingGateway)(nil)

func (g *RecordingGateway) Send(ctx context.Context, msg Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return g.Err
	}
	g.sent = append(g.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (g *RecordingGateway) Sent() []Outbound {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Outbound, len(g.sent))
	copy(out, g.sent)
	return out
}

// SetErr makes subsequent sends fail with err.
func (g *RecordingGateway) SetErr(err error) {
	g.mu.Lock()
	g.Err = err
	g.mu.Unlock()
}
