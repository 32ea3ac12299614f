package sweeper

import (
	"context"
	"time"

	"github.com/wolfman30/autoreply/pkg/logging"
)

type conversationStore interface {
	ExpireIdle(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// Sweeper periodically expires conversations that have gone idle or passed
// their scenario's expiry.
type Sweeper struct {
	store    conversationStore
	logger   *logging.Logger
	interval time.Duration
	idle     time.Duration
	now      func() time.Time
}

func New(store conversationStore, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		store:    store,
		logger:   logger,
		interval: 5 * time.Minute,
		idle:     72 * time.Hour,
		now:      time.Now,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithIdleExpiry sets how long an untouched conversation stays active.
func (s *Sweeper) WithIdleExpiry(d time.Duration) *Sweeper {
	if d > 0 {
		s.idle = d
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single expiry pass and returns the number of conversations ended.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	if s.store == nil {
		return 0
	}
	now := s.now().UTC()
	n, err := s.store.ExpireIdle(ctx, now.Add(-s.idle), now)
	if err != nil {
		s.logger.Error("conversation sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("expired idle conversations", "count", n)
	}
	return n
}
