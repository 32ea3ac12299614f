package scenario

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/autoreply/pkg/logging"
)

// Repository persists scenarios and conversations. Implementations must keep
// at most one active conversation per friend.
type Repository interface {
	GetScenario(ctx context.Context, tenantID, id string) (*Scenario, error)

	// ResolveActive returns the friend's active conversation, or nil. When
	// several are active the newest wins and the rest are abandoned.
	ResolveActive(ctx context.Context, friendID string) (*Conversation, error)

	// StartConversation abandons any active conversation for the friend,
	// inserts conv and increments the scenario's total_started, atomically.
	StartConversation(ctx context.Context, conv Conversation) (*Conversation, error)

	// SaveConversation writes conv if its Version still matches the stored row.
	SaveConversation(ctx context.Context, conv Conversation) (*Conversation, error)

	// Cancel ends the friend's active conversation; false when there was none.
	Cancel(ctx context.Context, tenantID, friendID string) (bool, error)

	// ExpireIdle marks active conversations idle since before olderThan, or
	// past their expiry at now, as expired.
	ExpireIdle(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// splitDuplicates orders active rows newest first and returns the keeper and
// the ids to abandon.
func splitDuplicates(active []Conversation) (*Conversation, []string) {
	if len(active) == 0 {
		return nil, nil
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].StartedAt.Equal(active[j].StartedAt) {
			return active[i].StartedAt.After(active[j].StartedAt)
		}
		return active[i].ID > active[j].ID
	})
	keep := active[0]
	var stale []string
	for _, c := range active[1:] {
		stale = append(stale, c.ID)
	}
	return &keep, stale
}

func logConflict(logger *logging.Logger, friendID string, kept *Conversation, abandoned []string) {
	logger.Warn("abandoned duplicate active conversations",
		"friend_id", friendID,
		"conversation_id", kept.ID,
		"abandoned", abandoned,
		"error", ErrConflictingConversation,
	)
}

// InMemoryRepository keeps scenarios and conversations in process memory.
type InMemoryRepository struct {
	mu            sync.Mutex
	scenarios     map[string]*Scenario
	conversations map[string]*Conversation
	logger        *logging.Logger
}

func NewInMemoryRepository(logger *logging.Logger) *InMemoryRepository {
	if logger == nil {
		logger = logging.Default()
	}
	return &InMemoryRepository{
		scenarios:     make(map[string]*Scenario),
		conversations: make(map[string]*Conversation),
		logger:        logger,
	}
}

func (r *InMemoryRepository) PutScenario(sc Scenario) {
	r.mu.Lock()
	cp := sc
	cp.Steps = append([]Step(nil), sc.Steps...)
	r.scenarios[sc.ID] = &cp
	r.mu.Unlock()
}

// PutConversation stores a conversation as-is, bypassing the single-active
// checks. It exists to seed fixtures.
func (r *InMemoryRepository) PutConversation(conv Conversation) {
	r.mu.Lock()
	cp := conv.Clone()
	r.conversations[conv.ID] = &cp
	r.mu.Unlock()
}

// Conversations returns copies of the friend's conversations, oldest first.
func (r *InMemoryRepository) Conversations(friendID string) []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conversation
	for _, c := range r.conversations {
		if c.FriendID == friendID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *InMemoryRepository) GetScenario(_ context.Context, tenantID, id string) (*Scenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scenarios[id]
	if !ok || (tenantID != "" && sc.TenantID != tenantID) {
		return nil, ErrScenarioNotFound
	}
	cp := *sc
	cp.Steps = append([]Step(nil), sc.Steps...)
	return &cp, nil
}

func (r *InMemoryRepository) ResolveActive(_ context.Context, friendID string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []Conversation
	for _, c := range r.conversations {
		if c.FriendID == friendID && c.Status == StatusActive {
			active = append(active, c.Clone())
		}
	}
	keep, stale := splitDuplicates(active)
	if len(stale) > 0 {
		for _, id := range stale {
			r.conversations[id].Status = StatusAbandoned
			r.conversations[id].Version++
		}
		logConflict(r.logger, friendID, keep, stale)
	}
	return keep, nil
}

func (r *InMemoryRepository) StartConversation(_ context.Context, conv Conversation) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scenarios[conv.ScenarioID]
	if !ok {
		return nil, ErrScenarioNotFound
	}
	for _, c := range r.conversations {
		if c.FriendID == conv.FriendID && c.Status == StatusActive {
			c.Status = StatusAbandoned
			c.Version++
		}
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	conv.Status = StatusActive
	conv.Version = 1
	stored := conv.Clone()
	r.conversations[conv.ID] = &stored
	sc.TotalStarted++
	out := stored.Clone()
	return &out, nil
}

func (r *InMemoryRepository) SaveConversation(_ context.Context, conv Conversation) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.conversations[conv.ID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if current.Version != conv.Version {
		return nil, ErrVersionConflict
	}
	conv.Version++
	stored := conv.Clone()
	r.conversations[conv.ID] = &stored
	out := stored.Clone()
	return &out, nil
}

func (r *InMemoryRepository) Cancel(_ context.Context, tenantID, friendID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancelled := false
	for _, c := range r.conversations {
		if c.FriendID == friendID && c.Status == StatusActive && (tenantID == "" || c.TenantID == tenantID) {
			c.Status = StatusCancelled
			c.Version++
			cancelled = true
		}
	}
	return cancelled, nil
}

func (r *InMemoryRepository) ExpireIdle(_ context.Context, olderThan, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.conversations {
		if c.Status != StatusActive {
			continue
		}
		if c.LastInteractionAt.Before(olderThan) || (c.ExpiresAt != nil && c.ExpiresAt.Before(now)) {
			c.Status = StatusExpired
			c.Version++
			n++
		}
	}
	return n, nil
}
