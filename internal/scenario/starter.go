package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/friends"
	"github.com/wolfman30/autoreply/internal/messaging"
	"github.com/wolfman30/autoreply/pkg/logging"
)

// ErrPromptNotDelivered is returned when the first step could not be sent.
var ErrPromptNotDelivered = errors.New("scenario: first prompt not delivered")

// StartRequest asks for a scenario to be started for a friend.
type StartRequest struct {
	TenantID       string
	FriendID       string
	PlatformUserID string
	ScenarioID     string
}

// FriendLookup resolves friend details for rendering the first prompt.
type FriendLookup interface {
	GetByID(ctx context.Context, tenantID, id string) (*friends.Friend, error)
}

// Starter opens conversations. It does not serialise per friend; callers
// that are not already holding the friend lock must take it first.
type Starter struct {
	repo    Repository
	gateway messaging.Gateway
	friends FriendLookup
	now     func() time.Time
	timeout time.Duration
	logger  *logging.Logger
}

const defaultPromptTimeout = 10 * time.Second

type StarterOption func(*Starter)

func WithFriendLookup(f FriendLookup) StarterOption {
	return func(s *Starter) { s.friends = f }
}

// WithSendTimeout bounds the first prompt's delivery so a slow gateway cannot
// outlive the caller's friend lock.
func WithSendTimeout(d time.Duration) StarterOption {
	return func(s *Starter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) StarterOption {
	return func(s *Starter) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStarter(repo Repository, gateway messaging.Gateway, logger *logging.Logger, opts ...StarterOption) *Starter {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Starter{repo: repo, gateway: gateway, now: time.Now, timeout: defaultPromptTimeout, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ actions.ScenarioStarter = (*Starter)(nil)

// StartScenario adapts Start to the action executor.
func (s *Starter) StartScenario(ctx context.Context, target actions.Target, scenarioID string) error {
	_, err := s.Start(ctx, StartRequest{
		TenantID:       target.TenantID,
		FriendID:       target.FriendID,
		PlatformUserID: target.PlatformUserID,
		ScenarioID:     scenarioID,
	})
	return err
}

// Start abandons the friend's active conversation, opens a new one on the
// scenario's first step and pushes that step's prompt. If the prompt cannot
// be delivered the new conversation is cancelled.
func (s *Starter) Start(ctx context.Context, req StartRequest) (*Conversation, error) {
	sc, err := s.repo.GetScenario(ctx, req.TenantID, req.ScenarioID)
	if err != nil {
		return nil, err
	}
	if !sc.Active {
		return nil, fmt.Errorf("%w: %s", ErrScenarioInactive, sc.ID)
	}
	first, ok := sc.FirstStep()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScenarioEmpty, sc.ID)
	}

	now := s.now().UTC()
	conv := Conversation{
		TenantID:          sc.TenantID,
		FriendID:          req.FriendID,
		ScenarioID:        sc.ID,
		CurrentStepID:     first.ID,
		Context:           map[string]any{},
		Status:            StatusActive,
		StartedAt:         now,
		LastInteractionAt: now,
	}
	if sc.ExpiresAfter > 0 {
		exp := now.Add(sc.ExpiresAfter)
		conv.ExpiresAt = &exp
	}
	started, err := s.repo.StartConversation(ctx, conv)
	if err != nil {
		return nil, err
	}

	msg := prompt(first)
	if s.friends != nil {
		if f, err := s.friends.GetByID(ctx, req.TenantID, req.FriendID); err == nil {
			msg = messaging.RenderMessage(msg, f.TemplateVars(nil))
		}
	}
	if s.gateway != nil {
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.gateway.Send(sendCtx, messaging.Outbound{TenantID: sc.TenantID, To: req.PlatformUserID, Message: msg})
		cancel()
		if err != nil {
			cancelled := started.Clone()
			cancelled.Status = StatusCancelled
			if _, saveErr := s.repo.SaveConversation(context.WithoutCancel(ctx), cancelled); saveErr != nil {
				s.logger.Error("failed to cancel undelivered conversation", "conversation_id", started.ID, "error", saveErr)
			}
			return nil, fmt.Errorf("%w: %w", ErrPromptNotDelivered, err)
		}
	}

	s.logger.Info("scenario started",
		"tenant_id", sc.TenantID,
		"friend_id", req.FriendID,
		"scenario_id", sc.ID,
		"conversation_id", started.ID,
	)
	return started, nil
}
