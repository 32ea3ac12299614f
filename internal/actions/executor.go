package actions

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/autoreply/internal/observability/metrics"
	"github.com/wolfman30/autoreply/pkg/logging"
)

var tracer = otel.Tracer("autoreply.internal.actions")

// ErrActionFailed wraps the cause of a single failed action.
var ErrActionFailed = errors.New("actions: action failed")

// Status is the outcome of one action.
type Status string

const (
	StatusApplied Status = "applied"
	StatusNoop    Status = "noop"
	StatusFailed  Status = "failed"
)

// Target identifies the friend the actions apply to.
type Target struct {
	TenantID       string
	FriendID       string
	PlatformUserID string
}

// Result records what happened to one action.
type Result struct {
	Type   Type   `json:"type"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// FriendStore mutates friend tags and custom fields. AddTag and RemoveTag
// report whether a row changed.
type FriendStore interface {
	AddTag(ctx context.Context, tenantID, friendID, tagID string) (bool, error)
	RemoveTag(ctx context.Context, tenantID, friendID, tagID string) (bool, error)
	MergeMetadata(ctx context.Context, tenantID, friendID string, fields map[string]any) error
}

// ScenarioStarter starts a scenario for a friend, abandoning any active one.
type ScenarioStarter interface {
	StartScenario(ctx context.Context, target Target, scenarioID string) error
}

// CampaignEnroller enrolls a friend in a step campaign, reporting false when
// the friend is already actively enrolled.
type CampaignEnroller interface {
	Enroll(ctx context.Context, tenantID, friendID, campaignID string) (bool, error)
}

// Executor applies action lists. Each action is attempted on its own; a failed
// action is recorded and the rest still run.
type Executor struct {
	friends   FriendStore
	scenarios ScenarioStarter
	campaigns CampaignEnroller
	metrics   *metrics.DispatchMetrics
	logger    *logging.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithScenarioStarter(s ScenarioStarter) ExecutorOption {
	return func(e *Executor) { e.scenarios = s }
}

func WithCampaignEnroller(c CampaignEnroller) ExecutorOption {
	return func(e *Executor) { e.campaigns = c }
}

func WithMetrics(m *metrics.DispatchMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func NewExecutor(friends FriendStore, logger *logging.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Executor{friends: friends, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every action in order and returns one Result per action.
func (e *Executor) Execute(ctx context.Context, target Target, list []Action) []Result {
	if len(list) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "actions.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("autoreply.tenant_id", target.TenantID),
		attribute.String("autoreply.friend_id", target.FriendID),
		attribute.Int("autoreply.action_count", len(list)),
	)

	results := make([]Result, 0, len(list))
	for _, a := range list {
		res := e.executeOne(ctx, target, a)
		e.metrics.ObserveAction(string(res.Type), string(res.Status))
		if res.Status == StatusFailed {
			e.logger.Warn("action failed",
				"tenant_id", target.TenantID,
				"friend_id", target.FriendID,
				"action", res.Type,
				"error", res.Error,
			)
		}
		results = append(results, res)
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, target Target, a Action) (res Result) {
	if a == nil {
		return Result{Status: StatusFailed, Error: fmt.Errorf("%w: nil action", ErrActionFailed).Error()}
	}
	res.Type = a.Type()
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Error = fmt.Errorf("%w: panic: %v", ErrActionFailed, r).Error()
		}
	}()

	changed, err := e.apply(ctx, target, a)
	switch {
	case err != nil:
		res.Status = StatusFailed
		res.Error = fmt.Errorf("%w: %s: %w", ErrActionFailed, a.Type(), err).Error()
	case changed:
		res.Status = StatusApplied
	default:
		res.Status = StatusNoop
	}
	return res
}

func (e *Executor) apply(ctx context.Context, target Target, a Action) (bool, error) {
	if err := a.validate(); err != nil {
		return false, err
	}
	switch act := a.(type) {
	case AddTag:
		if e.friends == nil {
			return false, errors.New("friend store not configured")
		}
		return e.friends.AddTag(ctx, target.TenantID, target.FriendID, act.TagID)
	case RemoveTag:
		if e.friends == nil {
			return false, errors.New("friend store not configured")
		}
		return e.friends.RemoveTag(ctx, target.TenantID, target.FriendID, act.TagID)
	case UpdateField:
		if e.friends == nil {
			return false, errors.New("friend store not configured")
		}
		if err := e.friends.MergeMetadata(ctx, target.TenantID, target.FriendID, map[string]any{act.Name: act.Value}); err != nil {
			return false, err
		}
		return true, nil
	case StartScenario:
		if e.scenarios == nil {
			return false, errors.New("scenario starter not configured")
		}
		if err := e.scenarios.StartScenario(ctx, target, act.ScenarioID); err != nil {
			return false, err
		}
		return true, nil
	case StartStepCampaign:
		if e.campaigns == nil {
			return false, errors.New("campaign enroller not configured")
		}
		return e.campaigns.Enroll(ctx, target.TenantID, target.FriendID, act.CampaignID)
	default:
		return false, fmt.Errorf("%w %q", ErrUnknownAction, a.Type())
	}
}
