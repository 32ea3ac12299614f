// Package scenario runs multi-step conversations: the state machine that
// advances a friend through a scenario, and the store that keeps at most one
// active conversation per friend.
package scenario

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/apperr"
	"github.com/wolfman30/autoreply/internal/messaging"
)

var (
	ErrScenarioNotFound = fmt.Errorf("scenario: scenario %w", apperr.ErrNotFound)
	ErrScenarioInactive = errors.New("scenario: scenario is inactive")
	ErrScenarioEmpty    = errors.New("scenario: scenario has no steps")

	// ErrConflictingConversation marks more than one active conversation for a friend.
	ErrConflictingConversation = fmt.Errorf("scenario: conflicting active conversations: %w", apperr.ErrConflict)

	// ErrVersionConflict is returned when a conversation changed since it was read.
	ErrVersionConflict = fmt.Errorf("scenario: conversation version conflict: %w", apperr.ErrConflict)

	ErrConversationNotFound = fmt.Errorf("scenario: conversation %w", apperr.ErrNotFound)
	ErrConversationClosed   = errors.New("scenario: conversation is not active")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusAbandoned Status = "abandoned"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s != StatusActive
}

type AnswerType string

const (
	AnswerFreeText       AnswerType = "free_text"
	AnswerSingleChoice   AnswerType = "single_choice"
	AnswerMultipleChoice AnswerType = "multiple_choice"
)

type TimeoutAction string

const (
	TimeoutEnd      TimeoutAction = "end"
	TimeoutContinue TimeoutAction = "continue"
)

// Answer describes what a step accepts as a reply.
type Answer struct {
	Type    AnswerType `json:"type"`
	Choices []string   `json:"choices,omitempty"`
}

// Branch is a conditional edge out of a step. An empty NextStepID ends the scenario.
type Branch struct {
	Condition  string       `json:"condition"`
	NextStepID string       `json:"next_step_id,omitempty"`
	Actions    actions.List `json:"actions,omitempty"`
}

type Step struct {
	ID             string             `json:"id"`
	Position       int                `json:"position"`
	Message        messaging.Message  `json:"message"`
	Answer         Answer             `json:"answer"`
	TimeoutMinutes int                `json:"timeout_minutes,omitempty"`
	TimeoutAction  TimeoutAction      `json:"timeout_action,omitempty"`
	MaxRetries     int                `json:"max_retries,omitempty"`
	InvalidMessage *messaging.Message `json:"invalid_message,omitempty"`
	Branches       []Branch           `json:"branches,omitempty"`
}

// Scenario is a tenant-scoped conversation template.
type Scenario struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	Name           string             `json:"name"`
	Active         bool               `json:"active"`
	Steps          []Step             `json:"steps"`
	ClosingMessage *messaging.Message `json:"closing_message,omitempty"`
	TimeoutMessage *messaging.Message `json:"timeout_message,omitempty"`
	ExpiresAfter   time.Duration      `json:"expires_after,omitempty"`
	TotalStarted   int64              `json:"total_started"`
}

// OrderedSteps returns the steps sorted by position, ties by id.
func (s *Scenario) OrderedSteps() []Step {
	steps := append([]Step(nil), s.Steps...)
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Position != steps[j].Position {
			return steps[i].Position < steps[j].Position
		}
		return steps[i].ID < steps[j].ID
	})
	return steps
}

func (s *Scenario) FirstStep() (Step, bool) {
	steps := s.OrderedSteps()
	if len(steps) == 0 {
		return Step{}, false
	}
	return steps[0], true
}

func (s *Scenario) StepByID(id string) (Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// NextAfter returns the step that follows id in step order.
func (s *Scenario) NextAfter(id string) (Step, bool) {
	steps := s.OrderedSteps()
	for i, st := range steps {
		if st.ID == id && i+1 < len(steps) {
			return steps[i+1], true
		}
	}
	return Step{}, false
}

// Conversation is one friend's live progress through a scenario.
type Conversation struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	FriendID          string         `json:"friend_id"`
	ScenarioID        string         `json:"scenario_id"`
	CurrentStepID     string         `json:"current_step_id"`
	Context           map[string]any `json:"context"`
	Status            Status         `json:"status"`
	StartedAt         time.Time      `json:"started_at"`
	LastInteractionAt time.Time      `json:"last_interaction_at"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	Version           int64          `json:"version"`
}

// Clone returns a deep copy of the conversation's mutable fields.
func (c Conversation) Clone() Conversation {
	out := c
	out.Context = cloneContext(c.Context)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

func cloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			v = cloneContext(nested)
		}
		out[k] = v
	}
	return out
}

// Answers returns the collected answers keyed by step id.
func (c Conversation) Answers() map[string]any {
	out := make(map[string]any, len(c.Context))
	for k, v := range c.Context {
		if k == retriesKey {
			continue
		}
		out[k] = v
	}
	return out
}
