// Package dispatch turns one inbound chat message into at most one reply. It
// serialises work per friend, gives an active conversation precedence over
// keyword rules, runs the resulting actions and writes one audit row.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/apperr"
	"github.com/wolfman30/autoreply/internal/events"
	"github.com/wolfman30/autoreply/internal/friends"
	"github.com/wolfman30/autoreply/internal/lock"
	"github.com/wolfman30/autoreply/internal/messaging"
	"github.com/wolfman30/autoreply/internal/observability/metrics"
	"github.com/wolfman30/autoreply/internal/rules"
	"github.com/wolfman30/autoreply/internal/scenario"
	"github.com/wolfman30/autoreply/pkg/logging"
)

var tracer = otel.Tracer("autoreply.internal.dispatch")

const (
	dedupeProvider     = "line"
	defaultSendTimeout = 10 * time.Second

	routeConversation = "conversation"
	routeRule         = "rule"
	routeNone         = "none"
)

var (
	// ErrDeliveryFailed wraps the gateway error when a reply could not be sent.
	// No state changes and no actions run in that case.
	ErrDeliveryFailed = fmt.Errorf("dispatch: delivery failed: %w", apperr.ErrUnavailable)

	// ErrFriendRequired is returned for an inbound message without a friend id.
	ErrFriendRequired = errors.New("dispatch: friend id required")
)

// Inbound is one message received from a friend.
type Inbound struct {
	TenantID       string `json:"tenant_id,omitempty"`
	FriendID       string `json:"friend_id"`
	PlatformUserID string `json:"platform_user_id,omitempty"`
	Text           string `json:"text"`
	MessageType    string `json:"message_type,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// Result describes what the dispatcher did with a message.
type Result struct {
	Success        bool               `json:"success"`
	Responded      bool               `json:"responded"`
	Duplicate      bool               `json:"duplicate,omitempty"`
	Message        *messaging.Message `json:"message,omitempty"`
	Actions        actions.List       `json:"actions,omitempty"`
	ActionResults  []actions.Result   `json:"action_results,omitempty"`
	RuleID         string             `json:"rule_id,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	StepID         string             `json:"step_id,omitempty"`
}

// FriendLookup loads the friend a message came from.
type FriendLookup interface {
	GetByID(ctx context.Context, tenantID, id string) (*friends.Friend, error)
}

// RuleMatcher picks the winning keyword rule, or nil.
type RuleMatcher interface {
	Match(ctx context.Context, in rules.Input) (*rules.Match, error)
}

// TriggerCounter records that a rule fired.
type TriggerCounter interface {
	IncrementTriggerCount(ctx context.Context, ruleID string, at time.Time) error
}

// ActionRunner executes the side effects of a reply.
type ActionRunner interface {
	Execute(ctx context.Context, target actions.Target, list []actions.Action) []actions.Result
}

// ScenarioStarter opens a new conversation and sends its first prompt.
type ScenarioStarter interface {
	Start(ctx context.Context, req scenario.StartRequest) (*scenario.Conversation, error)
}

// Deps are the collaborators a Dispatcher needs. Friends, Conversations,
// Matcher and Gateway are required.
type Deps struct {
	Friends       FriendLookup
	Conversations scenario.Repository
	Matcher       RuleMatcher
	Triggers      TriggerCounter
	Processor     *scenario.Processor
	Starter       ScenarioStarter
	Executor      ActionRunner
	Gateway       messaging.Gateway
	Locker        lock.Locker
	Logs          LogStore
	Dedupe        events.Deduper
}

// Dispatcher orchestrates one inbound message end to end.
type Dispatcher struct {
	deps        Deps
	sendTimeout time.Duration
	now         func() time.Time
	metrics     *metrics.DispatchMetrics
	logger      *logging.Logger
}

type Option func(*Dispatcher)

func WithSendTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.sendTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Dispatcher) {
		if now != nil {
			x.now = now
		}
	}
}

func WithMetrics(m *metrics.DispatchMetrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

func New(deps Deps, logger *logging.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if deps.Friends == nil || deps.Conversations == nil || deps.Matcher == nil || deps.Gateway == nil {
		panic("dispatch: friends, conversations, matcher and gateway are required")
	}
	if deps.Processor == nil {
		deps.Processor = scenario.NewProcessor(logger)
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	d := &Dispatcher{
		deps:        deps,
		sendTimeout: defaultSendTimeout,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// dispatchState collects what one call did so the audit row and metrics can
// be written on every exit path.
type dispatchState struct {
	entry     LogEntry
	route     string
	result    *Result
	err       error
	duplicate bool
	release   func()
}

// HandleInboundMessage processes one inbound message. The returned error is
// set when the message could not be handled; in that case no reply state was
// changed and no actions ran. Every call writes one audit row except a
// redelivery of an already processed message id.
func (d *Dispatcher) HandleInboundMessage(ctx context.Context, in Inbound) (*Result, error) {
	started := d.now()
	ctx, span := tracer.Start(ctx, "dispatch.inbound")
	defer span.End()
	span.SetAttributes(
		attribute.String("autoreply.friend_id", in.FriendID),
		attribute.String("autoreply.message_type", in.MessageType),
	)

	st := &dispatchState{
		route: routeNone,
		entry: LogEntry{
			TenantID:    in.TenantID,
			FriendID:    in.FriendID,
			MessageID:   in.MessageID,
			TriggerText: in.Text,
			MessageType: messageType(in.MessageType),
		},
	}
	defer d.finish(ctx, in, st, started)

	st.result, st.err = d.handle(ctx, in, st)
	if st.err != nil {
		span.RecordError(st.err)
		span.SetStatus(codes.Error, st.err.Error())
	}
	return st.result, st.err
}

func (d *Dispatcher) handle(ctx context.Context, in Inbound, st *dispatchState) (*Result, error) {
	if strings.TrimSpace(in.FriendID) == "" {
		return nil, ErrFriendRequired
	}
	release, err := d.deps.Locker.Acquire(ctx, lock.FriendKey(in.FriendID))
	if err != nil {
		return nil, fmt.Errorf("dispatch: acquire friend lock: %w", err)
	}
	// held until finish has marked the message processed
	st.release = release

	if d.deps.Dedupe != nil && in.MessageID != "" {
		seen, err := d.deps.Dedupe.AlreadyProcessed(ctx, dedupeProvider, in.MessageID)
		if err != nil {
			d.logger.Warn("dedupe lookup failed; processing anyway", "message_id", in.MessageID, "error", err)
		} else if seen {
			d.logger.Info("duplicate inbound message ignored", "friend_id", in.FriendID, "message_id", in.MessageID)
			st.duplicate = true
			return &Result{Success: true, Duplicate: true}, nil
		}
	}
	return d.dispatch(ctx, in, st)
}

func (d *Dispatcher) dispatch(ctx context.Context, in Inbound, st *dispatchState) (*Result, error) {
	friend, err := d.deps.Friends.GetByID(ctx, in.TenantID, in.FriendID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load friend: %w", err)
	}
	st.entry.TenantID = friend.TenantID
	if in.PlatformUserID == "" {
		in.PlatformUserID = friend.PlatformUserID
	}
	now := d.now().UTC()

	conv, err := d.deps.Conversations.ResolveActive(ctx, friend.ID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve active conversation: %w", err)
	}
	if conv != nil {
		sc, ok, err := d.loadScenario(ctx, friend, conv)
		if err != nil {
			return nil, err
		}
		if ok {
			res, expired, err := d.advanceConversation(ctx, in, friend, *conv, sc, now, st)
			if !expired {
				st.route = routeConversation
				return res, err
			}
		}
	}
	return d.matchRule(ctx, in, friend, now, st)
}

// loadScenario returns the conversation's scenario. A scenario that was
// deleted or deactivated ends the conversation so the message falls through
// to keyword rules.
func (d *Dispatcher) loadScenario(ctx context.Context, friend *friends.Friend, conv *scenario.Conversation) (*scenario.Scenario, bool, error) {
	sc, err := d.deps.Conversations.GetScenario(ctx, friend.TenantID, conv.ScenarioID)
	switch {
	case err == nil && sc.Active:
		return sc, true, nil
	case err == nil, errors.Is(err, scenario.ErrScenarioNotFound):
		cancelled := conv.Clone()
		cancelled.Status = scenario.StatusCancelled
		if _, saveErr := d.deps.Conversations.SaveConversation(ctx, cancelled); saveErr != nil {
			return nil, false, fmt.Errorf("dispatch: cancel orphaned conversation: %w", saveErr)
		}
		d.logger.Warn("cancelled conversation for unavailable scenario",
			"tenant_id", friend.TenantID,
			"friend_id", friend.ID,
			"conversation_id", conv.ID,
			"scenario_id", conv.ScenarioID,
		)
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("dispatch: load scenario: %w", err)
	}
}

// advanceConversation feeds the reply to the conversation. It reports
// expired=true when the conversation had already passed its expiry; the
// conversation is then closed and the reply is left for the keyword rules.
func (d *Dispatcher) advanceConversation(ctx context.Context, in Inbound, friend *friends.Friend, conv scenario.Conversation, sc *scenario.Scenario, now time.Time, st *dispatchState) (*Result, bool, error) {
	outcome, err := d.deps.Processor.Advance(conv, sc, in.Text, in.MessageType, now)
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: advance conversation: %w", err)
	}
	if outcome.Transition == scenario.TransitionExpired {
		if _, err := d.deps.Conversations.SaveConversation(ctx, outcome.Conversation); err != nil {
			return nil, false, fmt.Errorf("dispatch: expire conversation: %w", err)
		}
		d.logger.Info("conversation expired before reply", "conversation_id", conv.ID, "friend_id", friend.ID)
		return nil, true, nil
	}
	st.entry.ConversationID = conv.ID
	st.entry.StepID = outcome.StepID

	var reply *messaging.Message
	if outcome.Response != nil && !outcome.Response.IsZero() {
		rendered := messaging.RenderMessage(*outcome.Response, friend.TemplateVars(outcome.Conversation.Answers()))
		reply = &rendered
	}
	if err := d.send(ctx, friend, in.PlatformUserID, reply); err != nil {
		return nil, false, err
	}
	st.entry.Response = reply
	st.entry.Responded = reply != nil

	if _, err := d.deps.Conversations.SaveConversation(ctx, outcome.Conversation); err != nil {
		return nil, false, fmt.Errorf("dispatch: save conversation: %w", err)
	}
	d.logger.Debug("conversation advanced",
		"conversation_id", conv.ID,
		"step_id", outcome.StepID,
		"transition", outcome.Transition,
	)

	res := &Result{
		Success:        true,
		Responded:      reply != nil,
		Message:        reply,
		Actions:        outcome.Actions,
		ConversationID: conv.ID,
		StepID:         outcome.StepID,
	}
	res.ActionResults = d.runActions(ctx, friend, in.PlatformUserID, outcome.Actions)
	st.entry.Actions = res.Actions
	st.entry.ActionResults = res.ActionResults
	return res, false, nil
}

func (d *Dispatcher) matchRule(ctx context.Context, in Inbound, friend *friends.Friend, now time.Time, st *dispatchState) (*Result, error) {
	match, err := d.deps.Matcher.Match(ctx, rules.Input{
		TenantID:    friend.TenantID,
		Friend:      friend,
		Text:        in.Text,
		MessageType: in.MessageType,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: match rules: %w", err)
	}
	if match == nil {
		return &Result{Success: true}, nil
	}
	st.route = routeRule
	st.entry.RuleID = match.RuleID
	st.entry.MatchedKeyword = match.Keyword

	var reply *messaging.Message
	if !match.Response.IsZero() {
		r := match.Response
		reply = &r
	}
	if err := d.send(ctx, friend, in.PlatformUserID, reply); err != nil {
		return nil, err
	}
	st.entry.Response = reply
	st.entry.Responded = reply != nil

	if d.deps.Triggers != nil {
		if err := d.deps.Triggers.IncrementTriggerCount(ctx, match.RuleID, now); err != nil {
			d.logger.Warn("failed to record rule trigger", "rule_id", match.RuleID, "error", err)
		}
	}

	res := &Result{
		Success:   true,
		Responded: reply != nil,
		Message:   reply,
		Actions:   match.Actions,
		RuleID:    match.RuleID,
	}
	res.ActionResults = d.runActions(ctx, friend, in.PlatformUserID, match.Actions)
	st.entry.Actions = res.Actions
	st.entry.ActionResults = res.ActionResults
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, friend *friends.Friend, to string, reply *messaging.Message) error {
	if reply == nil {
		return nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	err := d.deps.Gateway.Send(sendCtx, messaging.Outbound{
		TenantID: friend.TenantID,
		To:       to,
		Message:  *reply,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

func (d *Dispatcher) runActions(ctx context.Context, friend *friends.Friend, platformUserID string, list actions.List) []actions.Result {
	if len(list) == 0 || d.deps.Executor == nil {
		return nil
	}
	return d.deps.Executor.Execute(ctx, actions.Target{
		TenantID:       friend.TenantID,
		FriendID:       friend.ID,
		PlatformUserID: platformUserID,
	}, list)
}

// finish writes the audit row, marks the message processed and records
// metrics. It runs detached from ctx cancellation so a dropped caller still
// leaves a log row.
func (d *Dispatcher) finish(ctx context.Context, in Inbound, st *dispatchState, started time.Time) {
	if st.release != nil {
		defer st.release()
	}
	if st.duplicate {
		// a redelivery of a handled message id is not a new inbound message
		d.metrics.ObserveDispatch(routeNone, "duplicate", time.Since(started).Seconds())
		return
	}
	ctx = context.WithoutCancel(ctx)
	outcome := "no_match"
	switch {
	case st.err != nil:
		outcome = "error"
		st.entry.Error = st.err.Error()
		d.logger.Error("inbound dispatch failed",
			"tenant_id", st.entry.TenantID,
			"friend_id", in.FriendID,
			"error", st.err,
		)
	case st.result != nil && st.result.Responded:
		outcome = "responded"
	case st.route != routeNone:
		outcome = "silent"
	}
	st.entry.CreatedAt = d.now().UTC()

	if d.deps.Logs != nil {
		if err := d.deps.Logs.Append(ctx, st.entry); err != nil {
			d.logger.Error("failed to write auto response log", "friend_id", in.FriendID, "error", err)
		}
	}
	// Failed dispatches stay unmarked so a redelivery can retry them.
	if st.err == nil && d.deps.Dedupe != nil && in.MessageID != "" {
		if _, err := d.deps.Dedupe.MarkProcessed(ctx, dedupeProvider, in.MessageID); err != nil {
			d.logger.Warn("failed to mark message processed", "message_id", in.MessageID, "error", err)
		}
	}
	d.metrics.ObserveDispatch(st.route, outcome, time.Since(started).Seconds())
}

// StartScenario starts a scenario for a friend under the friend lock.
func (d *Dispatcher) StartScenario(ctx context.Context, tenantID, friendID, scenarioID string) (*scenario.Conversation, error) {
	if d.deps.Starter == nil {
		return nil, errors.New("dispatch: scenario starter not configured")
	}
	if strings.TrimSpace(friendID) == "" {
		return nil, ErrFriendRequired
	}
	release, err := d.deps.Locker.Acquire(ctx, lock.FriendKey(friendID))
	if err != nil {
		return nil, fmt.Errorf("dispatch: acquire friend lock: %w", err)
	}
	defer release()

	friend, err := d.deps.Friends.GetByID(ctx, tenantID, friendID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load friend: %w", err)
	}
	conv, err := d.deps.Starter.Start(ctx, scenario.StartRequest{
		TenantID:       friend.TenantID,
		FriendID:       friend.ID,
		PlatformUserID: friend.PlatformUserID,
		ScenarioID:     scenarioID,
	})
	if err != nil {
		if errors.Is(err, scenario.ErrPromptNotDelivered) {
			return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
		return nil, err
	}
	return conv, nil
}

// CancelConversation ends the friend's active conversation under the friend
// lock. It reports false when there was nothing to cancel.
func (d *Dispatcher) CancelConversation(ctx context.Context, tenantID, friendID string) (bool, error) {
	if strings.TrimSpace(friendID) == "" {
		return false, ErrFriendRequired
	}
	release, err := d.deps.Locker.Acquire(ctx, lock.FriendKey(friendID))
	if err != nil {
		return false, fmt.Errorf("dispatch: acquire friend lock: %w", err)
	}
	defer release()

	friend, err := d.deps.Friends.GetByID(ctx, tenantID, friendID)
	if err != nil {
		return false, fmt.Errorf("dispatch: load friend: %w", err)
	}
	cancelled, err := d.deps.Conversations.Cancel(ctx, friend.TenantID, friend.ID)
	if err != nil {
		return false, fmt.Errorf("dispatch: cancel conversation: %w", err)
	}
	if cancelled {
		d.logger.Info("conversation cancelled", "tenant_id", friend.TenantID, "friend_id", friend.ID)
	}
	return cancelled, nil
}

func messageType(t string) string {
	if t == "" {
		return string(messaging.TypeText)
	}
	return t
}
