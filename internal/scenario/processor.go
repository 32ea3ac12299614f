package scenario

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/messaging"
	"github.com/wolfman30/autoreply/pkg/logging"
)

const retriesKey = "_retries"

// Transition names what Advance did with a reply.
type Transition string

const (
	TransitionAdvanced        Transition = "advanced"
	TransitionCompleted       Transition = "completed"
	TransitionReprompt        Transition = "reprompt"
	TransitionRetryExhausted  Transition = "retry_exhausted"
	TransitionTimeoutEnded    Transition = "timeout_ended"
	TransitionTimeoutReprompt Transition = "timeout_reprompt"
	TransitionExpired         Transition = "expired"
	TransitionStepMissing     Transition = "step_missing"
)

// Outcome is the result of advancing a conversation by one reply.
type Outcome struct {
	Response     *messaging.Message
	Actions      actions.List
	Conversation Conversation
	Transition   Transition
	// StepID is the step the reply was evaluated against.
	StepID string
}

// Processor is the conversation state machine. It has no I/O; callers load
// and persist state.
type Processor struct {
	logger *logging.Logger
}

func NewProcessor(logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{logger: logger}
}

// Advance applies one reply to an active conversation.
func (p *Processor) Advance(conv Conversation, sc *Scenario, replyText, replyType string, now time.Time) (Outcome, error) {
	if conv.Status != StatusActive {
		return Outcome{}, ErrConversationClosed
	}
	if sc == nil {
		return Outcome{}, ErrScenarioNotFound
	}
	next := conv.Clone()
	out := Outcome{Conversation: next, StepID: conv.CurrentStepID}

	if conv.ExpiresAt != nil && now.After(*conv.ExpiresAt) {
		out.Conversation.Status = StatusExpired
		out.Transition = TransitionExpired
		return out, nil
	}

	step, ok := sc.StepByID(conv.CurrentStepID)
	if !ok {
		p.logger.Warn("conversation points at a missing step",
			"conversation_id", conv.ID,
			"scenario_id", sc.ID,
			"step_id", conv.CurrentStepID,
		)
		out.Conversation.Status = StatusCancelled
		out.Transition = TransitionStepMissing
		return out, nil
	}

	if step.TimeoutMinutes > 0 && now.Sub(conv.LastInteractionAt) > time.Duration(step.TimeoutMinutes)*time.Minute {
		if step.TimeoutAction == TimeoutContinue {
			out.Conversation.LastInteractionAt = now
			msg := prompt(step)
			out.Response = &msg
			out.Transition = TransitionTimeoutReprompt
			return out, nil
		}
		out.Conversation.Status = StatusTimeout
		out.Response = copyMessage(sc.TimeoutMessage)
		out.Transition = TransitionTimeoutEnded
		return out, nil
	}

	answer, selected, valid := validate(step, replyText, replyType)
	if !valid {
		return p.invalidReply(out, step, now), nil
	}

	clearRetries(out.Conversation.Context, step.ID)
	out.Conversation.Context[step.ID] = answer
	out.Conversation.LastInteractionAt = now

	nextStep, hasNext, branchActions := route(sc, step, selected)
	out.Actions = branchActions
	if !hasNext {
		out.Conversation.Status = StatusCompleted
		out.Response = copyMessage(sc.ClosingMessage)
		out.Transition = TransitionCompleted
		return out, nil
	}

	out.Conversation.CurrentStepID = nextStep.ID
	if sc.ExpiresAfter > 0 {
		exp := now.Add(sc.ExpiresAfter)
		out.Conversation.ExpiresAt = &exp
	}
	msg := prompt(nextStep)
	out.Response = &msg
	out.Transition = TransitionAdvanced
	return out, nil
}

func (p *Processor) invalidReply(out Outcome, step Step, now time.Time) Outcome {
	retries := retryCount(out.Conversation.Context, step.ID)
	if step.MaxRetries > 0 && retries >= step.MaxRetries {
		out.Conversation.Status = StatusCancelled
		out.Transition = TransitionRetryExhausted
		return out
	}
	setRetries(out.Conversation.Context, step.ID, retries+1)
	out.Conversation.LastInteractionAt = now

	msg := prompt(step)
	if step.InvalidMessage != nil && !step.InvalidMessage.IsZero() {
		msg = withChoices(*step.InvalidMessage, step)
	}
	out.Response = &msg
	out.Transition = TransitionReprompt
	return out
}

// validate checks the reply against the step's answer rules. It returns the
// value to store and the normalised labels used for branch selection.
func validate(step Step, replyText, replyType string) (any, []string, bool) {
	if t := strings.TrimSpace(replyType); t != "" && !strings.EqualFold(t, "text") {
		return nil, nil, false
	}
	text := strings.TrimSpace(replyText)
	if text == "" {
		return nil, nil, false
	}
	switch step.Answer.Type {
	case AnswerSingleChoice:
		choice, ok := findChoice(step.Answer.Choices, text)
		if !ok {
			return nil, nil, false
		}
		return choice, []string{normalize(choice)}, true
	case AnswerMultipleChoice:
		parts := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == '\n' || r == '、'
		})
		var picked []string
		seen := map[string]struct{}{}
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			choice, ok := findChoice(step.Answer.Choices, part)
			if !ok {
				return nil, nil, false
			}
			if _, dup := seen[choice]; dup {
				continue
			}
			seen[choice] = struct{}{}
			picked = append(picked, choice)
		}
		if len(picked) == 0 {
			return nil, nil, false
		}
		labels := make([]string, len(picked))
		for i, c := range picked {
			labels[i] = normalize(c)
		}
		return picked, labels, true
	default:
		return text, []string{normalize(text)}, true
	}
}

// route picks the first branch whose condition equals one of the selected
// labels, falling back to the next step in order. hasNext is false when the
// scenario ends here.
func route(sc *Scenario, step Step, selected []string) (Step, bool, actions.List) {
	for _, b := range step.Branches {
		cond := normalize(b.Condition)
		for _, label := range selected {
			if cond != label {
				continue
			}
			if strings.TrimSpace(b.NextStepID) == "" {
				return Step{}, false, b.Actions
			}
			next, ok := sc.StepByID(b.NextStepID)
			return next, ok, b.Actions
		}
	}
	next, ok := sc.NextAfter(step.ID)
	return next, ok, nil
}

func findChoice(choices []string, reply string) (string, bool) {
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), reply) {
			return c, true
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// prompt is the step message with its choices offered as quick replies.
func prompt(step Step) messaging.Message {
	return withChoices(step.Message, step)
}

func withChoices(m messaging.Message, step Step) messaging.Message {
	if m.Kind() != messaging.TypeText || len(m.QuickReplies) > 0 || len(step.Answer.Choices) == 0 {
		return m
	}
	if step.Answer.Type != AnswerSingleChoice && step.Answer.Type != AnswerMultipleChoice {
		return m
	}
	m.QuickReplies = append([]string(nil), step.Answer.Choices...)
	return m
}

func copyMessage(m *messaging.Message) *messaging.Message {
	if m == nil || m.IsZero() {
		return nil
	}
	cp := *m
	return &cp
}

func retryCount(ctx map[string]any, stepID string) int {
	retries, _ := ctx[retriesKey].(map[string]any)
	switch n := retries[stepID].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var v int
		_, _ = fmt.Sscanf(n, "%d", &v)
		return v
	}
	return 0
}

func setRetries(ctx map[string]any, stepID string, n int) {
	retries, _ := ctx[retriesKey].(map[string]any)
	if retries == nil {
		retries = map[string]any{}
		ctx[retriesKey] = retries
	}
	retries[stepID] = n
}

func clearRetries(ctx map[string]any, stepID string) {
	retries, _ := ctx[retriesKey].(map[string]any)
	if retries == nil {
		return
	}
	delete(retries, stepID)
	if len(retries) == 0 {
		delete(ctx, retriesKey)
	}
}
