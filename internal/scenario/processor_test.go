package scenario

import (
	"testing"
	"time"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/messaging"
)

var t0 = time.Date(2026, time.June, 1, 10, 0, 0, 0, time.UTC)

func branchingScenario() *Scenario {
	return &Scenario{
		ID:             "sc-1",
		TenantID:       "tenant-1",
		Active:         true,
		ClosingMessage: &messaging.Message{Type: messaging.TypeText, Text: "Thanks, all done"},
		TimeoutMessage: &messaging.Message{Type: messaging.TypeText, Text: "Session timed out"},
		Steps: []Step{
			{
				ID:       "step1",
				Position: 1,
				Message:  messaging.Text("Interested?"),
				Answer:   Answer{Type: AnswerFreeText},
				Branches: []Branch{
					{Condition: "yes", NextStepID: "step3", Actions: actions.List{actions.AddTag{TagID: "yes"}}},
					{Condition: "no", NextStepID: "step4"},
				},
				TimeoutMinutes: 5,
				TimeoutAction:  TimeoutEnd,
			},
			{ID: "step2", Position: 2, Message: messaging.Text("Tell us more"), Answer: Answer{Type: AnswerFreeText}},
			{ID: "step3", Position: 3, Message: messaging.Text("Great"), Answer: Answer{Type: AnswerFreeText}},
			{ID: "step4", Position: 4, Message: messaging.Text("Sorry to hear"), Answer: Answer{Type: AnswerFreeText}},
		},
	}
}

func activeAt(stepID string, last time.Time) Conversation {
	return Conversation{
		ID:                "conv-1",
		TenantID:          "tenant-1",
		FriendID:          "friend-1",
		ScenarioID:        "sc-1",
		CurrentStepID:     stepID,
		Context:           map[string]any{},
		Status:            StatusActive,
		StartedAt:         last,
		LastInteractionAt: last,
		Version:           1,
	}
}

func TestAdvanceBranchSelection(t *testing.T) {
	p := NewProcessor(nil)
	sc := branchingScenario()
	tests := []struct {
		reply    string
		wantStep string
		wantText string
		actions  int
	}{
		{"no", "step4", "Sorry to hear", 0},
		{"  NO ", "step4", "Sorry to hear", 0},
		{"yes", "step3", "Great", 1},
		{"maybe", "step2", "Tell us more", 0},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			out, err := p.Advance(activeAt("step1", t0), sc, tt.reply, "text", t0.Add(time.Minute))
			if err != nil {
				t.Fatalf("advance: %v", err)
			}
			if out.Conversation.CurrentStepID != tt.wantStep || out.Conversation.Status != StatusActive {
				t.Fatalf("expected %s active, got %s %s", tt.wantStep, out.Conversation.CurrentStepID, out.Conversation.Status)
			}
			if out.Response == nil || out.Response.Text != tt.wantText {
				t.Fatalf("unexpected response %+v", out.Response)
			}
			if len(out.Actions) != tt.actions {
				t.Fatalf("expected %d branch actions, got %d", tt.actions, len(out.Actions))
			}
			if out.Conversation.Context["step1"] != trimmed(tt.reply) {
				t.Fatalf("answer not recorded: %v", out.Conversation.Context)
			}
			if !out.Conversation.LastInteractionAt.Equal(t0.Add(time.Minute)) {
				t.Fatal("last interaction not refreshed")
			}
		})
	}
}

func trimmed(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	conv := activeAt("step1", t0)
	_, _ = NewProcessor(nil).Advance(conv, branchingScenario(), "yes", "text", t0)
	if len(conv.Context) != 0 || conv.CurrentStepID != "step1" {
		t.Fatalf("input conversation mutated: %+v", conv)
	}
}

func TestAdvanceTimeoutEnd(t *testing.T) {
	out, err := NewProcessor(nil).Advance(activeAt("step1", t0), branchingScenario(), "yes", "text", t0.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Conversation.Status != StatusTimeout || out.Transition != TransitionTimeoutEnded {
		t.Fatalf("expected timeout, got %s/%s", out.Conversation.Status, out.Transition)
	}
	if out.Conversation.CurrentStepID != "step1" {
		t.Fatalf("step pointer moved to %s", out.Conversation.CurrentStepID)
	}
	if out.Response == nil || out.Response.Text != "Session timed out" {
		t.Fatalf("expected timeout notice, got %+v", out.Response)
	}
	if _, recorded := out.Conversation.Context["step1"]; recorded {
		t.Fatal("timed out reply must not be recorded")
	}
}

func TestAdvanceWithinTimeoutAdvances(t *testing.T) {
	out, _ := NewProcessor(nil).Advance(activeAt("step1", t0), branchingScenario(), "yes", "text", t0.Add(5*time.Minute))
	if out.Conversation.Status != StatusActive || out.Conversation.CurrentStepID != "step3" {
		t.Fatalf("expected advance at the boundary, got %+v", out.Conversation)
	}
}

func TestAdvanceTimeoutContinueReprompts(t *testing.T) {
	sc := branchingScenario()
	sc.Steps[0].TimeoutAction = TimeoutContinue
	now := t0.Add(10 * time.Minute)
	out, _ := NewProcessor(nil).Advance(activeAt("step1", t0), sc, "yes", "text", now)
	if out.Transition != TransitionTimeoutReprompt || out.Conversation.Status != StatusActive {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Conversation.CurrentStepID != "step1" || out.Response.Text != "Interested?" {
		t.Fatalf("expected the current prompt again, got %s %+v", out.Conversation.CurrentStepID, out.Response)
	}
	if !out.Conversation.LastInteractionAt.Equal(now) {
		t.Fatal("expected last interaction refreshed")
	}
	if _, consumed := out.Conversation.Context["step1"]; consumed {
		t.Fatal("reply must not be consumed")
	}
}

func choiceScenario() *Scenario {
	retry := messaging.Text("Please pick one of the options")
	return &Scenario{
		ID:     "sc-2",
		Active: true,
		Steps: []Step{
			{
				ID:             "colour",
				Position:       1,
				Message:        messaging.Text("Pick a colour"),
				Answer:         Answer{Type: AnswerSingleChoice, Choices: []string{"Red", "Blue"}},
				MaxRetries:     2,
				InvalidMessage: &retry,
				Branches:       []Branch{{Condition: "blue", NextStepID: ""}},
			},
			{
				ID:       "toppings",
				Position: 2,
				Message:  messaging.Text("Toppings?"),
				Answer:   Answer{Type: AnswerMultipleChoice, Choices: []string{"Cheese", "Ham", "Olive"}},
			},
		},
	}
}

func TestAdvanceSingleChoice(t *testing.T) {
	p := NewProcessor(nil)
	sc := choiceScenario()

	out, _ := p.Advance(activeAt("colour", t0), sc, "red", "text", t0)
	if out.Conversation.CurrentStepID != "toppings" || out.Conversation.Context["colour"] != "Red" {
		t.Fatalf("expected canonical choice stored and linear advance, got %+v", out.Conversation)
	}
	if len(out.Response.QuickReplies) != 3 {
		t.Fatalf("expected choices offered as quick replies, got %+v", out.Response)
	}

	out, _ = p.Advance(activeAt("colour", t0), sc, "BLUE", "text", t0)
	if out.Conversation.Status != StatusCompleted || out.Transition != TransitionCompleted {
		t.Fatalf("expected branch without next step to complete, got %+v", out)
	}
	if out.Response != nil {
		t.Fatalf("scenario without closing message should respond with nothing, got %+v", out.Response)
	}
}

func TestAdvanceInvalidChoiceRepromptsThenCancels(t *testing.T) {
	p := NewProcessor(nil)
	sc := choiceScenario()
	conv := activeAt("colour", t0)

	for i := 0; i < 2; i++ {
		out, err := p.Advance(conv, sc, "green", "text", t0)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if out.Transition != TransitionReprompt || out.Conversation.CurrentStepID != "colour" {
			t.Fatalf("attempt %d: expected reprompt, got %+v", i, out)
		}
		if out.Response.Text != "Please pick one of the options" || len(out.Response.QuickReplies) != 2 {
			t.Fatalf("unexpected reprompt %+v", out.Response)
		}
		conv = out.Conversation
	}

	out, _ := p.Advance(conv, sc, "green", "text", t0)
	if out.Conversation.Status != StatusCancelled || out.Transition != TransitionRetryExhausted {
		t.Fatalf("expected retry cap to cancel, got %+v", out)
	}
}

func TestAdvanceValidReplyClearsRetries(t *testing.T) {
	p := NewProcessor(nil)
	sc := choiceScenario()
	out, _ := p.Advance(activeAt("colour", t0), sc, "green", "text", t0)
	out, _ = p.Advance(out.Conversation, sc, "red", "text", t0)
	if _, ok := out.Conversation.Context[retriesKey]; ok {
		t.Fatalf("expected retry counters cleared, got %v", out.Conversation.Context)
	}
}

func TestAdvanceMultipleChoice(t *testing.T) {
	p := NewProcessor(nil)
	sc := choiceScenario()

	out, _ := p.Advance(activeAt("toppings", t0), sc, "cheese, olive\nCheese", "text", t0)
	picked, ok := out.Conversation.Context["toppings"].([]string)
	if !ok || len(picked) != 2 || picked[0] != "Cheese" || picked[1] != "Olive" {
		t.Fatalf("unexpected multiple choice answer %#v", out.Conversation.Context["toppings"])
	}
	if out.Conversation.Status != StatusCompleted {
		t.Fatalf("expected last step to complete, got %s", out.Conversation.Status)
	}

	out, _ = p.Advance(activeAt("toppings", t0), sc, "cheese, pineapple", "text", t0)
	if out.Transition != TransitionReprompt {
		t.Fatalf("expected a subset with an unknown choice to be rejected, got %s", out.Transition)
	}
}

func TestAdvanceRejectsNonTextAndEmptyReplies(t *testing.T) {
	p := NewProcessor(nil)
	for _, tc := range []struct{ text, typ string }{{"", "text"}, {"   ", "text"}, {"hello", "sticker"}} {
		out, _ := p.Advance(activeAt("step2", t0), branchingScenario(), tc.text, tc.typ, t0)
		if out.Transition != TransitionReprompt {
			t.Fatalf("%q/%s: expected reprompt, got %s", tc.text, tc.typ, out.Transition)
		}
	}
}

func TestAdvanceCompletesWithClosingMessage(t *testing.T) {
	out, _ := NewProcessor(nil).Advance(activeAt("step4", t0), branchingScenario(), "ok", "text", t0)
	if out.Conversation.Status != StatusCompleted || out.Response == nil || out.Response.Text != "Thanks, all done" {
		t.Fatalf("expected completion with closing message, got %+v", out)
	}
}

func TestAdvanceDanglingBranchCompletes(t *testing.T) {
	sc := branchingScenario()
	sc.Steps[0].Branches[0].NextStepID = "deleted-step"
	out, _ := NewProcessor(nil).Advance(activeAt("step1", t0), sc, "yes", "text", t0)
	if out.Conversation.Status != StatusCompleted || len(out.Actions) != 1 {
		t.Fatalf("expected completion with branch actions, got %+v", out)
	}
}

func TestAdvanceMissingCurrentStepCancels(t *testing.T) {
	out, err := NewProcessor(nil).Advance(activeAt("ghost", t0), branchingScenario(), "hi", "text", t0)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Conversation.Status != StatusCancelled || out.Response != nil {
		t.Fatalf("expected silent cancel, got %+v", out)
	}
}

func TestAdvanceExpired(t *testing.T) {
	conv := activeAt("step1", t0)
	exp := t0.Add(time.Minute)
	conv.ExpiresAt = &exp
	out, _ := NewProcessor(nil).Advance(conv, branchingScenario(), "yes", "text", t0.Add(2*time.Minute))
	if out.Conversation.Status != StatusExpired || out.Response != nil {
		t.Fatalf("expected expiry, got %+v", out)
	}
}

func TestAdvanceRefreshesExpiry(t *testing.T) {
	sc := branchingScenario()
	sc.ExpiresAfter = time.Hour
	now := t0.Add(time.Minute)
	out, _ := NewProcessor(nil).Advance(activeAt("step1", t0), sc, "maybe", "text", now)
	if out.Conversation.ExpiresAt == nil || !out.Conversation.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected expiry refreshed, got %v", out.Conversation.ExpiresAt)
	}
}

func TestAdvanceRejectsClosedConversation(t *testing.T) {
	conv := activeAt("step1", t0)
	conv.Status = StatusCompleted
	if _, err := NewProcessor(nil).Advance(conv, branchingScenario(), "yes", "text", t0); err != ErrConversationClosed {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
}

func TestOrderedStepsStable(t *testing.T) {
	sc := &Scenario{Steps: []Step{{ID: "c", Position: 2}, {ID: "b", Position: 1}, {ID: "a", Position: 1}}}
	steps := sc.OrderedSteps()
	if steps[0].ID != "a" || steps[1].ID != "b" || steps[2].ID != "c" {
		t.Fatalf("unexpected order %v", steps)
	}
	if next, ok := sc.NextAfter("b"); !ok || next.ID != "c" {
		t.Fatalf("unexpected next %v", next)
	}
	if _, ok := sc.NextAfter("c"); ok {
		t.Fatal("expected no step after the last")
	}
}
