package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/conditions"
	"github.com/wolfman30/autoreply/internal/friends"
	"github.com/wolfman30/autoreply/internal/messaging"
	"github.com/wolfman30/autoreply/internal/observability/metrics"
	"github.com/wolfman30/autoreply/pkg/logging"
)

var tracer = otel.Tracer("autoreply.internal.rules")

// Input is one inbound message offered to the matcher.
type Input struct {
	TenantID    string
	Friend      *friends.Friend
	Text        string
	MessageType string
	Now         time.Time
}

// Match is the winning rule for a message.
type Match struct {
	RuleID   string
	RuleName string
	Keyword  string
	Response messaging.Message
	Actions  actions.List
}

// Matcher picks the highest priority rule whose keyword and conditions pass.
type Matcher struct {
	repo     Repository
	segments friends.SegmentRepository
	patterns *PatternCache
	location *time.Location
	metrics  *metrics.DispatchMetrics
	logger   *logging.Logger
}

type MatcherOption func(*Matcher)

func WithSegments(repo friends.SegmentRepository) MatcherOption {
	return func(m *Matcher) { m.segments = repo }
}

func WithPatternCache(c *PatternCache) MatcherOption {
	return func(m *Matcher) { m.patterns = c }
}

// WithLocation sets the zone used for rules without their own timezone.
func WithLocation(loc *time.Location) MatcherOption {
	return func(m *Matcher) {
		if loc != nil {
			m.location = loc
		}
	}
}

func WithMetrics(dm *metrics.DispatchMetrics) MatcherOption {
	return func(m *Matcher) { m.metrics = dm }
}

func NewMatcher(repo Repository, logger *logging.Logger, opts ...MatcherOption) *Matcher {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Matcher{
		repo:     repo,
		patterns: NewPatternCache(0),
		location: time.UTC,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match returns the winning rule or nil. The error is only set when the
// candidate rules cannot be loaded; a failing candidate is logged and skipped.
func (m *Matcher) Match(ctx context.Context, in Input) (*Match, error) {
	if !isText(in.MessageType) || strings.TrimSpace(in.Text) == "" {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "rules.match")
	defer span.End()
	span.SetAttributes(attribute.String("autoreply.tenant_id", in.TenantID))

	candidates, err := m.repo.ListActiveKeywordRules(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("rules: load candidates: %w", err)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	for _, rule := range candidates {
		ok, err := m.evaluate(ctx, rule, in, now)
		if err != nil {
			reason := "error"
			if conditions.IsInvalid(err) {
				reason = "invalid_condition"
			}
			m.metrics.ObserveRuleSkipped(reason)
			m.logger.Warn("skipping rule after evaluation error",
				"tenant_id", in.TenantID,
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		span.SetAttributes(attribute.String("autoreply.rule_id", rule.ID))
		var vars map[string]string
		if in.Friend != nil {
			vars = in.Friend.TemplateVars(nil)
		}
		return &Match{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Keyword:  rule.Keyword,
			Response: messaging.RenderMessage(rule.Response, vars),
			Actions:  rule.Actions,
		}, nil
	}
	return nil, nil
}

func (m *Matcher) evaluate(ctx context.Context, rule Rule, in Input, now time.Time) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("rules: panic evaluating rule %s: %v", rule.ID, r)
		}
	}()

	ok, err := m.keywordMatches(rule, in.Text)
	if err != nil || !ok {
		return false, err
	}

	local := now.In(m.ruleLocation(rule))
	if !conditions.IsWithinActiveDays(rule.ActiveDays, local) {
		return false, nil
	}
	ok, err = conditions.IsWithinActiveHours(rule.ActiveHours, local)
	if err != nil || !ok {
		return false, err
	}

	var tagIDs []string
	if in.Friend != nil {
		tagIDs = in.Friend.TagIDs
	}
	if !conditions.HasRequiredAndLacksExcludedTags(tagIDs, rule.RequiredTagIDs, rule.ExcludedTagIDs) {
		return false, nil
	}

	if !rule.hasSegments() {
		return true, nil
	}
	if m.segments == nil {
		return false, fmt.Errorf("%w: rule %s uses segments but no segment store is configured", conditions.ErrInvalidCondition, rule.ID)
	}
	if in.Friend == nil {
		return false, errors.New("rules: segment conditions need a friend")
	}
	ids := append(append([]string(nil), rule.RequiredSegmentIDs...), rule.ExcludedSegmentIDs...)
	segs, err := m.segments.GetSegments(ctx, rule.TenantID, ids)
	if err != nil {
		return false, err
	}
	return conditions.MatchesSegments(in.Friend.Subject(), segs, rule.RequiredSegmentIDs, rule.ExcludedSegmentIDs)
}

func (m *Matcher) keywordMatches(rule Rule, text string) (bool, error) {
	keyword := strings.TrimSpace(rule.Keyword)
	if keyword == "" {
		return false, nil
	}
	switch rule.MatchType {
	case MatchExact, "":
		return strings.EqualFold(strings.TrimSpace(text), keyword), nil
	case MatchPartial:
		return strings.Contains(strings.ToLower(text), strings.ToLower(keyword)), nil
	case MatchRegex:
		re, err := m.patterns.Compile(rule.Keyword)
		if err != nil {
			return false, err
		}
		return re.MatchString(text), nil
	default:
		return false, fmt.Errorf("%w: unknown match type %q", conditions.ErrInvalidCondition, rule.MatchType)
	}
}

func (m *Matcher) ruleLocation(rule Rule) *time.Location {
	tz := strings.TrimSpace(rule.Timezone)
	if tz == "" {
		return m.location
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		m.logger.Warn("invalid rule timezone, using default", "rule_id", rule.ID, "timezone", tz)
		return m.location
	}
	return loc
}

func isText(messageType string) bool {
	t := strings.TrimSpace(messageType)
	return t == "" || strings.EqualFold(t, "text")
}
