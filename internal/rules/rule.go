// Package rules matches inbound text against keyword-triggered auto-response
// rules.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/apperr"
	"github.com/wolfman30/autoreply/internal/conditions"
	"github.com/wolfman30/autoreply/internal/messaging"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = fmt.Errorf("rules: rule %w", apperr.ErrNotFound)

// MatchType selects how a rule keyword is compared with the message.
type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchPartial MatchType = "partial"
	MatchRegex   MatchType = "regex"
)

// TriggerKeyword is the only trigger type the matcher evaluates.
const TriggerKeyword = "keyword"

// Rule is a tenant-scoped, condition-gated keyword auto-response.
type Rule struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	Name               string             `json:"name"`
	TriggerType        string             `json:"trigger_type"`
	Keyword            string             `json:"keyword"`
	MatchType          MatchType          `json:"match_type"`
	Priority           int                `json:"priority"`
	Active             bool               `json:"active"`
	ActiveHours        *conditions.Window `json:"active_hours,omitempty"`
	ActiveDays         []time.Weekday     `json:"active_days,omitempty"`
	Timezone           string             `json:"timezone,omitempty"`
	RequiredTagIDs     []string           `json:"required_tag_ids,omitempty"`
	ExcludedTagIDs     []string           `json:"excluded_tag_ids,omitempty"`
	RequiredSegmentIDs []string           `json:"required_segment_ids,omitempty"`
	ExcludedSegmentIDs []string           `json:"excluded_segment_ids,omitempty"`
	Response           messaging.Message  `json:"response"`
	Actions            actions.List       `json:"actions,omitempty"`
	TriggerCount       int64              `json:"trigger_count"`
	LastTriggeredAt    *time.Time         `json:"last_triggered_at,omitempty"`
}

func (r Rule) hasSegments() bool {
	return len(r.RequiredSegmentIDs) > 0 || len(r.ExcludedSegmentIDs) > 0
}

// Repository loads rules and records triggers.
type Repository interface {
	// ListActiveKeywordRules returns the tenant's active keyword rules ordered by
	// priority descending, then id.
	ListActiveKeywordRules(ctx context.Context, tenantID string) ([]Rule, error)

	// IncrementTriggerCount atomically bumps the counter and moves
	// last_triggered_at forward, never backwards.
	IncrementTriggerCount(ctx context.Context, ruleID string, at time.Time) error
}
