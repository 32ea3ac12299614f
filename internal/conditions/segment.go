package conditions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operator is a segment predicate comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// Logic joins the conditions of a segment.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// SegmentCondition is one field/operator/value triple.
type SegmentCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Segment is a saved, tenant-scoped predicate over friend attributes.
type Segment struct {
	ID         string             `json:"id"`
	TenantID   string             `json:"tenant_id"`
	Name       string             `json:"name"`
	Logic      Logic              `json:"logic"`
	Conditions []SegmentCondition `json:"conditions"`
}

// Subject is the view of a friend that segment predicates are evaluated against.
type Subject struct {
	ID             string
	PlatformUserID string
	DisplayName    string
	CreatedAt      time.Time
	TagIDs         []string
	Metadata       map[string]any
}

// MatchesSegments is true when the subject matches every required segment and
// none of the excluded ones. segments must hold every referenced id; a missing
// id is reported as an invalid condition.
func MatchesSegments(subject Subject, segments map[string]Segment, required, excluded []string) (bool, error) {
	for _, id := range required {
		seg, ok := segments[id]
		if !ok {
			return false, fmt.Errorf("%w: segment %s not found", ErrInvalidCondition, id)
		}
		matched, err := seg.Matches(subject)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	for _, id := range excluded {
		seg, ok := segments[id]
		if !ok {
			return false, fmt.Errorf("%w: segment %s not found", ErrInvalidCondition, id)
		}
		matched, err := seg.Matches(subject)
		if err != nil {
			return false, err
		}
		if matched {
			return false, nil
		}
	}
	return true, nil
}

// Matches evaluates the segment against the subject. A segment with no
// conditions matches everyone.
func (s Segment) Matches(subject Subject) (bool, error) {
	if len(s.Conditions) == 0 {
		return true, nil
	}
	logic := s.Logic
	if logic == "" {
		logic = LogicAnd
	}
	if logic != LogicAnd && logic != LogicOr {
		return false, fmt.Errorf("%w: segment %s has unknown logic %q", ErrInvalidCondition, s.ID, s.Logic)
	}
	for _, cond := range s.Conditions {
		ok, err := cond.Evaluate(subject)
		if err != nil {
			return false, fmt.Errorf("segment %s: %w", s.ID, err)
		}
		if logic == LogicOr && ok {
			return true, nil
		}
		if logic == LogicAnd && !ok {
			return false, nil
		}
	}
	return logic == LogicAnd, nil
}

// Evaluate applies one condition to the subject.
func (c SegmentCondition) Evaluate(subject Subject) (bool, error) {
	field := strings.TrimSpace(c.Field)
	if field == "tags" {
		return evaluateTags(c, subject.TagIDs)
	}
	value, present, err := resolveField(subject, field)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case OpExists:
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return present == want, nil
	case OpEq:
		return present && equalValues(value, c.Value), nil
	case OpNe:
		return !present || !equalValues(value, c.Value), nil
	case OpGt, OpLt, OpGte, OpLte:
		if !present {
			return false, nil
		}
		cmp, err := compareValues(value, c.Value)
		if err != nil {
			return false, err
		}
		switch c.Operator {
		case OpGt:
			return cmp > 0, nil
		case OpLt:
			return cmp < 0, nil
		case OpGte:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		list, ok := asList(c.Value)
		if !ok {
			return false, fmt.Errorf("%w: operator in needs a list value", ErrInvalidCondition)
		}
		if !present {
			return false, nil
		}
		for _, candidate := range list {
			if equalValues(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if !present {
			return false, nil
		}
		if list, ok := asList(value); ok {
			for _, item := range list {
				if equalValues(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(strings.ToLower(stringify(value)), strings.ToLower(stringify(c.Value))), nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
	}
}

func evaluateTags(c SegmentCondition, tags []string) (bool, error) {
	has := func(id string) bool {
		for _, t := range tags {
			if t == id {
				return true
			}
		}
		return false
	}
	switch c.Operator {
	case OpExists:
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return (len(tags) > 0) == want, nil
	case OpEq, OpContains:
		return has(stringify(c.Value)), nil
	case OpNe:
		return !has(stringify(c.Value)), nil
	case OpIn:
		list, ok := asList(c.Value)
		if !ok {
			return false, fmt.Errorf("%w: operator in needs a list value", ErrInvalidCondition)
		}
		for _, candidate := range list {
			if has(stringify(candidate)) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: operator %q not supported on tags", ErrInvalidCondition, c.Operator)
	}
}

func resolveField(subject Subject, field string) (any, bool, error) {
	switch field {
	case "id":
		return subject.ID, subject.ID != "", nil
	case "platform_user_id":
		return subject.PlatformUserID, subject.PlatformUserID != "", nil
	case "display_name":
		return subject.DisplayName, subject.DisplayName != "", nil
	case "created_at":
		return subject.CreatedAt, !subject.CreatedAt.IsZero(), nil
	}
	if key, ok := strings.CutPrefix(field, "metadata."); ok && key != "" {
		v, present := subject.Metadata[key]
		return v, present && v != nil, nil
	}
	return nil, false, fmt.Errorf("%w: unknown field %q", ErrInvalidCondition, field)
}

func equalValues(a, b any) bool {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := asTime(b); ok {
			return at.Equal(bt)
		}
	}
	return stringify(a) == stringify(b)
}

func compareValues(a, b any) (int, error) {
	if af, ok := asNumber(a); ok {
		bf, ok := asNumber(b)
		if !ok {
			return 0, fmt.Errorf("%w: cannot compare number with %v", ErrInvalidCondition, b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := asTime(b)
		if !ok {
			return 0, fmt.Errorf("%w: cannot compare time with %v", ErrInvalidCondition, b)
		}
		return at.Compare(bt), nil
	}
	return strings.Compare(stringify(a), stringify(b)), nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}
