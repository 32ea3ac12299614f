package rules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository keeps rules in process memory.
type InMemoryRepository struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{rules: make(map[string]*Rule)}
}

// Put inserts or replaces a rule.
func (r *InMemoryRepository) Put(rule Rule) {
	r.mu.Lock()
	cp := rule
	r.rules[rule.ID] = &cp
	r.mu.Unlock()
}

// Get returns a copy of the stored rule.
func (r *InMemoryRepository) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *rule, true
}

func (r *InMemoryRepository) ListActiveKeywordRules(_ context.Context, tenantID string) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Rule
	for _, rule := range r.rules {
		if rule.TenantID != tenantID || !rule.Active {
			continue
		}
		if rule.TriggerType != "" && rule.TriggerType != TriggerKeyword {
			continue
		}
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *InMemoryRepository) IncrementTriggerCount(_ context.Context, ruleID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[ruleID]
	if !ok {
		return ErrRuleNotFound
	}
	rule.TriggerCount++
	if rule.LastTriggeredAt == nil || at.After(*rule.LastTriggeredAt) {
		t := at
		rule.LastTriggeredAt = &t
	}
	return nil
}
