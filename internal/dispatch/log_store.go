package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/messaging"
)

// LogEntry is the append-only audit record written once per dispatch.
type LogEntry struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	FriendID       string             `json:"friend_id"`
	MessageID      string             `json:"message_id,omitempty"`
	TriggerText    string             `json:"trigger_text"`
	MessageType    string             `json:"message_type"`
	RuleID         string             `json:"rule_id,omitempty"`
	MatchedKeyword string             `json:"matched_keyword,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	StepID         string             `json:"step_id,omitempty"`
	Responded      bool               `json:"responded"`
	Response       *messaging.Message `json:"response,omitempty"`
	Actions        actions.List       `json:"actions,omitempty"`
	ActionResults  []actions.Result   `json:"action_results,omitempty"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// LogStore persists dispatch audit records.
type LogStore interface {
	Append(ctx context.Context, entry LogEntry) error
}

// SQLLogStore writes audit rows to auto_response_logs.
type SQLLogStore struct {
	db *sql.DB
}

func NewSQLLogStore(db *sql.DB) *SQLLogStore {
	return &SQLLogStore{db: db}
}

var _ LogStore = (*SQLLogStore)(nil)

func (s *SQLLogStore) Append(ctx context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var response []byte
	if entry.Response != nil {
		raw, err := json.Marshal(entry.Response)
		if err != nil {
			return fmt.Errorf("dispatch: encode log response: %w", err)
		}
		response = raw
	}
	acts, err := json.Marshal(entry.Actions)
	if err != nil {
		return fmt.Errorf("dispatch: encode log actions: %w", err)
	}
	results, err := json.Marshal(entry.ActionResults)
	if err != nil {
		return fmt.Errorf("dispatch: encode log action results: %w", err)
	}
	actionTypes := make([]string, 0, len(entry.Actions))
	for _, a := range entry.Actions {
		if a != nil {
			actionTypes = append(actionTypes, string(a.Type()))
		}
	}

	query := `
		INSERT INTO auto_response_logs (
			id, tenant_id, friend_id, message_id, trigger_text, message_type,
			rule_id, matched_keyword, conversation_id, step_id, responded,
			response, actions, action_types, action_results, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		nullString(entry.TenantID),
		entry.FriendID,
		nullString(entry.MessageID),
		entry.TriggerText,
		entry.MessageType,
		nullString(entry.RuleID),
		nullString(entry.MatchedKeyword),
		nullString(entry.ConversationID),
		nullString(entry.StepID),
		entry.Responded,
		response,
		acts,
		pq.Array(actionTypes),
		results,
		nullString(entry.Error),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispatch: failed to write auto response log: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// MemoryLogStore keeps audit rows in memory.
type MemoryLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

var _ LogStore = (*MemoryLogStore)(nil)

func (s *MemoryLogStore) Append(_ context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

// Entries returns a copy of every row written so far.
func (s *MemoryLogStore) Entries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ForFriend returns the rows written for one friend, oldest first.
func (s *MemoryLogStore) ForFriend(friendID string) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, e := range s.entries {
		if e.FriendID == friendID {
			out = append(out, e)
		}
	}
	return out
}
