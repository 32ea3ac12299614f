// Package friends stores chat contacts, their tags and custom fields.
package friends

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/autoreply/internal/apperr"
	"github.com/wolfman30/autoreply/internal/conditions"
)

var (
	// ErrFriendNotFound is returned when a friend does not exist for the tenant.
	ErrFriendNotFound = fmt.Errorf("friends: friend %w", apperr.ErrNotFound)

	// ErrTagNotFound is returned when a tag does not belong to the tenant.
	ErrTagNotFound = fmt.Errorf("friends: tag %w", apperr.ErrNotFound)
)

// Friend is a chat-platform contact owned by a tenant.
type Friend struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	PlatformUserID string         `json:"platform_user_id"`
	DisplayName    string         `json:"display_name"`
	TagIDs         []string       `json:"tag_ids"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HasTag reports whether the friend carries tagID.
func (f *Friend) HasTag(tagID string) bool {
	for _, t := range f.TagIDs {
		if t == tagID {
			return true
		}
	}
	return false
}

// Subject returns the view used by segment predicates.
func (f *Friend) Subject() conditions.Subject {
	return conditions.Subject{
		ID:             f.ID,
		PlatformUserID: f.PlatformUserID,
		DisplayName:    f.DisplayName,
		CreatedAt:      f.CreatedAt,
		TagIDs:         f.TagIDs,
		Metadata:       f.Metadata,
	}
}

func (f *Friend) clone() *Friend {
	cp := *f
	cp.TagIDs = append([]string(nil), f.TagIDs...)
	cp.Metadata = make(map[string]any, len(f.Metadata))
	for k, v := range f.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// TemplateVars returns the placeholder values for rendering replies to this
// friend. answers are the scenario answers collected so far, keyed by step id.
func (f *Friend) TemplateVars(answers map[string]any) map[string]string {
	vars := map[string]string{
		"friend.display_name":     f.DisplayName,
		"friend.platform_user_id": f.PlatformUserID,
	}
	for k, v := range f.Metadata {
		vars["field."+k] = fmt.Sprint(v)
	}
	for k, v := range answers {
		switch a := v.(type) {
		case []string:
			vars["answer."+k] = strings.Join(a, ", ")
		case []any:
			parts := make([]string, len(a))
			for i, p := range a {
				parts[i] = fmt.Sprint(p)
			}
			vars["answer."+k] = strings.Join(parts, ", ")
		default:
			vars["answer."+k] = fmt.Sprint(v)
		}
	}
	return vars
}
