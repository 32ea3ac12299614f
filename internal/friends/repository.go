package friends

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/autoreply/internal/conditions"
)

// Repository is the friend store used by the engine. An empty tenantID on
// GetByID looks the friend up by id alone.
type Repository interface {
	GetByID(ctx context.Context, tenantID, id string) (*Friend, error)
	AddTag(ctx context.Context, tenantID, friendID, tagID string) (bool, error)
	RemoveTag(ctx context.Context, tenantID, friendID, tagID string) (bool, error)
	ListTagIDs(ctx context.Context, tenantID, friendID string) ([]string, error)
	MergeMetadata(ctx context.Context, tenantID, friendID string, fields map[string]any) error
}

// SegmentRepository loads saved segment predicates.
type SegmentRepository interface {
	GetSegments(ctx context.Context, tenantID string, ids []string) (map[string]conditions.Segment, error)
}

// InMemoryRepository keeps friends in process memory.
type InMemoryRepository struct {
	mu      sync.RWMutex
	friends map[string]*Friend
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{friends: make(map[string]*Friend)}
}

// Put inserts or replaces a friend, assigning an id and creation time when absent.
func (r *InMemoryRepository) Put(f Friend) *Friend {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	stored := f.clone()
	r.mu.Lock()
	r.friends[stored.ID] = stored
	r.mu.Unlock()
	return stored.clone()
}

func (r *InMemoryRepository) lookup(tenantID, id string) (*Friend, error) {
	f, ok := r.friends[id]
	if !ok || (tenantID != "" && f.TenantID != tenantID) {
		return nil, ErrFriendNotFound
	}
	return f, nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, tenantID, id string) (*Friend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, err := r.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}
	return f.clone(), nil
}

func (r *InMemoryRepository) AddTag(_ context.Context, tenantID, friendID, tagID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.lookup(tenantID, friendID)
	if err != nil {
		return false, err
	}
	if f.HasTag(tagID) {
		return false, nil
	}
	f.TagIDs = append(f.TagIDs, tagID)
	sort.Strings(f.TagIDs)
	return true, nil
}

func (r *InMemoryRepository) RemoveTag(_ context.Context, tenantID, friendID, tagID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.lookup(tenantID, friendID)
	if err != nil {
		return false, err
	}
	for i, t := range f.TagIDs {
		if t == tagID {
			f.TagIDs = append(f.TagIDs[:i], f.TagIDs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *InMemoryRepository) ListTagIDs(_ context.Context, tenantID, friendID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, err := r.lookup(tenantID, friendID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), f.TagIDs...), nil
}

func (r *InMemoryRepository) MergeMetadata(_ context.Context, tenantID, friendID string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.lookup(tenantID, friendID)
	if err != nil {
		return err
	}
	if f.Metadata == nil {
		f.Metadata = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		f.Metadata[strings.TrimSpace(k)] = v
	}
	return nil
}

// InMemorySegmentRepository keeps segments in process memory.
type InMemorySegmentRepository struct {
	mu       sync.RWMutex
	segments map[string]conditions.Segment
}

func NewInMemorySegmentRepository() *InMemorySegmentRepository {
	return &InMemorySegmentRepository{segments: make(map[string]conditions.Segment)}
}

func (r *InMemorySegmentRepository) Put(s conditions.Segment) {
	r.mu.Lock()
	r.segments[s.ID] = s
	r.mu.Unlock()
}

// GetSegments returns the tenant's segments among ids. Unknown ids are left
// out of the map.
func (r *InMemorySegmentRepository) GetSegments(_ context.Context, tenantID string, ids []string) (map[string]conditions.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]conditions.Segment, len(ids))
	for _, id := range ids {
		if s, ok := r.segments[id]; ok && s.TenantID == tenantID {
			out[id] = s
		}
	}
	return out, nil
}
