// Package campaigns enrolls friends in step campaigns (scheduled message
// sequences delivered by the surrounding application).
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/autoreply/internal/actions"
	"github.com/wolfman30/autoreply/internal/apperr"
)

var (
	ErrCampaignNotFound = fmt.Errorf("campaigns: campaign %w", apperr.ErrNotFound)
	ErrCampaignInactive = errors.New("campaigns: campaign is inactive")
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

type Campaign struct {
	ID       string
	TenantID string
	Name     string
	Active   bool
}

type Enrollment struct {
	ID          string
	CampaignID  string
	FriendID    string
	TenantID    string
	CurrentStep int
	Status      EnrollmentStatus
	EnrolledAt  time.Time
}

// Repository enrolls friends. Enroll returns false when the friend already has
// an active enrollment in the campaign.
type Repository interface {
	Enroll(ctx context.Context, tenantID, friendID, campaignID string) (bool, error)
}

var (
	_ actions.CampaignEnroller = (Repository)(nil)
	_ Repository               = (*InMemoryRepository)(nil)
	_ Repository               = (*PostgresRepository)(nil)
)

// InMemoryRepository keeps campaigns and enrollments in process memory.
type InMemoryRepository struct {
	mu          sync.Mutex
	campaigns   map[string]Campaign
	enrollments []Enrollment
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{campaigns: make(map[string]Campaign)}
}

func (r *InMemoryRepository) PutCampaign(c Campaign) {
	r.mu.Lock()
	r.campaigns[c.ID] = c
	r.mu.Unlock()
}

// Enrollments returns a copy of the friend's enrollments.
func (r *InMemoryRepository) Enrollments(friendID string) []Enrollment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Enrollment
	for _, e := range r.enrollments {
		if e.FriendID == friendID {
			out = append(out, e)
		}
	}
	return out
}

func (r *InMemoryRepository) Enroll(_ context.Context, tenantID, friendID, campaignID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok || c.TenantID != tenantID {
		return false, ErrCampaignNotFound
	}
	if !c.Active {
		return false, ErrCampaignInactive
	}
	for _, e := range r.enrollments {
		if e.CampaignID == campaignID && e.FriendID == friendID && e.Status == EnrollmentActive {
			return false, nil
		}
	}
	r.enrollments = append(r.enrollments, Enrollment{
		ID:          uuid.New().String(),
		CampaignID:  campaignID,
		FriendID:    friendID,
		TenantID:    tenantID,
		CurrentStep: 0,
		Status:      EnrollmentActive,
		EnrolledAt:  time.Now().UTC(),
	})
	return true, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository writes step_campaign_enrollments. A partial unique
// index on (campaign_id, friend_id) WHERE status = 'active' makes Enroll
// idempotent.
type PostgresRepository struct {
	db querier
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("campaigns: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

func (r *PostgresRepository) Enroll(ctx context.Context, tenantID, friendID, campaignID string) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx,
		`SELECT active FROM step_campaigns WHERE id::text = $1 AND tenant_id::text = $2`,
		campaignID, tenantID,
	).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrCampaignNotFound
		}
		return false, fmt.Errorf("campaigns: select campaign: %w", err)
	}
	if !active {
		return false, ErrCampaignInactive
	}

	query := `
		INSERT INTO step_campaign_enrollments (id, tenant_id, campaign_id, friend_id, current_step, status, enrolled_at)
		VALUES ($1, $2, $3, $4, 0, 'active', now())
		ON CONFLICT (campaign_id, friend_id) WHERE status = 'active' DO NOTHING
	`
	ct, err := r.db.Exec(ctx, query, uuid.New().String(), tenantID, campaignID, friendID)
	if err != nil {
		return false, fmt.Errorf("campaigns: enroll: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
