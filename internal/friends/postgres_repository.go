package friends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/autoreply/internal/conditions"
)

var tracer = otel.Tracer("autoreply.internal.friends")

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores friends and their tag associations.
type PostgresRepository struct {
	db querier
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("friends: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

func newPostgresRepositoryWithDB(db querier) *PostgresRepository {
	if db == nil {
		panic("friends: db required")
	}
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// GetByID loads a friend with its tag ids.
func (r *PostgresRepository) GetByID(ctx context.Context, tenantID, id string) (*Friend, error) {
	ctx, span := tracer.Start(ctx, "friends.get")
	defer span.End()
	span.SetAttributes(attribute.String("autoreply.friend_id", id))

	query := `
		SELECT f.id::text, f.tenant_id::text, f.platform_user_id, f.display_name, f.metadata, f.created_at,
		       COALESCE(ARRAY(SELECT ft.tag_id::text FROM friend_tags ft WHERE ft.friend_id = f.id ORDER BY ft.tag_id), '{}')
		FROM friends f
		WHERE f.id::text = $1 AND ($2 = '' OR f.tenant_id::text = $2)
	`
	var (
		f        Friend
		metadata []byte
	)
	err := r.db.QueryRow(ctx, query, id, tenantID).Scan(
		&f.ID,
		&f.TenantID,
		&f.PlatformUserID,
		&f.DisplayName,
		&metadata,
		&f.CreatedAt,
		&f.TagIDs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFriendNotFound
		}
		return nil, fmt.Errorf("friends: select failed: %w", err)
	}
	f.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &f.Metadata); err != nil {
			return nil, fmt.Errorf("friends: decode metadata: %w", err)
		}
	}
	return &f, nil
}

// AddTag links the tag to the friend. It returns false when the link already existed.
func (r *PostgresRepository) AddTag(ctx context.Context, tenantID, friendID, tagID string) (bool, error) {
	query := `
		INSERT INTO friend_tags (friend_id, tag_id)
		SELECT f.id, t.id
		FROM friends f
		JOIN tags t ON t.tenant_id = f.tenant_id AND t.id::text = $3
		WHERE f.id::text = $1 AND f.tenant_id::text = $2
		ON CONFLICT (friend_id, tag_id) DO NOTHING
	`
	ct, err := r.db.Exec(ctx, query, friendID, tenantID, tagID)
	if err != nil {
		return false, fmt.Errorf("friends: add tag: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	linked, err := r.hasTag(ctx, tenantID, friendID, tagID)
	if err != nil {
		return false, err
	}
	if !linked {
		return false, ErrTagNotFound
	}
	return false, nil
}

func (r *PostgresRepository) hasTag(ctx context.Context, tenantID, friendID, tagID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM friend_tags ft
			JOIN friends f ON f.id = ft.friend_id
			WHERE ft.friend_id::text = $1 AND f.tenant_id::text = $2 AND ft.tag_id::text = $3
		)
	`
	var exists bool
	if err := r.db.QueryRow(ctx, query, friendID, tenantID, tagID).Scan(&exists); err != nil {
		return false, fmt.Errorf("friends: check tag: %w", err)
	}
	return exists, nil
}

// RemoveTag unlinks the tag. It returns false when nothing was linked.
func (r *PostgresRepository) RemoveTag(ctx context.Context, tenantID, friendID, tagID string) (bool, error) {
	query := `
		DELETE FROM friend_tags ft
		USING friends f
		WHERE ft.friend_id = f.id AND f.id::text = $1 AND f.tenant_id::text = $2 AND ft.tag_id::text = $3
	`
	ct, err := r.db.Exec(ctx, query, friendID, tenantID, tagID)
	if err != nil {
		return false, fmt.Errorf("friends: remove tag: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ListTagIDs(ctx context.Context, tenantID, friendID string) ([]string, error) {
	query := `
		SELECT ft.tag_id::text
		FROM friend_tags ft
		JOIN friends f ON f.id = ft.friend_id
		WHERE f.id::text = $1 AND f.tenant_id::text = $2
		ORDER BY ft.tag_id
	`
	rows, err := r.db.Query(ctx, query, friendID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("friends: list tags: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("friends: scan tag: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MergeMetadata overwrites the given keys in the friend's metadata.
func (r *PostgresRepository) MergeMetadata(ctx context.Context, tenantID, friendID string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("friends: encode metadata: %w", err)
	}
	query := `
		UPDATE friends
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb, updated_at = now()
		WHERE id::text = $1 AND tenant_id::text = $2
	`
	ct, err := r.db.Exec(ctx, query, friendID, tenantID, patch)
	if err != nil {
		return fmt.Errorf("friends: merge metadata: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrFriendNotFound
	}
	return nil
}

// PostgresSegmentRepository reads saved segments.
type PostgresSegmentRepository struct {
	db querier
}

func NewPostgresSegmentRepository(pool *pgxpool.Pool) *PostgresSegmentRepository {
	if pool == nil {
		panic("friends: pgx pool required")
	}
	return &PostgresSegmentRepository{db: pool}
}

func (r *PostgresSegmentRepository) GetSegments(ctx context.Context, tenantID string, ids []string) (map[string]conditions.Segment, error) {
	out := make(map[string]conditions.Segment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `
		SELECT id::text, tenant_id::text, name, logic, conditions
		FROM segments
		WHERE tenant_id::text = $1 AND id::text = ANY($2::text[])
	`
	rows, err := r.db.Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("friends: select segments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seg   conditions.Segment
			logic string
			raw   []byte
		)
		if err := rows.Scan(&seg.ID, &seg.TenantID, &seg.Name, &logic, &raw); err != nil {
			return nil, fmt.Errorf("friends: scan segment: %w", err)
		}
		seg.Logic = conditions.Logic(logic)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &seg.Conditions); err != nil {
				return nil, fmt.Errorf("%w: segment %s conditions: %v", conditions.ErrInvalidCondition, seg.ID, err)
			}
		}
		out[seg.ID] = seg
	}
	return out, rows.Err()
}
