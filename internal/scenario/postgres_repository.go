package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/autoreply/internal/messaging"
	"github.com/wolfman30/autoreply/pkg/logging"
)

var tracer = otel.Tracer("autoreply.internal.scenario")

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository stores scenarios and active_conversations. The partial
// unique index on active_conversations(friend_id) WHERE status = 'active'
// backs the single-active rule.
type PostgresRepository struct {
	db     db
	logger *logging.Logger
}

func NewPostgresRepository(pool *pgxpool.Pool, logger *logging.Logger) *PostgresRepository {
	if pool == nil {
		panic("scenario: pgx pool required")
	}
	return newPostgresRepositoryWithDB(pool, logger)
}

func newPostgresRepositoryWithDB(d db, logger *logging.Logger) *PostgresRepository {
	if logger == nil {
		logger = logging.Default()
	}
	return &PostgresRepository{db: d, logger: logger}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) GetScenario(ctx context.Context, tenantID, id string) (*Scenario, error) {
	ctx, span := tracer.Start(ctx, "scenario.get")
	defer span.End()
	span.SetAttributes(attribute.String("autoreply.scenario_id", id))

	query := `
		SELECT id::text, tenant_id::text, name, active, steps, closing_message, timeout_message,
		       expires_after_seconds, total_started
		FROM scenarios
		WHERE id::text = $1 AND ($2 = '' OR tenant_id::text = $2)
	`
	var (
		sc             Scenario
		steps          []byte
		closing        []byte
		timeout        []byte
		expiresSeconds int64
	)
	err := r.db.QueryRow(ctx, query, id, tenantID).Scan(
		&sc.ID, &sc.TenantID, &sc.Name, &sc.Active, &steps, &closing, &timeout, &expiresSeconds, &sc.TotalStarted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScenarioNotFound
		}
		return nil, fmt.Errorf("scenario: select scenario: %w", err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &sc.Steps); err != nil {
			return nil, fmt.Errorf("scenario: decode steps: %w", err)
		}
	}
	if sc.ClosingMessage, err = decodeOptionalMessage(closing); err != nil {
		return nil, fmt.Errorf("scenario: decode closing message: %w", err)
	}
	if sc.TimeoutMessage, err = decodeOptionalMessage(timeout); err != nil {
		return nil, fmt.Errorf("scenario: decode timeout message: %w", err)
	}
	sc.ExpiresAfter = time.Duration(expiresSeconds) * time.Second
	return &sc, nil
}

func decodeOptionalMessage(raw []byte) (*messaging.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m messaging.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

const conversationColumns = `id::text, tenant_id::text, friend_id::text, scenario_id::text, current_step_id,
	context, status, started_at, last_interaction_at, expires_at, version`

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		c      Conversation
		raw    []byte
		status string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.FriendID, &c.ScenarioID, &c.CurrentStepID,
		&raw, &status, &c.StartedAt, &c.LastInteractionAt, &c.ExpiresAt, &c.Version); err != nil {
		return Conversation{}, err
	}
	c.Status = Status(status)
	c.Context = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Context); err != nil {
			return Conversation{}, fmt.Errorf("scenario: decode context: %w", err)
		}
	}
	return c, nil
}

func (r *PostgresRepository) ResolveActive(ctx context.Context, friendID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM active_conversations
		WHERE friend_id::text = $1 AND status = 'active'
		ORDER BY started_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, friendID)
	if err != nil {
		return nil, fmt.Errorf("scenario: select active: %w", err)
	}
	var active []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scenario: scan active: %w", err)
		}
		active = append(active, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scenario: iterate active: %w", err)
	}

	keep, stale := splitDuplicates(active)
	if len(stale) > 0 {
		abandon := `
			UPDATE active_conversations
			SET status = 'abandoned', version = version + 1, updated_at = now()
			WHERE id::text = ANY($1::text[]) AND status = 'active'
		`
		if _, err := r.db.Exec(ctx, abandon, stale); err != nil {
			return nil, fmt.Errorf("scenario: abandon duplicates: %w", err)
		}
		logConflict(r.logger, friendID, keep, stale)
	}
	return keep, nil
}

func (r *PostgresRepository) StartConversation(ctx context.Context, conv Conversation) (*Conversation, error) {
	ctx, span := tracer.Start(ctx, "scenario.start_conversation")
	defer span.End()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	conv.Status = StatusActive
	conv.Version = 1
	if conv.Context == nil {
		conv.Context = map[string]any{}
	}
	contextJSON, err := json.Marshal(conv.Context)
	if err != nil {
		return nil, fmt.Errorf("scenario: encode context: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("scenario: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE active_conversations
		SET status = 'abandoned', version = version + 1, updated_at = now()
		WHERE friend_id::text = $1 AND status = 'active'
	`, conv.FriendID); err != nil {
		return nil, fmt.Errorf("scenario: abandon previous: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO active_conversations (id, tenant_id, friend_id, scenario_id, current_step_id,
			context, status, started_at, last_interaction_at, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8, $9, 1)
	`, conv.ID, conv.TenantID, conv.FriendID, conv.ScenarioID, conv.CurrentStepID,
		contextJSON, conv.StartedAt, conv.LastInteractionAt, conv.ExpiresAt); err != nil {
		return nil, fmt.Errorf("scenario: insert conversation: %w", err)
	}

	ct, err := tx.Exec(ctx, `UPDATE scenarios SET total_started = total_started + 1 WHERE id::text = $1`, conv.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("scenario: increment total_started: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrScenarioNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("scenario: commit start: %w", err)
	}
	return &conv, nil
}

func (r *PostgresRepository) SaveConversation(ctx context.Context, conv Conversation) (*Conversation, error) {
	contextJSON, err := json.Marshal(conv.Context)
	if err != nil {
		return nil, fmt.Errorf("scenario: encode context: %w", err)
	}
	query := `
		UPDATE active_conversations
		SET current_step_id = $2, context = $3, status = $4, last_interaction_at = $5,
		    expires_at = $6, version = version + 1, updated_at = now()
		WHERE id::text = $1 AND version = $7
	`
	ct, err := r.db.Exec(ctx, query, conv.ID, conv.CurrentStepID, contextJSON, string(conv.Status),
		conv.LastInteractionAt, conv.ExpiresAt, conv.Version)
	if err != nil {
		return nil, fmt.Errorf("scenario: save conversation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrVersionConflict
	}
	conv.Version++
	return &conv, nil
}

func (r *PostgresRepository) Cancel(ctx context.Context, tenantID, friendID string) (bool, error) {
	query := `
		UPDATE active_conversations
		SET status = 'cancelled', version = version + 1, updated_at = now()
		WHERE friend_id::text = $1 AND ($2 = '' OR tenant_id::text = $2) AND status = 'active'
	`
	ct, err := r.db.Exec(ctx, query, friendID, tenantID)
	if err != nil {
		return false, fmt.Errorf("scenario: cancel: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ExpireIdle(ctx context.Context, olderThan, now time.Time) (int64, error) {
	query := `
		UPDATE active_conversations
		SET status = 'expired', version = version + 1, updated_at = now()
		WHERE status = 'active'
		  AND (last_interaction_at < $1 OR (expires_at IS NOT NULL AND expires_at < $2))
	`
	ct, err := r.db.Exec(ctx, query, olderThan.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("scenario: expire idle: %w", err)
	}
	return ct.RowsAffected(), nil
}
