package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/autoreply/internal/conditions"
	"github.com/wolfman30/autoreply/pkg/logging"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository reads auto_response_rules.
type PostgresRepository struct {
	db     querier
	logger *logging.Logger
}

func NewPostgresRepository(pool *pgxpool.Pool, logger *logging.Logger) *PostgresRepository {
	if pool == nil {
		panic("rules: pgx pool required")
	}
	return newPostgresRepositoryWithDB(pool, logger)
}

func newPostgresRepositoryWithDB(db querier, logger *logging.Logger) *PostgresRepository {
	if logger == nil {
		logger = logging.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

var _ Repository = (*PostgresRepository)(nil)

const selectRules = `
	SELECT id::text, tenant_id::text, name, trigger_type, keyword, match_type, priority, active,
	       active_hours, active_days, timezone,
	       required_tag_ids, excluded_tag_ids, required_segment_ids, excluded_segment_ids,
	       response, actions, trigger_count, last_triggered_at
	FROM auto_response_rules
	WHERE tenant_id::text = $1 AND active AND trigger_type = 'keyword'
	ORDER BY priority DESC, id ASC
`

// ListActiveKeywordRules loads candidate rules. Rows whose JSON columns do not
// decode are logged and left out.
func (r *PostgresRepository) ListActiveKeywordRules(ctx context.Context, tenantID string) ([]Rule, error) {
	rows, err := r.db.Query(ctx, selectRules, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rules: select failed: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var (
			rule      Rule
			matchType string
			hours     []byte
			days      []int32
			timezone  *string
			response  []byte
			acts      []byte
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.TenantID,
			&rule.Name,
			&rule.TriggerType,
			&rule.Keyword,
			&matchType,
			&rule.Priority,
			&rule.Active,
			&hours,
			&days,
			&timezone,
			&rule.RequiredTagIDs,
			&rule.ExcludedTagIDs,
			&rule.RequiredSegmentIDs,
			&rule.ExcludedSegmentIDs,
			&response,
			&acts,
			&rule.TriggerCount,
			&rule.LastTriggeredAt,
		); err != nil {
			return nil, fmt.Errorf("rules: scan failed: %w", err)
		}
		rule.MatchType = MatchType(matchType)
		if timezone != nil {
			rule.Timezone = *timezone
		}
		for _, d := range days {
			rule.ActiveDays = append(rule.ActiveDays, time.Weekday(d))
		}
		if err := decodeRuleJSON(&rule, hours, response, acts); err != nil {
			r.logger.Warn("skipping undecodable rule", "rule_id", rule.ID, "error", err)
			continue
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rules: iterate: %w", err)
	}
	return out, nil
}

func decodeRuleJSON(rule *Rule, hours, response, acts []byte) error {
	if len(hours) > 0 && string(hours) != "null" {
		var w conditions.Window
		if err := json.Unmarshal(hours, &w); err != nil {
			return fmt.Errorf("%w: active_hours: %v", conditions.ErrInvalidCondition, err)
		}
		rule.ActiveHours = &w
	}
	if len(response) > 0 {
		if err := json.Unmarshal(response, &rule.Response); err != nil {
			return fmt.Errorf("rules: response: %w", err)
		}
	}
	if len(acts) > 0 {
		if err := json.Unmarshal(acts, &rule.Actions); err != nil {
			return fmt.Errorf("rules: actions: %w", err)
		}
	}
	return nil
}

// IncrementTriggerCount bumps the counter in a single statement.
func (r *PostgresRepository) IncrementTriggerCount(ctx context.Context, ruleID string, at time.Time) error {
	query := `
		UPDATE auto_response_rules
		SET trigger_count = trigger_count + 1,
		    last_triggered_at = GREATEST(COALESCE(last_triggered_at, $2), $2)
		WHERE id::text = $1
	`
	ct, err := r.db.Exec(ctx, query, ruleID, at.UTC())
	if err != nil {
		return fmt.Errorf("rules: increment trigger count: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}
