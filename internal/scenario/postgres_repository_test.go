package scenario

import (
	"context"
	"errors"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return newPostgresRepositoryWithDB(mock, nil), mock
}

var conversationCols = []string{"id", "tenant_id", "friend_id", "scenario_id", "current_step_id",
	"context", "status", "started_at", "last_interaction_at", "expires_at", "version"}

func TestPostgresGetScenario(t *testing.T) {
	repo, mock := newMockRepo(t)
	steps := []byte(`[{"id":"s1","position":1,"message":{"type":"text","text":"Hi"},"answer":{"type":"free_text"}}]`)
	mock.ExpectQuery("FROM scenarios").
		WithArgs("sc-1", "tenant-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "name", "active", "steps", "closing_message", "timeout_message", "expires_after_seconds", "total_started"}).
			AddRow("sc-1", "tenant-1", "Survey", true, steps, []byte(`{"type":"text","text":"Bye"}`), []byte(nil), int64(3600), int64(4)))

	sc, err := repo.GetScenario(context.Background(), "tenant-1", "sc-1")
	require.NoError(t, err)
	assert.Len(t, sc.Steps, 1)
	assert.Equal(t, "Bye", sc.ClosingMessage.Text)
	assert.Nil(t, sc.TimeoutMessage)
	assert.Equal(t, time.Hour, sc.ExpiresAfter)

	mock.ExpectQuery("FROM scenarios").WithArgs("missing", "tenant-1").WillReturnError(pgx.ErrNoRows)
	_, err = repo.GetScenario(context.Background(), "tenant-1", "missing")
	assert.ErrorIs(t, err, ErrScenarioNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStartConversationIsTransactional(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'abandoned'").WithArgs("friend-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO active_conversations").
		WithArgs(pgxmock.AnyArg(), "tenant-1", "friend-1", "sc-1", "step1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE scenarios SET total_started = total_started \\+ 1").WithArgs("sc-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	conv, err := repo.StartConversation(context.Background(), Conversation{
		TenantID: "tenant-1", FriendID: "friend-1", ScenarioID: "sc-1", CurrentStepID: "step1",
		StartedAt: t0, LastInteractionAt: t0,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, StatusActive, conv.Status)
	assert.EqualValues(t, 1, conv.Version)
}

func TestPostgresStartConversationRollsBackOnInsertFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'abandoned'").WithArgs("friend-1").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("INSERT INTO active_conversations").WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	_, err := repo.StartConversation(context.Background(), Conversation{TenantID: "tenant-1", FriendID: "friend-1", ScenarioID: "sc-1", CurrentStepID: "step1"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolveActiveAbandonsDuplicates(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("FROM active_conversations").
		WithArgs("friend-1").
		WillReturnRows(pgxmock.NewRows(conversationCols).
			AddRow("newer", "tenant-1", "friend-1", "sc-1", "step2", []byte(`{"step1":"yes"}`), "active", t0.Add(time.Hour), t0.Add(time.Hour), nil, int64(3)).
			AddRow("older", "tenant-1", "friend-1", "sc-1", "step1", []byte(`{}`), "active", t0, t0, nil, int64(1)))
	mock.ExpectExec("SET status = 'abandoned'").
		WithArgs([]string{"older"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	got, err := repo.ResolveActive(context.Background(), "friend-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "newer", got.ID)
	assert.Equal(t, "yes", got.Context["step1"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveConversationVersionConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	conv := activeAt("step2", t0)

	mock.ExpectExec("UPDATE active_conversations").
		WithArgs("conv-1", "step2", pgxmock.AnyArg(), "active", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	saved, err := repo.SaveConversation(context.Background(), conv)
	require.NoError(t, err)
	assert.EqualValues(t, 2, saved.Version)

	mock.ExpectExec("UPDATE active_conversations").
		WithArgs("conv-1", "step2", pgxmock.AnyArg(), "active", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	_, err = repo.SaveConversation(context.Background(), conv)
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExpireIdle(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec("SET status = 'expired'").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))
	n, err := repo.ExpireIdle(context.Background(), t0.Add(-72*time.Hour), t0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}
