package campaigns

import (
	"context"
	"errors"
	"testing"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestInMemoryEnrollIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	repo.PutCampaign(Campaign{ID: "camp-1", TenantID: "tenant-1", Active: true})
	repo.PutCampaign(Campaign{ID: "camp-off", TenantID: "tenant-1"})

	if ok, err := repo.Enroll(ctx, "tenant-1", "friend-1", "camp-1"); err != nil || !ok {
		t.Fatalf("first enroll: %v %v", ok, err)
	}
	if ok, err := repo.Enroll(ctx, "tenant-1", "friend-1", "camp-1"); err != nil || ok {
		t.Fatalf("second enroll should be a no-op: %v %v", ok, err)
	}
	enrollments := repo.Enrollments("friend-1")
	if len(enrollments) != 1 || enrollments[0].CurrentStep != 0 || enrollments[0].Status != EnrollmentActive {
		t.Fatalf("unexpected enrollments %+v", enrollments)
	}
	if _, err := repo.Enroll(ctx, "tenant-1", "friend-1", "camp-off"); !errors.Is(err, ErrCampaignInactive) {
		t.Fatalf("expected inactive, got %v", err)
	}
	if _, err := repo.Enroll(ctx, "tenant-2", "friend-1", "camp-1"); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
}

func TestPostgresEnroll(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	repo := &PostgresRepository{db: mock}
	ctx := context.Background()

	mock.ExpectQuery("SELECT active FROM step_campaigns").WithArgs("camp-1", "tenant-1").
		WillReturnRows(pgxmock.NewRows([]string{"active"}).AddRow(true))
	mock.ExpectExec("INSERT INTO step_campaign_enrollments").
		WithArgs(pgxmock.AnyArg(), "tenant-1", "camp-1", "friend-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if ok, err := repo.Enroll(ctx, "tenant-1", "friend-1", "camp-1"); err != nil || !ok {
		t.Fatalf("expected enrollment, got %v %v", ok, err)
	}

	mock.ExpectQuery("SELECT active FROM step_campaigns").WithArgs("camp-1", "tenant-1").
		WillReturnRows(pgxmock.NewRows([]string{"active"}).AddRow(true))
	mock.ExpectExec("INSERT INTO step_campaign_enrollments").
		WithArgs(pgxmock.AnyArg(), "tenant-1", "camp-1", "friend-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	if ok, err := repo.Enroll(ctx, "tenant-1", "friend-1", "camp-1"); err != nil || ok {
		t.Fatalf("expected no-op on existing enrollment, got %v %v", ok, err)
	}

	mock.ExpectQuery("SELECT active FROM step_campaigns").WithArgs("gone", "tenant-1").WillReturnError(pgx.ErrNoRows)
	if _, err := repo.Enroll(ctx, "tenant-1", "friend-1", "gone"); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
