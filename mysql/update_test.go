package mysql

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestUpdateBuilder(t *testing.T) {
	ctx := context.Background()

	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	expectedSQL := "UPDATE crymatch_matches SET pool_id = ? WHERE pool_id = ?"

	mock.ExpectExec(regexp.QuoteMeta(expectedSQL)).
		WithArgs("arena_v2", "arena").
		WillReturnResult(sqlmock.NewResult(0, 2))

	upd, err := UpdateFrom("crymatch_matches").
		Set(UpdateCond{"pool_id", "arena_v2"}).
		Where(Eq("pool_id", "arena")).
		Exec(ctx, db)
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if upd != 2 {
		t.Fatalf("updated = %d, want 2", upd)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestUpdateBuilder_Slice(t *testing.T) {
	ctx := context.Background()

	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	expectedSQL := "UPDATE crymatch_matches SET pool_id = ?, ticket_count = ? WHERE match_id = ?"

	mock.ExpectExec(regexp.QuoteMeta(expectedSQL)).
		WithArgs("arena_v2", 4, "m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	upd, err := UpdateFrom("crymatch_matches").
		Set(UpdateCond{"pool_id", "arena_v2"}, UpdateCond{"ticket_count", 4}).
		Where(Eq("match_id", "m-1")).
		Exec(ctx, db)
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if upd != 1 {
		t.Fatalf("updated = %d, want 1", upd)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
