package mysql

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestBuildInsert(t *testing.T) {
	ctx := context.Background()

	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	formedAt := time.Date(2025, 12, 20, 10, 0, 0, 0, time.UTC)
	expectedSQL := "INSERT INTO crymatch_matches VALUES (?, ?, ?, ?)"

	mock.ExpectExec(regexp.QuoteMeta(expectedSQL)).
		WithArgs("m-1", "arena", 2, formedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	insVal := InsertCond{Arg: []any{"m-1", "arena", 2, formedAt}}
	_, err := InsertFrom("crymatch_matches").Values(&insVal).Exec(ctx, db)
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestBuildInsert_RequiresValues(t *testing.T) {
	ctx := context.Background()

	db, _, cleanup := newMockDB(t)
	defer cleanup()

	_, err := InsertFrom("crymatch_matches").Exec(ctx, db)
	if err != ErrValuesRequired {
		t.Fatalf("expected ErrValuesRequired, got %v", err)
	}
}
