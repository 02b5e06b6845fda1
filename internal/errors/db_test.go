package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapDBError_NilError(t *testing.T) {
	err := MapDBError(nil)
	if err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_ContextErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			wantCode: ErrCodeTimeout,
		},
		{
			name:     "canceled",
			err:      context.Canceled,
			wantCode: ErrCodeCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			if GetCode(err) != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", GetCode(err), tt.wantCode)
			}
		})
	}
}

func TestMapDBError_NoRows(t *testing.T) {
	err := MapDBError(fmt.Errorf("get job: %w", pgx.ErrNoRows))
	if !IsNotFound(err) {
		t.Errorf("MapDBError(pgx.ErrNoRows) should be NotFound, got %v", GetCode(err))
	}
}

func TestMapDBError_PgErrors(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantCode  ErrorCode
		wantField string
	}{
		{
			name: "open run index maps to already running",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: OpenRunConstraint,
			},
			wantCode: ErrCodeAlreadyRunning,
		},
		{
			name: "unique violation with column name",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "agents_key_key",
				ColumnName:     "key",
			},
			wantCode:  ErrCodeConflict,
			wantField: "key",
		},
		{
			name: "unique violation parsed from detail",
			pgErr: &pgconn.PgError{
				Code:   pgerrcode.UniqueViolation,
				Detail: "Key (name)=(nightly) already exists.",
			},
			wantCode:  ErrCodeConflict,
			wantField: "name",
		},
		{
			name:     "foreign key",
			pgErr:    &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation, TableName: "job_tasks"},
			wantCode: ErrCodeForeignKey,
		},
		{
			name:      "not null",
			pgErr:     &pgconn.PgError{Code: pgerrcode.NotNullViolation, ColumnName: "item_name"},
			wantCode:  ErrCodeValidation,
			wantField: "item_name",
		},
		{
			name:     "other",
			pgErr:    &pgconn.PgError{Code: pgerrcode.DiskFull},
			wantCode: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if GetCode(err) != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", GetCode(err), tt.wantCode)
			}
			if GetField(err) != tt.wantField {
				t.Errorf("MapDBError() field = %q, want %q", GetField(err), tt.wantField)
			}
		})
	}
}

func TestMapDBError_AlreadyRunningMatchesSentinel(t *testing.T) {
	err := MapDBError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: OpenRunConstraint})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("errors.Is(%v, ErrAlreadyRunning) = false", err)
	}
}

func TestMapDBError_Passthrough(t *testing.T) {
	plain := errors.New("boom")
	if got := MapDBError(plain); !errors.Is(got, plain) {
		t.Errorf("MapDBError() = %v, want original", got)
	}
}
