package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/target/backup-coordinator/internal/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "app error code", err: fmt.Errorf("invoke: %w", apperrors.ErrTimeout), want: "timeout"},
		{name: "agent unreachable", err: fmt.Errorf("dispatch: %w", apperrors.ErrAgentUnreachable), want: "agent_unreachable"},
		{name: "deadline", err: fmt.Errorf("sweep: %w", context.DeadlineExceeded), want: "timeout"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "postgres", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.SerializationFailure}), want: "pg_40001"},
		{name: "network timeout", err: fmt.Errorf("dial: %w", timeoutErr{}), want: "net_timeout"},
		{name: "innermost type", err: fmt.Errorf("open: %w", &os.PathError{Op: "open", Path: "x", Err: goerrors.New("nope")}), want: "errors_errorstring"},
		{name: "plain", err: goerrors.New("x"), want: "errors_errorstring"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
