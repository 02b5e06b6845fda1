package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// DetermineErrorStatus maps a service error to an HTTP status and a machine-readable code.
func DetermineErrorStatus(err error) (int, string) {
	switch code := apperrors.GetCode(err); code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound, string(code)
	case apperrors.ErrCodeValidation, apperrors.ErrCodeFilterConfig:
		return http.StatusBadRequest, string(code)
	case apperrors.ErrCodeAlreadyRunning, apperrors.ErrCodeConflict, apperrors.ErrCodeForeignKey:
		return http.StatusConflict, string(code)
	case apperrors.ErrCodeAgentUnreachable, apperrors.ErrCodeUnknownAgent:
		return http.StatusServiceUnavailable, string(code)
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout, string(code)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation, pgerrcode.ForeignKeyViolation:
			return http.StatusConflict, string(apperrors.ErrCodeConflict)
		}
	}
	return http.StatusInternalServerError, string(apperrors.ErrCodeInternal)
}

// RenderError writes err as a JSON error body. Internal errors are logged and their detail
// is not returned.
func RenderError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := DetermineErrorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable &&
		status != http.StatusGatewayTimeout {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		err = errors.New(http.StatusText(status))
	}
	WriteError(w, ErrorParams{Code: status, ErrCode: code, Err: err})
}
