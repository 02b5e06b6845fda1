package data

import (
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// Shared sentinel errors for data-layer repositories. Compare with errors.Is.
var (
	// ErrJobHasOpenRun is returned when deleting a job that still has an open run.
	ErrJobHasOpenRun = &apperrors.AppError{Code: apperrors.ErrCodeConflict, Message: "job has an open run"}
	// ErrUnknownAgentKey is returned when a job stage references an unregistered agent.
	ErrUnknownAgentKey = &apperrors.AppError{Code: apperrors.ErrCodeValidation, Message: "unknown agent key", Field: "agent"}
)
