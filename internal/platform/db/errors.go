package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meg/meg/internal/platform/apperror"
)

// Wrap classifies a storage error: missing rows become apperror.ErrNotFound,
// anything else apperror.ErrPersistenceFailed. nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", apperror.ErrNotFound, op)
	}
	if errors.Is(err, apperror.ErrNotFound) || errors.Is(err, apperror.ErrPersistenceFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", apperror.ErrPersistenceFailed, op, err)
}
