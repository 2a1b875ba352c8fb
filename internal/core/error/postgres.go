package errx

import (
	"database/sql"
	"errors"
	"net/http"
)

// WrapPostgres maps vector index (Postgres) errors to the unified AppError type.
func WrapPostgres(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return New(err, http.StatusNotFound, PostgresErrorMessage)
	}

	return New(errors.Join(ErrDependencyUnavailable, err), http.StatusBadGateway, PostgresErrorMessage)
}
