package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"voltflow/internal/apperr"
)

// Store is the postgres-backed data-access gateway.
type Store struct {
	db *sql.DB
	// fallback when neither the station nor a tariff rule prices energy
	defaultPricePerKWh int64
}

// NewStore returns the gateway.
func NewStore(db *sql.DB, defaultPricePerKWh int64) *Store {
	return &Store{db: db, defaultPricePerKWh: defaultPricePerKWh}
}

// inTx runs fn inside a transaction with rollback on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// statusPlaceholders renders "$n, $n+1, ..." for an IN clause and the
// matching args slice.
func statusPlaceholders(start int, statuses []string) (string, []interface{}) {
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		marks[i] = fmt.Sprintf("$%d", start+i)
		args[i] = status
	}
	return strings.Join(marks, ", "), args
}

const pgUniqueViolation = "23505"

// conflictKind maps a unique violation to the invariant it protects.
func conflictKind(err error) (apperr.Kind, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return "", false
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "active_client"):
		return apperr.KindClientBusy, true
	case strings.Contains(pgErr.ConstraintName, "active_connector"):
		return apperr.KindConnectorBusy, true
	}
	return apperr.KindConflict, true
}
