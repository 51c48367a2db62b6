// Package store is the transactional persistence layer. Every mutating core
// operation runs its writes through one Tx so that certificate state, CA
// counters and the audit trail commit together or not at all.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/addspin/subca/models"
)

// Store wraps the connection pool. Reads may run directly on the pool;
// writes go through WithTx.
type Store struct {
	queries
	db *sqlx.DB
}

// Tx is one unit of work. All writes inside it become visible to readers
// only after commit.
type Tx struct {
	queries
}

func New(db *sqlx.DB) *Store {
	return &Store{queries: queries{ext: db}, db: db}
}

// InitSchema creates all tables.
func (s *Store) InitSchema() error {
	for _, schema := range []string{
		models.SchemaCAConfigs,
		models.SchemaCerts,
		models.SchemaRevocations,
		models.SchemaCRLs,
		models.SchemaAuditLogs,
		models.SchemaUsers,
	} {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, rolling back on error or panic and
// committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{queries: queries{ext: tx}}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure, optionally restricted to a named column.
func IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
