// Package store is the persistence gateway. All reads and writes against the
// relational store go through it, expressed as business verbs rather than
// generic CRUD. It is also the only package allowed to write audit rows.
package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// StaleStateError is returned when a guarded state transition finds the row
// in a state other than the expected one. Concurrent writers surface here
// instead of silently winning.
type StaleStateError struct {
	AgentID uuid.UUID
	From    model.AgentState
	To      model.AgentState
	Actual  model.AgentState
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("agent %s: transition %s->%s rejected, row is %s",
		e.AgentID, e.From, e.To, e.Actual)
}

// DuplicateAgentError is returned when the (customer_id, machine_id) pair
// already exists.
type DuplicateAgentError struct {
	CustomerID uuid.UUID
	MachineID  string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent already registered for customer %s machine %q",
		e.CustomerID, e.MachineID)
}

// DuplicateLicenseError is returned when a license UUID is already assigned
// to another agent.
type DuplicateLicenseError struct {
	LicenseUUID string
}

func (e *DuplicateLicenseError) Error() string {
	return fmt.Sprintf("license %s is already assigned", e.LicenseUUID)
}

// Store provides typed access to agents, connections, activity patterns, and
// audit logs against PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Pool exposes the underlying pool for sibling packages that keep their own
// repositories (oauth, users).
func (s *Store) Pool() *pgxpool.Pool { return s.db }

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally on a specific constraint name.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
