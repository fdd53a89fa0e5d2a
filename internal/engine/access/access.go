package access

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"paysync/internal/repo"
)

// ForbiddenError is returned when the caller holds neither the role nor ledger ownership.
type ForbiddenError struct {
	Role repo.Role
}

func (e ForbiddenError) Error() string {
	if e.Role != repo.RoleHandler && e.Role != repo.RoleProcessor {
		return fmt.Sprintf("caller is not the %s", e.Role)
	}
	return fmt.Sprintf("caller is not a money %s", e.Role)
}

// Registry answers membership questions for the handler and processor sets.
// The ledger owner is implicitly a member of both.
type Registry struct {
	Repo repo.Repo
}

func (r Registry) IsOwner(ctx context.Context, tx *sql.Tx, ledgerID, identity string) (bool, error) {
	l, err := r.Repo.GetLedgerTx(ctx, tx, ledgerID)
	if err != nil {
		return false, err
	}
	return identity != "" && l.OwnerID == identity, nil
}

// Is reports whether identity is the owner or an explicit member of role.
func (r Registry) Is(ctx context.Context, tx *sql.Tx, ledgerID string, role repo.Role, identity string) (bool, error) {
	identity = strings.TrimSpace(identity)
	owner, err := r.IsOwner(ctx, tx, ledgerID, identity)
	if err != nil || owner {
		return owner, err
	}
	if identity == "" {
		return false, nil
	}
	return r.Repo.HasMemberTx(ctx, tx, ledgerID, role, identity)
}

func (r Registry) IsHandler(ctx context.Context, tx *sql.Tx, ledgerID, identity string) (bool, error) {
	return r.Is(ctx, tx, ledgerID, repo.RoleHandler, identity)
}

func (r Registry) IsProcessor(ctx context.Context, tx *sql.Tx, ledgerID, identity string) (bool, error) {
	return r.Is(ctx, tx, ledgerID, repo.RoleProcessor, identity)
}

// Require returns ForbiddenError unless identity holds role.
func (r Registry) Require(ctx context.Context, tx *sql.Tx, ledgerID string, role repo.Role, identity string) error {
	ok, err := r.Is(ctx, tx, ledgerID, role, identity)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: role}
	}
	return nil
}

func (r Registry) RequireHandler(ctx context.Context, tx *sql.Tx, ledgerID, identity string) error {
	return r.Require(ctx, tx, ledgerID, repo.RoleHandler, identity)
}

func (r Registry) RequireProcessor(ctx context.Context, tx *sql.Tx, ledgerID, identity string) error {
	return r.Require(ctx, tx, ledgerID, repo.RoleProcessor, identity)
}

// Add inserts identity into role. Adding an existing member is a no-op.
func (r Registry) Add(ctx context.Context, tx *sql.Tx, ledgerID string, role repo.Role, identity string) (bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false, fmt.Errorf("%s identity required", role)
	}
	return r.Repo.AddMemberTx(ctx, tx, ledgerID, role, identity)
}

// Remove deletes identity from role. Ownership is not affected.
func (r Registry) Remove(ctx context.Context, tx *sql.Tx, ledgerID string, role repo.Role, identity string) (bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false, fmt.Errorf("%s identity required", role)
	}
	return r.Repo.RemoveMemberTx(ctx, tx, ledgerID, role, identity)
}

func (r Registry) Members(ctx context.Context, tx *sql.Tx, ledgerID string, role repo.Role) ([]string, error) {
	if _, err := r.Repo.GetLedgerTx(ctx, tx, ledgerID); err != nil {
		return nil, err
	}
	return r.Repo.ListMembersTx(ctx, tx, ledgerID, role)
}
