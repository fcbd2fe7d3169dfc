// Package access holds the role table checks performed at the top of every
// privileged ledger, vault and bridge operation.
package access

import (
	"errors"
	"fmt"

	"rebasechain/crypto"
)

// ErrUnauthorized is returned when the caller lacks the required role.
var ErrUnauthorized = errors.New("access: unauthorized")

const (
	// RoleOwner may grant and revoke roles and configure bridge lanes.
	RoleOwner = "owner"
	// RoleMintBurn may mint and burn ledger units.
	RoleMintBurn = "rebase/mint-burn"
	// RoleRateAuthority may lower the global interest rate.
	RoleRateAuthority = "rebase/rate-authority"
	// RolePauser may toggle module pause switches.
	RolePauser = "pauser"
)

// RoleStore is the persistent role table.
type RoleStore interface {
	HasRole(role string, addr []byte) bool
	SetRole(role string, addr []byte) error
	RemoveRole(role string, addr []byte) error
}

// Policy checks callers against the role table.
type Policy struct {
	roles RoleStore
}

// NewPolicy constructs a policy over the supplied role table.
func NewPolicy(roles RoleStore) *Policy {
	return &Policy{roles: roles}
}

// Has reports whether account holds role.
func (p *Policy) Has(role string, account crypto.Address) bool {
	if p == nil || p.roles == nil || account.IsZero() {
		return false
	}
	return p.roles.HasRole(role, account.Bytes())
}

// Require fails with ErrUnauthorized unless caller holds role.
func (p *Policy) Require(role string, caller crypto.Address) error {
	if !p.Has(role, caller) {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorized, caller, role)
	}
	return nil
}

// Grant assigns role to account. Only owners may grant.
func (p *Policy) Grant(caller crypto.Address, role string, account crypto.Address) error {
	if err := p.Require(RoleOwner, caller); err != nil {
		return err
	}
	if account.IsZero() {
		return fmt.Errorf("access: cannot grant %s to the zero address", role)
	}
	return p.roles.SetRole(role, account.Bytes())
}

// Revoke removes role from account. Only owners may revoke.
func (p *Policy) Revoke(caller crypto.Address, role string, account crypto.Address) error {
	if err := p.Require(RoleOwner, caller); err != nil {
		return err
	}
	return p.roles.RemoveRole(role, account.Bytes())
}

// Bootstrap assigns role without a caller check. It is only meant for genesis.
func (p *Policy) Bootstrap(role string, account crypto.Address) error {
	if account.IsZero() {
		return fmt.Errorf("access: cannot assign %s to the zero address", role)
	}
	return p.roles.SetRole(role, account.Bytes())
}
