// Package account models the user accounts the orchestrator authorizes
// against and the discount scheduler enumerates: credit balance, plan,
// IP whitelist, and the enabled/disabled flag a critical content
// violation can flip. Authentication itself stays out of scope (spec.md
// §4.2's note that identity verification is an external collaborator);
// this package only owns the entitlement row authentication hands back.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/ferro-labs/creditgw/discount"
	"github.com/ferro-labs/creditgw/user"
)

// Account is the persisted entitlement row for one user.
type Account struct {
	ID                    string
	Plan                  string
	Credits               int64
	IsMasterAdmin         bool
	IsRPVerified          bool
	IPWhitelist           []string
	MaxConcurrentRequests int
	Enabled               bool
	DisabledReason        string
	DisabledAt            time.Time
}

// ToAuthenticatedUser projects the persisted row into the shape the
// orchestrator consumes.
func (a Account) ToAuthenticatedUser() user.AuthenticatedUser {
	return user.AuthenticatedUser{
		ID:                    a.ID,
		Plan:                  a.Plan,
		Credits:               a.Credits,
		IsMasterAdmin:         a.IsMasterAdmin,
		IsRPVerified:          a.IsRPVerified,
		IPWhitelist:           a.IPWhitelist,
		MaxConcurrentRequests: a.MaxConcurrentRequests,
		Enabled:               a.Enabled,
	}
}

// ErrNotFound is returned by FindByID when no account matches.
var ErrNotFound = errors.New("account: not found")

// Repository is the persistence contract for accounts.
type Repository interface {
	FindByID(ctx context.Context, id string) (Account, error)
	All(ctx context.Context) ([]Account, error)
	Disable(ctx context.Context, id, reason string) error
}

// Store wraps a Repository with the two narrower collaborator shapes the
// discount scheduler and orchestrator actually depend on, so neither
// package needs to know about the full Account record.
type Store struct {
	Repo Repository
}

// AllUsers implements discount.UserSource.
func (s Store) AllUsers(ctx context.Context) ([]discount.User, error) {
	accounts, err := s.Repo.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]discount.User, len(accounts))
	for i, a := range accounts {
		out[i] = discount.User{ID: a.ID, Plan: a.Plan, IsRPVerified: a.IsRPVerified}
	}
	return out, nil
}

// DisableUser implements orchestrator.UserDisabler.
func (s Store) DisableUser(ctx context.Context, userID, reason string) error {
	return s.Repo.Disable(ctx, userID, reason)
}

// Authenticate resolves a caller's Account by id, the first step an HTTP
// layer runs before handing an AuthenticatedUser to the orchestrator.
// Real credential verification (API key -> user id) is the external
// collaborator; this only loads the entitlement row once that id is
// known.
func (s Store) Authenticate(ctx context.Context, userID string) (user.AuthenticatedUser, error) {
	a, err := s.Repo.FindByID(ctx, userID)
	if err != nil {
		return user.AuthenticatedUser{}, err
	}
	return a.ToAuthenticatedUser(), nil
}
