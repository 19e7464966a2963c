/*
Package users owns account holders: registration, credentials, and the
mapping from a user to the ledger account they may operate.

The ledger never sees users. A user's AccountID is resolved here and
passed down as an already-verified identifier.
*/
package users

import (
	"context"
	"errors"
	"time"

	"github.com/warp/balance-ledger/ledger"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("incorrect email or password")
)

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	AccountID    ledger.AccountID
	CreatedAt    time.Time
}

// Repository persists users. Emails are unique; lookups of a missing user
// return ErrUserNotFound.
type Repository interface {
	CreateUser(ctx context.Context, u User) error
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
}
