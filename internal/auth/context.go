package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, userID, email, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, Email: email, Role: role})
}

// IdentityFrom returns the caller stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.UserID != "" {
		return id.UserID, nil
	}
	return "", ErrNoIdentity
}

// Email returns "" when the token carried none.
func Email(ctx context.Context) string {
	id, _ := IdentityFrom(ctx)
	return id.Email
}

func Role(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.Role != "" {
		return id.Role, nil
	}
	return "", ErrNoIdentity
}
