package contracts

import "context"

// Authenticator validates the credentials presented in IDENTIFY/RESUME and
// returns the owning user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}
