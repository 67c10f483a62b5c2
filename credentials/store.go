// Package credentials persists the access/refresh token pair in a durable
// key-value store. Stores have no network or decoding side effects beyond
// their own backend; they never inspect token contents.
package credentials

import (
	"context"

	"github.com/jrsteele09/go-auth-session/authmodel"
)

// Store persists a TokenPair under the fixed keys authmodel.AccessTokenKey and
// authmodel.RefreshTokenKey.
type Store interface {
	// Save writes both tokens. A pair missing either half is rejected with
	// authmodel.ErrPartialTokenPair and nothing is written.
	Save(ctx context.Context, pair authmodel.TokenPair) error

	// Load returns nil, nil when either token is absent.
	Load(ctx context.Context) (*authmodel.TokenPair, error)

	// Clear removes both tokens. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// pairFromValues builds a pair from raw key/value storage, returning nil when
// either half is missing.
func pairFromValues(access, refresh string) *authmodel.TokenPair {
	pair := authmodel.TokenPair{Access: access, Refresh: refresh}
	if !pair.Complete() {
		return nil
	}
	return &pair
}

func validatePair(pair authmodel.TokenPair) error {
	if !pair.Complete() {
		return authmodel.ErrPartialTokenPair
	}
	return nil
}
