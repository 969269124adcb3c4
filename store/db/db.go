// Package db selects the concrete store driver for a profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/internal/profile"
	"github.com/hrygo/parkwise/store"
	"github.com/hrygo/parkwise/store/db/postgres"
)

// NewDBDriver creates the store driver for the given profile.
// Retrieval needs pgvector, so postgres is the only supported backend.
func NewDBDriver(p *profile.Profile) (store.Driver, error) {
	if p.DSN == "" {
		return nil, errors.New("database DSN is not configured")
	}
	driver, err := postgres.NewDB(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres driver")
	}
	return driver, nil
}
