// Package db selects the database driver named by the profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/clankbot/clank/internal/profile"
	"github.com/clankbot/clank/store"
	"github.com/clankbot/clank/store/db/postgres"
	"github.com/clankbot/clank/store/db/sqlite"
)

// NewDBDriver creates the driver named by profile.Driver.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unsupported database driver: %s", profile.Driver)
	}
}
