package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// InitStore opens the store for driver, retrying while the database comes up,
// and applies pending migrations.
func InitStore(ctx context.Context, driver, dsn string, maxWait time.Duration) (*SQLStore, error) {
	var store *SQLStore
	open := func() error {
		s, err := NewSQLStore(driver, dsn)
		if err != nil {
			if errors.Is(err, errUnsupportedDriver) {
				return backoff.Permanent(err)
			}
			return err
		}
		store = s
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = maxWait
	if err := backoff.Retry(open, backoff.WithContext(policy, ctx)); err != nil {
		return nil, errors.Wrapf(err, "open %s store", driver)
	}

	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
