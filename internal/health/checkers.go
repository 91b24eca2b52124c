package health

import (
	"context"

	"github.com/voxtail/voxtail/pkg/speaker"
	"github.com/voxtail/voxtail/pkg/store"
)

// StoreChecker probes the session store. Stores with a Ping method (the
// PostgreSQL driver) are pinged; others pass by construction.
func StoreChecker(s store.SessionStore) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			if p, ok := s.(interface{ Ping(context.Context) error }); ok {
				return p.Ping(ctx)
			}
			return nil
		},
	}
}

// RegistryChecker probes the speaker registry with a cheap List call.
func RegistryChecker(r speaker.Registry) Checker {
	return Checker{
		Name: "speaker_registry",
		Check: func(ctx context.Context) error {
			_, err := r.List(ctx)
			return err
		},
	}
}
