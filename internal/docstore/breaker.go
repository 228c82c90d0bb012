package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker guarding a backend.
type BreakerConfig struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *logrus.Logger
}

// Breaker guards a Store with a circuit breaker and reports every backend failure as
// a *StoreError. ErrNotFound and ErrConflict are passed through and do not count as
// failures.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

var _ Store = (*Breaker)(nil)

func NewBreaker(next Store, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "docstore"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}
	if cfg.Logger != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.Logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Event ID: CIRCUIT_BREAKER_STATE_CHANGE")
		}
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) run(op, collection, id string, fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return out, err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return out, err
	}
	return out, &StoreError{Op: op, Collection: collection, ID: id, Err: err}
}

func (b *Breaker) Create(ctx context.Context, collection string, record Record) (string, error) {
	out, err := b.run("create", collection, "", func() (any, error) {
		return b.next.Create(ctx, collection, record)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *Breaker) Get(ctx context.Context, collection, id string) (Record, error) {
	out, err := b.run("get", collection, id, func() (any, error) {
		return b.next.Get(ctx, collection, id)
	})
	if err != nil {
		return nil, err
	}
	return out.(Record), nil
}

func (b *Breaker) Set(ctx context.Context, collection, id string, record Record, opts SetOptions) error {
	_, err := b.run("set", collection, id, func() (any, error) {
		return nil, b.next.Set(ctx, collection, id, record, opts)
	})
	return err
}

func (b *Breaker) Update(ctx context.Context, collection, id string, partial Record) error {
	_, err := b.run("update", collection, id, func() (any, error) {
		return nil, b.next.Update(ctx, collection, id, partial)
	})
	return err
}

func (b *Breaker) UpdateVersion(ctx context.Context, collection, id string, version int64, partial Record) error {
	_, err := b.run("update", collection, id, func() (any, error) {
		return nil, b.next.UpdateVersion(ctx, collection, id, version, partial)
	})
	return err
}

func (b *Breaker) Query(ctx context.Context, collection string, preds ...Predicate) ([]Snapshot, error) {
	out, err := b.run("query", collection, "", func() (any, error) {
		return b.next.Query(ctx, collection, preds...)
	})
	if err != nil {
		return nil, err
	}
	snaps, _ := out.([]Snapshot)
	return snaps, nil
}

func (b *Breaker) Close() error { return b.next.Close() }
