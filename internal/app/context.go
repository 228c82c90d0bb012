// Package app assembles a runnable engine from configuration: logger, document
// store behind its circuit breaker, event publishers, policy and metrics.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"phasegate/internal/config"
	"phasegate/internal/db"
	"phasegate/internal/docstore"
	"phasegate/internal/docstore/mongo"
	"phasegate/internal/docstore/postgres"
	"phasegate/internal/docstore/sqlite"
	"phasegate/internal/engine"
	"phasegate/internal/engine/auth"
	"phasegate/internal/events"
	"phasegate/internal/logging"
	"phasegate/internal/metrics"
)

// Runtime owns everything Open created; Close releases it.
type Runtime struct {
	Config    *config.Config
	Log       *logrus.Logger
	Store     *docstore.Breaker
	Publisher events.Publisher
	Registry  *prometheus.Registry
	Engine    engine.Engine
}

// Open builds a Runtime from cfg. The engine reads the caller from the request
// context; callers acting as a fixed user replace Engine.Identity.
func Open(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if log == nil {
		log = logging.Discard()
	}
	policy, err := auth.PolicyFromConfig(cfg.RBAC.Roles)
	if err != nil {
		return nil, fmt.Errorf("rbac: %w", err)
	}
	backend, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	store := docstore.NewBreaker(backend, docstore.BreakerConfig{
		Name:        "docstore-" + cfg.Store.Driver,
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
		Logger:      log,
	})
	pub, err := OpenPublisher(cfg.Notify, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng := engine.New(store, log)
	eng.Policy = policy
	eng.Events.Publisher = pub
	eng.Metrics = metrics.New(reg)

	log.WithFields(logrus.Fields{"driver": cfg.Store.Driver}).
		Info("Event ID: RUNTIME_READY, Description: store and publishers opened")
	return &Runtime{
		Config:    cfg,
		Log:       log,
		Store:     store,
		Publisher: pub,
		Registry:  reg,
		Engine:    eng,
	}, nil
}

func (r *Runtime) Close() error {
	var errs []error
	if r.Publisher != nil {
		errs = append(errs, r.Publisher.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured backend without the breaker.
func OpenStore(ctx context.Context, cfg config.Store) (docstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return docstore.NewMemory(), nil
	case "", "sqlite":
		return sqlite.Open(ctx, db.Config{Workspace: cfg.Workspace, Path: cfg.DSN})
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	case "mongo":
		database := cfg.Database
		if database == "" {
			database = "phasegate"
		}
		return mongo.Open(ctx, cfg.DSN, database)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenPublisher returns the log publisher plus NATS and webhooks when configured.
func OpenPublisher(cfg config.Notify, log *logrus.Logger) (events.Publisher, error) {
	out := events.Fanout{events.LogPublisher{Log: log}}
	if cfg.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix, "phasegate")
		if err != nil {
			return nil, err
		}
		out = append(out, nats)
	}
	if hooks := events.NewWebhookPublisher(cfg.Webhooks); hooks.Len() > 0 {
		out = append(out, hooks)
	}
	return out, nil
}
