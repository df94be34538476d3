package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/billing"
	"github.com/warp/claims-billing/config"
	"github.com/warp/claims-billing/mileage"
	"github.com/warp/claims-billing/notify"
	"github.com/warp/claims-billing/observability"
	"github.com/warp/claims-billing/store/gcs"
	"github.com/warp/claims-billing/store/memory"
	"github.com/warp/claims-billing/store/mirror"
	"github.com/warp/claims-billing/store/sqlite"
)

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// app is the engine plus every adapter built from config.
type app struct {
	cfg     config.Config
	log     *logrus.Logger
	engine  *billing.Engine
	metrics *observability.Metrics

	// closers run in reverse order on shutdown.
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close flushes the mirror and publisher, then closes the stores.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger}

	store, err := a.buildStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	provider, err := buildMileage(cfg.Mileage)
	if err != nil {
		a.Close()
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		a.Close()
		return nil, err
	}
	estimate, err := cfg.EstimatedMiles()
	if err != nil {
		a.Close()
		return nil, err
	}

	bus := billing.NewEventBus()
	a.metrics = observability.NewMetrics()
	a.metrics.Attach(bus)

	if cfg.Events.PubSubEnabled {
		if err := a.attachPubSub(ctx, bus); err != nil {
			a.Close()
			return nil, err
		}
	}

	opts := []billing.Option{
		billing.WithLogger(logger),
		billing.WithLocation(loc),
		billing.WithEventBus(bus),
		billing.WithMileageTimeout(cfg.Mileage.Timeout.Duration),
		billing.WithEstimatedMiles(estimate),
	}
	if provider != nil {
		opts = append(opts, billing.WithMileageProvider(provider))
	}

	a.engine, err = billing.NewEngine(ctx, store, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// buildStore opens the local store and wraps it in a GCS mirror when enabled.
func (a *app) buildStore(ctx context.Context) (billing.PersistenceAdapter, error) {
	var local billing.PersistenceAdapter
	switch a.cfg.Store.Driver {
	case "memory":
		local = memory.New()
	default:
		if a.cfg.Store.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		db, err := sqlite.New(a.cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
		local = db

		last, err := db.LastSaved(ctx)
		if err != nil {
			return nil, fmt.Errorf("read store metadata: %w", err)
		}
		a.log.WithFields(logrus.Fields{
			"path":       a.cfg.Store.Path,
			"last_saved": last,
		}).Info("sqlite store opened")
	}

	if !a.cfg.Mirror.Enabled {
		return local, nil
	}

	remote, err := gcs.New(ctx, gcs.Config{
		Bucket:          a.cfg.Mirror.Bucket,
		Object:          a.cfg.Mirror.Object,
		CredentialsJSON: a.cfg.Mirror.CredentialsJSON,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(remote.Close)

	m := mirror.New(local, remote, a.log, a.cfg.Mirror.Timeout.Duration)
	a.onClose(m.Close)
	a.log.WithFields(logrus.Fields{
		"module": "wire",
		"bucket": a.cfg.Mirror.Bucket,
	}).Info("remote mirror enabled")
	return m, nil
}

func (a *app) attachPubSub(ctx context.Context, bus *billing.EventBus) error {
	client, err := notify.NewClient(ctx, a.cfg.Events.ProjectID, a.cfg.Events.CredentialsJSON)
	if err != nil {
		return err
	}
	a.onClose(client.Close)

	pub := notify.NewTopicPublisher(client, a.cfg.Events.Topic)
	a.onClose(func() error { pub.Stop(); return nil })

	n := notify.NewNotifier(pub, a.log)
	n.Attach(bus)
	a.onClose(func() error { n.Wait(); return nil })

	a.log.WithFields(logrus.Fields{
		"module": "wire",
		"topic":  a.cfg.Events.Topic,
	}).Info("event publishing enabled")
	return nil
}

func buildMileage(cfg config.MileageConfig) (billing.MileageProvider, error) {
	switch cfg.Provider {
	case "http":
		return mileage.NewHTTPProvider(cfg.URL, cfg.APIKey, cfg.Timeout.Duration)
	case "table":
		return mileage.LoadTable(cfg.TableFile)
	}
	return nil, nil
}
