package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iudanet/fieldsync/internal/client/api"
	"github.com/iudanet/fieldsync/internal/client/auth"
	"github.com/iudanet/fieldsync/internal/client/cache"
	"github.com/iudanet/fieldsync/internal/client/data"
	"github.com/iudanet/fieldsync/internal/client/iocli"
	"github.com/iudanet/fieldsync/internal/client/queue"
	"github.com/iudanet/fieldsync/internal/client/storage/boltdb"
	"github.com/iudanet/fieldsync/internal/client/sync"
	"github.com/iudanet/fieldsync/internal/config"
	"github.com/iudanet/fieldsync/internal/crdt"
)

// App связывает компоненты клиента для одной команды
type App struct {
	cfg         *config.Client
	io          iocli.IO
	logger      *slog.Logger
	store       *boltdb.Storage
	api         *api.Client
	auth        auth.Service
	queue       *queue.Queue
	data        data.Service
	reconciler  *cache.Reconciler
	projections *cache.Projections
	engine      *sync.Engine
	registry    *prometheus.Registry
}

// Open opens the local database and wires the client components
func Open(ctx context.Context, cfg *config.Client, io iocli.IO, logger *slog.Logger) (*App, error) {
	store, err := boltdb.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	deviceID, err := store.DeviceID(ctx, uuid.NewString)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}

	clock := crdt.NewClockWithNodeID(deviceID)
	q, err := queue.New(ctx, store, clock, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	app := &App{
		cfg:      cfg,
		io:       io,
		logger:   logger,
		store:    store,
		queue:    q,
		registry: prometheus.NewRegistry(),
	}

	// auth сервис и reconciler создаются после клиента
	app.api = api.NewClient(cfg.ServerURL,
		api.WithDeviceID(deviceID),
		api.WithLogger(logger),
		api.WithTokenSource(func(ctx context.Context) (string, error) {
			return app.auth.Token(ctx)
		}),
		api.WithKnownDocuments(func(ctx context.Context, surveyID string) ([]string, error) {
			return app.reconciler.ConfirmedIDs(ctx, surveyID)
		}),
	)
	app.auth = auth.NewService(app.api, store, store, logger)
	app.data = data.NewService(q, store)
	app.reconciler = cache.NewReconciler(store, logger, app.registry)
	app.projections = cache.NewProjections(store, logger)
	app.engine = sync.NewEngine(q, app.api, app.reconciler, store, sync.Config{
		BatchSize:   cfg.Sync.BatchSize,
		MaxRetries:  cfg.Sync.MaxRetries,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
		Interval:    cfg.Sync.Interval,
	}, logger, app.registry)

	return app, nil
}

// Close closes the local database
func (a *App) Close() error {
	return a.store.Close()
}

// user returns the author for local edits; an expired token is fine offline
func (a *App) user(ctx context.Context) (data.User, error) {
	who, err := a.auth.Identity(ctx)
	if errors.Is(err, auth.ErrNotAuthenticated) {
		return data.User{}, fmt.Errorf("not authenticated. Please run 'fieldsync login' first")
	}
	if err != nil {
		return data.User{}, err
	}
	return data.User{ID: who.UserID}, nil
}

// survey returns the survey from args or the configured default
func (a *App) survey(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if a.cfg.SurveyID != "" {
		return a.cfg.SurveyID, nil
	}
	return "", errors.New("survey id is required: pass --survey or set survey_id in config")
}
