package main

import (
	"fmt"
	"path/filepath"

	"github.com/amaumene/tvcatalog/internal/config"
	"github.com/amaumene/tvcatalog/internal/controllers"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/amaumene/tvcatalog/internal/scheduler"
	"github.com/amaumene/tvcatalog/internal/services/dvr"
	"github.com/amaumene/tvcatalog/internal/services/tvdb"
	"github.com/amaumene/tvcatalog/internal/utils"
	"github.com/sirupsen/logrus"
)

// app holds the wired components shared by the commands
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	db        *models.Database
	scheduler *scheduler.Scheduler
}

func newApp() (*app, error) {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Setup logger
	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.WithField("config_dir", filepath.Dir(cfg.DatabaseFile)).Debug("Configuration loaded")

	// 3. Initialize database
	db, err := models.NewDatabase(cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Debug("Database initialized")

	// 4. Load ignore list
	ignore, err := utils.LoadIgnoreList(cfg.IgnoreFile)
	if err != nil {
		logger.WithError(err).Warn("Failed to load ignore list, continuing without it")
		ignore = utils.NewIgnoreList()
	}

	// 5. Initialize services
	tvdbClient, err := tvdb.NewClient(cfg, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize TVDB client: %w", err)
	}

	var ingestCtrl *controllers.IngestController
	if cfg.IngestEnabled() {
		dvrClient, err := dvr.NewClient(cfg, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize DVR client: %w", err)
		}
		ingestCtrl = controllers.NewIngestController(db, dvrClient, ignore, logger)
	} else {
		logger.Info("DVR_URL not set, ingest disabled")
	}

	// 6. Initialize controllers
	resolverCtrl := controllers.NewResolverController(db, tvdbClient, logger)
	matcherCtrl := controllers.NewMatcherController(db, logger)
	reconcilerCtrl := controllers.NewReconcilerController(db, logger)
	refreshCtrl := controllers.NewRefreshController(db, tvdbClient, resolverCtrl, matcherCtrl, reconcilerCtrl, logger)
	tracker := controllers.NewTracker(db, cfg.ErrorThreshold, cfg.ErrorCooldown, cfg.StaleAfter, logger)

	// 7. Initialize scheduler
	sched := scheduler.NewScheduler(db, tvdbClient, refreshCtrl, tracker, ingestCtrl, cfg, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		scheduler: sched,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Failed to close database")
	}
}
