// VoxBridge Core - Voice Assistant Smart Home Bridge
//
// This is the main entry point for the VoxBridge Core application.
// VoxBridge links a self-hosted home-automation controller to a cloud
// voice assistant platform: it handles OAuth account linking, translates
// assistant intents into controller service calls with verification,
// and projects a curated device list back to the assistant.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxbridge/voxbridge-core/internal/api"
	"github.com/voxbridge/voxbridge-core/internal/controller"
	"github.com/voxbridge/voxbridge-core/internal/execute"
	"github.com/voxbridge/voxbridge-core/internal/identity"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/config"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/database"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/history"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/logging"
	"github.com/voxbridge/voxbridge-core/internal/infrastructure/mqtt"
	"github.com/voxbridge/voxbridge-core/internal/projection"
	"github.com/voxbridge/voxbridge-core/internal/tokens"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// tokenMaintenanceInterval drives the periodic sweep of expired grants
// and the flush of any throttled unsaved token state.
const tokenMaintenanceInterval = time.Minute

func main() {
	// Context cancels on interrupt signals (Ctrl+C, SIGTERM) for
	// graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting VoxBridge Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	store := database.NewKV(db)

	// Controller client
	ctrl := controller.New(controller.Config{
		URL:     cfg.Controller.URL,
		Token:   cfg.Controller.Token,
		Timeout: cfg.Controller.ControllerTimeout(),
	})
	log.Info("controller client initialised", "url", cfg.Controller.URL)

	// Token authority
	authority := tokens.NewAuthority(ctx, tokens.Config{
		ClientID:        cfg.OAuth.ClientID,
		ClientSecret:    cfg.OAuth.ClientSecret,
		AccessTokenTTL:  time.Duration(cfg.OAuth.AccessTokenTTL) * time.Second,
		AuthCodeTTL:     time.Duration(cfg.OAuth.AuthCodeTTL) * time.Second,
		RefreshTokenTTL: time.Duration(cfg.OAuth.RefreshTokenTTL) * time.Second,
		SaveThrottle:    time.Duration(cfg.OAuth.SaveThrottle) * time.Second,
	}, store, log)
	defer authority.Flush(context.Background())

	// Identity registry
	registry := identity.NewRegistry(ctx, store,
		time.Duration(cfg.Sync.DebounceMS)*time.Millisecond, log)

	// Optional MQTT event announcer
	var announcer *mqtt.Announcer
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		announcer = mqtt.NewAnnouncer(mqttClient, log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
			"client_id", cfg.MQTT.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Optional execution history recorder
	var recorder *history.Recorder
	if cfg.History.Enabled {
		recorder, err = history.Connect(cfg.History, log)
		if err != nil {
			return fmt.Errorf("connecting to history store: %w", err)
		}
		defer func() {
			log.Info("closing history store connection")
			if closeErr := recorder.Close(); closeErr != nil {
				log.Error("error closing history store", "error", closeErr)
			}
		}()
		log.Info("history store connected",
			"url", cfg.History.URL,
			"bucket", cfg.History.Bucket,
		)
	} else {
		log.Info("history recording disabled")
	}

	// Projection builder with selection-driven cache invalidation
	builder := projection.NewBuilder(ctrl, registry, projection.Config{
		CacheTTL:   time.Duration(cfg.Sync.CacheTTLSeconds) * time.Second,
		MaxDevices: cfg.Bridge.MaxDevices,
	}, log)
	registry.SetOnInvalidate(func() {
		builder.Invalidate()
		if announcer != nil {
			announcer.SelectionChanged()
		}
	})

	// Execution engine. The nil checks matter: a typed nil inside a
	// non-nil interface would defeat the engine's own checks.
	var engineAnnouncer execute.Announcer
	if announcer != nil {
		engineAnnouncer = announcer
	}
	var engineRecorder execute.Recorder
	if recorder != nil {
		engineRecorder = recorder
	}
	engine := execute.NewEngine(ctrl, registry, execute.Config{
		Retries:               cfg.Execution.MaxRetryAttempts,
		RetryDelay:            time.Duration(cfg.Execution.RetryDelayMS) * time.Millisecond,
		SettleDelay:           time.Duration(cfg.Execution.SettleDelayMS) * time.Millisecond,
		VerifyDelay:           time.Duration(cfg.Execution.VerifyDelayMS) * time.Millisecond,
		Strict:                cfg.Execution.StrictVerification,
		DefaultThermostatMode: cfg.Execution.DefaultThermostatMode,
		FanCacheTTL:           time.Duration(cfg.Execution.FanModeCacheSeconds) * time.Second,
	}, engineAnnouncer, engineRecorder, log)

	// HTTP front door
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		OAuth:      cfg.OAuth,
		Bridge:     cfg.Bridge,
		Logger:     log,
		Tokens:     authority,
		Engine:     engine,
		Projection: builder,
		Identity:   registry,
		Controller: ctrl,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Periodic token maintenance: sweep expired grants and flush any
	// state the save throttle is still holding back.
	go tokenMaintenanceLoop(ctx, authority, log)

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. History store (if enabled)
	// 3. MQTT (if enabled)
	// 4. Token flush
	// 5. Database

	log.Info("VoxBridge Core stopped")
	return nil
}

// tokenMaintenanceLoop periodically sweeps expired grants and flushes
// throttled token state until the context is cancelled.
func tokenMaintenanceLoop(ctx context.Context, authority *tokens.Authority, log *logging.Logger) {
	ticker := time.NewTicker(tokenMaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := authority.Sweep(); removed > 0 {
				log.Debug("swept expired grants", "removed", removed)
			}
			authority.Flush(ctx)
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses VOXBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VOXBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
