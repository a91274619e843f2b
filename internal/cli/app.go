package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/xelth-com/girosync/internal/config"
	"github.com/xelth-com/girosync/internal/database"
	"github.com/xelth-com/girosync/internal/identity"
	"github.com/xelth-com/girosync/internal/store"
	"github.com/xelth-com/girosync/internal/sync"
	"github.com/xelth-com/girosync/internal/transport"
	"github.com/xelth-com/girosync/internal/websocket"
	"gopkg.in/natefinch/lumberjack.v2"
)

// app is the wired runtime shared by all commands
type app struct {
	cfg     *config.Config
	syncCfg *config.SyncConfig
	db      *database.DB
	routes  *transport.ConnectionManager
	engine  *sync.SyncEngine
	hub     *websocket.Hub
	output  io.Writer
}

// openApp loads configuration and wires database, store, transport and
// engine. With withHub the engine reports its rounds to a websocket hub.
func openApp(opts *RootOptions, withHub bool) (*app, error) {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	a := &app{cfg: cfg, output: logOutput(cfg.LogFile, opts.Quiet)}
	log.SetOutput(a.output)

	syncCfg, err := config.LoadSyncConfig()
	if err != nil {
		return nil, err
	}
	syncCfg.AddServerRoutes(cfg.Server)
	a.syncCfg = syncCfg

	// 2. Device identity
	id, err := identity.LoadOrGenerate(cfg.Server.IdentityDir, cfg.Server.HardwareID)
	if err != nil {
		return nil, err
	}

	// 3. Database and schema
	a.db, err = database.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := a.db.Migrate(); err != nil {
		a.close()
		return nil, err
	}

	st, err := store.New(a.db.DB)
	if err != nil {
		a.close()
		return nil, err
	}

	// 4. Server transport
	netLogger := a.logger("[net] ")
	a.routes = transport.NewConnectionManager(syncCfg.Routes, netLogger)
	client, err := transport.NewClient(transport.ClientConfig{
		LicenseKey:   cfg.Server.LicenseKey,
		HardwareID:   id.HardwareID,
		DeviceSecret: cfg.Server.DeviceSecret,
		Timeout:      syncCfg.RequestTimeout(),
	}, a.routes, netLogger)
	if err != nil {
		a.close()
		return nil, err
	}

	// 5. Engine and capture hooks
	opt := sync.Options{
		Store:     st,
		Transport: client,
		Logger:    a.logger("[sync] "),
	}
	if withHub {
		a.hub = websocket.NewHub(a.logger("[ws] "))
		opt.Notifier = a.hub
	}
	a.engine, err = sync.NewSyncEngine(a.db.DB, syncCfg, opt)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := sync.RegisterHooks(a.db.DB, a.engine.Journal()); err != nil {
		a.close()
		return nil, err
	}

	log.Printf("🆔 Device %s, %d sync routes", id.HardwareID, len(syncCfg.Routes))
	return a, nil
}

func (a *app) logger(prefix string) *log.Logger {
	return log.New(a.output, prefix, log.LstdFlags)
}

// close releases the database, which also stops embedded PostgreSQL
func (a *app) close() {
	if a.routes != nil {
		a.routes.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("Database close error: %v", err)
		}
	}
}

// logOutput sends logs to a rotated LOG_FILE and, unless quiet, to stderr
func logOutput(logFile string, quiet bool) io.Writer {
	var writers []io.Writer
	if logFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	if !quiet {
		writers = append(writers, os.Stderr)
	}
	switch len(writers) {
	case 0:
		return io.Discard
	case 1:
		return writers[0]
	default:
		return io.MultiWriter(writers...)
	}
}
