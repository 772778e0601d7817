package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/beamlab/lanbeam/config"
	"github.com/beamlab/lanbeam/daemon"
	"github.com/beamlab/lanbeam/db"
	"github.com/beamlab/lanbeam/transport"
	"github.com/beamlab/lanbeam/webui"
	"github.com/beamlab/lanbeam/webui/handlers"
)

var (
	// Flags
	configPath    string
	dbPath        string
	broadcastAddr string
	sweepInterval time.Duration
	logLevel      string

	// WebUI flags
	enableWebUI bool
	webUIHost   string
	webUIPort   int
	webUIPprof  bool

	// Root command
	rootCmd = &cobra.Command{
		Use:   "lanbeamd",
		Short: "LAN lighting device tracker",
		Long: `lanbeamd is a daemon that tracks smart lighting devices on the
local network.

It periodically broadcasts discovery queries, keeps a persistent inventory
of every device it has seen, and serves the inventory plus operational
metrics over HTTP.`,
		RunE: runDaemon,
	}
)

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file (optional)")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite device database (empty = in-memory)")
	rootCmd.Flags().StringVar(&broadcastAddr, "broadcast", "", "Discovery broadcast address (default 255.255.255.255:56700)")
	rootCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "Discovery sweep interval (default 60s)")

	// Logging
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	// WebUI
	rootCmd.Flags().BoolVar(&enableWebUI, "web", false, "Enable HTTP API and metrics server")
	rootCmd.Flags().StringVar(&webUIHost, "web-host", "0.0.0.0", "HTTP server host")
	rootCmd.Flags().IntVar(&webUIPort, "web-port", 8080, "HTTP server port")
	rootCmd.Flags().BoolVar(&webUIPprof, "pprof", false, "Enable pprof endpoints")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := logrus.New()

	// Load configuration with flag overrides
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if broadcastAddr != "" {
		cfg.BroadcastAddr = broadcastAddr
	}
	if sweepInterval > 0 {
		cfg.Discovery.Interval = config.Duration(sweepInterval)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("web") {
		cfg.Web.Enabled = enableWebUI
	}
	if cmd.Flags().Changed("web-host") {
		cfg.Web.Host = webUIHost
	}
	if cmd.Flags().Changed("web-port") {
		cfg.Web.Port = webUIPort
	}
	if cmd.Flags().Changed("pprof") {
		cfg.Web.Pprof = webUIPprof
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	// Create SQLite database
	if cfg.Database.Path == "" {
		logger.Info("using in-memory SQLite database")
	} else {
		logger.WithField("path", cfg.Database.Path).Info("using persistent SQLite database")
	}

	database := db.NewDatabase(&db.SqliteDatabaseConfig{
		File:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)

	if err := database.Init(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	// Apply database schema migrations
	if err := database.ApplyEmbeddedDbSchema(); err != nil {
		return fmt.Errorf("failed to apply database schema: %w", err)
	}

	// Create daemon service
	service, err := daemon.New(cfg, database, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := service.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Start HTTP server if enabled
	if cfg.Web.Enabled {
		startWebUI(cfg, logger, service, database)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down")

	if err := service.Stop(); err != nil {
		logger.WithError(err).Error("error stopping daemon")
	}

	return nil
}

// startWebUI starts the HTTP API and metrics server.
func startWebUI(cfg *config.Config, logger *logrus.Logger, service *daemon.Service, database *db.Database) {
	log := logger.WithField("module", "webui")

	log.WithField("host", cfg.Web.Host).WithField("port", cfg.Web.Port).Info("starting http server")

	webui.RegisterMetrics(service.Pool(), service.Discoverer(), transport.GlobalMetrics())

	api := handlers.NewAPIHandler(database, service.Pool(), service.Discoverer(), service.InstanceID(), log)
	webui.StartHttpServer(&webui.Config{
		Host:  cfg.Web.Host,
		Port:  cfg.Web.Port,
		Pprof: cfg.Web.Pprof,
	}, log, api)
}
