package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/theonlypal/collabfs/config"
	"github.com/theonlypal/collabfs/hub"
	"github.com/theonlypal/collabfs/server"
	"github.com/theonlypal/collabfs/store"
)

// Functions

// initStore of the correct implementation specified in the config to be
// used as the hub's snapshot store.
func initStore(conf *config.Config) (store.Store, error) {

	switch conf.Hub.StoreAdapter {
	case "StorePostgres":
		// Connect to PostgreSQL database.
		return store.NewPostgresStore(
			context.Background(),
			conf.Hub.StorePostgres.IP,
			conf.Hub.StorePostgres.Port,
			conf.Hub.StorePostgres.Database,
			conf.Hub.StorePostgres.User,
			conf.Hub.StorePostgres.Password,
			conf.Hub.StorePostgres.UseTLS,
		)
	default: // StoreDir
		// Keep one snapshot file per session under the root directory.
		return store.NewDirStore(conf.Hub.StoreDir.Root)
	}
}

// initLogger initializes a JSON gokit-logger set to the according log
// level supplied via cli flag.
func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

func main() {

	// Set CPUs usable by the hub to all available.
	runtime.GOMAXPROCS(runtime.NumCPU())

	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	// Read configuration from file.
	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to load the config", "err", err,
		)
		os.Exit(1)
	}

	// Merge deployment secrets from the .env file, if one exists.
	if env, err := config.LoadEnv(); err == nil {
		config.ApplyEnv(conf, env)
	}

	snapshots, err := initStore(conf)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to initialize the snapshot store",
			"err", err,
		)
		os.Exit(2)
	}

	srv, err := server.InitServer(conf)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to open the hub listener",
			"err", err,
		)
		os.Exit(3)
	}

	metrics := NewCollabMetrics(conf.Hub.PrometheusAddr)
	go runPromHTTP(logger, conf.Hub.PrometheusAddr)

	var service hub.Service
	service = hub.NewService(logger, snapshots, hub.Options{
		HeartbeatInterval: conf.Hub.HeartbeatInterval.Duration,
		SnapshotInterval:  conf.Hub.SnapshotInterval.Duration,
		SendQueueLength:   conf.Hub.SendQueueLength,
		MaxFrameBytes:     conf.Hub.MaxFrameBytes,
		WriteTimeout:      conf.Hub.WriteTimeout.Duration,
	})
	service = hub.NewLoggingService(service, logger)
	service = hub.NewMetricsService(service,
		metrics.Hub.Joins,
		metrics.Hub.Leaves,
		metrics.Hub.AppliedUpdates,
		metrics.Hub.RelayedFrames,
		metrics.Hub.Snapshots,
		metrics.Hub.Connections,
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- service.Serve(srv.Socket)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {

	case sig := <-sigs:
		level.Info(logger).Log("msg", "received signal, shutting down", "signal", sig.String())

	case err := <-serveErr:
		if err != nil {
			level.Error(logger).Log("msg", "hub serve loop failed", "err", err)
			os.Exit(4)
		}
		return
	}

	// Shutdown completes only after every final snapshot returned,
	// success or logged failure.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := service.Shutdown(ctx); err != nil {
		level.Error(logger).Log("msg", "graceful shutdown incomplete", "err", err)
		os.Exit(5)
	}
}
