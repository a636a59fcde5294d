package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/victorgomez09/inkwell/internal/app"
	"github.com/victorgomez09/inkwell/internal/config"
	"github.com/victorgomez09/inkwell/internal/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to main config file")
	customLogConfigs := flag.String("log-config", "", "comma-separated paths to custom provided log config files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logManager, logger := initializeLogging(cfg.LogConfigs, *customLogConfigs)
	defer closeLoggers(logManager)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Logs: logManager})
	if err != nil {
		logger.Error("Failed to initialize inkwell", zap.Error(err))
		closeLoggers(logManager)
		os.Exit(1)
	}

	runErr := a.Run(ctx)
	if runErr != nil {
		logger.Error("Server error triggered shutdown", zap.Error(runErr))
	} else {
		logger.Warn("Shutdown signal received, releasing resources")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	if runErr != nil {
		cancel()
		closeLoggers(logManager)
		os.Exit(1)
	}
}

// initializeLogging builds the loggers from the configured files plus any
// passed on the command line.
func initializeLogging(paths []string, custom string) (*logger.Manager, *zap.Logger) {
	for _, p := range strings.Split(custom, ",") {
		if tp := strings.TrimSpace(p); tp != "" {
			paths = append(paths, tp)
		}
	}

	logManager, err := logger.Load(paths)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logManager, logManager.Logger("inkwell")
}

// Ensure that all logger buffers are flushed before the application exits.
func closeLoggers(logManager *logger.Manager) {
	if err := logManager.Sync(); err != nil {
		log.Printf("Failed to sync loggers: %v", err)
	}
	if err := logManager.Close(); err != nil {
		log.Printf("Failed to close loggers: %v", err)
	}
}
