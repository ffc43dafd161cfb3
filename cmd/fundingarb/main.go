package main

import (
	"fmt"
	"io"
	"os"

	"github.com/gregtusar/fundingarb/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger
	logFile io.Closer
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fundingarb",
		Short: "Cross-venue funding rate arbitrage engine",
		Long: `Scans perpetual funding rates across venues, opens paired long/short positions
when the hourly spread is wide enough, and unwinds them when the spread decays.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(newRunCmd(), newStatusCmd(), newHistoryCmd())

	err := rootCmd.Execute()
	closeLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	f, err := setupLogger(logger, cfg.Logging)
	if err != nil {
		return nil, err
	}
	logFile = f
	return cfg, nil
}

// closeLog points the logger back at stdout and releases the log file.
func closeLog() {
	if logFile == nil {
		return
	}
	if logger != nil {
		logger.SetOutput(os.Stdout)
	}
	if err := logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
	logFile = nil
}

// setupLogger applies format and level. When a log file is configured the
// returned file must be closed by the caller; otherwise it is nil.
func setupLogger(l *logrus.Logger, cfg config.LoggingConfig) (io.Closer, error) {
	switch cfg.Format {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
		return f, nil
	}
	return nil, nil
}
