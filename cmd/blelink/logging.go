package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/pkg/config"
)

// loadSettings reads --config and applies --backend and --log-level over it.
// Without --log-level the logger stays at panic level, keeping command output clean.
func loadSettings(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	logger, err := configureLogger(cmd, path != "", cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	cfg.LogLevel = logger.GetLevel()
	return cfg, logger, nil
}

// configureLogger creates a logger with the level from --log-level. When the
// flag is absent the configured level is used only if a config file was given.
func configureLogger(cmd *cobra.Command, fromFile bool, configured logrus.Level) (*logrus.Logger, error) {
	logLevel := logrus.PanicLevel
	if fromFile {
		logLevel = configured
	}

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
