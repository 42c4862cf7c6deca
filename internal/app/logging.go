package app

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Форматы логов.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LoggerOptions управляет глобальным logrus-логгером процесса.
type LoggerOptions struct {
	Level  string
	Format string
	Output io.Writer
}

// LoggerOptionsFromEnv читает LEDGER_LOG_LEVEL и LEDGER_LOG_FORMAT.
func LoggerOptionsFromEnv() LoggerOptions {
	opts := LoggerOptions{Level: "info", Format: LogFormatText}
	if v, ok := lookup("LOG_LEVEL"); ok {
		opts.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		opts.Format = v
	}
	return opts
}

// ConfigureLogger настраивает формат и уровень глобального логгера.
func ConfigureLogger(opts LoggerOptions) error {
	level, err := log.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", LogFormatText:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case LogFormatJSON:
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format %q", opts.Format)
	}

	log.SetLevel(level)
	if opts.Output != nil {
		log.SetOutput(opts.Output)
	}
	return nil
}
