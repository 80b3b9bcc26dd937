package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Gurpartap/runguard/guard"
	"github.com/Gurpartap/runguard/policy/limits"
	"github.com/Gurpartap/runguard/stream"
)

const (
	defaultHTTPAddr        = "127.0.0.1:8080"
	defaultShutdownTimeout = 5 * time.Second
	defaultLogFormat       = LogFormatText
	defaultLogLevel        = slog.LevelInfo
	defaultTickInterval    = guard.DefaultTickInterval
	defaultBusQueueSize    = 64
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config controls HTTP boot, logging and the guard defaults.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogFormat       LogFormat
	LogLevel        slog.Level
	TickInterval    time.Duration
	BusQueueSize    int
	// DefaultPolicy applies to executions registered without explicit limits.
	DefaultPolicy limits.Policy
	Retention     stream.Retention
}

// Load reads runtime configuration from environment variables.
func Load() (Config, error) {
	cfg := Default()

	if addr := strings.TrimSpace(os.Getenv("RUNGUARD_HTTP_ADDR")); addr != "" {
		cfg.HTTPAddr = addr
	}
	if timeout := strings.TrimSpace(os.Getenv("RUNGUARD_SHUTDOWN_TIMEOUT")); timeout != "" {
		parsed, err := parsePositiveDuration("RUNGUARD_SHUTDOWN_TIMEOUT", timeout)
		if err != nil {
			return Config{}, err
		}
		cfg.ShutdownTimeout = parsed
	}
	if level := strings.TrimSpace(os.Getenv("RUNGUARD_LOG_LEVEL")); level != "" {
		parsed, err := parseLogLevel(level)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = parsed
	}
	if format := strings.TrimSpace(os.Getenv("RUNGUARD_LOG_FORMAT")); format != "" {
		parsed, err := parseLogFormat(format)
		if err != nil {
			return Config{}, err
		}
		cfg.LogFormat = parsed
	}
	if tick := strings.TrimSpace(os.Getenv("RUNGUARD_TICK_INTERVAL")); tick != "" {
		parsed, err := parsePositiveDuration("RUNGUARD_TICK_INTERVAL", tick)
		if err != nil {
			return Config{}, err
		}
		cfg.TickInterval = parsed
	}
	if size := strings.TrimSpace(os.Getenv("RUNGUARD_BUS_QUEUE_SIZE")); size != "" {
		parsed, err := strconv.Atoi(size)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUNGUARD_BUS_QUEUE_SIZE: %w", err)
		}
		cfg.BusQueueSize = parsed
	}

	if steps := strings.TrimSpace(os.Getenv("RUNGUARD_MAX_STEPS")); steps != "" {
		parsed, err := strconv.ParseInt(steps, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUNGUARD_MAX_STEPS: %w", err)
		}
		cfg.DefaultPolicy.MaxSteps = limits.Count(parsed)
	}
	if duration := strings.TrimSpace(os.Getenv("RUNGUARD_MAX_DURATION")); duration != "" {
		parsed, err := time.ParseDuration(duration)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUNGUARD_MAX_DURATION: %w", err)
		}
		cfg.DefaultPolicy.MaxDuration = limits.Duration(parsed)
	}
	if tokens := strings.TrimSpace(os.Getenv("RUNGUARD_MAX_TOKENS")); tokens != "" {
		parsed, err := strconv.ParseInt(tokens, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUNGUARD_MAX_TOKENS: %w", err)
		}
		cfg.DefaultPolicy.MaxTokens = limits.Count(parsed)
	}
	if cost := strings.TrimSpace(os.Getenv("RUNGUARD_MAX_COST")); cost != "" {
		parsed, err := decimal.NewFromString(cost)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUNGUARD_MAX_COST: %w", err)
		}
		cfg.DefaultPolicy.MaxCost = limits.Cost(parsed)
	}

	if maxEvents := strings.TrimSpace(os.Getenv("RUNGUARD_RETENTION_MAX_EVENTS")); maxEvents != "" {
		parsed, err := strconv.Atoi(maxEvents)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUNGUARD_RETENTION_MAX_EVENTS: %w", err)
		}
		cfg.Retention.MaxEventsPerExecution = parsed
	}
	if maxAge := strings.TrimSpace(os.Getenv("RUNGUARD_RETENTION_MAX_AGE")); maxAge != "" {
		parsed, err := time.ParseDuration(maxAge)
		if err != nil {
			return Config{}, fmt.Errorf("parse RUNGUARD_RETENTION_MAX_AGE: %w", err)
		}
		cfg.Retention.MaxAge = parsed
	}
	if grace := strings.TrimSpace(os.Getenv("RUNGUARD_RETENTION_GRACE")); grace != "" {
		parsed, err := parsePositiveDuration("RUNGUARD_RETENTION_GRACE", grace)
		if err != nil {
			return Config{}, err
		}
		cfg.Retention.GraceAfterTerminal = parsed
	}
	if interval := strings.TrimSpace(os.Getenv("RUNGUARD_RETENTION_SWEEP_INTERVAL")); interval != "" {
		parsed, err := parsePositiveDuration("RUNGUARD_RETENTION_SWEEP_INTERVAL", interval)
		if err != nil {
			return Config{}, err
		}
		cfg.Retention.SweepInterval = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Default() Config {
	return Config{
		HTTPAddr:        defaultHTTPAddr,
		ShutdownTimeout: defaultShutdownTimeout,
		LogFormat:       defaultLogFormat,
		LogLevel:        defaultLogLevel,
		TickInterval:    defaultTickInterval,
		BusQueueSize:    defaultBusQueueSize,
		Retention: stream.Retention{
			MaxEventsPerExecution: stream.DefaultMaxEventsPerExecution,
			GraceAfterTerminal:    stream.DefaultGraceAfterTerminal,
			SweepInterval:         stream.DefaultSweepInterval,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("validate config: RUNGUARD_HTTP_ADDR must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("validate config: RUNGUARD_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.TickInterval <= 0 {
		return errors.New("validate config: RUNGUARD_TICK_INTERVAL must be > 0")
	}
	if c.BusQueueSize <= 0 {
		return errors.New("validate config: RUNGUARD_BUS_QUEUE_SIZE must be > 0")
	}
	if c.Retention.MaxEventsPerExecution <= 0 {
		return errors.New("validate config: RUNGUARD_RETENTION_MAX_EVENTS must be > 0")
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := c.DefaultPolicy.Validate(); err != nil {
		return fmt.Errorf("validate config: default policy: %w", err)
	}

	switch c.LogLevel {
	case slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError:
	default:
		return fmt.Errorf(
			"validate config: unsupported RUNGUARD_LOG_LEVEL %q (allowed: %q, %q, %q, %q)",
			c.LogLevel.String(),
			slog.LevelDebug.String(),
			slog.LevelInfo.String(),
			slog.LevelWarn.String(),
			slog.LevelError.String(),
		)
	}

	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf(
			"validate config: unsupported RUNGUARD_LOG_FORMAT %q (allowed: %q, %q)",
			c.LogFormat,
			LogFormatText,
			LogFormatJSON,
		)
	}

	return nil
}

func parsePositiveDuration(name, input string) (time.Duration, error) {
	parsed, err := time.ParseDuration(input)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: value must be > 0", name)
	}
	return parsed, nil
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf(
			"parse RUNGUARD_LOG_LEVEL: unsupported value %q (allowed: %q, %q, %q, %q)",
			input,
			slog.LevelDebug.String(),
			slog.LevelInfo.String(),
			slog.LevelWarn.String(),
			slog.LevelError.String(),
		)
	}
}

func parseLogFormat(input string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf(
			"parse RUNGUARD_LOG_FORMAT: unsupported value %q (allowed: %q, %q)",
			input,
			LogFormatText,
			LogFormatJSON,
		)
	}
}
