package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	DBPath           string
	Hostname         string
	Interval         time.Duration
	StoreFormat      string
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	SysfsRoot        string
	LogLevel         slog.Level
	Device           DeviceConfig
	Inspect          InspectConfig
	Log              LogConfig
	WS               WebsocketConfig
}

// DeviceConfig selects the GPU query backend.
type DeviceConfig struct {
	Backend      string
	SMIPath      string
	QueryTimeout time.Duration
}

// InspectConfig selects the process inspector backend.
type InspectConfig struct {
	Backend string
	Timeout time.Duration
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		DBPath:           defaultDBPath(),
		Hostname:         defaultHostname(),
		Interval:         120 * time.Second,
		StoreFormat:      "bolt",
		ListenAddr:       "",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: true,
		EnablePprof:      false,
		SysfsRoot:        "/sys",
		LogLevel:         slog.LevelInfo,
		Device: DeviceConfig{
			Backend:      "smi",
			SMIPath:      "nvidia-smi",
			QueryTimeout: 10 * time.Second,
		},
		Inspect: InspectConfig{
			Backend: "auto",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		WS: WebsocketConfig{
			MaxClients:   16,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}

	if value := strings.TrimSpace(os.Getenv("APP_DB_PATH")); value != "" {
		cfg.DBPath = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_HOSTNAME")); value != "" {
		cfg.Hostname = value
	}
	if cfg.Hostname == "" {
		return Config{}, fmt.Errorf("APP_HOSTNAME must be set when the system hostname is unavailable")
	}

	if value := strings.TrimSpace(os.Getenv("APP_INTERVAL")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_INTERVAL: %w", err)
		}
		if duration < time.Second {
			return Config{}, fmt.Errorf("APP_INTERVAL must be >= 1s")
		}
		cfg.Interval = duration
	}

	if value := strings.TrimSpace(os.Getenv("APP_STORE_FORMAT")); value != "" {
		format := strings.ToLower(value)
		if format != "bolt" && format != "jsonl" {
			return Config{}, fmt.Errorf("APP_STORE_FORMAT must be one of bolt, jsonl")
		}
		cfg.StoreFormat = format
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_DEVICE_BACKEND")); value != "" {
		backend := strings.ToLower(value)
		if backend != "smi" && backend != "nvml" {
			return Config{}, fmt.Errorf("APP_DEVICE_BACKEND must be one of smi, nvml")
		}
		cfg.Device.Backend = backend
	}

	if value := strings.TrimSpace(os.Getenv("APP_SMI_PATH")); value != "" {
		cfg.Device.SMIPath = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_QUERY_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_QUERY_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_QUERY_TIMEOUT must be > 0")
		}
		cfg.Device.QueryTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_INSPECT_BACKEND")); value != "" {
		backend := strings.ToLower(value)
		if backend != "auto" && backend != "gopsutil" && backend != "ps" {
			return Config{}, fmt.Errorf("APP_INSPECT_BACKEND must be one of auto, gopsutil, ps")
		}
		cfg.Inspect.Backend = backend
	}

	if value := strings.TrimSpace(os.Getenv("APP_INSPECT_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_INSPECT_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_INSPECT_TIMEOUT must be > 0")
		}
		cfg.Inspect.Timeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_FILE")); value != "" {
		cfg.Log.File = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_MAX_SIZE_MB")); value != "" {
		size, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_MAX_SIZE_MB: %w", err)
		}
		if size <= 0 {
			return Config{}, fmt.Errorf("APP_LOG_MAX_SIZE_MB must be > 0")
		}
		cfg.Log.MaxSizeMB = size
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_MAX_BACKUPS")); value != "" {
		backups, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_MAX_BACKUPS: %w", err)
		}
		if backups < 0 {
			return Config{}, fmt.Errorf("APP_LOG_MAX_BACKUPS must be >= 0")
		}
		cfg.Log.MaxBackups = backups
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_MAX_AGE_DAYS")); value != "" {
		age, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_MAX_AGE_DAYS: %w", err)
		}
		if age < 0 {
			return Config{}, fmt.Errorf("APP_LOG_MAX_AGE_DAYS must be >= 0")
		}
		cfg.Log.MaxAgeDays = age
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_COMPRESS")); value != "" {
		compress, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_COMPRESS: %w", err)
		}
		cfg.Log.Compress = compress
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_WRITE_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_WRITE_TIMEOUT must be > 0")
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_READ_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_READ_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_READ_TIMEOUT must be > 0")
		}
		cfg.WS.ReadTimeout = timeout
	}

	return cfg, nil
}

// defaultDBPath keeps the store next to the executable.
func defaultDBPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func defaultHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
