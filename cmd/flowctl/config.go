package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all flowctl configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string   `json:"listen_addr"` // HTTP panel; empty disables it
	DBPath         string   `json:"db_path"`
	LogLevel       string   `json:"log_level"`
	LogJSON        bool     `json:"log_json"`
	PoolSize       int      `json:"pool_size"` // 0 launches a whole level at once
	ConfirmTimeout Duration `json:"confirm_timeout"`
	ScheduleFile   string   `json:"schedule_file"`
}

// Duration decodes "30s" style strings as well as plain nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(flowctlDir(), "flowctl.db"),
		LogLevel:       "info",
		PoolSize:       0,
		ConfirmTimeout: Duration(30 * time.Second),
		ScheduleFile:   filepath.Join(flowctlDir(), "schedules.yaml"),
	}
}

func flowctlDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowctl"
	}
	return filepath.Join(home, ".flowctl")
}

func settingsPath() string {
	return filepath.Join(flowctlDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file and the environment over the
// defaults. A missing or unreadable settings file is ignored.
func loadConfigFrom(settings string, getenv func(string) string) Config {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settings); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	if v := getenv("FLOWCTL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("FLOWCTL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("FLOWCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("FLOWCTL_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "true" || v == "1"
	}
	if v := getenv("FLOWCTL_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("FLOWCTL_CONFIRM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConfirmTimeout = Duration(d)
		}
	}
	if v := getenv("FLOWCTL_SCHEDULE_FILE"); v != "" {
		cfg.ScheduleFile = v
	}

	if cfg.PoolSize < 0 {
		cfg.PoolSize = 0
	}
	return cfg
}

// dsn turns a database path into a libSQL connection string.
func (c Config) dsn() string {
	if c.DBPath == ":memory:" || strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
