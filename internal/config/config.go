// Package config loads runtime settings from the environment, optionally
// seeded from a .env file, and falls back to defaults for anything unset or
// invalid.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string
	LogLevel        string
	AllowedOrigins  []string // empty or "*" allows every origin
	MaxMessageSize  int64
	SendBuffer      int
	ShutdownTimeout time.Duration
	JournalDSN      string // empty disables the presence journal
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		LogLevel:        "info",
		MaxMessageSize:  4096,
		SendBuffer:      256,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads .env from the working directory if present, then the
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Default(), fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(), nil
}

func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		cfg.MaxMessageSize = int64(parsePositive(v, int(cfg.MaxMessageSize)))
	}
	if v := os.Getenv("SEND_BUFFER"); v != "" {
		cfg.SendBuffer = parsePositive(v, cfg.SendBuffer)
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		cfg.ShutdownTimeout = time.Duration(parsePositive(v, int(cfg.ShutdownTimeout/time.Second))) * time.Second
	}
	cfg.JournalDSN = os.Getenv("JOURNAL_DSN")

	return cfg
}

func parseList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePositive(v string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		return n
	}
	return def
}
