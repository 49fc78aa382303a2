package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString returns the variable's value, or fallback when it is unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt parses an integer variable. Unparsable values log and fall back.
func GetInt(key string, fallback int) int {
	return parse(key, fallback, strconv.Atoi)
}

// GetBool parses a boolean variable. Unparsable values log and fall back.
func GetBool(key string, fallback bool) bool {
	return parse(key, fallback, strconv.ParseBool)
}

// GetDuration reads a whole number of units, e.g. GIT_TIMEOUT_SECONDS=120
// with unit time.Second.
func GetDuration(key string, unit time.Duration, fallback int) time.Duration {
	n := GetInt(key, fallback)
	if n < 0 {
		slog.Warn("negative duration in environment, using default", "key", key, "value", n)
		n = fallback
	}
	return time.Duration(n) * unit
}

// GetList splits a comma separated variable, dropping empty entries.
func GetList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parse[T any](key string, fallback T, fn func(string) (T, error)) T {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := fn(strings.TrimSpace(value))
	if err != nil {
		slog.Warn("invalid value in environment, using default", "key", key, "error", err)
		return fallback
	}
	return parsed
}
