package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// DotEnv is the outcome of loading .env files. Loading happens before the
// logger exists, so the result is logged later with Log.
type DotEnv struct {
	Err error
}

// LoadDotEnv loads files (".env" when none are given) into the process
// environment without overriding variables that are already set.
func LoadDotEnv(files ...string) DotEnv {
	return DotEnv{Err: godotenv.Load(files...)}
}

// Log reports the outcome. A missing file is expected; a malformed one is
// a warning because its settings were silently skipped.
func (d DotEnv) Log(logger *slog.Logger) {
	switch {
	case d.Err == nil:
		logger.Debug("Loaded .env file")
	case errors.Is(d.Err, fs.ErrNotExist):
		logger.Info("No .env file found, using environment variables")
	default:
		logger.Warn("Failed to load .env file, using environment variables", "error", d.Err)
	}
}
