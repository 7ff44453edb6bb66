// Package config loads stamon's process-wide environment configuration.
// Load returns it as a value and the package keeps no global state;
// main holds the result and passes it on explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Env holds the required and optional environment variables.
type Env struct {
	DataPath   string // required: directory for the SQLite database, created if absent
	AssetsPath string // optional, default "assets"
	JWTSecret  []byte // required
}

// DBPath returns the path to the SQLite database file under DataPath.
func (e Env) DBPath() string {
	return filepath.Join(e.DataPath, "stamon.db")
}

// Load reads the environment. DATA_PATH and JWT_SECRET are required;
// ASSETS_PATH defaults to "assets". DATA_PATH is created if it does
// not already exist.
func Load() (Env, error) {
	dataPath := os.Getenv("DATA_PATH")
	if dataPath == "" {
		return Env{}, fmt.Errorf("config: DATA_PATH is required")
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return Env{}, fmt.Errorf("config: create DATA_PATH: %w", err)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return Env{}, fmt.Errorf("config: JWT_SECRET is required")
	}

	assetsPath := os.Getenv("ASSETS_PATH")
	if assetsPath == "" {
		assetsPath = "assets"
	}

	return Env{
		DataPath:   dataPath,
		AssetsPath: assetsPath,
		JWTSecret:  []byte(secret),
	}, nil
}
