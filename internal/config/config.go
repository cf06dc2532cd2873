package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fastmail-tools/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const defaultSessionURL = "https://api.fastmail.com/jmap/session"

// Default returns the built-in configuration used when no file is given
func Default() *models.Config {
	home, _ := os.UserHomeDir()
	return &models.Config{
		API: models.APIConfig{
			SessionURL: defaultSessionURL,
			Timeout:    30 * time.Second,
		},
		Daemon: models.DaemonConfig{
			Logfile:    filepath.Join(home, ".fastmail.log"),
			StatePath:  filepath.Join(home, ".fastmail.state.db"),
			Interval:   60 * time.Second,
			Backfill:   0,
			FetchLimit: 50,
		},
	}
}

// Load reads the configuration from the specified YAML file and returns a
// Config struct. An empty path yields the defaults; fields absent from the
// file keep their default values.
func Load(path string) (*models.Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(configFile, config); err != nil {
		return nil, err
	}

	if config.API.SessionURL == "" {
		config.API.SessionURL = defaultSessionURL
	}
	if config.API.Timeout <= 0 {
		config.API.Timeout = 30 * time.Second
	}
	if config.Daemon.Interval <= 0 {
		config.Daemon.Interval = 60 * time.Second
	}
	if config.Daemon.FetchLimit <= 0 {
		config.Daemon.FetchLimit = 50
	}

	return config, nil
}

// Token returns the JMAP bearer token from the FASTMAIL_TOKEN environment
// variable, loading a local .env file first if one exists.
func Token() (string, error) {
	_ = godotenv.Load()

	token := os.Getenv("FASTMAIL_TOKEN")
	if token == "" {
		return "", fmt.Errorf("FASTMAIL_TOKEN environment variable not set")
	}
	return token, nil
}
