package models

import "time"

// Config represents the application configuration
type Config struct {
	API    APIConfig    `yaml:"api"`
	Daemon DaemonConfig `yaml:"daemon"`
}

// APIConfig holds JMAP endpoint settings
type APIConfig struct {
	SessionURL string        `yaml:"sessionUrl"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DaemonConfig holds tail-daemon settings
type DaemonConfig struct {
	Logfile    string        `yaml:"logfile"`
	StatePath  string        `yaml:"statePath"`
	Interval   time.Duration `yaml:"interval"`
	Backfill   int           `yaml:"backfill"`
	FetchLimit int           `yaml:"fetchLimit"`
}
