package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "ISSUESPAN_GITHUB_TOKEN"

	defaultDatabasePath = "github_issues.db"
	defaultPerPage      = 100
	defaultWorkers      = 1
)

// Config represents the application configuration
type Config struct {
	// Organization whose repositories are synced
	OrgName string `yaml:"org_name"`

	// GitHub API token for authentication (optional, can be set via ISSUESPAN_GITHUB_TOKEN env var)
	GitHubToken string `yaml:"github_token"`

	// Path to the SQLite database file
	DatabasePath string `yaml:"database_path"`

	// Log level: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// Page size for paginated GitHub API calls (max 100)
	PerPage int `yaml:"per_page"`

	// Number of repositories synced concurrently
	Workers int `yaml:"workers"`
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Check for GitHub token in environment variable
	if envToken := os.Getenv(EnvGithubToken); envToken != "" {
		config.GitHubToken = envToken
	}

	if config.DatabasePath == "" {
		config.DatabasePath = defaultDatabasePath
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.PerPage <= 0 || config.PerPage > 100 {
		config.PerPage = defaultPerPage
	}
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}

	// Make database path absolute if it's relative
	if !filepath.IsAbs(config.DatabasePath) {
		configDir := filepath.Dir(path)
		config.DatabasePath = filepath.Join(configDir, config.DatabasePath)
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := &Config{
		OrgName:      "example-org",
		GitHubToken:  "",
		DatabasePath: defaultDatabasePath,
		LogLevel:     "info",
		PerPage:      defaultPerPage,
		Workers:      defaultWorkers,
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}
