// Package config provides configuration loading and management for geotsdecomp.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"geotsdecomp/internal/models"
)

// FunctionConfig describes one family of temporal basis functions
type FunctionConfig struct {
	// Type is one of polynomial, periodic, step, exponential, logarithmic, sigmoids
	Type string `yaml:"type"`

	// Order of a polynomial
	Order int `yaml:"order,omitempty"`

	// Period of a periodic term in years
	Period float64 `yaml:"period,omitempty"`

	// Tref is the reference epoch (decimal year) of polynomial and periodic terms
	Tref float64 `yaml:"tref,omitempty"`

	// T0 is the onset epoch of steps and transients
	T0 float64 `yaml:"t0,omitempty"`

	// Tau is the relaxation time of exponential and logarithmic transients
	Tau float64 `yaml:"tau,omitempty"`

	// Count is the number of sigmoids spread over the observation span
	Count int `yaml:"count,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// ChunkSize is the edge length of the square spatial tiles, also used as
		// the on-disk chunk geometry of the output stacks
		ChunkSize int `yaml:"chunkSize"`

		// Workers is the number of goroutines solving pixels on each rank
		Workers int `yaml:"workers"`
	} `yaml:"processing"`

	// Model parameters
	Model struct {
		// Functions lists the temporal basis of the design matrix
		Functions []FunctionConfig `yaml:"functions"`

		// ModulatingSplines prepends seasonal modulating columns
		ModulatingSplines int `yaml:"modulatingSplines"`

		// Penalty is the ridge weight applied to regularized parameters
		Penalty float64 `yaml:"penalty"`

		// Insar writes predictions in the interferogram domain
		Insar bool `yaml:"insar"`
	} `yaml:"model"`

	// Stack parameters
	Stack struct {
		// Input is the stack to decompose
		Input string `yaml:"input"`

		// OutputDir receives one stack per category
		OutputDir string `yaml:"outputDir"`

		// Categories lists the reconstructions to write
		Categories []string `yaml:"categories"`
	} `yaml:"stack"`

	// Group parameters
	Group struct {
		// Coordinator is the host:port rank 0 listens on
		Coordinator string `yaml:"coordinator"`

		// Rank of this process
		Rank int `yaml:"rank"`

		// Size of the group; 1 runs without a transport
		Size int `yaml:"size"`
	} `yaml:"group"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// MetricsAddr serves Prometheus metrics when set
		MetricsAddr string `yaml:"metricsAddr"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.ChunkSize = 128
	cfg.Processing.Workers = runtime.NumCPU()

	// Secular rate plus annual and semi-annual terms
	cfg.Model.Functions = []FunctionConfig{
		{Type: "polynomial", Order: 1},
		{Type: "periodic", Period: 1.0},
		{Type: "periodic", Period: 0.5},
	}
	cfg.Model.Penalty = 1.0

	cfg.Stack.OutputDir = "decomposition"
	cfg.Stack.Categories = []string{"full", "secular", "seasonal", "transient"}

	cfg.Group.Coordinator = "127.0.0.1:7070"
	cfg.Group.Size = 1

	cfg.Output.Verbose = false

	return cfg
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("processing.chunkSize must be positive, got %d", c.Processing.ChunkSize))
	}
	if c.Processing.Workers <= 0 {
		errs = append(errs, fmt.Errorf("processing.workers must be positive, got %d", c.Processing.Workers))
	}
	if len(c.Model.Functions) == 0 {
		errs = append(errs, errors.New("model.functions must not be empty"))
	}
	if c.Model.ModulatingSplines < 0 {
		errs = append(errs, fmt.Errorf("model.modulatingSplines must not be negative, got %d", c.Model.ModulatingSplines))
	}
	if c.Model.Penalty < 0 {
		errs = append(errs, fmt.Errorf("model.penalty must not be negative, got %g", c.Model.Penalty))
	}
	for _, name := range c.Stack.Categories {
		cat, err := models.ParseCategory(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cat == models.Step {
			errs = append(errs, errors.New("stack.categories: step is not reconstructed"))
		}
	}
	if c.Group.Size < 1 {
		errs = append(errs, fmt.Errorf("group.size must be at least 1, got %d", c.Group.Size))
	}
	if c.Group.Rank < 0 || c.Group.Rank >= max(c.Group.Size, 1) {
		errs = append(errs, fmt.Errorf("group.rank %d outside [0, %d)", c.Group.Rank, c.Group.Size))
	}
	return errors.Join(errs...)
}

// Categories parses Stack.Categories
func (c *Config) Categories() ([]models.Category, error) {
	out := make([]models.Category, 0, len(c.Stack.Categories))
	for _, name := range c.Stack.Categories {
		cat, err := models.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
