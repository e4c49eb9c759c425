// Package config provides configuration loading and management for ctpack.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Compression parameters
	Compression struct {
		// BodyThreshold is the HU value above which a voxel counts as body
		// rather than air/background
		BodyThreshold int `yaml:"bodyThreshold"`

		// DeltaThreshold is the materiality cutoff: only voxel changes with
		// an absolute delta strictly greater than this are stored
		DeltaThreshold int `yaml:"deltaThreshold"`

		// ClipMin and ClipMax bound the HU range of the reference slice
		ClipMin int `yaml:"clipMin"`
		ClipMax int `yaml:"clipMax"`

		// Codec selects the container payload compression: none, zstd or lz4
		Codec string `yaml:"codec"`

		// NumCores specifies how many CPU cores to use for parallel encoding
		NumCores int `yaml:"numCores"`
	} `yaml:"compression"`

	// Verification parameters
	Verification struct {
		// Enabled controls whether compression runs a decode-and-compare pass
		Enabled bool `yaml:"enabled"`

		// MinPSNR is the minimum acceptable peak signal-to-noise ratio in dB
		MinPSNR float64 `yaml:"minPsnr"`

		// MinSSIM is the minimum acceptable structural similarity index
		MinSSIM float64 `yaml:"minSsim"`
	} `yaml:"verification"`

	// Loader parameters for DICOM input
	Loader struct {
		// Modality restricts series selection to this DICOM modality
		Modality string `yaml:"modality"`

		// MinSlices is the minimum series length worth loading
		MinSlices int `yaml:"minSlices"`
	} `yaml:"loader"`

	// Export parameters for preview bundles
	Export struct {
		// SliceCount is the number of representative slices to export
		SliceCount int `yaml:"sliceCount"`

		// MontageRows and MontageCols shape the overview montage grid
		MontageRows int `yaml:"montageRows"`
		MontageCols int `yaml:"montageCols"`

		// WindowCenter and WindowWidth define the HU display window
		WindowCenter float64 `yaml:"windowCenter"`
		WindowWidth  float64 `yaml:"windowWidth"`
	} `yaml:"export"`

	// Evaluation parameters for the screening harness
	Evaluation struct {
		// LungLow and LungHigh bound the lung-density HU band
		LungLow  int `yaml:"lungLow"`
		LungHigh int `yaml:"lungHigh"`

		// SoftTissueHU is the density threshold for nodule candidates
		SoftTissueHU int `yaml:"softTissueHu"`

		// DilateIterations expands the lung mask before candidate search
		DilateIterations int `yaml:"dilateIterations"`

		// MinNoduleVoxels is the smallest component considered significant
		MinNoduleVoxels int `yaml:"minNoduleVoxels"`
	} `yaml:"evaluation"`

	// Server parameters for the REST job queue
	Server struct {
		// Address is the listen address, e.g. ":8000"
		Address string `yaml:"address"`

		// JobRoot is the directory holding per-job working directories
		JobRoot string `yaml:"jobRoot"`

		// MaxConcurrentJobs caps how many compression jobs run at once
		MaxConcurrentJobs int `yaml:"maxConcurrentJobs"`

		// MaxUploadMB caps the accepted size of uploaded zip archives
		MaxUploadMB int `yaml:"maxUploadMb"`

		// LogFile, when set, sends server logs to a rotating file
		LogFile string `yaml:"logFile"`

		// MaxLogSizeMB is the rotation size for the log file in megabytes
		MaxLogSizeMB int `yaml:"maxLogSizeMb"`

		// MaxLogAgeDays is how long rotated log files are kept
		MaxLogAgeDays int `yaml:"maxLogAgeDays"`
	} `yaml:"server"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default compression parameters
	cfg.Compression.BodyThreshold = -900
	cfg.Compression.DeltaThreshold = 25
	cfg.Compression.ClipMin = -4096
	cfg.Compression.ClipMax = 4095
	cfg.Compression.Codec = "zstd"
	cfg.Compression.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default verification parameters
	cfg.Verification.Enabled = true
	cfg.Verification.MinPSNR = 35.0
	cfg.Verification.MinSSIM = 0.90

	// Set default loader parameters
	cfg.Loader.Modality = "CT"
	cfg.Loader.MinSlices = 20

	// Set default export parameters
	cfg.Export.SliceCount = 8
	cfg.Export.MontageRows = 3
	cfg.Export.MontageCols = 3
	cfg.Export.WindowCenter = -600
	cfg.Export.WindowWidth = 1500

	// Set default evaluation parameters
	cfg.Evaluation.LungLow = -900
	cfg.Evaluation.LungHigh = -200
	cfg.Evaluation.SoftTissueHU = 30
	cfg.Evaluation.DilateIterations = 5
	cfg.Evaluation.MinNoduleVoxels = 50

	// Set default server parameters
	cfg.Server.Address = ":8000"
	cfg.Server.JobRoot = "jobs"
	cfg.Server.MaxConcurrentJobs = 2
	cfg.Server.MaxUploadMB = 512
	cfg.Server.LogFile = ""
	cfg.Server.MaxLogSizeMB = 100
	cfg.Server.MaxLogAgeDays = 30

	return cfg
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

	if err := cfg.Validate(); err != nil {
		return nil, err
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

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the configuration for values the pipeline cannot work with
func (c *Config) Validate() error {
	if c.Compression.ClipMin >= c.Compression.ClipMax {
		return fmt.Errorf("invalid clip range [%d, %d]: min must be below max",
			c.Compression.ClipMin, c.Compression.ClipMax)
	}
	if c.Compression.DeltaThreshold < 0 {
		return fmt.Errorf("delta threshold must be non-negative, got %d", c.Compression.DeltaThreshold)
	}
	switch c.Compression.Codec {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown payload codec %q (expected none, zstd or lz4)", c.Compression.Codec)
	}
	if c.Compression.NumCores < 1 {
		c.Compression.NumCores = runtime.NumCPU()
	}
	return nil
}
