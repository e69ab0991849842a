package robot

import (
	"encoding/json"
	"os"
)

const DefaultConfigFile = "rosarm.json"

// Config holds the robot configuration
type Config struct {
	Port            string      `json:"port"`
	StepDegrees     float64     `json:"step_degrees"`
	ThresholdDeg    float64     `json:"threshold_degrees"`
	MinIntervalMs   int         `json:"min_interval_ms"`
	TickHz          int         `json:"tick_hz"`
	Calibration     Calibration `json:"calibration,omitempty"`
	FirmwareVersion string      `json:"firmware_version,omitempty"`
}

// DefaultConfig returns the stock tuning for the Rosmaster arm.
func DefaultConfig() *Config {
	return &Config{
		Port:          "/dev/myserial",
		StepDegrees:   2.0,
		ThresholdDeg:  1.0,
		MinIntervalMs: 100,
		TickHz:        20,
	}
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the default config file exists
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}
