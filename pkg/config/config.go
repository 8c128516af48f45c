package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Provider names accepted by Validate and SpecsFor
const (
	ProviderAWS     = "aws"
	ProviderHetzner = "hetzner"
	ProviderMemory  = "memory"
)

// Config holds the application configuration
type Config struct {
	Testbed     string
	Specs       string
	StoragePath string
	AWS         AWSConfig
	Hetzner     HetznerConfig
}

// AWSConfig holds AWS-specific configuration
type AWSConfig struct {
	AccessKey    string
	SecretKey    string
	Regions      []string
	InstanceType string
	NVMe         bool
}

// HetznerConfig holds Hetzner Cloud configuration
type HetznerConfig struct {
	Token      string
	ServerType string
	Image      string
}

// LoadConfig loads configuration from environment variables. Credentials
// are checked separately by Validate, for the provider actually used.
func LoadConfig() (*Config, error) {
	nvme, err := strconv.ParseBool(getEnvOrDefault("AWS_NVME", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid AWS_NVME value: %w", err)
	}

	config := &Config{
		Testbed:     getEnvOrDefault("TESTBED_NAME", "testbed"),
		Specs:       os.Getenv("TESTBED_SPECS"),
		StoragePath: os.Getenv("TESTBED_STORAGE"),
		AWS: AWSConfig{
			AccessKey:    os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
			Regions:      splitList(getEnvOrDefault("AWS_REGIONS", getEnvOrDefault("AWS_REGION", "us-east-1"))),
			InstanceType: getEnvOrDefault("AWS_INSTANCE_TYPE", "t2.nano"),
			NVMe:         nvme,
		},
		Hetzner: HetznerConfig{
			Token:      os.Getenv("HCLOUD_TOKEN"),
			ServerType: getEnvOrDefault("HCLOUD_SERVER_TYPE", "cx22"),
			Image:      getEnvOrDefault("HCLOUD_IMAGE", "ubuntu-22.04"),
		},
	}

	if config.StoragePath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			config.StoragePath = filepath.Join(os.TempDir(), "testbed.json")
		} else {
			config.StoragePath = filepath.Join(homeDir, ".testbed", "instances.json")
		}
	}

	return config, nil
}

// Validate checks that the settings the given provider needs are present
func (c *Config) Validate(provider string) error {
	if c.Testbed == "" {
		return errors.New("TESTBED_NAME cannot be empty")
	}

	switch provider {
	case ProviderAWS:
		if c.AWS.AccessKey == "" {
			return errors.New("AWS_ACCESS_KEY_ID environment variable is required")
		}
		if c.AWS.SecretKey == "" {
			return errors.New("AWS_SECRET_ACCESS_KEY environment variable is required")
		}
		if len(c.AWS.Regions) == 0 {
			return errors.New("at least one AWS region is required")
		}
	case ProviderHetzner:
		if c.Hetzner.Token == "" {
			return errors.New("HCLOUD_TOKEN environment variable is required")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("unsupported provider: %s", provider)
	}

	return nil
}

// SpecsFor returns the machine specs instances of provider are created
// with. TESTBED_SPECS overrides the provider default.
func (c *Config) SpecsFor(provider string) string {
	if c.Specs != "" {
		return c.Specs
	}

	switch provider {
	case ProviderAWS:
		return c.AWS.InstanceType
	case ProviderHetzner:
		return c.Hetzner.ServerType
	default:
		return "memory"
	}
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList splits a comma-separated list, dropping empty entries
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// ValidatePublicKeyPath validates that the public key file exists and is readable
func ValidatePublicKeyPath(path string) error {
	if path == "" {
		return errors.New("public key path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New("public key file does not exist")
		}
		return err
	}

	if info.IsDir() {
		return errors.New("public key path is a directory, not a file")
	}

	file, err := os.Open(path)
	if err != nil {
		return errors.New("cannot read public key file")
	}
	file.Close()

	return nil
}
