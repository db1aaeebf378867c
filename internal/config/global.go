// internal/config/global.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-edge-platform/shrinkwrap/internal/config/validate"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/security"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/slice"
	"gopkg.in/yaml.v3"
)

var log = logger.Logger()

const (
	ArchiveTarGz = "tar.gz"
	ArchiveTarXz = "tar.xz"
)

// GlobalConfig holds tool-level configuration parameters
type GlobalConfig struct {
	Workers       int    `yaml:"workers" json:"workers"`               // Concurrent fetches during materialize (1-100, default: 8)
	BuildDir      string `yaml:"build_dir" json:"build_dir"`           // Parent of the per-run output roots and archives (default: ./build)
	ArchiveFormat string `yaml:"archive_format" json:"archive_format"` // tar.gz or tar.xz

	Retry  RetryConfig  `yaml:"retry" json:"retry"`   // Package fetch retry policy
	Stores StoresConfig `yaml:"stores" json:"stores"` // Remote endpoints

	BaseSnaps          []string `yaml:"base_snaps" json:"base_snaps"`                     // Packages always fetched on the baseline channel
	ControlPlaneCharms []string `yaml:"control_plane_charms" json:"control_plane_charms"` // Components whose channel selects the container image list

	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// RetryConfig controls how package fetches are retried
type RetryConfig struct {
	Attempts int    `yaml:"attempts" json:"attempts"` // Total attempts, including the first
	Delay    string `yaml:"delay" json:"delay"`       // Fixed delay between attempts, Go duration syntax
}

// StoresConfig lists the remote endpoints the build talks to
type StoresConfig struct {
	CharmhubURL         string `yaml:"charmhub_url" json:"charmhub_url"`
	CharmstoreURL       string `yaml:"charmstore_url" json:"charmstore_url"` // Empty marks the legacy store as retired
	OverlayCatalogURL   string `yaml:"overlay_catalog_url" json:"overlay_catalog_url"`
	ContainerCatalogURL string `yaml:"container_catalog_url" json:"container_catalog_url"`
	ImageRepo           string `yaml:"image_repo" json:"image_repo"`
}

// LoggingConfig controls basic logging behavior
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`                   // debug, info, warn or error
	File  string `yaml:"file,omitempty" json:"file,omitempty"` // Optional log file path for teeing output to disk
}

// Global singleton variables
var (
	globalInstance *GlobalConfig
	globalMutex    sync.RWMutex
	once           sync.Once
)

// SetGlobal sets the global config instance (call once at startup in main.go)
func SetGlobal(config *GlobalConfig) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalInstance = config
}

// Global returns the global config instance
func Global() *GlobalConfig {
	once.Do(func() {
		globalMutex.Lock()
		defer globalMutex.Unlock()
		if globalInstance == nil {
			globalInstance = DefaultGlobalConfig()
		}
	})

	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return globalInstance
}

// DefaultGlobalConfig returns a GlobalConfig with sensible defaults
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Workers:       8,
		BuildDir:      "./build",
		ArchiveFormat: ArchiveTarGz,

		Retry: RetryConfig{
			Attempts: 3,
			Delay:    "2s",
		},

		Stores: StoresConfig{
			CharmhubURL:         "https://api.charmhub.io/v2",
			CharmstoreURL:       "https://api.jujucharms.com/charmstore/v5",
			OverlayCatalogURL:   "https://api.github.com/repos/charmed-kubernetes/bundle/contents/overlays",
			ContainerCatalogURL: "https://api.github.com/repos/charmed-kubernetes/bundle/contents/container-images",
			ImageRepo:           "rocks.canonical.com/cdk/",
		},

		BaseSnaps:          []string{"core18", "core20", "lxd", "snapd"},
		ControlPlaneCharms: []string{"kubernetes-control-plane", "kubernetes-master"},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadGlobalConfig loads configuration from the specified path
func LoadGlobalConfig(configPath string) (*GlobalConfig, error) {
	config := DefaultGlobalConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		if errors.Is(err, os.ErrPermission) {
			log.Warnf("Config file %s is not accessible (%v); using defaults", configPath, err)
			return config, nil
		}
		log.Errorf("Error accessing config file %s: %v", configPath, err)
		return nil, fmt.Errorf("accessing config file %s: %w", configPath, err)
	}

	data, err := security.SafeReadFile(configPath, security.RejectSymlinks)
	if err != nil {
		log.Errorf("Error reading config file %s: %v", configPath, err)
		return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			log.Errorf("Error parsing YAML config: %v", err)
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}

		jsonData, err := json.Marshal(config)
		if err != nil {
			log.Errorf("Error converting config to JSON for validation: %v", err)
			return nil, fmt.Errorf("converting config to JSON for validation: %w", err)
		}

		if err := validate.ValidateConfigJSON(jsonData); err != nil {
			log.Errorf("Schema validation failed: %v", err)
			return nil, fmt.Errorf("schema validation failed: %w", err)
		}

	default:
		log.Errorf("Unsupported config file format: %s", ext)
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml)", ext)
	}

	if err := config.Validate(); err != nil {
		log.Errorf("Config validation failed: %v", err)
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// SaveGlobalConfigWithComments saves the configuration with descriptive
// comments. Used by the config init command to create a starting file.
func (gc *GlobalConfig) SaveGlobalConfigWithComments(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("config path is empty")
	}

	dir := filepath.Dir(configPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			log.Errorf("Failed to create config directory: %v", err)
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	jsonData, err := json.Marshal(gc)
	if err != nil {
		log.Errorf("Error converting config to JSON for validation: %v", err)
		return fmt.Errorf("converting config to JSON for validation: %w", err)
	}

	if err := validate.ValidateConfigJSON(jsonData); err != nil {
		log.Errorf("Config validation failed before save: %v", err)
		return fmt.Errorf("config validation failed before save: %w", err)
	}

	if err := security.SafeWriteFile(configPath, []byte(gc.renderCommentedYAML()), 0600, security.RejectSymlinks); err != nil {
		log.Errorf("Error writing config file: %v", err)
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (gc *GlobalConfig) renderCommentedYAML() string {
	var b strings.Builder

	b.WriteString("# shrinkwrap - Global Configuration\n")
	b.WriteString("# Tool-level settings shared by every bundle build.\n\n")

	fmt.Fprintf(&b, "workers: %d\n", gc.Workers)
	b.WriteString("# Number of concurrent fetches while materializing snaps, resources and images (1-100, default: 8)\n\n")

	fmt.Fprintf(&b, "build_dir: %q\n", gc.BuildDir)
	b.WriteString("# Each build creates <build_dir>/<bundle>[-<channel>]-<timestamp> and, unless skipped,\n")
	b.WriteString("# an archive of that directory next to it (default: ./build)\n\n")

	fmt.Fprintf(&b, "archive_format: %q\n", gc.ArchiveFormat)
	b.WriteString("# Archive written at the end of a build: tar.gz (default) or tar.xz\n\n")

	b.WriteString("retry:\n")
	fmt.Fprintf(&b, "  attempts: %d\n", gc.Retry.Attempts)
	fmt.Fprintf(&b, "  delay: %q\n", gc.Retry.Delay)
	b.WriteString("  # Snap fetches are retried with a fixed delay; other fetch failures abort the build\n\n")

	b.WriteString("stores:\n")
	fmt.Fprintf(&b, "  charmhub_url: %q\n", gc.Stores.CharmhubURL)
	fmt.Fprintf(&b, "  charmstore_url: %q\n", gc.Stores.CharmstoreURL)
	b.WriteString("  # Leave charmstore_url empty to reject cs: charms instead of contacting the retired store\n")
	fmt.Fprintf(&b, "  overlay_catalog_url: %q\n", gc.Stores.OverlayCatalogURL)
	fmt.Fprintf(&b, "  container_catalog_url: %q\n", gc.Stores.ContainerCatalogURL)
	fmt.Fprintf(&b, "  image_repo: %q\n\n", gc.Stores.ImageRepo)

	b.WriteString("base_snaps:\n")
	for _, s := range gc.BaseSnaps {
		fmt.Fprintf(&b, "  - %s\n", s)
	}
	b.WriteString("# Always fetched from the stable channel\n\n")

	b.WriteString("control_plane_charms:\n")
	for _, c := range gc.ControlPlaneCharms {
		fmt.Fprintf(&b, "  - %s\n", c)
	}
	b.WriteString("# The snap channel of these charms selects the container image list\n\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", gc.Logging.Level)
	b.WriteString("  # debug, info, warn or error\n")
	if gc.Logging.File != "" {
		fmt.Fprintf(&b, "  file: %q\n", gc.Logging.File)
		b.WriteString("  # Tee logs to this file in addition to stderr\n")
	}

	return b.String()
}

// Validate checks the configuration for consistency
func (gc *GlobalConfig) Validate() error {
	if gc.Workers <= 0 {
		log.Errorf("Workers must be greater than 0, got %d", gc.Workers)
		return fmt.Errorf("workers must be greater than 0, got %d", gc.Workers)
	}
	if gc.Workers > 100 {
		log.Errorf("Workers cannot exceed 100, got %d", gc.Workers)
		return fmt.Errorf("workers cannot exceed 100, got %d", gc.Workers)
	}

	if gc.BuildDir == "" {
		return fmt.Errorf("build_dir cannot be empty")
	}

	if !slice.Contains([]string{ArchiveTarGz, ArchiveTarXz}, gc.ArchiveFormat) {
		return fmt.Errorf("invalid archive format %q, must be one of: %s, %s",
			gc.ArchiveFormat, ArchiveTarGz, ArchiveTarXz)
	}

	if gc.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", gc.Retry.Attempts)
	}
	if _, err := time.ParseDuration(gc.Retry.Delay); err != nil {
		return fmt.Errorf("invalid retry delay %q: %w", gc.Retry.Delay, err)
	}

	if gc.Stores.CharmhubURL == "" {
		return fmt.Errorf("stores.charmhub_url cannot be empty")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slice.Contains(validLevels, gc.Logging.Level) {
		return fmt.Errorf("invalid log level %q, must be one of: %s",
			gc.Logging.Level, strings.Join(validLevels, ", "))
	}

	gc.Logging.File = strings.TrimSpace(gc.Logging.File)
	return nil
}

// RetryDelay returns the parsed retry delay, or zero when it does not parse.
func (gc *GlobalConfig) RetryDelay() time.Duration {
	d, err := time.ParseDuration(gc.Retry.Delay)
	if err != nil {
		return 0
	}
	return d
}

// GetConfigPaths returns the standard configuration file paths to check
func GetConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()

	paths := []string{
		"shrinkwrap.yml",
		".shrinkwrap.yml",
		"shrinkwrap.yaml",
		".shrinkwrap.yaml",
	}

	if homeDir != "" {
		paths = append(paths,
			filepath.Join(homeDir, ".shrinkwrap", "config.yml"),
			filepath.Join(homeDir, ".shrinkwrap", "config.yaml"),
			filepath.Join(homeDir, ".config", "shrinkwrap", "config.yml"),
			filepath.Join(homeDir, ".config", "shrinkwrap", "config.yaml"),
		)
	}

	paths = append(paths,
		"/etc/shrinkwrap/config.yml",
		"/etc/shrinkwrap/config.yaml",
	)

	return paths
}

// FindConfigFile searches for a configuration file in standard locations
func FindConfigFile() string {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func Workers() int {
	return Global().Workers
}

func BuildDir() (string, error) {
	buildDir, err := filepath.Abs(Global().BuildDir)
	if err != nil {
		log.Errorf("Failed to resolve build directory: %v", err)
		return "", fmt.Errorf("failed to resolve build directory: %w", err)
	}
	return buildDir, nil
}

func LogLevel() string {
	return Global().Logging.Level
}
