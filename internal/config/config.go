package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v3"
)

// Config holds the daemon configuration. Values come from an optional YAML
// file overridden by environment variables; Validate reports every missing or
// invalid field at once so operators fix them in one pass.
type Config struct {
	Bind     string
	Port     int
	LogLevel zerolog.Level

	// TFTPRoot holds per-node boot configs plus the boot-artifact cache.
	TFTPRoot string
	// ImagesRoot holds per-node instance image links plus the image cache.
	ImagesRoot string

	// Master cache directories and limits.
	BootMasterPath     string
	InstanceMasterPath string
	ImageCacheSize     int64
	ImageCacheTTL      time.Duration

	// Image service endpoint and auth token.
	ImageServiceURL   string
	ImageServiceToken string

	EphemeralFormat string

	NodeDBPath string

	// NotifyPort is the bootstrap agent port the "done" notification goes to.
	NotifyPort int

	CommandAttempts   int
	CommandRetryDelay time.Duration
	ISCSISettleDelay  time.Duration
}

type fileConfig struct {
	Bind               string `yaml:"bind"`
	Port               int    `yaml:"port"`
	LogLevel           string `yaml:"log_level"`
	TFTPRoot           string `yaml:"tftp_root"`
	ImagesRoot         string `yaml:"images_root"`
	BootMasterPath     string `yaml:"boot_master_path"`
	InstanceMasterPath string `yaml:"instance_master_path"`
	ImageCacheSize     int64  `yaml:"image_cache_size"`
	ImageCacheTTLSec   int    `yaml:"image_cache_ttl_sec"`
	ImageServiceURL    string `yaml:"image_service_url"`
	ImageServiceToken  string `yaml:"image_service_token"`
	EphemeralFormat    string `yaml:"ephemeral_format"`
	NodeDBPath         string `yaml:"node_db_path"`
	NotifyPort         int    `yaml:"notify_port"`
}

// FieldError reports a single invalid or missing configuration field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config field %s: %s", e.Field, e.Reason)
}

// ValidationErrors aggregates all field errors from one Validate pass.
type ValidationErrors []*FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func Default() Config {
	return Config{
		Bind:              "127.0.0.1",
		Port:              6385,
		LogLevel:          zerolog.InfoLevel,
		TFTPRoot:          "/var/lib/metaldeployd/tftpboot",
		ImagesRoot:        "/var/lib/metaldeployd/images",
		EphemeralFormat:   "ext4",
		NodeDBPath:        "/var/lib/metaldeployd/nodes.db",
		NotifyPort:        10000,
		ImageCacheTTL:     24 * time.Hour,
		CommandAttempts:   5,
		CommandRetryDelay: time.Second,
		ISCSISettleDelay:  3 * time.Second,
	}
}

// DefaultPath returns the config file path, honoring MDEPLOY_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("MDEPLOY_CONFIG"); strings.TrimSpace(p) != "" {
		return p
	}
	return "/etc/metaldeployd/config.yaml"
}

// Load builds the config from defaults, the YAML file at path (if present)
// and environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if b, err := os.ReadFile(path); err == nil {
		var fc fileConfig
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	applyEnv(&cfg)
	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, errs
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Bind != "" {
		cfg.Bind = fc.Bind
	}
	if fc.Port > 0 {
		cfg.Port = fc.Port
	}
	if fc.LogLevel != "" {
		if l, err := zerolog.ParseLevel(fc.LogLevel); err == nil {
			cfg.LogLevel = l
		}
	}
	if fc.TFTPRoot != "" {
		cfg.TFTPRoot = fc.TFTPRoot
	}
	if fc.ImagesRoot != "" {
		cfg.ImagesRoot = fc.ImagesRoot
	}
	if fc.BootMasterPath != "" {
		cfg.BootMasterPath = fc.BootMasterPath
	}
	if fc.InstanceMasterPath != "" {
		cfg.InstanceMasterPath = fc.InstanceMasterPath
	}
	if fc.ImageCacheSize > 0 {
		cfg.ImageCacheSize = fc.ImageCacheSize
	}
	if fc.ImageCacheTTLSec > 0 {
		cfg.ImageCacheTTL = time.Duration(fc.ImageCacheTTLSec) * time.Second
	}
	if fc.ImageServiceURL != "" {
		cfg.ImageServiceURL = fc.ImageServiceURL
	}
	if fc.ImageServiceToken != "" {
		cfg.ImageServiceToken = fc.ImageServiceToken
	}
	if fc.EphemeralFormat != "" {
		cfg.EphemeralFormat = fc.EphemeralFormat
	}
	if fc.NodeDBPath != "" {
		cfg.NodeDBPath = fc.NodeDBPath
	}
	if fc.NotifyPort > 0 {
		cfg.NotifyPort = fc.NotifyPort
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MDEPLOY_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := os.Getenv("MDEPLOY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("MDEPLOY_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v := os.Getenv("MDEPLOY_TFTP_ROOT"); v != "" {
		cfg.TFTPRoot = v
	}
	if v := os.Getenv("MDEPLOY_IMAGES_ROOT"); v != "" {
		cfg.ImagesRoot = v
	}
	if v := os.Getenv("MDEPLOY_IMAGE_SERVICE_URL"); v != "" {
		cfg.ImageServiceURL = v
	}
	if v := os.Getenv("MDEPLOY_IMAGE_SERVICE_TOKEN"); v != "" {
		cfg.ImageServiceToken = v
	}
	if v := os.Getenv("MDEPLOY_NODE_DB"); v != "" {
		cfg.NodeDBPath = v
	}
}

var validEphemeralFormats = map[string]bool{
	"ext2": true, "ext3": true, "ext4": true, "xfs": true, "btrfs": true,
}

// Validate checks the assembled config. Every problem is reported as its own
// FieldError so nothing is discovered piecemeal at use sites.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, &FieldError{Field: "port", Reason: fmt.Sprintf("out of range: %d", c.Port)})
	}
	if c.TFTPRoot == "" {
		errs = append(errs, &FieldError{Field: "tftp_root", Reason: "required"})
	}
	if c.ImagesRoot == "" {
		errs = append(errs, &FieldError{Field: "images_root", Reason: "required"})
	}
	if c.ImageServiceURL == "" {
		errs = append(errs, &FieldError{Field: "image_service_url", Reason: "required"})
	}
	if !validEphemeralFormats[c.EphemeralFormat] {
		errs = append(errs, &FieldError{Field: "ephemeral_format", Reason: fmt.Sprintf("unsupported filesystem %q", c.EphemeralFormat)})
	}
	if c.NotifyPort <= 0 || c.NotifyPort > 65535 {
		errs = append(errs, &FieldError{Field: "notify_port", Reason: fmt.Sprintf("out of range: %d", c.NotifyPort)})
	}
	if c.ImageCacheSize < 0 {
		errs = append(errs, &FieldError{Field: "image_cache_size", Reason: "must be >= 0"})
	}
	return errs
}

// BootMasterDir returns the boot-artifact master store, defaulting under the
// TFTP root so links and master share a filesystem unless configured apart.
func (c *Config) BootMasterDir() string {
	if c.BootMasterPath != "" {
		return c.BootMasterPath
	}
	return filepath.Join(c.TFTPRoot, "master_images")
}

// InstanceMasterDir returns the instance-image master store.
func (c *Config) InstanceMasterDir() string {
	if c.InstanceMasterPath != "" {
		return c.InstanceMasterPath
	}
	return filepath.Join(c.ImagesRoot, "master_images")
}
