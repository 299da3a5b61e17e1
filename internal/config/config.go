// Package config provides the configuration schema for the vsstree server:
// a minimal, file-based schema (no remote config store, no secrets manager
// integration), validated with struct tags plus cross-field checks.
package config

// Config is the top-level server configuration.
type Config struct {
	Server  ServerConfig `yaml:"server" mapstructure:"server"`
	Tree    TreeConfig   `yaml:"tree" mapstructure:"tree"`
	Auth    AuthConfig   `yaml:"auth" mapstructure:"auth"`
	Record  RecordConfig `yaml:"record" mapstructure:"record"`
	DevMode bool         `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig holds server-wide settings. The address fields are parsed,
// defaulted and validated only: no listener in this server binds them, and
// commands arrive over stdin/stdout.
type ServerConfig struct {
	// HTTPAddr is the address reserved for a WebSocket/HTTP transport.
	// Defaults to "127.0.0.1:8090" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// MetricsAddr is the address reserved for a prometheus /metrics endpoint;
	// no endpoint is served on it. Defaults to "127.0.0.1:9090" if empty.
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// TreeConfig configures the base signal tree and its overlays.
type TreeConfig struct {
	// BasePath is the path to the base VSS JSON document. Required.
	BasePath string `yaml:"base_path" mapstructure:"base_path" validate:"required"`

	// OverlayDir is an optional directory of *.json overlay files, applied
	// in lexicographic filename order on top of the base document.
	OverlayDir string `yaml:"overlay_dir" mapstructure:"overlay_dir"`
}

// AuthConfig configures channel authentication.
type AuthConfig struct {
	// PublicKeyPath is the PEM-encoded RSA public key used to verify bearer
	// tokens. Required unless DevMode grants every channel full access.
	PublicKeyPath string `yaml:"public_key_path" mapstructure:"public_key_path" validate:"omitempty,pem_path"`

	// TokenPath is the file holding the operator channel's capability token
	// (minted with "vsstree gentoken"), presented to the verifier at
	// startup. Required unless DevMode.
	TokenPath string `yaml:"token_path" mapstructure:"token_path"`

	// AccessCacheSize bounds the per-channel path->Right decision cache.
	// Defaults to 256.
	AccessCacheSize int `yaml:"access_cache_size" mapstructure:"access_cache_size" validate:"omitempty,min=1"`
}

// RecordConfig configures the CSV playback/audit trail.
type RecordConfig struct {
	// Enabled turns on CSV recording of get/set/updateMetaData/updateVSSTree
	// operations. Defaults to false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Dir is the directory record files are written to.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required_if=Enabled true"`

	// RetentionDays is the number of days to keep record files. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the per-file size cap before rotation. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// ChannelSize is the buffered-channel depth for the background writer.
	// Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
}

// SetDefaults applies sensible defaults for every field left unset.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = "127.0.0.1:9090"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Auth.AccessCacheSize == 0 {
		c.Auth.AccessCacheSize = 256
	}
	if c.Record.RetentionDays == 0 {
		c.Record.RetentionDays = 7
	}
	if c.Record.MaxFileSizeMB == 0 {
		c.Record.MaxFileSizeMB = 100
	}
	if c.Record.ChannelSize == 0 {
		c.Record.ChannelSize = 1000
	}
}

// SetDevDefaults raises the log level from "info" to "debug" when DevMode is
// set; no other field is changed (the relaxed key-material checks of dev
// mode live in the validator). Applied before validation.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}
}
