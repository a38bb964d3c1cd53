// Package config loads server configuration from environment variables,
// with optional CLI flag overrides bound through viper.
//
// Precedence (highest to lowest):
//  1. CLI flags (bound by cmd/onepad)
//  2. Environment variables
//  3. Default values
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds every tunable of the server. All fields map to bare
// (unprefixed) environment variables; durations are expressed in
// milliseconds on the wire and converted through accessor methods.
type Config struct {
	// Port is the HTTP/websocket listen port.
	Port int `mapstructure:"port" validate:"gte=1,lte=65535"`

	// SaveIntervalMS is the background save tick in milliseconds.
	SaveIntervalMS int `mapstructure:"save_interval" validate:"gt=0"`

	// MaxDocMB caps the document size in MiB, measured in UTF-8 bytes.
	MaxDocMB int `mapstructure:"max_doc_mb" validate:"gt=0"`

	// MaxImageKB caps the decoded size of an uploaded image in KiB.
	MaxImageKB int `mapstructure:"max_image_kb" validate:"gt=0"`

	// ImageMaxDimension is the bounding box (px) images are resized into.
	ImageMaxDimension int `mapstructure:"image_max_dimension" validate:"gt=0"`

	// ImageJPEGQuality is the JPEG re-encode quality.
	ImageJPEGQuality int `mapstructure:"image_jpeg_quality" validate:"gte=1,lte=100"`

	// CursorTimeoutMS is the client-side cursor fade delay in milliseconds.
	// The server only relays this to the client shell; it never expires
	// cursors itself.
	CursorTimeoutMS int `mapstructure:"cursor_timeout" validate:"gt=0"`

	// DocPath is the path of the persisted document file.
	DocPath string `mapstructure:"doc_path" validate:"required"`

	// SQLiteURI enables the snapshot archive when non-empty.
	SQLiteURI string `mapstructure:"sqlite_uri"`

	// MetricsPort serves Prometheus metrics when non-zero.
	MetricsPort int `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`

	LogLevel  string `mapstructure:"log_level" validate:"required"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`

	// BroadcastBuffer is the per-connection outbound queue length. A client
	// that falls this many messages behind is disconnected.
	BroadcastBuffer int `mapstructure:"broadcast_buffer" validate:"gt=0"`

	// ImageWorkers is the image transform pool size.
	ImageWorkers int `mapstructure:"image_workers" validate:"gt=0"`
}

var validate = validator.New()

// NewViper returns a viper instance with every config key registered with
// its default value and environment lookup enabled, so cmd/onepad can bind
// flags onto it before Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("port", 3000)
	v.SetDefault("save_interval", 15000)
	v.SetDefault("max_doc_mb", 50)
	v.SetDefault("max_image_kb", 250)
	v.SetDefault("image_max_dimension", 400)
	v.SetDefault("image_jpeg_quality", 40)
	v.SetDefault("cursor_timeout", 3000)
	v.SetDefault("doc_path", "doc.txt")
	v.SetDefault("sqlite_uri", "")
	v.SetDefault("metrics_port", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("broadcast_buffer", 64)
	v.SetDefault("image_workers", 2)

	// Keys resolve against bare uppercase env vars: "save_interval" reads
	// SAVE_INTERVAL, "port" reads PORT, and so on.
	v.AutomaticEnv()

	return v
}

// Load unmarshals and validates configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration from environment variables and defaults
// alone, without flag bindings.
func LoadFromEnv() (*Config, error) {
	return Load(NewViper())
}

// SaveInterval returns the background save tick.
func (c *Config) SaveInterval() time.Duration {
	return time.Duration(c.SaveIntervalMS) * time.Millisecond
}

// MaxDocBytes returns the document size cap in bytes.
func (c *Config) MaxDocBytes() int {
	return c.MaxDocMB << 20
}

// MaxImageBytes returns the decoded image size cap in bytes, including the
// 5% tolerance applied to uploads.
func (c *Config) MaxImageBytes() int {
	return c.MaxImageKB * 1024 * 105 / 100
}
