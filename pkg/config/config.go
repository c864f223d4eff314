// Package config loads the host-side knobs this module exposes:
// which multiplexer endpoint to dial, where to send TSS personalization
// requests, how long a WebInspector session gets to reach Connected, and
// how the package-level logger should be configured. Precedence is
// environment variables, then a config file, then defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/iosmux/internal/logger"
	"github.com/marmos91/iosmux/internal/tss"
	"github.com/marmos91/iosmux/pkg/muxd"
)

// Config is the static configuration for a process embedding this
// module. Dynamic, per-call state (which udid, which service) is never
// part of Config; it is always passed explicitly by callers.
type Config struct {
	// Logging controls the package-level logger.
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`

	// ProgName identifies this process to usbmuxd in the request
	// preamble (see internal/muxd/wire.Preamble).
	ProgName string `mapstructure:"prog_name" validate:"required" yaml:"prog_name"`

	// Muxd selects the multiplexer transport.
	Muxd MuxdConfig `mapstructure:"muxd" yaml:"muxd"`

	// TSS configures the personalization (image4) signing endpoint.
	TSS TSSConfig `mapstructure:"tss" yaml:"tss"`

	// WebInspector configures the remote-inspector session handshake.
	WebInspector WebInspectorConfig `mapstructure:"webinspector" yaml:"webinspector"`
}

// MuxdConfig selects how to reach the local multiplexer daemon.
// Exactly one of UnixPath or TCPAddr is used; UnixPath takes
// precedence when both are set, matching pkg/muxd.Endpoint semantics.
type MuxdConfig struct {
	UnixPath string `mapstructure:"unix_path" yaml:"unix_path,omitempty"`
	TCPAddr  string `mapstructure:"tcp_addr" yaml:"tcp_addr,omitempty"`
}

func (m MuxdConfig) toEndpoint() muxd.Endpoint {
	if m.UnixPath == "" && m.TCPAddr == "" {
		return muxd.DefaultEndpoint
	}
	return muxd.Endpoint{UnixPath: m.UnixPath, TCPAddr: m.TCPAddr}
}

// Endpoint returns the muxd.Endpoint this configuration selects.
func (c *Config) Endpoint() muxd.Endpoint { return c.Muxd.toEndpoint() }

// TSSConfig configures the TSS client used by pkg/imagemounter for
// iOS 17+ personalized mounts. Endpoint is overridable for testing
// against a stub TSS server.
type TSSConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// NewClient builds a tss.Client for this configuration.
func (c TSSConfig) NewClient() *tss.Client { return tss.New(c.Endpoint) }

// WebInspectorConfig configures WebInspector session startup.
type WebInspectorConfig struct {
	// HandshakeTimeout is loaded and validated here only: pkg/webinspector
	// does not read it, and a Session fails if it has not reached
	// Connected within webinspector.DefaultSessionTimeout (30s) of Start.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0" yaml:"handshake_timeout"`
}

// Default returns the built-in defaults: usbmuxd's well-known UNIX
// socket, Apple's production TSS controller, a 30s WebInspector
// handshake timeout, and INFO/text logging.
func Default() *Config {
	return &Config{
		Logging:      logger.Config{Level: "INFO", Format: "text"},
		ProgName:     "iosmux",
		Muxd:         MuxdConfig{UnixPath: muxd.DefaultEndpoint.UnixPath},
		TSS:          TSSConfig{Endpoint: tss.DefaultEndpoint},
		WebInspector: WebInspectorConfig{HandshakeTimeout: 30 * time.Second},
	}
}

// Load reads configuration from path (or the default search location
// when path is empty) and from IOSMUX_-prefixed environment variables
// (e.g. IOSMUX_MUXD_TCP_ADDR), layered over Default(): an environment
// variable overrides the file, and the file overrides the default. A
// missing file is not an error. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)
	for _, key := range []string{
		"logging.level", "logging.format", "prog_name", "muxd.unix_path",
		"muxd.tcp_addr", "tss.endpoint", "webinspector.handshake_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg as YAML to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix("IOSMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "iosmux")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "iosmux")
}
