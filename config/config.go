package config

import (
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/raopcore/control"
	"github.com/opd-ai/raopcore/rtp"
	"github.com/opd-ai/raopcore/session"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: RAOP_PORT, RAOP_SESSION_POLICY.
const EnvPrefix = "RAOP"

// ErrInvalid indicates a configuration value out of range.
var ErrInvalid = errors.New("invalid configuration")

// Config is the receiver daemon configuration.
type Config struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Port is the control port; 0 picks a free one.
	Port        int    `mapstructure:"port" yaml:"port"`
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	// HardwareAddress is a MAC-style identifier. Empty derives one from the
	// first network interface that has a 6-byte address.
	HardwareAddress string `mapstructure:"hardware_address" yaml:"hardware_address"`
	Password        string `mapstructure:"password" yaml:"password"`
	// RSAKeyFile holds the PEM key for Apple-Challenge and rsaaeskey; empty
	// generates an ephemeral key.
	RSAKeyFile string `mapstructure:"rsa_key_file" yaml:"rsa_key_file"`
	Advertise  bool   `mapstructure:"advertise" yaml:"advertise"`

	Capabilities CapabilitiesConfig `mapstructure:"capabilities" yaml:"capabilities"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Output       OutputConfig       `mapstructure:"output" yaml:"output"`
}

// CapabilitiesConfig lists the accepted formats and protections.
type CapabilitiesConfig struct {
	Encryption  []string `mapstructure:"encryption" yaml:"encryption"`
	Codecs      []string `mapstructure:"codecs" yaml:"codecs"`
	TCP         bool     `mapstructure:"tcp" yaml:"tcp"`
	MaxSessions int      `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	Policy           string        `mapstructure:"policy" yaml:"policy"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ReorderWindow    int           `mapstructure:"reorder_window" yaml:"reorder_window"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// LoggingConfig selects the logrus level and formatter.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// OutputConfig controls the WAV recorder of the daemon.
type OutputConfig struct {
	// WAVPath is a directory for one WAV file per session; empty disables
	// recording.
	WAVPath string `mapstructure:"wav_path" yaml:"wav_path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	sc := session.DefaultConfig()
	return &Config{
		Name:        "raopd",
		Port:        5000,
		BindAddress: "0.0.0.0",
		Advertise:   true,
		Capabilities: CapabilitiesConfig{
			Encryption:  []string{"none", "aes-cbc", "chacha20-poly1305"},
			Codecs:      []string{"alac", "pcm", "opus"},
			TCP:         true,
			MaxSessions: 1,
		},
		Session: SessionConfig{
			Policy:           sc.Policy.String(),
			FailureThreshold: sc.FailureThreshold,
			ReorderWindow:    sc.ReorderWindow,
			IdleTimeout:      sc.IdleTimeout,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: false, Address: "127.0.0.1:9090"},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"name":       "name",
	"port":       "port",
	"bind":       "bind_address",
	"hwaddr":     "hardware_address",
	"password":   "password",
	"rsa-key":    "rsa_key_file",
	"advertise":  "advertise",
	"policy":     "session.policy",
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"metrics":    "metrics.enabled",
	"wav-dir":    "output.wav_path",
}

// Load reads path (optional; empty or missing uses defaults), then applies
// RAOP_ environment overrides and any flags in flags that were set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, oops.Wrapf(err, "failed to bind flag %s", name)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, oops.Wrapf(err, "failed to read config file %s", path)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Info("No config file found, using defaults")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, oops.Wrapf(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("name", d.Name)
	v.SetDefault("port", d.Port)
	v.SetDefault("bind_address", d.BindAddress)
	v.SetDefault("hardware_address", d.HardwareAddress)
	v.SetDefault("password", d.Password)
	v.SetDefault("rsa_key_file", d.RSAKeyFile)
	v.SetDefault("advertise", d.Advertise)
	v.SetDefault("capabilities.encryption", d.Capabilities.Encryption)
	v.SetDefault("capabilities.codecs", d.Capabilities.Codecs)
	v.SetDefault("capabilities.tcp", d.Capabilities.TCP)
	v.SetDefault("capabilities.max_sessions", d.Capabilities.MaxSessions)
	v.SetDefault("session.policy", d.Session.Policy)
	v.SetDefault("session.failure_threshold", d.Session.FailureThreshold)
	v.SetDefault("session.reorder_window", d.Session.ReorderWindow)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("output.wav_path", d.Output.WAVPath)
}

// Validate checks every value that Load does not coerce.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return oops.Wrapf(ErrInvalid, "name cannot be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return oops.Wrapf(ErrInvalid, "port %d out of range", c.Port)
	}
	if c.HardwareAddress != "" {
		if _, err := parseHardwareAddr(c.HardwareAddress); err != nil {
			return err
		}
	}
	if _, err := c.ControlCapabilities(); err != nil {
		return oops.Wrapf(ErrInvalid, "capabilities: %v", err)
	}
	if c.Capabilities.MaxSessions != 1 {
		return oops.Wrapf(ErrInvalid, "max_sessions must be 1, got %d", c.Capabilities.MaxSessions)
	}
	if _, err := session.ParsePolicy(c.Session.Policy); err != nil {
		return oops.Wrapf(ErrInvalid, "%v", err)
	}
	if c.Session.FailureThreshold < 1 {
		return oops.Wrapf(ErrInvalid, "failure_threshold must be positive, got %d", c.Session.FailureThreshold)
	}
	if c.Session.ReorderWindow < 1 || c.Session.ReorderWindow > rtp.MaxReorderWindow {
		return oops.Wrapf(ErrInvalid, "reorder_window %d out of range 1..%d", c.Session.ReorderWindow, rtp.MaxReorderWindow)
	}
	if c.Session.IdleTimeout < 0 {
		return oops.Wrapf(ErrInvalid, "idle_timeout cannot be negative")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return oops.Wrapf(ErrInvalid, "logging level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return oops.Wrapf(ErrInvalid, "logging format %q must be text or json", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return oops.Wrapf(ErrInvalid, "metrics address is required when metrics are enabled")
	}
	return nil
}

// ControlCapabilities converts the capability names.
func (c *Config) ControlCapabilities() (control.Capabilities, error) {
	return control.ParseCapabilities(c.Capabilities.Encryption, c.Capabilities.Codecs, c.Capabilities.TCP)
}

// SessionManagerConfig converts the session settings. Call Validate first.
func (c *Config) SessionManagerConfig() session.Config {
	sc := session.DefaultConfig()
	if policy, err := session.ParsePolicy(c.Session.Policy); err == nil {
		sc.Policy = policy
	}
	sc.FailureThreshold = c.Session.FailureThreshold
	sc.ReorderWindow = c.Session.ReorderWindow
	sc.IdleTimeout = c.Session.IdleTimeout
	if c.BindAddress != "" {
		sc.BindAddress = c.BindAddress
	}
	return sc
}

// HardwareAddr returns the configured identifier, or derives one from the
// network interfaces when none is configured.
func (c *Config) HardwareAddr() (net.HardwareAddr, error) {
	if c.HardwareAddress != "" {
		return parseHardwareAddr(c.HardwareAddress)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, oops.Wrapf(err, "failed to list network interfaces")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) == 6 {
			return iface.HardwareAddr, nil
		}
	}
	return nil, oops.Wrapf(ErrInvalid, "no interface with a 6-byte hardware address; set hardware_address")
}

func parseHardwareAddr(s string) (net.HardwareAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return nil, oops.Wrapf(ErrInvalid, "hardware_address %q: %v", s, err)
	}
	if len(hw) != 6 {
		return nil, oops.Wrapf(ErrInvalid, "hardware_address %q must be 6 bytes", s)
	}
	return hw, nil
}

// ApplyLogging configures the standard logrus logger.
func (c *Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return oops.Wrapf(ErrInvalid, "logging level %q", c.Logging.Level)
	}
	logrus.SetLevel(level)
	if strings.EqualFold(c.Logging.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// WriteDefault writes the default configuration to path. An existing file
// is left untouched and reported as an error.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return oops.Wrapf(err, "failed to encode default configuration")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return oops.Wrapf(err, "failed to create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return oops.Wrapf(err, "failed to write %s", path)
	}
	return f.Close()
}
