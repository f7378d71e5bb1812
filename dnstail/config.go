package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dnscrypt/dnstail/livetail"
	"github.com/jedisct1/dlog"
)

const (
	DefaultOutputFormat  = "tsv"
	DefaultWatchInterval = 2 * time.Second
)

type Config struct {
	Origin             string                `toml:"origin"`
	Credential         string                `toml:"credential"`
	CredentialFile     string                `toml:"credential_file"`
	MaxEntries         int                   `toml:"max_entries"`
	BackoffBaseMs      int                   `toml:"backoff_base_ms"`
	BackoffCapMs       int                   `toml:"backoff_cap_ms"`
	RetryTicketErrors  bool                  `toml:"retry_ticket_errors"`
	TicketTimeoutMs    int                   `toml:"ticket_timeout_ms"`
	HandshakeTimeoutMs int                   `toml:"handshake_timeout_ms"`
	ReadTimeout        int                   `toml:"read_timeout"`
	Proxy              string                `toml:"proxy"`
	LogLevel           int                   `toml:"log_level"`
	LogFile            *string               `toml:"log_file"`
	UseSyslog          bool                  `toml:"use_syslog"`
	Output             OutputConfig          `toml:"output"`
	Filter             livetail.FilterConfig `toml:"filter"`
	Metrics            MetricsConfig         `toml:"metrics"`
	Relay              RelayConfig           `toml:"relay"`
}

type OutputConfig struct {
	File       string `toml:"file"`
	Format     string `toml:"format"`
	MaxSize    int    `toml:"max_size"`
	MaxAge     int    `toml:"max_age"`
	MaxBackups int    `toml:"max_backups"`
}

type MetricsConfig struct {
	ListenAddress string `toml:"listen_address"`
	Path          string `toml:"path"`
}

// RelayConfig - Re-serve the tail to downstream clients
type RelayConfig struct {
	ListenAddress  string   `toml:"listen_address"`
	TLSCertificate string   `toml:"tls_certificate"`
	TLSKey         string   `toml:"tls_key"`
	Credentials    []string `toml:"credentials"`
	TicketTTL      int      `toml:"ticket_ttl"`
}

func newConfig() Config {
	return Config{
		MaxEntries:         livetail.DefaultMaxEntries,
		BackoffBaseMs:      int(livetail.DefaultBaseDelay / time.Millisecond),
		BackoffCapMs:       int(livetail.DefaultMaxDelay / time.Millisecond),
		RetryTicketErrors:  true,
		TicketTimeoutMs:    int(livetail.DefaultTicketTimeout / time.Millisecond),
		HandshakeTimeoutMs: int(livetail.DefaultHandshakeTimeout / time.Millisecond),
		ReadTimeout:        120,
		LogLevel:           int(dlog.LogLevel()),
		Output: OutputConfig{
			Format:     DefaultOutputFormat,
			MaxSize:    10,
			MaxAge:     7,
			MaxBackups: 1,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Relay: RelayConfig{
			TicketTTL: 30,
		},
	}
}

type ConfigFlags struct {
	ConfigFile *string
	Check      *bool
	Version    *bool
	Export     *string
	PidFile    *string
}

func loadConfig(configFile string) (*Config, error) {
	config := newConfig()
	md, err := toml.DecodeFile(configFile, &config)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("Unsupported key in configuration file: [%s]", undecoded[0])
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (config *Config) validate() error {
	if len(config.Origin) == 0 {
		return errors.New("No origin configured")
	}
	if _, err := livetail.ParseOrigin(config.Origin); err != nil {
		return err
	}
	if len(config.Credential) > 0 && len(config.CredentialFile) > 0 {
		return errors.New("Only one of credential and credential_file can be set")
	}
	if len(config.Credential) == 0 && len(config.CredentialFile) == 0 {
		return errors.New("No credential configured")
	}
	if config.MaxEntries <= 0 {
		return fmt.Errorf("Invalid max_entries: %d", config.MaxEntries)
	}
	if config.BackoffBaseMs <= 0 || config.BackoffCapMs < config.BackoffBaseMs {
		return fmt.Errorf("Invalid backoff settings: base=%dms cap=%dms", config.BackoffBaseMs, config.BackoffCapMs)
	}
	config.Output.Format = strings.ToLower(config.Output.Format)
	switch config.Output.Format {
	case "tsv", "ltsv", "json":
	default:
		return fmt.Errorf("Unsupported output format: [%s]", config.Output.Format)
	}
	if len(config.Relay.ListenAddress) > 0 && len(config.Relay.Credentials) == 0 {
		return errors.New("The relay requires at least one credential")
	}
	return nil
}

func (config *Config) transportOptions() livetail.TransportOptions {
	return livetail.TransportOptions{
		ProxyURL:         config.Proxy,
		TicketTimeout:    time.Duration(config.TicketTimeoutMs) * time.Millisecond,
		HandshakeTimeout: time.Duration(config.HandshakeTimeoutMs) * time.Millisecond,
	}
}

// configureLogging - Configure logging based on the configuration
func configureLogging(flags *ConfigFlags, config *Config) {
	if config.LogLevel >= 0 && config.LogLevel < int(dlog.SeverityLast) {
		dlog.SetLogLevel(dlog.Severity(config.LogLevel))
	}
	if dlog.LogLevel() <= dlog.SeverityDebug && os.Getenv("DEBUG") == "" {
		dlog.SetLogLevel(dlog.SeverityInfo)
	}
	if flags.Check != nil && *flags.Check {
		return
	}
	if config.UseSyslog {
		dlog.UseSyslog(true)
	} else if config.LogFile != nil {
		dlog.UseLogFile(*config.LogFile)
	}
}
