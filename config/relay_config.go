package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalLogConfig holds optional rotating log file settings
type GlobalLogConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
}

// DurationString supports "10s", "5m" (only lowercase s/m); a bare int is seconds
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

// SizeString supports "10K", "10M", "1G" (bits, uppercase) and "10KB", "10MB", "1GB" (bytes)
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	if raw == "" {
		return fmt.Errorf("empty size string")
	}
	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"KB", 1024},
		{"MB", 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"K", 1000 / 8},
		{"M", (1000 * 1000) / 8},
		{"G", (1000 * 1000 * 1000) / 8},
	}
	multiplier := int64(1)
	for _, sf := range suffixes {
		if strings.HasSuffix(raw, sf.suffix) {
			multiplier = sf.multiplier
			raw = strings.TrimSuffix(raw, sf.suffix)
			break
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size string: %s (must end with 'K','M','G','KB','MB','GB')", value.Value)
	}
	*s = SizeString(v * multiplier)
	return nil
}

// MappingConfig is one rule written inline in the YAML file. Fields stay raw
// ints so range checks happen when the record is built.
type MappingConfig struct {
	LocalPort  int    `yaml:"LocalPort"`
	RemoteHost string `yaml:"RemoteHost"`
	RemotePort int    `yaml:"RemotePort"`
}

// RelayConfig is the whole portrelay configuration file
type RelayConfig struct {
	Mappings           []MappingConfig  `yaml:"RelayMappings,omitempty"`
	Table              string           `yaml:"RelayTable,omitempty"`              // whitespace mapping table
	ListenAddress      string           `yaml:"RelayListenAddress,omitempty"`      // default "" (all interfaces)
	BufferSize         int              `yaml:"RelayBufferSize,omitempty"`         // default 4096
	PumpWorkers        int64            `yaml:"RelayPumpWorkers,omitempty"`        // default 1024
	MaxConnsPerMapping int              `yaml:"RelayMaxConnsPerMapping,omitempty"` // default 0 (no cap)
	BandwidthLimit     SizeString       `yaml:"RelayBandwidthLimit,omitempty"`     // per mapping, default -1 (no cap)
	OutboundInterface  string           `yaml:"RelayOutboundInterface,omitempty"`  // linux only
	HalfClose          bool             `yaml:"RelayHalfClose,omitempty"`
	ApiListenAddress   string           `yaml:"RelayApiListenAddress,omitempty"` // empty disables the API
	MonitorInterval    DurationString   `yaml:"RelayMonitorInterval,omitempty"`  // default "15s"
	GlobalLog          *GlobalLogConfig `yaml:"GlobalLog,omitempty"`
}

// SetDefaults sets default values for optional fields
func (c *RelayConfig) SetDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = 4096
	}
	if c.PumpWorkers == 0 {
		c.PumpWorkers = 1024
	}
	if c.BandwidthLimit == 0 {
		c.BandwidthLimit = -1
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DurationString(15 * time.Second)
	}

	if c.GlobalLog == nil {
		c.GlobalLog = &GlobalLogConfig{
			Filename:   "", // stdout only
			MaxSize:    1,
			MaxBackups: 1,
			MaxAge:     1,
			Compress:   false,
		}
		return
	}
	if c.GlobalLog.Filename == "" {
		c.GlobalLog.Filename = "portrelay.log"
	}
	if c.GlobalLog.MaxSize == 0 {
		c.GlobalLog.MaxSize = 20
	}
	if c.GlobalLog.MaxBackups == 0 {
		c.GlobalLog.MaxBackups = 5
	}
	if c.GlobalLog.MaxAge == 0 {
		c.GlobalLog.MaxAge = 28
	}
}

// Validate rejects settings that cannot work. Individual mappings are
// checked later, one by one, so a bad rule never hides the good ones.
func (c *RelayConfig) Validate() error {
	if c.BufferSize < 0 {
		return fmt.Errorf("RelayBufferSize must not be negative: %d", c.BufferSize)
	}
	if c.PumpWorkers < 0 {
		return fmt.Errorf("RelayPumpWorkers must not be negative: %d", c.PumpWorkers)
	}
	if c.MaxConnsPerMapping < 0 {
		return fmt.Errorf("RelayMaxConnsPerMapping must not be negative: %d", c.MaxConnsPerMapping)
	}
	if len(c.Mappings) == 0 && c.Table == "" {
		return fmt.Errorf("no mappings: set RelayMappings or RelayTable")
	}
	return nil
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*RelayConfig, error) {
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// LoadConfig loads config from YAML file and parses it
func LoadConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
