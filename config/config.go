// Package config defines the module's YAML-driven configuration surface,
// loaded the way the pack's samoyed daemon loads its tocalls.yaml: a plain
// struct with yaml tags, unmarshaled with gopkg.in/yaml.v3 and defaulted in
// code rather than relying on zero values to mean the right thing.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openlumen/sacn/apierr"
)

// IPSupport selects which address families a receiver listens on.
type IPSupport int

const (
	IPv4Only IPSupport = iota
	IPv6Only
	IPv4AndIPv6
)

func (s IPSupport) String() string {
	switch s {
	case IPv4Only:
		return "ipv4"
	case IPv6Only:
		return "ipv6"
	case IPv4AndIPv6:
		return "ipv4+ipv6"
	default:
		return "unknown"
	}
}

func (s *IPSupport) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch raw {
	case "ipv4":
		*s = IPv4Only
	case "ipv6":
		*s = IPv6Only
	case "", "ipv4+ipv6", "both":
		*s = IPv4AndIPv6
	default:
		return apierr.New(apierr.KindInvalid, "unrecognized ip-support value %q", raw)
	}
	return nil
}

// SourceCountInfinite disables the source-count ceiling for a universe.
const SourceCountInfinite = -1

// Config is the module's top-level configuration, shared by receiver,
// merge-receiver, and the source detector.
type Config struct {
	IPSupport IPSupport `yaml:"ip-support"`

	// FilterPreview drops packets carrying the preview option bit before
	// they reach any tracked-source state.
	FilterPreview bool `yaml:"filter-preview"`

	// SourceCountMax caps the number of distinct sources tracked per
	// universe; SourceCountInfinite disables the cap.
	SourceCountMax int `yaml:"source-count-max"`

	// ExpiredWait is the source-loss tracker's grace timer (spec.md default 1000ms).
	ExpiredWait time.Duration `yaml:"expired-wait"`

	// KeepAliveInterval documents the expected source transmit interval for
	// interop purposes; transmit pacing itself is out of scope.
	KeepAliveInterval time.Duration `yaml:"keep-alive-interval"`

	// MaxUniversesPerSocket bounds how many universe subscriptions share one
	// pooled multicast socket before a new socket is created.
	MaxUniversesPerSocket int `yaml:"max-universes-per-socket"`
}

// Default returns the configuration spec.md §6 describes as the out-of-box
// behavior.
func Default() Config {
	return Config{
		IPSupport:             IPv4AndIPv6,
		FilterPreview:         false,
		SourceCountMax:        SourceCountInfinite,
		ExpiredWait:           1000 * time.Millisecond,
		KeepAliveInterval:     800 * time.Millisecond,
		MaxUniversesPerSocket: 64,
	}
}

// Load reads and unmarshals a YAML config file, filling any field absent
// from the file with Default()'s value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, apierr.New(apierr.KindSys, "reading config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, apierr.New(apierr.KindInvalid, "parsing config file %s: %v", path, err)
	}
	return cfg, nil
}

// Validate reports an error if cfg's fields are out of their documented
// ranges.
func (c Config) Validate() error {
	if c.ExpiredWait <= 0 {
		return apierr.New(apierr.KindInvalid, "expired-wait must be positive")
	}
	if c.MaxUniversesPerSocket <= 0 {
		return apierr.New(apierr.KindInvalid, "max-universes-per-socket must be positive")
	}
	if c.SourceCountMax != SourceCountInfinite && c.SourceCountMax < 1 {
		return apierr.New(apierr.KindInvalid, "source-count-max must be positive or -1 (infinite)")
	}
	return nil
}
