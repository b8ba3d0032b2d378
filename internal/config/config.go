// Package config decodes the YAML+env configuration tree (via viper) into
// the shapes the rest of the program needs: byte sizes, durations and the
// per-network upstream topology.
//
// ParseBytes is kept verbatim from the teacher (same K/M/G suffix parsing);
// everything around it is generalized from the teacher's flat Config into
// the cache.*/rpc.*/rpc.networks tree a multi-network proxy needs.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// UpstreamConfig is one upstream endpoint as configured.
type UpstreamConfig struct {
	URL string `mapstructure:"url"`
}

// NetworkConfig is one logical network's primary/fallback pair and, per
// network, its own retry tuning (falling back to RPCConfig's defaults when
// left at the zero value).
type NetworkConfig struct {
	Primary          UpstreamConfig  `mapstructure:"primary"`
	Fallback         *UpstreamConfig `mapstructure:"fallback"`
	Timeout          string          `mapstructure:"timeout"`
	Retries          int             `mapstructure:"retries"`
	InitialBackoffMs int             `mapstructure:"initial_backoff_ms"`
}

// CacheConfig controls the two-tier cache's retention and persistence.
type CacheConfig struct {
	MaxAge            string  `mapstructure:"max_age"`
	MaxSize           string  `mapstructure:"max_size"`
	EnableDB          bool    `mapstructure:"enable_db"`
	DBFile            string  `mapstructure:"db_file"`
	CleanupSlackRatio float64 `mapstructure:"cleanup_slack_ratio"`
	MemoryCapacity    int     `mapstructure:"memory_capacity"`
}

// RPCConfig carries the network-wide defaults and the per-network map.
type RPCConfig struct {
	Timeout          string                   `mapstructure:"timeout"`
	Retries          int                      `mapstructure:"retries"`
	InitialTimeoutMs int                      `mapstructure:"initial_timeout_ms"`
	Networks         map[string]NetworkConfig `mapstructure:"networks"`
}

// Config is the root configuration shape, unmarshaled by viper from YAML
// with environment variable overlay (teacher's cobra.OnInitialize pattern).
type Config struct {
	Port           string      `mapstructure:"port"`
	AuthToken      string      `mapstructure:"auth_token"`
	DefaultNetwork string      `mapstructure:"default_network"`
	Cache          CacheConfig `mapstructure:"cache"`
	RPC            RPCConfig   `mapstructure:"rpc"`
}

// GetMaxCacheSizeBytes parses Cache.MaxSize ("", "512MB", "2GB", ...).
func (c *Config) GetMaxCacheSizeBytes() (int64, error) {
	return ParseBytes(c.Cache.MaxSize)
}

// GetCacheMaxAge parses Cache.MaxAge as a duration; "" or "0" means infinite
// retention (the global sweeper stays disabled, §9 open question).
func (c *Config) GetCacheMaxAge() (time.Duration, error) {
	s := strings.TrimSpace(c.Cache.MaxAge)
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// BuildNetworkSpecs validates and converts RPC.Networks into the
// rpctypes.NetworkSpec map the dispatcher/router consume.
func (c *Config) BuildNetworkSpecs() (map[string]rpctypes.NetworkSpec, error) {
	if len(c.RPC.Networks) == 0 {
		return nil, fmt.Errorf("at least one network must be configured under rpc.networks")
	}

	defaultTimeout, err := parseDurationOrDefault(c.RPC.Timeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid rpc.timeout: %w", err)
	}
	defaultRetries := c.RPC.Retries
	if defaultRetries <= 0 {
		defaultRetries = 3
	}
	defaultInitialBackoff := time.Duration(c.RPC.InitialTimeoutMs) * time.Millisecond
	if defaultInitialBackoff <= 0 {
		defaultInitialBackoff = 200 * time.Millisecond
	}

	specs := make(map[string]rpctypes.NetworkSpec, len(c.RPC.Networks))
	for key, nc := range c.RPC.Networks {
		if nc.Primary.URL == "" {
			return nil, fmt.Errorf("network %q: primary.url is required", key)
		}

		timeout := defaultTimeout
		if strings.TrimSpace(nc.Timeout) != "" {
			timeout, err = time.ParseDuration(nc.Timeout)
			if err != nil {
				return nil, fmt.Errorf("network %q: invalid timeout: %w", key, err)
			}
		}
		retries := defaultRetries
		if nc.Retries > 0 {
			retries = nc.Retries
		}
		initialBackoff := defaultInitialBackoff
		if nc.InitialBackoffMs > 0 {
			initialBackoff = time.Duration(nc.InitialBackoffMs) * time.Millisecond
		}

		spec := rpctypes.NetworkSpec{
			Key:                key,
			Primary:            rpctypes.UpstreamSpec{URL: nc.Primary.URL},
			RequestTimeout:     timeout,
			MaxFallbackRetries: retries,
			InitialBackoff:     initialBackoff,
		}
		if nc.Fallback != nil && nc.Fallback.URL != "" {
			spec.Fallback = &rpctypes.UpstreamSpec{URL: nc.Fallback.URL}
		}
		specs[key] = spec
	}

	if c.DefaultNetwork != "" {
		if _, ok := specs[c.DefaultNetwork]; !ok {
			return nil, fmt.Errorf("default_network %q is not configured under rpc.networks", c.DefaultNetwork)
		}
	}

	return specs, nil
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// ParseBytes parses a human byte-size string ("512", "512KB", "2MB", "1GB")
// into a byte count. Kept verbatim from the teacher.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	if strings.HasSuffix(s, "K") || strings.HasSuffix(s, "KB") {
		multiplier = 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "K")
	} else if strings.HasSuffix(s, "M") || strings.HasSuffix(s, "MB") {
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "M")
	} else if strings.HasSuffix(s, "G") || strings.HasSuffix(s, "GB") {
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "G")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return val * multiplier, nil
}
