package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

const envPrefix = "PROFCACHE_"

type cacheConf struct {
	// how long a profile is served from memory
	TTL     time.Duration `koanf:"ttl"`
	Buckets int           `koanf:"buckets"`
}

type backendConf struct {
	URL   string `koanf:"url"`
	Table string `koanf:"table"`
	// public key sent in the apikey header
	APIKey string `koanf:"apiKey"`
	// service role token used as bearer. Falls back to apiKey
	ServiceToken string        `koanf:"serviceToken"`
	Timeout      time.Duration `koanf:"timeout"`
	MaxRetries   int           `koanf:"maxRetries"`
}

type webConf struct {
	Address string `koanf:"address"`
	// protects the cache admin routes. If empty no protection is enabled
	APIKey string `koanf:"apiKey"`
}

type metricsConf struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// this struct holds the cross instance invalidation configuration.
// You need it when more than one instance serves the same users
type invalidationConf struct {
	Enabled      bool   `koanf:"enabled"`
	RedisAddress string `koanf:"redisAddress"`
	Channel      string `koanf:"channel"`
}

type conf struct {
	LogLevel string `koanf:"logLevel"`

	Cache        cacheConf        `koanf:"cache"`
	Backend      backendConf      `koanf:"backend"`
	Web          webConf          `koanf:"web"`
	Metrics      metricsConf      `koanf:"metrics"`
	Invalidation invalidationConf `koanf:"invalidation"`
}

func (c *conf) pprint() {
	cp := *c
	if cp.Backend.APIKey != "" {
		cp.Backend.APIKey = "***"
	}
	if cp.Backend.ServiceToken != "" {
		cp.Backend.ServiceToken = "***"
	}
	if cp.Web.APIKey != "" {
		cp.Web.APIKey = "***"
	}
	pp, err := json.MarshalIndent(cp, "", "  ")
	log.Print("=== Current conf ===")
	if err == nil {
		log.Printf("\n%s", pp)
	}
	log.Print("===  ===")
}

func (c *conf) validate() error {
	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Invalidation.Enabled && c.Invalidation.RedisAddress == "" {
		return errors.New("invalidation.redisAddress is required when invalidation is enabled")
	}
	return nil
}

func defaultConf() conf {
	return conf{
		LogLevel: "info",
		Cache: cacheConf{
			TTL:     5 * time.Minute,
			Buckets: 256,
		},
		Backend: backendConf{
			Table:      "profiles",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Web: webConf{
			Address: ":8080",
		},
		Metrics: metricsConf{
			Enabled: false,
			Address: ":9090",
		},
		Invalidation: invalidationConf{
			Enabled: false,
			Channel: "profcache:invalidate",
		},
	}
}

func loadConf(path string) (*conf, error) {
	var k = koanf.New(".")

	// default values
	if err := k.Load(structs.Provider(defaultConf(), "koanf"), nil); err != nil {
		return nil, err
	}

	// merge with config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error while parsing conf file at '%s': %w", path, err)
	}

	// allow overrides from env
	// Ex: PROFCACHE_cache_ttl="10m"
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.TrimPrefix(s, envPrefix), "_", ".", -1)
	}), nil)
	if err != nil {
		return nil, err
	}

	var c conf
	if err := k.Unmarshal("", &c); err != nil {
		return nil, err
	}

	return &c, c.validate()
}
