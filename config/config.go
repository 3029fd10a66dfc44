// Package config loads the crawler settings: defaults, then an optional YAML
// file, then SPIDER_* environment variables (a .env file in the working
// directory is read first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"spider/util"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Identity is one local DHT node: a UDP port and the node ID it announces.
type Identity struct {
	Port int `yaml:"port"`
	// NodeID is hex encoded. Empty picks a random ID at startup.
	NodeID string `yaml:"node_id"`
}

type Config struct {
	Identities []Identity `yaml:"identities"`
	ListenAddr string     `yaml:"listen_addr"`
	Proto      string     `yaml:"proto"`
	Routers    []string   `yaml:"routers"`

	QueryTTL      time.Duration `yaml:"query_ttl"`
	CacheCapacity int           `yaml:"cache_capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	CrawlInterval time.Duration `yaml:"crawl_interval"`
	FanOut        int           `yaml:"fan_out"`
	Alpha         int           `yaml:"alpha"`
	MaxHops       int           `yaml:"max_hops"`
	HarvestQueue  int           `yaml:"harvest_queue"`
	StaleAge      time.Duration `yaml:"stale_age"`
	TokenRotation time.Duration `yaml:"token_rotation"`

	K           int `yaml:"k"`
	MaxFailures int `yaml:"max_failures"`

	// RateLimit caps inbound packets per second per identity. 0 disables it.
	RateLimit int `yaml:"rate_limit"`

	MaxInfoHashes    int `yaml:"max_info_hashes"`
	MaxInfoHashPeers int `yaml:"max_info_hash_peers"`

	// Master crawlers resolve sightings locally; slaves forward them to
	// UpstreamURL.
	Master       bool          `yaml:"master"`
	UpstreamURL  string        `yaml:"upstream_url"`
	HTTPAddr     string        `yaml:"http_addr"`
	IntakeBuffer int           `yaml:"intake_buffer"`
	IntakeBatch  int           `yaml:"intake_batch"`
	DedupSize    int           `yaml:"dedup_size"`
	DedupWindow  time.Duration `yaml:"dedup_window"`

	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Identities:       []Identity{{Port: 6881}},
		ListenAddr:       "0.0.0.0",
		Proto:            "udp4",
		Routers:          []string{"router.bittorrent.com:6881", "dht.transmissionbt.com:6881", "router.utorrent.com:6881"},
		QueryTTL:         10 * time.Second,
		CacheCapacity:    65536,
		SweepInterval:    time.Second,
		CrawlInterval:    200 * time.Millisecond,
		FanOut:           64,
		Alpha:            3,
		MaxHops:          8,
		HarvestQueue:     1024,
		StaleAge:         15 * time.Minute,
		TokenRotation:    5 * time.Minute,
		K:                util.KNodes,
		MaxFailures:      2,
		RateLimit:        100,
		MaxInfoHashes:    2048,
		MaxInfoHashPeers: 256,
		Master:           true,
		HTTPAddr:         "127.0.0.1:8080",
		IntakeBuffer:     4096,
		IntakeBatch:      64,
		DedupSize:        100000,
		DedupWindow:      time.Hour,
		LogLevel:         "info",
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SPIDER_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	if v, ok := lookup("SPIDER_PORTS"); ok {
		var ids []Identity
		for _, p := range splitList(v) {
			port, err := strconv.Atoi(p)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("SPIDER_PORTS: %w", err))
				continue
			}
			ids = append(ids, Identity{Port: port})
		}
		c.Identities = ids
	}
	if v, ok := lookup("SPIDER_MASTER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("SPIDER_MASTER: %w", err))
		} else {
			c.Master = b
		}
	}
	str("SPIDER_LISTEN_ADDR", &c.ListenAddr)
	list("SPIDER_ROUTERS", &c.Routers)
	dur("SPIDER_QUERY_TTL", &c.QueryTTL)
	num("SPIDER_CACHE_CAPACITY", &c.CacheCapacity)
	dur("SPIDER_CRAWL_INTERVAL", &c.CrawlInterval)
	num("SPIDER_FAN_OUT", &c.FanOut)
	num("SPIDER_RATE_LIMIT", &c.RateLimit)
	str("SPIDER_UPSTREAM_URL", &c.UpstreamURL)
	str("SPIDER_HTTP_ADDR", &c.HTTPAddr)
	str("SPIDER_LOG_LEVEL", &c.LogLevel)
	return errs
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every problem found, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs error
	bad := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}
	if len(c.Identities) == 0 {
		bad("no identities")
	}
	ports := map[int]bool{}
	for i, id := range c.Identities {
		if id.Port < 0 || id.Port > 65535 {
			bad("identity %d: port %d out of range", i, id.Port)
		}
		if id.Port != 0 && ports[id.Port] {
			bad("identity %d: port %d used twice", i, id.Port)
		}
		ports[id.Port] = true
		if id.NodeID != "" {
			if _, err := util.DecodeInfoHash(id.NodeID); err != nil {
				bad("identity %d: %v", i, err)
			}
		}
	}
	if c.Proto != "udp4" && c.Proto != "udp6" {
		bad("proto %q, want udp4 or udp6", c.Proto)
	}
	for name, d := range map[string]time.Duration{
		"query_ttl":      c.QueryTTL,
		"sweep_interval": c.SweepInterval,
		"crawl_interval": c.CrawlInterval,
		"stale_age":      c.StaleAge,
		"token_rotation": c.TokenRotation,
	} {
		if d <= 0 {
			bad("%s must be positive", name)
		}
	}
	for name, n := range map[string]int{
		"cache_capacity":      c.CacheCapacity,
		"fan_out":             c.FanOut,
		"alpha":               c.Alpha,
		"max_hops":            c.MaxHops,
		"harvest_queue":       c.HarvestQueue,
		"k":                   c.K,
		"max_info_hashes":     c.MaxInfoHashes,
		"max_info_hash_peers": c.MaxInfoHashPeers,
		"intake_buffer":       c.IntakeBuffer,
		"intake_batch":        c.IntakeBatch,
		"dedup_size":          c.DedupSize,
	} {
		if n <= 0 {
			bad("%s must be positive", name)
		}
	}
	if c.MaxFailures < 0 {
		bad("max_failures must not be negative")
	}
	if c.RateLimit < 0 {
		bad("rate_limit must not be negative")
	}
	if !c.Master && c.UpstreamURL == "" {
		bad("slave mode needs upstream_url")
	}
	return errs
}
