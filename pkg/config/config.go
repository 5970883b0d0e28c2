package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so "5s"-style strings decode from the
// toml document.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type ParseConflictPolicy string

const (
	ParseConflictStrict  = ParseConflictPolicy("strict")
	ParseConflictReplace = ParseConflictPolicy("replace")
)

// Proxy is the full pgcrab.toml document. The pooling core only ever
// sees the Shards and Users lists plus the few knobs routed to it.
type Proxy struct {
	Host string `json:"host" toml:"host" yaml:"host"`
	Port string `json:"port" toml:"port" yaml:"port"`

	LogLevel  string `json:"log_level" toml:"log_level" yaml:"log_level"`
	ReusePort bool   `json:"reuse_port" toml:"reuse_port" yaml:"reuse_port"`

	MetricsPort string `json:"metrics_port" toml:"metrics_port" yaml:"metrics_port"`

	ParseConflictPolicy ParseConflictPolicy `json:"parse_conflict_policy" toml:"parse_conflict_policy" yaml:"parse_conflict_policy"`

	AcquireTimeout Duration `json:"acquire_timeout" toml:"acquire_timeout" yaml:"acquire_timeout"`
	CycleWatchdog  Duration `json:"cycle_watchdog" toml:"cycle_watchdog" yaml:"cycle_watchdog"`

	Shards []*ShardRecord `json:"shards" toml:"shards" yaml:"shards"`
	Users  []*UserRecord  `json:"users" toml:"users" yaml:"users"`
}

var cfgProxy = Proxy{}

func ProxyConfig() *Proxy {
	return &cfgProxy
}

// LoadProxyCfg reads and validates the proxy config. The loaded document
// replaces the process-wide config.
func LoadProxyCfg(cfgPath string) error {
	var cfg Proxy
	file, err := os.Open(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	if err := cfg.Normalize(); err != nil {
		return err
	}

	cfgProxy = cfg
	return nil
}

// LoadUsersCfg reads a standalone users file. When given, its [[users]]
// list replaces the one from the main config.
func LoadUsersCfg(cfgPath string) ([]*UserRecord, error) {
	var doc struct {
		Users []*UserRecord `json:"users" toml:"users" yaml:"users"`
	}

	file, err := os.Open(cfgPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := toml.NewDecoder(file).Decode(&doc); err != nil {
		return nil, fmt.Errorf("users file %s: %w", cfgPath, err)
	}

	if err := validateUsers(doc.Users); err != nil {
		return nil, err
	}
	return doc.Users, nil
}

func validateUsers(users []*UserRecord) error {
	seen := map[string]struct{}{}
	for _, usr := range users {
		if err := usr.validate(); err != nil {
			return err
		}
		if _, ok := seen[usr.Username]; ok {
			return fmt.Errorf("duplicate user %q", usr.Username)
		}
		seen[usr.Username] = struct{}{}
	}
	return nil
}

// Normalize applies defaults and validates every shard and user record.
func (c *Proxy) Normalize() error {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == "" {
		c.Port = "6432"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ParseConflictPolicy == "" {
		c.ParseConflictPolicy = ParseConflictStrict
	}
	switch c.ParseConflictPolicy {
	case ParseConflictStrict, ParseConflictReplace:
	default:
		return fmt.Errorf("unknown parse_conflict_policy %q", c.ParseConflictPolicy)
	}

	if len(c.Shards) == 0 {
		return fmt.Errorf("no shards configured")
	}

	seen := map[string]struct{}{}
	for _, sh := range c.Shards {
		sh.withDefaults()
		if err := sh.validate(); err != nil {
			return err
		}
		if _, ok := seen[sh.Name]; ok {
			return fmt.Errorf("duplicate shard %q", sh.Name)
		}
		seen[sh.Name] = struct{}{}
	}

	return validateUsers(c.Users)
}
