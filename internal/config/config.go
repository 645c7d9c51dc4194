package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ControllerConfig struct {
	Addr        string        `yaml:"addr"`
	DBPath      string        `yaml:"db_path"`
	SharedToken string        `yaml:"shared_token"` // For agent -> controller
	Users       []User        `yaml:"users"`
	CertPath    string        `yaml:"cert_path"`
	KeyPath     string        `yaml:"key_path"`
	Sweeper     SweeperConfig `yaml:"sweeper"`
	View        ViewConfig    `yaml:"view"`
	Store       StoreConfig   `yaml:"store"`
}

type User struct {
	Username           string `yaml:"username"`
	DisplayName        string `yaml:"display_name"`
	Token              string `yaml:"token"`
	Role               string `yaml:"role"`
	WeeklyQuotaMinutes *int   `yaml:"weekly_quota_minutes"`
}

type SweeperConfig struct {
	Interval       Duration `yaml:"interval"`
	StaleAfter     Duration `yaml:"stale_after"`
	NodeStaleAfter Duration `yaml:"node_stale_after"`
	ChargeNoShow   bool     `yaml:"charge_no_show"`
}

type ViewConfig struct {
	Freshness Duration `yaml:"freshness"`
}

type StoreConfig struct {
	BusyTimeout     Duration `yaml:"busy_timeout"`
	MaxRetryElapsed Duration `yaml:"max_retry_elapsed"`
}

type AgentConfig struct {
	ControllerURL string   `yaml:"controller_url"`
	SharedToken   string   `yaml:"shared_token"`
	Hostname      string   `yaml:"hostname"`
	PollInterval  Duration `yaml:"poll_interval"`
	// LocalTimeout is how long a (gpu, user) pair may be missing from local
	// snapshots before the agent reports its end.
	LocalTimeout Duration `yaml:"local_timeout"`
	Fake         bool     `yaml:"fake"`
}

func LoadControllerConfig(path string) (*ControllerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg ControllerConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ControllerConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.DBPath == "" {
		c.DBPath = "gpuledger.db"
	}
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = Duration(30 * time.Second)
	}
	if c.Sweeper.StaleAfter == 0 {
		c.Sweeper.StaleAfter = Duration(5 * time.Minute)
	}
	if c.Sweeper.NodeStaleAfter == 0 {
		c.Sweeper.NodeStaleAfter = Duration(15 * time.Minute)
	}
	if c.View.Freshness == 0 {
		c.View.Freshness = Duration(2 * time.Minute)
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = Duration(5 * time.Second)
	}
	if c.Store.MaxRetryElapsed == 0 {
		c.Store.MaxRetryElapsed = Duration(10 * time.Second)
	}
}

func (c *ControllerConfig) validate() error {
	if c.SharedToken == "" {
		return fmt.Errorf("shared_token is required")
	}
	if c.View.Freshness >= c.Sweeper.StaleAfter {
		return fmt.Errorf("view.freshness (%s) must be shorter than sweeper.stale_after (%s)",
			c.View.Freshness.Std(), c.Sweeper.StaleAfter.Std())
	}
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("user without username")
		}
		if seen[u.Username] {
			return fmt.Errorf("duplicate user %q", u.Username)
		}
		seen[u.Username] = true
	}
	return nil
}

func LoadAgentConfig(path string) (*AgentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg AgentConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.ControllerURL == "" {
		c.ControllerURL = "http://localhost:8090"
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(15 * time.Second)
	}
	if c.LocalTimeout == 0 {
		c.LocalTimeout = Duration(time.Minute)
	}
}
