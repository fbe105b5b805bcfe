package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Deployment profiles. They differ only in defaults; any field can still be
// overridden by the config file, the environment, or flags.
const (
	ProfileLocal = "local"
	ProfileCloud = "cloud"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full deskrelay configuration. One file serves all three
// roles; each role reads only its section.
type Config struct {
	Profile string        `yaml:"profile"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
	Agent   AgentConfig   `yaml:"agent"`
	Issues  IssuesConfig  `yaml:"issues"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	ReadLimit  int64  `yaml:"read_limit"`  // max inbound WebSocket message, bytes
	SendBuffer int    `yaml:"send_buffer"` // per-session outbound queue, messages
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type StoreConfig struct {
	Path string `yaml:"path"` // sqlite file; empty disables the audit log
}

// AgentConfig configures the desktop side.
type AgentConfig struct {
	RelayURL      string   `yaml:"relay_url"`
	FrameInterval Duration `yaml:"frame_interval"` // 0 = push only on request
	CaptureDir    string   `yaml:"capture_dir"`    // watch a directory for screenshots
	// CaptureCommand writes one JPEG to stdout.
	CaptureCommand []string `yaml:"capture_command"`
	// Commands overrides the argv template for type, key, click, move,
	// scroll, or capture. Placeholders: {text} {key} {x} {y} {button}
	// {clicks} {wheel}.
	Commands    map[string][]string `yaml:"commands"`
	TargetsFile string              `yaml:"targets_file"`
}

// IssuesConfig configures the GitHub issue-comment command source.
type IssuesConfig struct {
	API           string   `yaml:"api"`
	Owner         string   `yaml:"owner"`
	Repo          string   `yaml:"repo"`
	Issue         int      `yaml:"issue"`
	Token         string   `yaml:"token"`
	OnlyAuthor    string   `yaml:"only_author"`
	DefaultTarget string   `yaml:"default_target"`
	Interval      Duration `yaml:"interval"`
	// Screenshot replies are committed under ScreenshotDir on Branch.
	Branch        string   `yaml:"branch"`
	ScreenshotDir string   `yaml:"screenshot_dir"`
}

// Enabled reports whether an issue to poll has been configured.
func (c IssuesConfig) Enabled() bool {
	return c.Owner != "" && c.Repo != "" && c.Issue > 0
}

// Duration is a time.Duration that reads "5s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if n, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in settings for a profile.
func Default(profile string) *Config {
	cfg := &Config{
		Profile: profile,
		Server: ServerConfig{
			Addr:       "127.0.0.1:8090",
			ReadLimit:  8 * 1024 * 1024,
			SendBuffer: 64,
		},
		Logging: LoggingConfig{Level: "debug"},
		Agent: AgentConfig{
			RelayURL: "http://127.0.0.1:8090",
		},
		Issues: IssuesConfig{
			API:           "https://api.github.com",
			DefaultTarget: "lower",
			Interval:      Duration(5 * time.Second),
			ScreenshotDir: "screenshots",
		},
	}
	if profile == ProfileCloud {
		cfg.Server.Addr = ":8080"
		cfg.Logging.Level = "info"
	}
	return cfg
}

// Load builds the configuration: profile defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides. The profile may
// be changed by the file itself.
func Load(path, profile string) (*Config, error) {
	if profile == "" {
		profile = envOr("DR_PROFILE", ProfileLocal)
	}
	cfg := Default(profile)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var peek struct {
			Profile string `yaml:"profile"`
		}
		if err := yaml.Unmarshal(data, &peek); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if peek.Profile != "" && peek.Profile != profile {
			cfg = Default(peek.Profile)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. PORT follows the Cloud Run
// convention and always binds all interfaces.
func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if v := os.Getenv("DR_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DR_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("DR_RELAY_URL"); v != "" {
		c.Agent.RelayURL = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" && c.Issues.Token == "" {
		c.Issues.Token = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Profile != ProfileLocal && c.Profile != ProfileCloud {
		return fmt.Errorf("%w: profile must be %q or %q, got %q", ErrInvalid, ProfileLocal, ProfileCloud, c.Profile)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("%w: server.read_limit must be positive", ErrInvalid)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("%w: server.send_buffer must be positive", ErrInvalid)
	}
	if c.Agent.FrameInterval < 0 {
		return fmt.Errorf("%w: agent.frame_interval must not be negative", ErrInvalid)
	}
	if c.Issues.Enabled() && c.Issues.Interval.Std() < time.Second {
		return fmt.Errorf("%w: issues.interval must be at least 1s", ErrInvalid)
	}
	for kind, argv := range c.Agent.Commands {
		if len(argv) == 0 {
			return fmt.Errorf("%w: agent.commands.%s is empty", ErrInvalid, kind)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
