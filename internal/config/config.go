// Package config provides YAML-based configuration loading for Splicer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Splicer configuration, loaded from splicer.yaml.
type Config struct {
	Bot       BotConfig       `yaml:"bot"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Session   SessionConfig   `yaml:"session"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Audit     AuditConfig     `yaml:"audit"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// BotConfig selects the chat platform and its credentials.
type BotConfig struct {
	Platform        string        `yaml:"platform"`         // "slack" or "discord"
	Channel         string        `yaml:"channel"`          // announcements; optional
	OperatorChannel string        `yaml:"operator_channel"` // failure reports; optional
	RateLimit       float64       `yaml:"rate_limit"`       // commands per second per user
	RateBurst       int           `yaml:"rate_burst"`
	Slack           SlackConfig   `yaml:"slack"`
	Discord         DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Socket Mode credentials. Token files are read relative
// to the config file and take precedence over inline tokens.
type SlackConfig struct {
	AppToken     string `yaml:"app_token"`
	BotToken     string `yaml:"bot_token"`
	AppTokenFile string `yaml:"app_token_file"`
	BotTokenFile string `yaml:"bot_token_file"`
}

// DiscordConfig holds the bot token.
type DiscordConfig struct {
	BotToken     string `yaml:"bot_token"`
	BotTokenFile string `yaml:"bot_token_file"`
}

// ExecutorConfig describes the media tool and how it is run.
type ExecutorConfig struct {
	Binary         string        `yaml:"binary"`
	InputFlag      string        `yaml:"input_flag"` // "-" passes inputs bare
	Timeout        time.Duration `yaml:"timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	DefaultExt     string        `yaml:"default_ext"`
	CaptureBytes   int           `yaml:"capture_bytes"`
	SensitiveFlags []string      `yaml:"sensitive_flags"`
}

// WorkspaceConfig bounds per-session disk use.
type WorkspaceConfig struct {
	Root         string `yaml:"root"`
	MaxBytes     int64  `yaml:"max_bytes"`
	MaxFiles     int    `yaml:"max_files"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

// SessionConfig controls session expiry.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
}

// DeliveryConfig controls result delivery.
type DeliveryConfig struct {
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	UserStderrBytes int           `yaml:"user_stderr_bytes"`
	// MaxOutputBytes is the largest output uploaded to the chat. It
	// defaults to the platform's bot upload limit; -1 removes the cap.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
	SendLog        bool  `yaml:"send_log"` // post the tool's log after successful runs too
}

// Bot upload limits per platform.
const (
	slackUploadLimit   = 1 << 30
	discordUploadLimit = 10 << 20
)

// AuditConfig locates the execution log.
type AuditConfig struct {
	Driver         string `yaml:"driver"` // "sqlite" or "mysql"
	DSN            string `yaml:"dsn"`
	RetentionDays  int    `yaml:"retention_days"`
	PruneSchedule  string `yaml:"prune_schedule"`
	DigestSchedule string `yaml:"digest_schedule"` // empty disables the daily digest
}

// DashboardConfig configures the read-only status API. Port 0 disables it.
type DashboardConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Schedules accept 5-field cron expressions and descriptors like "@every 1m".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a schedule expression as accepted in the config file.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Load reads a YAML config file from path and returns a validated Config.
// Token files are resolved relative to the directory holding path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, filepath.Dir(path))
}

// Parse unmarshals YAML bytes into a validated Config. Relative token files
// are resolved against the working directory.
func Parse(data []byte) (*Config, error) {
	return parse(data, ".")
}

func parse(data []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.resolveSecrets(baseDir); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	c.Bot.Platform = strings.ToLower(strings.TrimSpace(c.Bot.Platform))
	if c.Bot.RateLimit == 0 {
		c.Bot.RateLimit = 2
	}
	if c.Bot.RateBurst == 0 {
		c.Bot.RateBurst = 5
	}

	if c.Executor.Binary == "" {
		c.Executor.Binary = "ffmpeg"
	}
	if c.Executor.InputFlag == "" {
		c.Executor.InputFlag = "-i"
	}
	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = 5 * time.Minute
	}
	if c.Executor.KillGrace == 0 {
		c.Executor.KillGrace = 2 * time.Second
	}
	if c.Executor.DefaultExt == "" {
		c.Executor.DefaultExt = "mp4"
	}
	c.Executor.DefaultExt = strings.TrimPrefix(c.Executor.DefaultExt, ".")
	if c.Executor.CaptureBytes == 0 {
		c.Executor.CaptureBytes = 1 << 20
	}

	if c.Workspace.Root == "" {
		c.Workspace.Root = filepath.Join(os.TempDir(), "splicer")
	}
	if c.Workspace.MaxBytes == 0 {
		c.Workspace.MaxBytes = 200 << 20
	}
	if c.Workspace.MaxFiles == 0 {
		c.Workspace.MaxFiles = 10
	}
	if c.Workspace.MaxFileBytes == 0 {
		c.Workspace.MaxFileBytes = 50 << 20
	}

	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = "@every 1m"
	}
	if c.Session.StopTimeout == 0 {
		c.Session.StopTimeout = 5 * time.Second
	}

	if c.Delivery.ConfirmTimeout == 0 {
		c.Delivery.ConfirmTimeout = 2 * time.Minute
	}
	if c.Delivery.UserStderrBytes == 0 {
		c.Delivery.UserStderrBytes = 1500
	}
	if c.Delivery.MaxOutputBytes == 0 {
		switch c.Bot.Platform {
		case "slack":
			c.Delivery.MaxOutputBytes = slackUploadLimit
		case "discord":
			c.Delivery.MaxOutputBytes = discordUploadLimit
		}
	}

	if c.Audit.Driver == "" {
		c.Audit.Driver = "sqlite"
	}
	if c.Audit.DSN == "" && c.Audit.Driver == "sqlite" {
		c.Audit.DSN = "splicer.db"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Audit.PruneSchedule == "" {
		c.Audit.PruneSchedule = "0 3 * * *"
	}

	if c.Dashboard.Bind == "" {
		c.Dashboard.Bind = "127.0.0.1"
	}
}

// resolveSecrets replaces inline tokens with the contents of token files.
func (c *Config) resolveSecrets(baseDir string) error {
	var errs []string
	read := func(field, path string, dst *string) {
		if path == "" {
			return
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field, err))
			return
		}
		*dst = strings.TrimSpace(string(data))
	}
	read("bot.slack.app_token_file", c.Bot.Slack.AppTokenFile, &c.Bot.Slack.AppToken)
	read("bot.slack.bot_token_file", c.Bot.Slack.BotTokenFile, &c.Bot.Slack.BotToken)
	read("bot.discord.bot_token_file", c.Bot.Discord.BotTokenFile, &c.Bot.Discord.BotToken)
	if len(errs) > 0 {
		return fmt.Errorf("config: read secrets: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Bot.Platform {
	case "slack":
		if c.Bot.Slack.AppToken == "" {
			errs = append(errs, "bot.slack.app_token is required")
		}
		if c.Bot.Slack.BotToken == "" {
			errs = append(errs, "bot.slack.bot_token is required")
		}
	case "discord":
		if c.Bot.Discord.BotToken == "" {
			errs = append(errs, "bot.discord.bot_token is required")
		}
	case "":
		errs = append(errs, "bot.platform is required")
	default:
		errs = append(errs, fmt.Sprintf("bot.platform %q is not supported (slack, discord)", c.Bot.Platform))
	}
	if c.Bot.RateLimit < 0 {
		errs = append(errs, "bot.rate_limit must not be negative")
	}
	if c.Bot.RateBurst < 0 {
		errs = append(errs, "bot.rate_burst must not be negative")
	}

	if strings.ContainsAny(c.Executor.Binary, " \t\n") && !filepath.IsAbs(c.Executor.Binary) {
		errs = append(errs, "executor.binary must be a single executable name or an absolute path")
	}
	if c.Executor.Timeout < 0 {
		errs = append(errs, "executor.timeout must be positive")
	}
	if c.Executor.KillGrace < 0 {
		errs = append(errs, "executor.kill_grace must be positive")
	}
	if strings.ContainsAny(c.Executor.DefaultExt, "/\\. ") {
		errs = append(errs, fmt.Sprintf("executor.default_ext %q is not a bare extension", c.Executor.DefaultExt))
	}

	if c.Workspace.MaxBytes < 0 || c.Workspace.MaxFiles < 0 || c.Workspace.MaxFileBytes < 0 {
		errs = append(errs, "workspace limits must not be negative")
	}
	if c.Workspace.MaxFileBytes > c.Workspace.MaxBytes {
		errs = append(errs, "workspace.max_file_bytes must not exceed workspace.max_bytes")
	}

	if c.Session.IdleTimeout < 0 {
		errs = append(errs, "session.idle_timeout must be positive")
	}
	for field, expr := range map[string]string{
		"session.sweep_schedule": c.Session.SweepSchedule,
		"audit.prune_schedule":   c.Audit.PruneSchedule,
		"audit.digest_schedule":  c.Audit.DigestSchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := ParseSchedule(expr); err != nil {
			errs = append(errs, fmt.Sprintf("%s %q: %v", field, expr, err))
		}
	}

	switch c.Audit.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("audit.driver %q is not supported (sqlite, mysql)", c.Audit.Driver))
	}
	if c.Audit.DSN == "" {
		errs = append(errs, "audit.dsn is required")
	}
	if c.Audit.RetentionDays < 0 {
		errs = append(errs, "audit.retention_days must not be negative")
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dashboard.port %d is out of range", c.Dashboard.Port))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
