package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
bot:
  platform: Slack
  channel: C0MEDIA
  operator_channel: C0OPS
  rate_limit: 0.5
  rate_burst: 2
  slack:
    app_token: xapp-1-abc
    bot_token: xoxb-abc

executor:
  binary: /opt/ffmpeg/bin/ffmpeg
  input_flag: "-"
  timeout: 2m
  kill_grace: 1s
  default_ext: mkv
  capture_bytes: 65536
  sensitive_flags: ["-headers"]

workspace:
  root: /srv/splicer
  max_bytes: 1048576
  max_files: 3
  max_file_bytes: 524288

session:
  idle_timeout: 15m
  sweep_schedule: "@every 30s"
  stop_timeout: 3s

delivery:
  confirm_timeout: 45s
  user_stderr_bytes: 800
  max_output_bytes: 52428800
  send_log: true

audit:
  driver: mysql
  dsn: "splicer:pw@tcp(127.0.0.1:3306)/splicer?parseTime=true"
  retention_days: 90
  prune_schedule: "30 4 * * *"
  digest_schedule: "0 8 * * 1"

dashboard:
  bind: 0.0.0.0
  port: 9090
`

const minimalYAML = `
bot:
  platform: discord
  discord:
    bot_token: abc
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Bot.Platform != "slack" {
		t.Errorf("Bot.Platform = %q, want %q", cfg.Bot.Platform, "slack")
	}
	if cfg.Bot.OperatorChannel != "C0OPS" {
		t.Errorf("Bot.OperatorChannel = %q, want %q", cfg.Bot.OperatorChannel, "C0OPS")
	}
	if cfg.Bot.RateLimit != 0.5 || cfg.Bot.RateBurst != 2 {
		t.Errorf("rate = %v/%d, want 0.5/2", cfg.Bot.RateLimit, cfg.Bot.RateBurst)
	}
	if cfg.Bot.Slack.BotToken != "xoxb-abc" {
		t.Errorf("Slack.BotToken = %q, want %q", cfg.Bot.Slack.BotToken, "xoxb-abc")
	}
	if cfg.Executor.Binary != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("Executor.Binary = %q", cfg.Executor.Binary)
	}
	if cfg.Executor.InputFlag != "-" {
		t.Errorf("Executor.InputFlag = %q, want %q", cfg.Executor.InputFlag, "-")
	}
	if cfg.Executor.Timeout != 2*time.Minute {
		t.Errorf("Executor.Timeout = %v, want 2m", cfg.Executor.Timeout)
	}
	if cfg.Executor.KillGrace != time.Second {
		t.Errorf("Executor.KillGrace = %v, want 1s", cfg.Executor.KillGrace)
	}
	if cfg.Executor.CaptureBytes != 65536 {
		t.Errorf("Executor.CaptureBytes = %d, want 65536", cfg.Executor.CaptureBytes)
	}
	if len(cfg.Executor.SensitiveFlags) != 1 || cfg.Executor.SensitiveFlags[0] != "-headers" {
		t.Errorf("Executor.SensitiveFlags = %v", cfg.Executor.SensitiveFlags)
	}
	if cfg.Workspace.MaxFiles != 3 || cfg.Workspace.MaxBytes != 1<<20 || cfg.Workspace.MaxFileBytes != 512<<10 {
		t.Errorf("Workspace = %+v", cfg.Workspace)
	}
	if cfg.Session.IdleTimeout != 15*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 15m", cfg.Session.IdleTimeout)
	}
	if cfg.Session.StopTimeout != 3*time.Second {
		t.Errorf("Session.StopTimeout = %v, want 3s", cfg.Session.StopTimeout)
	}
	if cfg.Delivery.ConfirmTimeout != 45*time.Second {
		t.Errorf("Delivery.ConfirmTimeout = %v, want 45s", cfg.Delivery.ConfirmTimeout)
	}
	if cfg.Delivery.MaxOutputBytes != 50<<20 || !cfg.Delivery.SendLog {
		t.Errorf("Delivery = %+v, want 50MiB cap with log", cfg.Delivery)
	}
	if cfg.Audit.Driver != "mysql" || cfg.Audit.RetentionDays != 90 {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
	if cfg.Dashboard.Port != 9090 || cfg.Dashboard.Bind != "0.0.0.0" {
		t.Errorf("Dashboard = %+v", cfg.Dashboard)
	}
}

func TestParse_MinimalConfigDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Executor.Binary != "ffmpeg" {
		t.Errorf("Executor.Binary = %q, want default %q", cfg.Executor.Binary, "ffmpeg")
	}
	if cfg.Executor.InputFlag != "-i" {
		t.Errorf("Executor.InputFlag = %q, want default %q", cfg.Executor.InputFlag, "-i")
	}
	if cfg.Executor.Timeout != 5*time.Minute {
		t.Errorf("Executor.Timeout = %v, want default 5m", cfg.Executor.Timeout)
	}
	if cfg.Executor.KillGrace != 2*time.Second {
		t.Errorf("Executor.KillGrace = %v, want default 2s", cfg.Executor.KillGrace)
	}
	if cfg.Executor.DefaultExt != "mp4" {
		t.Errorf("Executor.DefaultExt = %q, want default %q", cfg.Executor.DefaultExt, "mp4")
	}
	if cfg.Workspace.MaxBytes != 200<<20 {
		t.Errorf("Workspace.MaxBytes = %d, want default %d", cfg.Workspace.MaxBytes, 200<<20)
	}
	if cfg.Workspace.MaxFiles != 10 {
		t.Errorf("Workspace.MaxFiles = %d, want default 10", cfg.Workspace.MaxFiles)
	}
	if cfg.Workspace.MaxFileBytes != 50<<20 {
		t.Errorf("Workspace.MaxFileBytes = %d, want default %d", cfg.Workspace.MaxFileBytes, 50<<20)
	}
	if cfg.Workspace.Root != filepath.Join(os.TempDir(), "splicer") {
		t.Errorf("Workspace.Root = %q", cfg.Workspace.Root)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want default 30m", cfg.Session.IdleTimeout)
	}
	if cfg.Session.SweepSchedule != "@every 1m" {
		t.Errorf("Session.SweepSchedule = %q, want default %q", cfg.Session.SweepSchedule, "@every 1m")
	}
	if cfg.Delivery.ConfirmTimeout != 2*time.Minute {
		t.Errorf("Delivery.ConfirmTimeout = %v, want default 2m", cfg.Delivery.ConfirmTimeout)
	}
	if cfg.Delivery.UserStderrBytes != 1500 {
		t.Errorf("Delivery.UserStderrBytes = %d, want default 1500", cfg.Delivery.UserStderrBytes)
	}
	if cfg.Delivery.MaxOutputBytes != discordUploadLimit {
		t.Errorf("Delivery.MaxOutputBytes = %d, want discord default %d", cfg.Delivery.MaxOutputBytes, discordUploadLimit)
	}
	if cfg.Delivery.SendLog {
		t.Error("Delivery.SendLog should default to false")
	}
	if cfg.Audit.Driver != "sqlite" || cfg.Audit.DSN != "splicer.db" {
		t.Errorf("Audit = %+v, want sqlite splicer.db", cfg.Audit)
	}
	if cfg.Audit.DigestSchedule != "" {
		t.Errorf("Audit.DigestSchedule = %q, want empty", cfg.Audit.DigestSchedule)
	}
	if cfg.Dashboard.Port != 0 {
		t.Errorf("Dashboard.Port = %d, want 0 (disabled)", cfg.Dashboard.Port)
	}
	if cfg.Bot.RateLimit != 2 || cfg.Bot.RateBurst != 5 {
		t.Errorf("rate = %v/%d, want default 2/5", cfg.Bot.RateLimit, cfg.Bot.RateBurst)
	}
}

func TestParse_MaxOutputBytesPerPlatform(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want int64
	}{
		{"slack default", "bot:\n  platform: slack\n  slack:\n    app_token: a\n    bot_token: b\n", slackUploadLimit},
		{"discord default", minimalYAML, discordUploadLimit},
		{"uncapped", minimalYAML + "delivery:\n  max_output_bytes: -1\n", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Delivery.MaxOutputBytes != tt.want {
				t.Errorf("MaxOutputBytes = %d, want %d", cfg.Delivery.MaxOutputBytes, tt.want)
			}
		})
	}
}

func TestParse_MissingPlatform(t *testing.T) {
	_, err := Parse([]byte("executor:\n  binary: ffmpeg\n"))
	if err == nil {
		t.Fatal("expected error for missing platform")
	}
	if !strings.Contains(err.Error(), "bot.platform is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "bot.platform is required")
	}
}

func TestParse_UnknownPlatform(t *testing.T) {
	_, err := Parse([]byte("bot:\n  platform: irc\n"))
	if err == nil {
		t.Fatal("expected error for unsupported platform")
	}
	if !strings.Contains(err.Error(), `bot.platform "irc" is not supported`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestParse_SlackRequiresBothTokens(t *testing.T) {
	_, err := Parse([]byte("bot:\n  platform: slack\n  slack:\n    bot_token: xoxb\n"))
	if err == nil {
		t.Fatal("expected error for missing app token")
	}
	if !strings.Contains(err.Error(), "bot.slack.app_token is required") {
		t.Errorf("error = %q", err.Error())
	}
	if strings.Contains(err.Error(), "bot_token is required") {
		t.Errorf("error = %q, bot token was provided", err.Error())
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	yaml := `
bot:
  platform: discord
executor:
  default_ext: tar.gz
workspace:
  max_bytes: 100
  max_file_bytes: 200
audit:
  driver: postgres
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{
		"bot.discord.bot_token is required",
		`executor.default_ext "tar.gz" is not a bare extension`,
		"workspace.max_file_bytes must not exceed workspace.max_bytes",
		`audit.driver "postgres" is not supported`,
		"audit.dsn is required",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q: %s", want, msg)
		}
	}
	if !strings.HasPrefix(msg, "config: validation failed: ") {
		t.Errorf("error = %q, want validation prefix", msg)
	}
}

func TestParse_BadSchedules(t *testing.T) {
	yaml := minimalYAML + `
session:
  sweep_schedule: "every minute"
audit:
  prune_schedule: "61 * * * *"
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for bad schedules")
	}
	if !strings.Contains(err.Error(), "session.sweep_schedule") {
		t.Errorf("error = %q, want sweep_schedule", err.Error())
	}
	if !strings.Contains(err.Error(), "audit.prune_schedule") {
		t.Errorf("error = %q, want prune_schedule", err.Error())
	}
}

func TestParseSchedule_AcceptsDescriptors(t *testing.T) {
	for _, expr := range []string{"@every 1m", "@hourly", "@daily", "*/5 * * * *"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	if _, err := ParseSchedule("0 0 * * * *"); err == nil {
		t.Error("ParseSchedule accepted a 6-field expression")
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte(":::invalid"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse:")
	}
}

func TestLoad_TokenFileRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "discord.token"), []byte("  from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "splicer.yaml")
	yaml := "bot:\n  platform: discord\n  discord:\n    bot_token: inline\n    bot_token_file: discord.token\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bot.Discord.BotToken != "from-file" {
		t.Errorf("BotToken = %q, want %q", cfg.Bot.Discord.BotToken, "from-file")
	}
}

func TestLoad_MissingTokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "splicer.yaml")
	yaml := "bot:\n  platform: discord\n  discord:\n    bot_token_file: nope.token\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing token file")
	}
	if !strings.Contains(err.Error(), "bot.discord.bot_token_file") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/splicer.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

// --- Fixture-based tests using testdata/ files ---

func TestLoad_FullFixture(t *testing.T) {
	cfg, err := Load("testdata/valid_full.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bot.Slack.AppToken != "xapp-1-test" {
		t.Errorf("Slack.AppToken = %q, want %q", cfg.Bot.Slack.AppToken, "xapp-1-test")
	}
	if cfg.Bot.Slack.BotToken != "xoxb-test" {
		t.Errorf("Slack.BotToken = %q, want %q", cfg.Bot.Slack.BotToken, "xoxb-test")
	}
	if cfg.Executor.DefaultExt != "webm" {
		t.Errorf("Executor.DefaultExt = %q, want %q", cfg.Executor.DefaultExt, "webm")
	}
	if cfg.Executor.KillGrace != 500*time.Millisecond {
		t.Errorf("Executor.KillGrace = %v, want 500ms", cfg.Executor.KillGrace)
	}
	if cfg.Audit.DigestSchedule != "0 9 * * *" {
		t.Errorf("Audit.DigestSchedule = %q", cfg.Audit.DigestSchedule)
	}
}

func TestLoad_MinimalFixture(t *testing.T) {
	cfg, err := Load("testdata/valid_minimal.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bot.Platform != "discord" {
		t.Errorf("Bot.Platform = %q, want %q", cfg.Bot.Platform, "discord")
	}
	if cfg.Audit.PruneSchedule != "0 3 * * *" {
		t.Errorf("Audit.PruneSchedule = %q, want default", cfg.Audit.PruneSchedule)
	}
}

func TestLoad_MissingPlatformFixture(t *testing.T) {
	_, err := Load("testdata/missing_platform.yaml")
	if err == nil {
		t.Fatal("expected error for missing platform")
	}
	if !strings.Contains(err.Error(), "bot.platform is required") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_BadScheduleFixture(t *testing.T) {
	_, err := Load("testdata/bad_schedule.yaml")
	if err == nil {
		t.Fatal("expected error for bad schedule")
	}
	if !strings.Contains(err.Error(), `session.sweep_schedule "every minute"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_InvalidYAMLFixture(t *testing.T) {
	_, err := Load("testdata/invalid.yaml")
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse:")
	}
}
