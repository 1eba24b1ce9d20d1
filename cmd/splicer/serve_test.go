package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/splicer/internal/config"
	"github.com/zulandar/splicer/internal/telegraph"
	discordadapter "github.com/zulandar/splicer/internal/telegraph/discord"
	slackadapter "github.com/zulandar/splicer/internal/telegraph/slack"
)

func TestServeCmd_Flags(t *testing.T) {
	cmd := newServeCmd()
	f := cmd.Flags().Lookup("config")
	if f == nil {
		t.Fatal("expected --config flag")
	}
	if f.DefValue != "splicer.yaml" || f.Shorthand != "c" {
		t.Errorf("config flag = %q/-%s", f.DefValue, f.Shorthand)
	}
}

func TestServe_MissingBinary(t *testing.T) {
	orig := lookPath
	lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }
	defer func() { lookPath = orig }()

	cfgPath := writeConfig(t, t.TempDir(), "executor:\n  binary: no-such-ffmpeg\n")
	_, err := runCmd(t, "serve", "-c", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "no-such-ffmpeg not found") {
		t.Fatalf("err = %v, want missing binary error", err)
	}
}

func TestServe_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "serve", "-c", "/nonexistent/splicer.yaml")
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err = %v, want load config error", err)
	}
}

func TestCreateAdapter(t *testing.T) {
	slackCfg := &config.Config{Bot: config.BotConfig{
		Platform: "slack",
		Slack:    config.SlackConfig{AppToken: "xapp-1", BotToken: "xoxb-1"},
	}}
	a, err := createAdapter(slackCfg)
	if err != nil {
		t.Fatalf("slack: %v", err)
	}
	if _, ok := a.(*slackadapter.Adapter); !ok {
		t.Errorf("slack adapter type = %T", a)
	}

	discordCfg := &config.Config{Bot: config.BotConfig{
		Platform: "discord",
		Discord:  config.DiscordConfig{BotToken: "abc"},
	}}
	a, err = createAdapter(discordCfg)
	if err != nil {
		t.Fatalf("discord: %v", err)
	}
	if _, ok := a.(*discordadapter.Adapter); !ok {
		t.Errorf("discord adapter type = %T", a)
	}

	if _, err := createAdapter(&config.Config{Bot: config.BotConfig{Platform: "irc"}}); err == nil {
		t.Error("expected error for unsupported platform")
	}
}

func TestAssemble(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "dashboard:\n  port: 18099\n")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	var out bytes.Buffer
	daemon, cleanup, err := assemble(cfg, telegraph.NewMockAdapter(), &out)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer cleanup()
	if daemon == nil {
		t.Fatal("expected daemon")
	}
	if strings.Contains(out.String(), "no audit store") {
		t.Errorf("audit store should be configured: %s", out.String())
	}
}

func TestAssemble_BadAuditDriver(t *testing.T) {
	cfg := &config.Config{}
	cfg.Workspace.Root = t.TempDir()
	cfg.Audit.Driver = "postgres"
	if _, _, err := assemble(cfg, telegraph.NewMockAdapter(), &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported audit driver")
	}
}
