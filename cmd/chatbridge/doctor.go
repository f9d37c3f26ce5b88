package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"chatbridge/internal/channel"
	"chatbridge/internal/config"
)

// doctorReport counts check outcomes and prints them as they happen.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatbridge setup",
		Long: `Verifies that the configuration loads and validates, that every enabled
channel has credentials, and that the listen addresses are free.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatbridge doctor v%s\n", version)
			fmt.Printf("----------------------------------------\n\n")

			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatbridge init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			checkChannels(r, cfg)
			checkListeners(r, cfg)

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n----------------------------------------\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running chatbridge.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nchatbridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! chatbridge is ready to run.\n")
			}
			return nil
		},
	}
}

func checkChannels(r *doctorReport, cfg *config.Config) {
	ch := cfg.Channels
	enabled := 0

	if ch.Lark.Enabled {
		enabled++
		mode, err := channel.ParseReplyMode(ch.Lark.ReplyMode)
		switch {
		case err != nil:
			r.fail("Lark", err.Error())
		case ch.Lark.WebhookEnabled && ch.Lark.EncryptKey == "":
			r.warn("Lark", fmt.Sprintf("%s mode via webhook, callbacks are not encrypted", mode))
		case ch.Lark.WebhookEnabled:
			r.pass("Lark", fmt.Sprintf("%s mode via webhook %s", mode, ch.Lark.CallbackPath))
		default:
			r.pass("Lark", fmt.Sprintf("%s mode via push socket", mode))
		}
		if ch.Lark.BotName == "" && cfg.Pipeline.GroupMentionOnly {
			r.warn("Lark bot name", "not set, any mention in a group triggers a reply")
		}
	}
	if ch.Slack.Enabled {
		enabled++
		r.pass("Slack", "socket mode")
	}
	if ch.Telegram.Enabled {
		enabled++
		if len(ch.Telegram.AllowFrom) == 0 {
			r.warn("Telegram", "allowFrom is empty, every user can talk to the bot")
		} else {
			r.pass("Telegram", fmt.Sprintf("%d allowed user(s)", len(ch.Telegram.AllowFrom)))
		}
	}
	if ch.Discord.Enabled {
		enabled++
		r.pass("Discord", "gateway")
	}
	if ch.WebChat.Enabled {
		enabled++
		r.pass("WebChat", fmt.Sprintf("history %d per session", ch.WebChat.HistorySize))
	}

	if enabled == 0 {
		r.fail("Channels", "no channels enabled")
	}
}

func checkListeners(r *doctorReport, cfg *config.Config) {
	if cfg.Channels.Lark.Enabled && cfg.Channels.Lark.WebhookEnabled {
		checkAddr(r, "Lark webhook port", net.JoinHostPort(cfg.Channels.Lark.Host, strconv.Itoa(cfg.Channels.Lark.Port)))
	}
	if cfg.Channels.WebChat.Enabled {
		checkAddr(r, "WebChat port", net.JoinHostPort(cfg.Channels.WebChat.Host, strconv.Itoa(cfg.Channels.WebChat.Port)))
	}
	if cfg.Metrics.Enabled {
		checkAddr(r, "Metrics addr", cfg.Metrics.Addr)
	}
}

func checkAddr(r *doctorReport, check, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.warn(check, fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	ln.Close()
	r.pass(check, addr+" available")
}
