package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatbridge/internal/channel"
	"chatbridge/internal/config"
	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"
	"chatbridge/internal/pipeline"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every enabled adapter with the echo pipeline",
		Long:  "Starts all enabled channels (Lark, Slack, Telegram, Discord, WebChat) and the metrics endpoint. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closer, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = log

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	echo, err := pipeline.NewEcho(pipeline.Config{
		BotNames:         []string{cfg.Channels.Lark.BotName},
		GroupMentionOnly: cfg.Pipeline.GroupMentionOnly,
		RatePerMinute:    cfg.Pipeline.RatePerMinute,
		Burst:            cfg.Pipeline.Burst,
		Version:          version,
		Logger:           logger.With("component", "pipeline"),
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	adapters, err := buildAdapters(cfg, logger, collector, echo.Accepts)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return errors.New("no channels enabled; enable one with: chatbridge config set channels.<name>.enabled true")
	}
	echo.Attach(adapters...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		g.Go(func() error {
			logger.Info("adapter starting", "adapter", a.Name())
			if err := a.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", a.Name(), err)
			}
			return nil
		})
	}
	if collector != nil {
		g.Go(func() error {
			return collector.Serve(gctx, cfg.Metrics.Addr, cfg.Metrics.Path, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		timeout := time.Duration(cfg.General.ShutdownTimeoutSeconds) * time.Second
		return shutdownAll(adapters, timeout, logger)
	})

	logger.Info("chatbridge started. Press Ctrl+C to stop.", "adapters", len(adapters), "version", version)

	err = g.Wait()
	echo.Detach(adapters...)
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildAdapters creates an adapter for every enabled channel. wants tells
// card-based adapters which events the pipeline will answer.
func buildAdapters(cfg *config.Config, logger *slog.Logger, m *metrics.Collector, wants func(domain.Event) bool) ([]domain.Adapter, error) {
	var adapters []domain.Adapter
	ch := cfg.Channels
	maxEvents := cfg.General.MaxConcurrentEvents

	if ch.Lark.Enabled {
		mode, err := channel.ParseReplyMode(ch.Lark.ReplyMode)
		if err != nil {
			return nil, fmt.Errorf("lark: %w", err)
		}
		lark, err := channel.NewLark(channel.LarkConfig{
			AppID:               ch.Lark.AppID,
			AppSecret:           ch.Lark.AppSecret,
			Domain:              ch.Lark.Domain,
			ReplyMode:           mode,
			WebhookEnabled:      ch.Lark.WebhookEnabled,
			Host:                ch.Lark.Host,
			Port:                ch.Lark.Port,
			CallbackPath:        ch.Lark.CallbackPath,
			EncryptKey:          ch.Lark.EncryptKey,
			VerificationToken:   ch.Lark.VerificationToken,
			CardTemplateID:      ch.Lark.CardTemplateID,
			CardTemplateJSON:    ch.Lark.CardTemplateJSON,
			StreamFieldName:     ch.Lark.StreamFieldName,
			RequestTimeout:      time.Duration(ch.Lark.RequestTimeoutSeconds) * time.Second,
			CardCacheSize:       ch.Lark.CardCacheSize,
			MaxConcurrentEvents: maxEvents,
			WantsReply:          wants,
			Logger:              logger.With("channel", "lark"),
			Metrics:             m,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, lark)
	} else {
		logger.Info("lark channel disabled")
	}

	if ch.Slack.Enabled {
		slack, err := channel.NewSlack(channel.SlackConfig{
			BotToken:            ch.Slack.BotToken,
			AppToken:            ch.Slack.AppToken,
			MaxConcurrentEvents: maxEvents,
			Logger:              logger.With("channel", "slack"),
			Metrics:             m,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, slack)
	}

	if ch.Telegram.Enabled {
		tg, err := channel.NewTelegram(channel.TelegramConfig{
			Token:               ch.Telegram.Token,
			AllowFrom:           ch.Telegram.AllowFrom,
			MaxConcurrentEvents: maxEvents,
			Logger:              logger.With("channel", "telegram"),
			Metrics:             m,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, tg)
	}

	if ch.Discord.Enabled {
		dc, err := channel.NewDiscord(channel.DiscordConfig{
			Token:               ch.Discord.Token,
			GuildID:             ch.Discord.GuildID,
			MaxConcurrentEvents: maxEvents,
			Logger:              logger.With("channel", "discord"),
			Metrics:             m,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, dc)
	}

	if ch.WebChat.Enabled {
		adapters = append(adapters, channel.NewWebChat(channel.WebChatConfig{
			Host:                ch.WebChat.Host,
			Port:                ch.WebChat.Port,
			HistorySize:         ch.WebChat.HistorySize,
			MaxConcurrentEvents: maxEvents,
			Logger:              logger.With("channel", "webchat"),
			Metrics:             m,
		}))
	}

	return adapters, nil
}

// shutdownAll stops every adapter in parallel, waiting at most timeout for
// in-flight listeners.
func shutdownAll(adapters []domain.Adapter, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("shutting down adapters...", "timeout", timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var g errgroup.Group
	for _, a := range adapters {
		g.Go(func() error {
			if err := a.Shutdown(ctx); err != nil {
				logger.Warn("adapter shutdown incomplete", "adapter", a.Name(), "err", err)
				return fmt.Errorf("%s shutdown: %w", a.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
