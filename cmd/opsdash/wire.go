package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"opsdash/internal/backend"
	"opsdash/internal/config"
	"opsdash/internal/dashboard"
	"opsdash/internal/domain"
	"opsdash/internal/logging"
	"opsdash/internal/notification"
	"opsdash/internal/outbox"
	"opsdash/internal/realtime"
)

// backendClient is a domain.Backend that can be health-checked and released.
type backendClient interface {
	domain.Backend
	Ping(ctx context.Context) error
}

func buildLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:      cfg.General.LogLevel,
		File:       cfg.General.LogFile,
		MaxSizeMB:  cfg.General.LogMaxSizeMB,
		MaxBackups: cfg.General.LogMaxBackups,
		MaxAgeDays: cfg.General.LogMaxAgeDays,
		Compress:   cfg.General.LogCompress,
	})
}

func buildBackend(cfg *config.Config, logger *slog.Logger) (backendClient, func(), error) {
	switch cfg.Backend.Kind {
	case "postgres":
		pg, err := backend.NewPostgres(backend.PostgresOptions{
			DSN:    cfg.Backend.DSN,
			Schema: cfg.Backend.Schema,
			Logger: logger.With("component", "backend"),
		})
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	case "rest", "":
		c, err := backend.NewClient(backend.Options{
			BaseURL:    cfg.Backend.URL,
			Token:      cfg.Backend.Token,
			Timeout:    time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
			MaxRetries: cfg.Backend.MaxRetries,
			Logger:     logger.With("component", "backend"),
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
}

func buildTransport(cfg *config.Config, logger *slog.Logger) (realtime.Transport, error) {
	rt := cfg.Realtime
	logger = logger.With("component", "transport", "kind", rt.Transport)
	switch rt.Transport {
	case "websocket":
		return realtime.NewWebSocketTransport(realtime.WebSocketConfig{
			URL:       rt.URL,
			APIKey:    rt.APIKey,
			Schema:    rt.Schema,
			Heartbeat: time.Duration(rt.HeartbeatSeconds) * time.Second,
			Buffer:    rt.Buffer,
			Logger:    logger,
		}), nil
	case "amqp":
		return realtime.NewAMQPTransport(realtime.AMQPConfig{
			URL:      rt.AMQPURL,
			Exchange: rt.Exchange,
			Prefetch: rt.Prefetch,
			Buffer:   rt.Buffer,
			Logger:   logger,
		}), nil
	case "postgres":
		dsn := rt.DSN
		if dsn == "" {
			dsn = cfg.Backend.DSN
		}
		return realtime.NewPostgresTransport(realtime.PostgresConfig{
			DSN:           dsn,
			ChannelPrefix: rt.ChannelPrefix,
			Buffer:        rt.Buffer,
			Logger:        logger,
		}), nil
	case "memory":
		return realtime.NewMemoryTransport(rt.Buffer, logger), nil
	}
	return nil, fmt.Errorf("unknown realtime transport %q", rt.Transport)
}

func buildRouting(cfg *config.Config) (*notification.Routing, error) {
	r := notification.DefaultRouting()
	if cfg.Notifications.RoutingFile != "" {
		loaded, err := notification.LoadRouting(cfg.Notifications.RoutingFile)
		if err != nil {
			return nil, err
		}
		r = loaded
	}
	return &r, nil
}

func buildPrompter(cfg *config.Config) (notification.Prompter, error) {
	p := cfg.Notifications.Prompts
	var prompters notification.MultiPrompter
	if p.Telegram.Enabled {
		prompters = append(prompters, &notification.TelegramPrompter{Token: p.Telegram.Token, ChatID: p.Telegram.ChatID})
	}
	if p.Slack.Enabled {
		prompters = append(prompters, notification.NewSlackPrompter(p.Slack.BotToken, p.Slack.Channel, ""))
	}
	if p.Discord.Enabled {
		d, err := notification.NewDiscordPrompter(p.Discord.Token, p.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		prompters = append(prompters, d)
	}
	switch len(prompters) {
	case 0:
		return nil, nil
	case 1:
		return prompters[0], nil
	}
	return prompters, nil
}

func buildPlayer(cfg *config.Config) notification.Player {
	a := cfg.Notifications.Audio
	if !a.Enabled {
		return nil
	}
	return notification.CommandPlayer{Command: a.Command, Args: a.Args, Dir: a.SoundDir}
}

func outboxPath(cfg *config.Config) string {
	if cfg.Notifications.OutboxPath != "" {
		return cfg.Notifications.OutboxPath
	}
	return filepath.Join(cfg.General.DataDir, "outbox.db")
}

// mountOptions assembles every collaborator the session needs. The returned
// cleanup releases whatever was opened here, after the session is closed.
func mountOptions(cfg *config.Config, logger *slog.Logger) (dashboard.Options, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (dashboard.Options, func(), error) {
		cleanup()
		return dashboard.Options{}, nil, err
	}

	be, closeBackend, err := buildBackend(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("backend: %w", err))
	}
	cleanups = append(cleanups, closeBackend)

	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("realtime: %w", err))
	}
	routing, err := buildRouting(cfg)
	if err != nil {
		return fail(fmt.Errorf("routing: %w", err))
	}
	prompter, err := buildPrompter(cfg)
	if err != nil {
		return fail(fmt.Errorf("prompts: %w", err))
	}

	ob, err := outbox.Open(outboxPath(cfg), logger.With("component", "outbox"))
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { ob.Close() })

	return dashboard.Options{
		Transport:         transport,
		Backend:           be,
		Role:              domain.Role(cfg.General.Role),
		Platform:          domain.Platform(cfg.Conversations.Platform),
		ConversationLimit: cfg.Conversations.Limit,
		StrictVersioning:  cfg.Conversations.StrictVersioning,
		Routing:           routing,
		NotificationLimit: cfg.Notifications.FetchLimit,
		Outbox:            ob,
		Prompter:          prompter,
		Player:            buildPlayer(cfg),
		AlertTimeout:      time.Duration(cfg.Notifications.AlertTimeoutSeconds) * time.Second,
		Logger:            logger,
	}, cleanup, nil
}
