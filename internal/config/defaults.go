package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Role:          "agent",
			DataDir:       "~/.opsdash",
			LogLevel:      "info",
			LogMaxSizeMB:  20,
			LogMaxBackups: 5,
			LogMaxAgeDays: 28,
		},
		Backend: BackendConfig{
			Kind:           "rest",
			URL:            "http://localhost:3000/api",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Realtime: RealtimeConfig{
			Transport:        "websocket",
			URL:              "ws://localhost:4000/realtime/v1/websocket",
			Schema:           "public",
			HeartbeatSeconds: 30,
			Exchange:         "opsdash.cdc",
			Prefetch:         50,
			ChannelPrefix:    "cdc_",
			Buffer:           256,
		},
		Conversations: ConversationsConfig{
			Limit: 100,
		},
		Notifications: NotificationsConfig{
			OutboxPath:          "~/.opsdash/outbox.db",
			FetchLimit:          50,
			AlertTimeoutSeconds: 10,
			Audio: AudioConfig{
				Command: "aplay",
				Args:    []string{"-q"},
			},
		},
		Dashboard: DashboardConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           8088,
			PushIntervalMs: 250,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
