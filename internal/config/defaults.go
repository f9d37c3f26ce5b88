package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:               "info",
			MaxConcurrentEvents:    5,
			ShutdownTimeoutSeconds: 10,
		},
		Channels: ChannelsConfig{
			Lark: LarkConfig{
				Enabled:               false,
				Domain:                "feishu",
				ReplyMode:             "normal",
				Host:                  "0.0.0.0",
				Port:                  8080,
				CallbackPath:          "/lark/callback",
				StreamFieldName:       "content",
				RequestTimeoutSeconds: 10,
				CardCacheSize:         500,
			},
			WebChat: WebChatConfig{
				Enabled:     false,
				Host:        "127.0.0.1",
				Port:        8081,
				HistorySize: 100,
			},
		},
		Pipeline: PipelineConfig{
			GroupMentionOnly: true,
			RatePerMinute:    30,
			Burst:            10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}
