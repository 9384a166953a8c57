package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			LogLevel:    "info",
			DefaultArea: "עמק חפר",
			DefaultSite: "אגמון חפר",
		},
		WhatsApp: WhatsAppConfig{
			VerifyToken:   "${WHATSAPP_VERIFY_TOKEN}",
			AccessToken:   "${WHATSAPP_ACCESS_TOKEN}",
			AppSecret:     "${WHATSAPP_APP_SECRET:-}",
			PhoneNumberID: "${WHATSAPP_PHONE_NUMBER_ID}",
			GraphAPIBase:  "https://graph.facebook.com/v22.0",
			WebhookPath:   "/webhook",
		},
		Backend: BackendConfig{
			BaseURL:        "${BACKEND_API_URL:-http://localhost:8001}",
			APIKey:         "${BACKEND_API_KEY}",
			TimeoutSeconds: 60,
		},
		Memory: MemoryConfig{
			DBPath:                    "~/.tourbot/conversations.db",
			MaxHistoryPerConversation: 100,
			RetentionDays:             365,
		},
		Tasks: TasksConfig{
			TimeoutSeconds:      180, // handles large image uploads
			MaxConcurrent:       32,
			DedupTTLSeconds:     300,
			DeliveryTTLSeconds:  1800,
			ShutdownWaitSeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
