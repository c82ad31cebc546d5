package config

const redacted = "***"

// Redacted returns a copy of cfg safe for logging: every credential field is
// replaced with a placeholder and shared slices are copied.
func Redacted(cfg *Config) Config {
	out := *cfg

	redact(&out.Exchange.APIKey)
	redact(&out.Exchange.APISecret)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	if cfg.Trading.Symbols != nil {
		out.Trading.Symbols = append([]string(nil), cfg.Trading.Symbols...)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}

	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
