package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN      string `env:"DATABASE_DSN,required=true"`
	RedisURL         string `env:"REDIS_URL,required=true"`
	SMSGatewayURL    string `env:"SMS_GATEWAY_URL,required=true"`
	SMSGatewayAPIKey string `env:"SMS_GATEWAY_API_KEY,required=true"`
	SMSSenderID      string `env:"SMS_SENDER_ID,default=foodbank"`

	DispatchIntervalSec int `env:"DISPATCH_INTERVAL_SEC,default=15"`
	DispatchBatchSize   int `env:"DISPATCH_BATCH_SIZE,default=50"`
	SelectorIntervalSec int `env:"SELECTOR_INTERVAL_SEC,default=300"`
	ReminderWindowHours int `env:"REMINDER_WINDOW_HOURS,default=24"`
	SendRatePerSec      int `env:"SEND_RATE_PER_SEC,default=5"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
