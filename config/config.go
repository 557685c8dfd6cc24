// Package config loads orchestrator configuration from environment
// variables and an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	ustypes "github.com/paymux/usdtsettle/types"
)

// Config is the process-level configuration: which networks to operate,
// where to persist, and where to notify.
type Config struct {
	Networks []ustypes.ClientConfig

	DatabasePath string
	RedisAddr    string
	RedisDB      int

	PaymentTTL time.Duration
	LogLevel   string

	Webhook ustypes.WebhookConfig

	TelegramToken  string
	TelegramChatID string
}

// Load reads configuration from the environment. Networks come from the
// comma-separated NETWORKS variable; each named network then reads its own
// <NETWORK>_RPC_URL, <NETWORK>_OPERATOR_KEY and optional
// <NETWORK>_COLLECTION_ADDRESS (dashes in the network name become
// underscores, e.g. BSC_TESTNET_RPC_URL).
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		DatabasePath:   getenv("DATABASE_PATH", "usdtsettle.db"),
		RedisAddr:      getenv("REDIS_ADDR", ""),
		RedisDB:        int(getenvInt64("REDIS_DB", 0)),
		PaymentTTL:     getenvDuration("PAYMENT_TTL", ustypes.DefaultPaymentTTL),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		TelegramToken:  strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN", "")),
		TelegramChatID: strings.TrimSpace(getenv("TELEGRAM_CHAT_ID", "")),
		Webhook: ustypes.WebhookConfig{
			TargetURL:   strings.TrimSpace(getenv("WEBHOOK_URL", "")),
			ReadTimeout: getenvDuration("WEBHOOK_TIMEOUT", 0),
			MaxAttempts: int(getenvInt64("WEBHOOK_MAX_ATTEMPTS", 0)),
			BaseDelay:   getenvDuration("WEBHOOK_BASE_DELAY", 0),
			MaxDelay:    getenvDuration("WEBHOOK_MAX_DELAY", 0),
		},
	}

	for _, name := range splitList(getenv("NETWORKS", "")) {
		network := ustypes.Network(strings.ToLower(name))
		prefix := envPrefix(name)
		cfg.Networks = append(cfg.Networks, ustypes.ClientConfig{
			Network:           network,
			RPCUrl:            getenv(prefix+"_RPC_URL", ""),
			OperatorSeed:      strings.TrimSpace(getenv(prefix+"_OPERATOR_KEY", "")),
			CollectionAddress: strings.TrimSpace(getenv(prefix+"_COLLECTION_ADDRESS", "")),
			ReadTimeout:       getenvDuration(prefix+"_READ_TIMEOUT", 0),
			SubmitTimeout:     getenvDuration(prefix+"_SUBMIT_TIMEOUT", 0),
		})
	}

	return cfg
}

// Validate checks every network entry and the webhook block.
func (c Config) Validate() error {
	for i := range c.Networks {
		if err := c.Networks[i].Validate(); err != nil {
			return err
		}
	}
	return c.Webhook.Validate()
}

func envPrefix(network string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(network), "-", "_"))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
