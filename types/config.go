package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ClientConfig configures one chain adapter. OperatorSeed is the hex-encoded
// private key of the backend-held settlement account on that network; it is
// consumed by the adapter at construction and never exposed afterwards.
type ClientConfig struct {
	Network           Network       `json:"network" validate:"required"`
	RPCUrl            string        `json:"rpcUrl" validate:"required,url"`
	OperatorSeed      string        `json:"operatorSeed" validate:"required,hexadecimal"`
	CollectionAddress string        `json:"collectionAddress,omitempty"`
	ReadTimeout       time.Duration `json:"readTimeout,omitempty"`
	SubmitTimeout     time.Duration `json:"submitTimeout,omitempty"`
}

// Timeout defaults: short for advisory reads, long for
// transfer submission awaiting confirmation.
const (
	DefaultReadTimeout   = 5 * time.Second
	DefaultSubmitTimeout = 90 * time.Second
)

func (c *ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return WrapErr(ErrInvalidArgument, fmt.Sprintf("client config for %s", c.Network), err)
	}
	if !c.Network.Known() {
		return E(ErrUnsupportedChain, fmt.Sprintf("unknown network %s", c.Network))
	}
	return nil
}

// ApplyDefaults fills zero timeouts.
func (c *ClientConfig) ApplyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
}

// WebhookConfig configures terminal-state notification delivery.
type WebhookConfig struct {
	TargetURL   string        `json:"targetUrl" validate:"omitempty,url"`
	ReadTimeout time.Duration `json:"readTimeout,omitempty"`
	MaxAttempts int           `json:"maxAttempts,omitempty"`
	BaseDelay   time.Duration `json:"baseDelay,omitempty"`
	MaxDelay    time.Duration `json:"maxDelay,omitempty"`
}

func (c *WebhookConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return WrapErr(ErrInvalidArgument, "webhook config", err)
	}
	return nil
}

// Config is the orchestrator-wide configuration.
type Config struct {
	PaymentTTL time.Duration `json:"paymentTTL,omitempty"`
	Webhook    WebhookConfig `json:"webhook"`
	LogLevel   string        `json:"logLevel,omitempty"`
}

const DefaultPaymentTTL = 30 * time.Minute

func (c *Config) Validate() error {
	if err := c.Webhook.Validate(); err != nil {
		return err
	}
	if c.PaymentTTL < 0 {
		return E(ErrInvalidArgument, "paymentTTL must not be negative")
	}
	return nil
}
