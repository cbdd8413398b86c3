/**
 * @description
 * This package handles configuration for the escrow-service. It uses Viper to
 * read an optional .env file and environment variables into Config, then
 * normalizes values that would otherwise break the engine.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ExpiryPolicyAutoReturn = "auto_return"
	ExpiryPolicyFreeze     = "freeze"

	maxFeeBasisPoints = 10000
)

// Config holds all the configuration variables for the escrow-service.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ReleaseRateLimitPerMinute   int    `mapstructure:"RELEASE_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	EventExchange               string `mapstructure:"EVENT_EXCHANGE"`
	GatewayEventExchange        string `mapstructure:"GATEWAY_EVENT_EXCHANGE"`
	GatewayEventQueue           string `mapstructure:"GATEWAY_EVENT_QUEUE"`
	ClerkJWKSURL                string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	WebhookSigningSecret        string `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	PaymentGatewayBaseURL       string `mapstructure:"PAYMENT_GATEWAY_BASE_URL"`
	PaymentGatewayAPIKey        string `mapstructure:"PAYMENT_GATEWAY_API_KEY"`
	LedgerGatewayBaseURL        string `mapstructure:"LEDGER_GATEWAY_BASE_URL"`
	LedgerGatewayAPIKey         string `mapstructure:"LEDGER_GATEWAY_API_KEY"`
	DestinationServiceURL       string `mapstructure:"DESTINATION_SERVICE_URL"`
	DestinationServiceAPIKey    string `mapstructure:"DESTINATION_SERVICE_API_KEY"`
	PlatformFeeBasisPoints      int64  `mapstructure:"PLATFORM_FEE_BPS"`
	EscrowCurrency              string `mapstructure:"ESCROW_CURRENCY"`
	DestinationLookupTimeoutMS  int    `mapstructure:"DESTINATION_LOOKUP_TIMEOUT_MS"`
	SettlementClaimLeaseSeconds int    `mapstructure:"SETTLEMENT_CLAIM_LEASE_SECONDS"`
	ExpiryPolicy                string `mapstructure:"EXPIRY_POLICY"`
	ExpirySweepSchedule         string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	ExpirySweepBatchSize        int    `mapstructure:"EXPIRY_SWEEP_BATCH_SIZE"`
	DefaultClaimWindowHours     int    `mapstructure:"DEFAULT_CLAIM_WINDOW_HOURS"`
	OutboxPollIntervalMS        int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
}

// DestinationLookupTimeout is the bound on resolving a payee destination.
func (c Config) DestinationLookupTimeout() time.Duration {
	return time.Duration(c.DestinationLookupTimeoutMS) * time.Millisecond
}

// SettlementClaimLease is how long a settlement claim blocks other releases.
func (c Config) SettlementClaimLease() time.Duration {
	return time.Duration(c.SettlementClaimLeaseSeconds) * time.Second
}

func (c Config) DefaultClaimWindow() time.Duration {
	return time.Duration(c.DefaultClaimWindowHours) * time.Hour
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8085")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "escrow:rate_limit")
	viper.SetDefault("RELEASE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENT_EXCHANGE", "escrow.events")
	viper.SetDefault("GATEWAY_EVENT_EXCHANGE", "escrow.gateway_events")
	viper.SetDefault("GATEWAY_EVENT_QUEUE", "escrow_service.gateway_events")
	viper.SetDefault("PLATFORM_FEE_BPS", 200)
	viper.SetDefault("ESCROW_CURRENCY", "usd")
	viper.SetDefault("DESTINATION_LOOKUP_TIMEOUT_MS", 5000)
	viper.SetDefault("SETTLEMENT_CLAIM_LEASE_SECONDS", 120)
	viper.SetDefault("EXPIRY_POLICY", ExpiryPolicyAutoReturn)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("EXPIRY_SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("DEFAULT_CLAIM_WINDOW_HOURS", 72)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)

	// Bind explicitly so unset keys still appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RELEASE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_EVENT_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SIGNING_SECRET")
	_ = viper.BindEnv("PAYMENT_GATEWAY_BASE_URL")
	_ = viper.BindEnv("PAYMENT_GATEWAY_API_KEY")
	_ = viper.BindEnv("LEDGER_GATEWAY_BASE_URL")
	_ = viper.BindEnv("LEDGER_GATEWAY_API_KEY")
	_ = viper.BindEnv("DESTINATION_SERVICE_URL")
	_ = viper.BindEnv("DESTINATION_SERVICE_API_KEY")
	_ = viper.BindEnv("PLATFORM_FEE_BPS")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("ESCROW_CURRENCY")
	_ = viper.BindEnv("DESTINATION_LOOKUP_TIMEOUT_MS")
	_ = viper.BindEnv("SETTLEMENT_CLAIM_LEASE_SECONDS")
	_ = viper.BindEnv("EXPIRY_POLICY")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("DEFAULT_CLAIM_WINDOW_HOURS")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")

	// A missing .env file is fine.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.WebhookSigningSecret = strings.TrimSpace(config.WebhookSigningSecret)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow:rate_limit"
	}

	// PLATFORM_FEE_PERCENT is accepted for deployments that configure the fee
	// as a percentage. It wins only when PLATFORM_FEE_BPS is not set.
	if strings.TrimSpace(os.Getenv("PLATFORM_FEE_BPS")) == "" && !viper.InConfig("PLATFORM_FEE_BPS") {
		if percentStr := strings.TrimSpace(viper.GetString("PLATFORM_FEE_PERCENT")); percentStr != "" {
			percentValue, parseErr := strconv.ParseFloat(percentStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid PLATFORM_FEE_PERCENT\" value=%q err=%v", percentStr, parseErr)
			} else {
				config.PlatformFeeBasisPoints = int64(math.Round(percentValue * 100))
			}
		}
	}
	if config.PlatformFeeBasisPoints < 0 {
		log.Printf("level=warn component=config msg=\"negative platform fee configured; coercing to zero\" fee_bps=%d", config.PlatformFeeBasisPoints)
		config.PlatformFeeBasisPoints = 0
	}
	if config.PlatformFeeBasisPoints > maxFeeBasisPoints {
		log.Printf("level=warn component=config msg=\"platform fee too high; capping at 100%%\" fee_bps=%d", config.PlatformFeeBasisPoints)
		config.PlatformFeeBasisPoints = maxFeeBasisPoints
	}

	config.EscrowCurrency = strings.ToLower(strings.TrimSpace(config.EscrowCurrency))
	if config.EscrowCurrency == "" {
		config.EscrowCurrency = "usd"
	}

	config.ExpiryPolicy = strings.ToLower(strings.TrimSpace(config.ExpiryPolicy))
	if config.ExpiryPolicy != ExpiryPolicyAutoReturn && config.ExpiryPolicy != ExpiryPolicyFreeze {
		log.Printf("level=warn component=config msg=\"unknown EXPIRY_POLICY; using auto_return\" value=%q", config.ExpiryPolicy)
		config.ExpiryPolicy = ExpiryPolicyAutoReturn
	}
	if strings.TrimSpace(config.ExpirySweepSchedule) == "" {
		config.ExpirySweepSchedule = "@every 1m"
	}

	if config.ReleaseRateLimitPerMinute <= 0 {
		config.ReleaseRateLimitPerMinute = 10
	}
	if config.DestinationLookupTimeoutMS <= 0 {
		config.DestinationLookupTimeoutMS = 5000
	}
	if config.SettlementClaimLeaseSeconds <= 0 {
		config.SettlementClaimLeaseSeconds = 120
	}
	if config.ExpirySweepBatchSize <= 0 {
		config.ExpirySweepBatchSize = 100
	}
	if config.DefaultClaimWindowHours <= 0 {
		config.DefaultClaimWindowHours = 72
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = 1200
	}

	return
}
