/**
 * @description
 * This file handles the configuration management for the entitlement service.
 * It uses the 'viper' library to load configuration from environment variables,
 * providing a centralized and consistent way to manage application settings.
 */
package config

import (
	"errors"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	ClerkJWKSURL string `mapstructure:"CLERK_JWKS_URL"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`

	StripePriceStarter      string `mapstructure:"STRIPE_PRICE_STARTER"`
	StripePriceProfessional string `mapstructure:"STRIPE_PRICE_PROFESSIONAL"`
	StripePriceEnterprise   string `mapstructure:"STRIPE_PRICE_ENTERPRISE"`

	// Metered overage price for AI queries, tagged product_type=ai_queries.
	StripeMeteredPriceAIQueries string `mapstructure:"STRIPE_METERED_PRICE_AI_QUERIES"`

	CheckoutSuccessURL string `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL  string `mapstructure:"CHECKOUT_CANCEL_URL"`

	// ReconcileSchedule is the cron expression for the usage reconciliation
	// job that re-submits locally recorded events Stripe never heard about.
	ReconcileSchedule  string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileBatchSize int    `mapstructure:"RECONCILE_BATCH_SIZE"`

	// StrictFeatureGating denies unrecognized feature names instead of
	// allowing them.
	StrictFeatureGating bool `mapstructure:"STRICT_FEATURE_GATING"`

	// RateLimitPerMinute caps authenticated API calls per user. Zero disables.
	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("RECONCILE_SCHEDULE", "@hourly")
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)
	viper.SetDefault("STRICT_FEATURE_GATING", false)
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRIPE_PRICE_STARTER")
	_ = viper.BindEnv("STRIPE_PRICE_PROFESSIONAL")
	_ = viper.BindEnv("STRIPE_PRICE_ENTERPRISE")
	_ = viper.BindEnv("STRIPE_METERED_PRICE_AI_QUERIES")
	_ = viper.BindEnv("CHECKOUT_SUCCESS_URL")
	_ = viper.BindEnv("CHECKOUT_CANCEL_URL")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("STRICT_FEATURE_GATING")
	_ = viper.BindEnv("RATE_LIMIT_PER_MINUTE")

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if config.DatabaseURL == "" {
		return config, errors.New("DATABASE_URL is required")
	}
	if config.StripeSecretKey == "" {
		return config, errors.New("STRIPE_SECRET_KEY is required")
	}
	if config.StripeWebhookSecret == "" {
		return config, errors.New("STRIPE_WEBHOOK_SECRET is required")
	}

	return config, nil
}
