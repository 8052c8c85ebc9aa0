/**
 * @description
 * This file handles configuration management for the entitlement service.
 * It uses the 'viper' library to load configuration from environment
 * variables, providing defaults for the sweep schedule and grace periods.
 */
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort          string        `mapstructure:"SERVER_PORT"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	StripeAPIKey        string        `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	JWTSecret           string        `mapstructure:"JWT_SECRET"`
	OperatorToken       string        `mapstructure:"CRON_SECRET_TOKEN"`
	SweepSchedule       string        `mapstructure:"SWEEP_SCHEDULE"`
	SweepGracePeriod    time.Duration `mapstructure:"SWEEP_PAYMENT_GRACE_PERIOD"`
	SweepParallelism    int           `mapstructure:"SWEEP_PARALLELISM"`
	FreePeriodDays      int           `mapstructure:"FREE_PERIOD_DAYS"`
	PortalReturnURL     string        `mapstructure:"BILLING_PORTAL_RETURN_URL"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SWEEP_SCHEDULE", "0 * * * *") // Hourly.
	viper.SetDefault("SWEEP_PAYMENT_GRACE_PERIOD", "168h")
	viper.SetDefault("SWEEP_PARALLELISM", 4)
	viper.SetDefault("FREE_PERIOD_DAYS", 30)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("CRON_SECRET_TOKEN")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_PAYMENT_GRACE_PERIOD")
	_ = viper.BindEnv("SWEEP_PARALLELISM")
	_ = viper.BindEnv("FREE_PERIOD_DAYS")
	_ = viper.BindEnv("BILLING_PORTAL_RETURN_URL")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if config.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}

	return &config, nil
}
