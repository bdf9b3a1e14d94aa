/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the affiliate-service.
// These values are loaded from environment variables. Monetary values are in
// whole rupiah.
type Config struct {
	ServerPort               string  `mapstructure:"SERVER_PORT"`
	DatabaseURL              string  `mapstructure:"DATABASE_URL"`
	RedisURL                 string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string  `mapstructure:"RABBITMQ_URL"`
	PurchaseEventQueue       string  `mapstructure:"PURCHASE_EVENT_QUEUE"`
	PurchaseEventExchange    string  `mapstructure:"PURCHASE_EVENT_EXCHANGE"`
	PayoutAPIBaseURL         string  `mapstructure:"PAYOUT_API_BASE_URL"`
	PayoutAPIKey             string  `mapstructure:"PAYOUT_API_KEY"`
	PayoutCallbackToken      string  `mapstructure:"PAYOUT_CALLBACK_TOKEN"`
	AuthJWKSURL              string  `mapstructure:"AUTH_JWKS_URL"`
	AdminRole                string  `mapstructure:"ADMIN_ROLE"`
	InternalAPIKey           string  `mapstructure:"INTERNAL_API_KEY"`
	CheckoutBaseURL          string  `mapstructure:"CHECKOUT_BASE_URL"`
	AttributionTTLDays       int     `mapstructure:"ATTRIBUTION_TTL_DAYS"`
	MinPayoutAmount          int64   `mapstructure:"MIN_PAYOUT_AMOUNT"`
	AdminFeePercent          float64 `mapstructure:"ADMIN_FEE_PERCENT"`
	FounderSharePercent      float64 `mapstructure:"FOUNDER_SHARE_PERCENT"`
	PlatformWalletID         string  `mapstructure:"PLATFORM_WALLET_ID"`
	DefaultCommissionPercent float64 `mapstructure:"DEFAULT_COMMISSION_PERCENT"`
	GeneralCommissionPercent float64 `mapstructure:"GENERAL_COMMISSION_PERCENT"`
	ProductCommissionPercent float64 `mapstructure:"PRODUCT_COMMISSION_PERCENT"`
	MembershipCommissionFlat int64   `mapstructure:"MEMBERSHIP_COMMISSION_FLAT"`
	ClickRateLimitPerMinute  int     `mapstructure:"CLICK_RATE_LIMIT_PER_MINUTE"`
	PayoutRateLimitPerMinute int     `mapstructure:"PAYOUT_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PURCHASE_EVENT_QUEUE", "affiliate_service.purchase_events")
	viper.SetDefault("PURCHASE_EVENT_EXCHANGE", "checkout_events")
	viper.SetDefault("ADMIN_ROLE", "admin")
	viper.SetDefault("CHECKOUT_BASE_URL", "https://eksporyuk.com")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "affiliate:rate_limit")
	viper.SetDefault("ATTRIBUTION_TTL_DAYS", 30)
	viper.SetDefault("MIN_PAYOUT_AMOUNT", 50000)
	viper.SetDefault("ADMIN_FEE_PERCENT", 5.0)
	viper.SetDefault("FOUNDER_SHARE_PERCENT", 0.0)
	viper.SetDefault("DEFAULT_COMMISSION_PERCENT", 20.0)
	viper.SetDefault("GENERAL_COMMISSION_PERCENT", 30.0)
	viper.SetDefault("PRODUCT_COMMISSION_PERCENT", 10.0)
	viper.SetDefault("MEMBERSHIP_COMMISSION_FLAT", 0)
	viper.SetDefault("CLICK_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("PAYOUT_RATE_LIMIT_PER_MINUTE", 5)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "AFFILIATE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PURCHASE_EVENT_QUEUE")
	_ = viper.BindEnv("PURCHASE_EVENT_EXCHANGE")
	_ = viper.BindEnv("PAYOUT_API_BASE_URL")
	_ = viper.BindEnv("PAYOUT_API_KEY")
	_ = viper.BindEnv("PAYOUT_CALLBACK_TOKEN")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("ADMIN_ROLE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "AFFILIATE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CHECKOUT_BASE_URL")
	_ = viper.BindEnv("ATTRIBUTION_TTL_DAYS")
	_ = viper.BindEnv("MIN_PAYOUT_AMOUNT")
	_ = viper.BindEnv("ADMIN_FEE_PERCENT")
	_ = viper.BindEnv("FOUNDER_SHARE_PERCENT")
	_ = viper.BindEnv("PLATFORM_WALLET_ID")
	_ = viper.BindEnv("DEFAULT_COMMISSION_PERCENT")
	_ = viper.BindEnv("GENERAL_COMMISSION_PERCENT")
	_ = viper.BindEnv("PRODUCT_COMMISSION_PERCENT")
	_ = viper.BindEnv("MEMBERSHIP_COMMISSION_FLAT")
	_ = viper.BindEnv("CLICK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PAYOUT_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("AFFILIATE_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "affiliate:rate_limit"
	}
	config.CheckoutBaseURL = strings.TrimRight(strings.TrimSpace(config.CheckoutBaseURL), "/")
	config.PlatformWalletID = strings.TrimSpace(config.PlatformWalletID)

	if config.AttributionTTLDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive attribution ttl configured; using 30 days\" ttl_days=%d", config.AttributionTTLDays)
		config.AttributionTTLDays = 30
	}
	if config.MinPayoutAmount < 0 {
		log.Printf("level=warn component=config msg=\"negative minimum payout configured; coercing to zero\" min_payout=%d", config.MinPayoutAmount)
		config.MinPayoutAmount = 0
	}
	config.AdminFeePercent = clampPercent("ADMIN_FEE_PERCENT", config.AdminFeePercent)
	config.FounderSharePercent = clampPercent("FOUNDER_SHARE_PERCENT", config.FounderSharePercent)
	config.DefaultCommissionPercent = clampPercent("DEFAULT_COMMISSION_PERCENT", config.DefaultCommissionPercent)
	config.GeneralCommissionPercent = clampPercent("GENERAL_COMMISSION_PERCENT", config.GeneralCommissionPercent)
	config.ProductCommissionPercent = clampPercent("PRODUCT_COMMISSION_PERCENT", config.ProductCommissionPercent)
	if config.MembershipCommissionFlat < 0 {
		log.Printf("level=warn component=config msg=\"negative flat commission configured; coercing to zero\" amount=%d", config.MembershipCommissionFlat)
		config.MembershipCommissionFlat = 0
	}

	if config.ClickRateLimitPerMinute <= 0 {
		config.ClickRateLimitPerMinute = 120
	}
	if config.PayoutRateLimitPerMinute <= 0 {
		config.PayoutRateLimitPerMinute = 5
	}

	return
}

func clampPercent(name string, value float64) float64 {
	if value < 0 {
		log.Printf("level=warn component=config msg=\"negative percent configured; coercing to zero\" key=%s value=%f", name, value)
		return 0
	}
	if value > 100 {
		log.Printf("level=warn component=config msg=\"percent too high; capping at 100\" key=%s value=%f", name, value)
		return 100
	}
	return value
}
