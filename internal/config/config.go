package config

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

const (
	NetworkHardhat = "hardhat"
	NetworkMainnet = "mainnet"

	// maxToleranceBps caps how far below the plan price an ETH payment may land.
	maxToleranceBps = 2000
)

type Config struct {
	Development bool
	// API configuration
	APIPort        int
	AllowedOrigins []string
	CookieSecure   bool
	// CookieSameSite is lax, strict or none. none lets a frontend on another
	// site send the session cookie and requires CookieSecure.
	CookieSameSite string
	RateLimitRPS   int
	RateLimitBurst int
	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	// Redis configuration, optional. Enables the shared auth nonce store.
	RedisURL string

	// Blockchain configuration
	Network          string
	RPCURL           string
	ChainID          *big.Int
	FunderPrivateKey string
	ArtifactsDir     string
	RPCTimeout       time.Duration
	RPCRetries       int

	// Inclusion wait for deployments and DAO writes (exponential backoff)
	TxWaitAttempts       int
	TxWaitInitialBackoff time.Duration
	TxWaitMaxBackoff     time.Duration
	// DeployReconcileInterval is how often deployments that outlived the wait are re-checked.
	DeployReconcileInterval time.Duration

	// Non-custodial payments
	PaymentAddress      string
	PlanPriceBasicWei   *big.Int
	PlanPriceProWei     *big.Int
	PaymentToleranceBps int64
	PaymentPollAttempts int
	PaymentPollInterval time.Duration
	SubscriptionPeriod  time.Duration

	// Custodial payments (Stripe)
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceBasic    string
	StripePricePro      string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Authentication
	NonceTTL      time.Duration
	SessionTTL    time.Duration
	SessionSecret string

	// Operator alerts
	TelegramBotToken string
	TelegramChatID   string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	network := getEnv("NETWORK", NetworkHardhat)
	defaultChainID := big.NewInt(31337)
	defaultRPC := "http://127.0.0.1:8545"
	if network == NetworkMainnet {
		defaultChainID = big.NewInt(1)
		defaultRPC = ""
	}

	cfg := &Config{
		Development:    getEnvAsBool("DEVELOPMENT", false),
		APIPort:        getEnvAsInt("API_PORT", 8080),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "https://blockspeak.co"}),
		CookieSecure:   getEnvAsBool("COOKIE_SECURE", true),
		CookieSameSite: strings.ToLower(getEnv("COOKIE_SAMESITE", "")),
		RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 10),

		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "blockspeak"),
		RedisURL:         getEnv("REDIS_URL", ""),

		Network:          network,
		RPCURL:           getEnv("RPC_URL", defaultRPC),
		ChainID:          getEnvAsBigInt("CHAIN_ID", defaultChainID),
		FunderPrivateKey: funderKeyFromEnv(network),
		ArtifactsDir:     getEnv("ARTIFACTS_DIR", "skillchain_contracts/artifacts/contracts"),
		RPCTimeout:       getEnvAsDuration("RPC_TIMEOUT", 10*time.Second),
		RPCRetries:       getEnvAsInt("RPC_RETRIES", 3),

		TxWaitAttempts:       getEnvAsInt("TX_WAIT_ATTEMPTS", 10),
		TxWaitInitialBackoff: getEnvAsDuration("TX_WAIT_INITIAL_BACKOFF", time.Second),
		TxWaitMaxBackoff:     getEnvAsDuration("TX_WAIT_MAX_BACKOFF", 15*time.Second),

		DeployReconcileInterval: getEnvAsDuration("DEPLOY_RECONCILE_INTERVAL", time.Minute),

		PaymentAddress:      getEnv("PAYMENT_ADDRESS", ""),
		PlanPriceBasicWei:   getEnvAsBigInt("PLAN_PRICE_BASIC_WEI", big.NewInt(5_000_000_000_000_000)), // 0.005 ETH
		PlanPriceProWei:     getEnvAsBigInt("PLAN_PRICE_PRO_WEI", big.NewInt(25_000_000_000_000_000)), // 0.025 ETH
		PaymentToleranceBps: int64(getEnvAsInt("PAYMENT_TOLERANCE_BPS", 0)),
		PaymentPollAttempts: getEnvAsInt("PAYMENT_POLL_ATTEMPTS", 24),
		PaymentPollInterval: getEnvAsDuration("PAYMENT_POLL_INTERVAL", 5*time.Second),
		SubscriptionPeriod:  getEnvAsDuration("SUBSCRIPTION_PERIOD", 30*24*time.Hour),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceBasic:    getEnv("STRIPE_PRICE_BASIC", ""),
		StripePricePro:      getEnv("STRIPE_PRICE_PRO", ""),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "https://blockspeak.co/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "https://blockspeak.co"),

		NonceTTL:      getEnvAsDuration("NONCE_TTL", 5*time.Minute),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		SessionSecret: getEnv("SESSION_SECRET", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}

	if cfg.SessionSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		cfg.SessionSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.Network != NetworkHardhat && c.Network != NetworkMainnet {
		return fmt.Errorf("unsupported NETWORK %q", c.Network)
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	if !common.IsHexAddress(c.PaymentAddress) {
		return fmt.Errorf("invalid PAYMENT_ADDRESS format: %q", c.PaymentAddress)
	}

	if c.FunderPrivateKey == "" {
		return fmt.Errorf("FUNDER_PRIVATE_KEY is required")
	}
	if _, err := c.FunderKey(); err != nil {
		return err
	}

	if c.PlanPriceBasicWei == nil || c.PlanPriceBasicWei.Sign() <= 0 ||
		c.PlanPriceProWei == nil || c.PlanPriceProWei.Sign() <= 0 {
		return fmt.Errorf("plan prices must be positive")
	}

	if c.PaymentToleranceBps < 0 || c.PaymentToleranceBps > maxToleranceBps {
		return fmt.Errorf("PAYMENT_TOLERANCE_BPS must be within [0, %d]", maxToleranceBps)
	}

	if c.PaymentPollAttempts <= 0 || c.PaymentPollInterval <= 0 {
		return fmt.Errorf("payment polling bounds must be positive")
	}

	if c.TxWaitAttempts <= 0 || c.TxWaitInitialBackoff <= 0 || c.TxWaitMaxBackoff < c.TxWaitInitialBackoff {
		return fmt.Errorf("transaction wait bounds are invalid")
	}

	if c.DeployReconcileInterval <= 0 {
		return fmt.Errorf("DEPLOY_RECONCILE_INTERVAL must be positive")
	}

	switch c.CookieSameSite {
	case "", "lax", "strict":
	case "none":
		if !c.CookieSecure {
			return fmt.Errorf("COOKIE_SAMESITE=none requires COOKIE_SECURE")
		}
	default:
		return fmt.Errorf("COOKIE_SAMESITE must be lax, strict or none")
	}

	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT must be positive")
	}

	if c.NonceTTL <= 0 || c.SessionTTL <= 0 {
		return fmt.Errorf("NONCE_TTL and SESSION_TTL must be positive")
	}

	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}

	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	return nil
}

// SameSite returns the SameSite mode of the auth cookies. Unset, secure
// cookies are sent cross-site so a frontend on another origin can log in.
func (c *Config) SameSite() http.SameSite {
	switch c.CookieSameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax":
		return http.SameSiteLaxMode
	}
	if c.CookieSecure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

// FunderKey parses the backend funding key used to sign contract creation
// and DAO relay transactions.
func (c *Config) FunderKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.FunderPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid FUNDER_PRIVATE_KEY: %w", err)
	}
	return key, nil
}

// CustodialEnabled reports whether the card rail is configured.
func (c *Config) CustodialEnabled() bool {
	return c.StripeSecretKey != "" && c.StripeWebhookSecret != ""
}

// PostgresDSN builds the connection string for gorm's postgres driver.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort)
}

// funderKeyFromEnv prefers FUNDER_PRIVATE_KEY and falls back to the
// per-network variable names.
func funderKeyFromEnv(network string) string {
	if key := getEnv("FUNDER_PRIVATE_KEY", ""); key != "" {
		return key
	}
	if network == NetworkMainnet {
		return getEnv("MAINNET_PRIVATE_KEY", "")
	}
	return getEnv("HARDHAT_PRIVATE_KEY", "")
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBigInt(name string, defaultValue *big.Int) *big.Int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, ok := new(big.Int).SetString(valueStr, 10); ok {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsList(name string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
