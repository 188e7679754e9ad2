package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/blockspeak/orchestrator/internal/auth"
	"github.com/blockspeak/orchestrator/internal/blockchain"
	"github.com/blockspeak/orchestrator/internal/blockspeak"
	"github.com/blockspeak/orchestrator/internal/config"
	"github.com/blockspeak/orchestrator/internal/deploy"
	"github.com/blockspeak/orchestrator/internal/governance"
	"github.com/blockspeak/orchestrator/internal/http_api"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/internal/notificator"
	"github.com/blockspeak/orchestrator/internal/payment"
	"github.com/blockspeak/orchestrator/internal/repository"
	"github.com/blockspeak/orchestrator/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "blockspeak",
		Usage: "BlockSpeak wallet-authenticated on-chain action orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "redis-url", Aliases: []string{"r"}, Usage: "Redis URL for the shared login nonce store"},
			&cli.StringFlag{Name: "rpc-url", Aliases: []string{"b"}, Usage: "Ethereum JSON-RPC URL"},
			&cli.StringFlag{Name: "chain-id", Usage: "Expected chain id"},
			&cli.StringFlag{Name: "payment-address", Aliases: []string{"a"}, Usage: "Address receiving subscription payments"},
			&cli.IntFlag{Name: "api-port", Usage: "HTTP API port"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("redis-url") {
		cfg.RedisURL = c.String("redis-url")
	}
	if c.IsSet("rpc-url") {
		cfg.RPCURL = c.String("rpc-url")
	}
	if c.IsSet("chain-id") {
		chainID, ok := new(big.Int).SetString(c.String("chain-id"), 10)
		if ok {
			cfg.ChainID = chainID
		}
	}
	if c.IsSet("payment-address") {
		cfg.PaymentAddress = c.String("payment-address")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	// Initialize logger
	lg, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer lg.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.PostgresDSN(), lg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize blockchain service
	key, err := cfg.FunderKey()
	if err != nil {
		return err
	}
	funder := blockchain.NewFunder(key, cfg.ChainID)
	ethereum := blockchain.NewEthereum(cfg, funder, lg)
	if err := ethereum.Run(ctx); err != nil {
		return err
	}
	defer ethereum.Close()
	lg.Info("Funding account ready", "address", funder.Address().Hex(), "network", cfg.Network)

	// Initialize notificator
	var channels []notificator.Channel
	var telegram *notificator.TelegramNotificator
	if cfg.TelegramBotToken != "" {
		telegram, err = notificator.NewTelegramNotificator(lg, cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return err
		}
		channels = append(channels, telegram)
	}
	alerts := notificator.NewNotificator(lg, channels...)

	// Authentication stores
	var nonces auth.NonceStore = auth.NewMemoryNonceStore(cfg.NonceTTL)
	if cfg.RedisURL != "" {
		redisNonces, err := auth.NewRedisNonceStore(ctx, cfg.RedisURL, cfg.NonceTTL)
		if err != nil {
			return err
		}
		defer redisNonces.Close()
		nonces = redisNonces
	}
	sessions := auth.NewSessionStore(cfg.SessionSecret, cfg.SessionTTL)

	wait := blockchain.BackoffPolicy(cfg.TxWaitAttempts, cfg.TxWaitInitialBackoff, cfg.TxWaitMaxBackoff)
	gateway := deploy.NewGateway(ethereum, db, alerts, wait, lg)
	bridge := governance.NewBridge(ethereum, db, wait, lg)

	var provider payment.CheckoutProvider
	if cfg.CustodialEnabled() {
		provider = payment.NewStripeProvider(payment.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Prices: map[models.Plan]string{
				models.PlanBasic: cfg.StripePriceBasic,
				models.PlanPro:   cfg.StripePricePro,
			},
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		})
	} else {
		lg.Warn("Stripe is not configured, card payments are disabled")
	}

	reconciler := payment.NewReconciler(db, ethereum, provider, alerts, payment.Options{
		PaymentAddress: common.HexToAddress(cfg.PaymentAddress),
		Prices: map[models.Plan]*big.Int{
			models.PlanBasic: cfg.PlanPriceBasicWei,
			models.PlanPro:   cfg.PlanPriceProWei,
		},
		ToleranceBps: cfg.PaymentToleranceBps,
		Poll:         blockchain.FixedPolicy(cfg.PaymentPollAttempts, cfg.PaymentPollInterval),
		Period:       cfg.SubscriptionPeriod,
	}, lg)
	reconciler.OnEntitlementChange(sessions.SetTier)

	authenticator := auth.NewAuthenticator(nonces, sessions, reconciler, lg)

	// Initialize API server
	apiServer := http_api.NewHTTPServer(http_api.Services{
		Auth:       authenticator,
		Contracts:  gateway,
		Governance: bridge,
		Payments:   reconciler,
	}, http_api.Options{
		Port:           cfg.APIPort,
		AllowedOrigins: cfg.AllowedOrigins,
		CookieSecure:   cfg.CookieSecure,
		CookieSameSite: cfg.SameSite(),
		NonceTTL:       cfg.NonceTTL,
		SessionTTL:     cfg.SessionTTL,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, lg)

	app := blockspeak.NewBlockSpeak(map[string]blockspeak.Sweeper{
		"nonces":   nonces,
		"sessions": sessions,
	}, reconciler, blockspeak.Options{}, lg)
	if telegram != nil {
		app.Go(telegram.Start)
	}
	app.Go(func(ctx context.Context) {
		gateway.WatchPending(ctx, cfg.DeployReconcileInterval)
	})

	if err := app.Start(); err != nil {
		return err
	}
	go apiServer.Start()

	<-ctx.Done()
	lg.Info("Shutdown signal received")
	if err := apiServer.Shutdown(); err != nil {
		lg.Error("Failed to shut down HTTP server", "error", err)
	}
	app.Stop()
	return nil
}
