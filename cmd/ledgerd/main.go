package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/glowbook/creditledger/internal/httpserver"
	"github.com/glowbook/creditledger/internal/oplog"
	"github.com/glowbook/creditledger/internal/store/gormstore"
	"github.com/glowbook/creditledger/internal/store/pgstore"
	"github.com/glowbook/creditledger/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL          = "database-url"
	flagListenAddr           = "listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagAdminSigningKey      = "admin-signing-key"
	flagAdminIssuer          = "admin-issuer"
	flagRequestTimeout       = "request-timeout"
	flagCostProfileView      = "cost-profile-view"
	flagCostChatStarted      = "cost-chat-started"
	flagCostBookingConfirmed = "cost-booking-confirmed"
	flagSkipZeroCost         = "skip-zero-cost"

	configKeyDatabaseURL          = "database_url"
	configKeyListenAddr           = "listen_addr"
	configKeyAllowedOrigins       = "allowed_origins"
	configKeyAdminSigningKey      = "admin_signing_key"
	configKeyAdminIssuer          = "admin_issuer"
	configKeyRequestTimeout       = "request_timeout"
	configKeyCostProfileView      = "cost_profile_view"
	configKeyCostChatStarted      = "cost_chat_started"
	configKeyCostBookingConfirmed = "cost_booking_confirmed"
	configKeySkipZeroCost         = "skip_zero_cost"

	defaultDatabaseURL    = "sqlite:///tmp/creditledger.db"
	defaultListenAddr     = ":8600"
	defaultAllowedOrigins = "http://localhost:3000"
	defaultAdminIssuer    = "glowbook-admin"
	defaultRequestTimeout = 5 * time.Second

	defaultCostProfileView      int64 = 100
	defaultCostChatStarted      int64 = 500
	defaultCostBookingConfirmed int64 = 1000
)

type runtimeConfig struct {
	DatabaseURL          string
	ListenAddr           string
	AllowedOrigins       []string
	AdminSigningKey      string
	AdminIssuer          string
	RequestTimeout       time.Duration
	CostProfileView      int64
	CostChatStarted      int64
	CostBookingConfirmed int64
	SkipZeroCost         bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Provider credit ledger API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, defaultAllowedOrigins, "Comma-separated CORS origins")
	cmd.Flags().String(flagAdminSigningKey, "", "HS256 key for admin bearer tokens")
	cmd.Flags().String(flagAdminIssuer, defaultAdminIssuer, "Expected issuer of admin tokens")
	cmd.Flags().Duration(flagRequestTimeout, defaultRequestTimeout, "Per-request ledger timeout")
	cmd.Flags().Int64(flagCostProfileView, defaultCostProfileView, "Credit cost of a profile view")
	cmd.Flags().Int64(flagCostChatStarted, defaultCostChatStarted, "Credit cost of a started chat")
	cmd.Flags().Int64(flagCostBookingConfirmed, defaultCostBookingConfirmed, "Credit cost of a confirmed booking")
	cmd.Flags().Bool(flagSkipZeroCost, false, "Skip recording zero-amount transactions for free kinds")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:          "DATABASE_URL",
		configKeyListenAddr:           "LISTEN_ADDR",
		configKeyAllowedOrigins:       "ALLOWED_ORIGINS",
		configKeyAdminSigningKey:      "ADMIN_SIGNING_KEY",
		configKeyAdminIssuer:          "ADMIN_ISSUER",
		configKeyRequestTimeout:       "REQUEST_TIMEOUT",
		configKeyCostProfileView:      "COST_PROFILE_VIEW",
		configKeyCostChatStarted:      "COST_CHAT_STARTED",
		configKeyCostBookingConfirmed: "COST_BOOKING_CONFIRMED",
		configKeySkipZeroCost:         "SKIP_ZERO_COST",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:          flagDatabaseURL,
		configKeyListenAddr:           flagListenAddr,
		configKeyAllowedOrigins:       flagAllowedOrigins,
		configKeyAdminSigningKey:      flagAdminSigningKey,
		configKeyAdminIssuer:          flagAdminIssuer,
		configKeyRequestTimeout:       flagRequestTimeout,
		configKeyCostProfileView:      flagCostProfileView,
		configKeyCostChatStarted:      flagCostChatStarted,
		configKeyCostBookingConfirmed: flagCostBookingConfirmed,
		configKeySkipZeroCost:         flagSkipZeroCost,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = httpserver.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.AdminSigningKey = viper.GetString(configKeyAdminSigningKey)
	cfg.AdminIssuer = viper.GetString(configKeyAdminIssuer)
	cfg.RequestTimeout = viper.GetDuration(configKeyRequestTimeout)
	cfg.CostProfileView = viper.GetInt64(configKeyCostProfileView)
	cfg.CostChatStarted = viper.GetInt64(configKeyCostChatStarted)
	cfg.CostBookingConfirmed = viper.GetInt64(configKeyCostBookingConfirmed)
	cfg.SkipZeroCost = viper.GetBool(configKeySkipZeroCost)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.AdminSigningKey == "" {
		return fmt.Errorf("admin signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	costTable, err := ledger.NewCostTable(map[ledger.InteractionKind]ledger.CostEntry{
		ledger.KindProfileView:      {Cost: ledger.AmountCredits(cfg.CostProfileView), Repeatable: true},
		ledger.KindChatStarted:      {Cost: ledger.AmountCredits(cfg.CostChatStarted)},
		ledger.KindBookingConfirmed: {Cost: ledger.AmountCredits(cfg.CostBookingConfirmed)},
	})
	if err != nil {
		return fmt.Errorf("cost table init: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []ledger.ServiceOption{ledger.WithOperationLogger(oplog.New(logger))}
	if cfg.SkipZeroCost {
		options = append(options, ledger.WithSkipZeroCost())
	}
	service, err := ledger.NewService(store, costTable, clock, options...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  cfg.AllowedOrigins,
		AdminSigningKey: cfg.AdminSigningKey,
		AdminIssuer:     cfg.AdminIssuer,
		RequestTimeout:  cfg.RequestTimeout,
	}, service, logger)
}

// openStore resolves the DSN into one of the two store implementations:
// pgstore over a pgx pool for postgres, gormstore over sqlite otherwise. The
// postgres schema is managed by the deployment's migrations; sqlite migrates
// in place.
func openStore(ctx context.Context, dsn string) (ledger.Store, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	if err := gormstore.Migrate(db); err != nil {
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		return normalizeSQLitePath(path)
	}
	// Treat everything else as a direct sqlite path.
	return normalizeSQLitePath(dsn)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
