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

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/xenolabs/creditcore/internal/httpapi"
	"github.com/xenolabs/creditcore/internal/launcher"
	"github.com/xenolabs/creditcore/internal/store/gormstore"
	"github.com/xenolabs/creditcore/internal/store/pgstore"
	"github.com/xenolabs/creditcore/pkg/backend"
	"github.com/xenolabs/creditcore/pkg/credit"
	"github.com/xenolabs/creditcore/pkg/dispatch"
	"github.com/xenolabs/creditcore/pkg/session"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagSigningKey     = "signing-key"
	flagAllowedOrigins = "allowed-origins"
	flagJournalStore   = "journal-store"
	flagXenoEndpoint   = "xeno-endpoint"
	flagXenoAPIKey     = "xeno-api-key"
	flagOllamaHost     = "ollama-host"
	flagOllamaModel    = "ollama-model"
	flagOpenRouterKey  = "openrouter-key"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeySigningKey     = "signing_key"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyJournalStore   = "journal_store"
	configKeyXenoEndpoint   = "xeno_endpoint"
	configKeyXenoAPIKey     = "xeno_api_key"
	configKeyOllamaHost     = "ollama_host"
	configKeyOllamaModel    = "ollama_model"
	configKeyOpenRouterKey  = "openrouter_key"

	envPrefix = "CREDITD"

	defaultDatabaseURL  = "sqlite://creditcore.db"
	defaultListenAddr   = ":9090"
	defaultJournalStore = "gorm"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	SigningKey     string
	AllowedOrigins string
	JournalStore   string
	XenoEndpoint   string
	XenoAPIKey     string
	OllamaHost     string
	OllamaModel    string
	OpenRouterKey  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and AI dispatch daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "journal database (sqlite path or postgres URL)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSigningKey, "", "session token signing key")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagJournalStore, defaultJournalStore, "journal store for postgres URLs (gorm or pgx)")
	cmd.Flags().String(flagXenoEndpoint, "", "cloud backend endpoint override")
	cmd.Flags().String(flagXenoAPIKey, "", "cloud backend API key")
	cmd.Flags().String(flagOllamaHost, "", "local Ollama host override")
	cmd.Flags().String(flagOllamaModel, "", "default Ollama model")
	cmd.Flags().String(flagOpenRouterKey, "", "OpenRouter API key")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeySigningKey:     flagSigningKey,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyJournalStore:   flagJournalStore,
		configKeyXenoEndpoint:   flagXenoEndpoint,
		configKeyXenoAPIKey:     flagXenoAPIKey,
		configKeyOllamaHost:     flagOllamaHost,
		configKeyOllamaModel:    flagOllamaModel,
		configKeyOpenRouterKey:  flagOpenRouterKey,
	}
	for configKey, flagName := range bindings {
		if err := viper.BindEnv(configKey); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.JournalStore = viper.GetString(configKeyJournalStore)
	cfg.XenoEndpoint = viper.GetString(configKeyXenoEndpoint)
	cfg.XenoAPIKey = viper.GetString(configKeyXenoAPIKey)
	cfg.OllamaHost = viper.GetString(configKeyOllamaHost)
	cfg.OllamaModel = viper.GetString(configKeyOllamaModel)
	cfg.OpenRouterKey = viper.GetString(configKeyOpenRouterKey)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.JournalStore == "" {
		cfg.JournalStore = defaultJournalStore
	}
	if cfg.SigningKey == "" {
		return fmt.Errorf("signing key is required")
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	journal, history, cleanup, err := openJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("journal open: %w", err)
	}
	defer func() { _ = cleanup() }()

	creditLedger, err := credit.NewLedger(credit.DefaultCostTable(),
		credit.WithJournal(journal),
		credit.WithOperationLogger(credit.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}

	cloud := backend.NewXenoClient(cfg.XenoEndpoint, cfg.XenoAPIKey)
	var ollamaOptions []backend.OllamaOption
	if cfg.OllamaModel != "" {
		ollamaOptions = append(ollamaOptions, backend.WithOllamaModel(cfg.OllamaModel))
	}
	local := backend.NewOllamaClient(cfg.OllamaHost, ollamaOptions...)
	router := backend.NewOpenRouterClient("", cfg.OpenRouterKey)

	sessions, err := session.NewManager(creditLedger, []byte(cfg.SigningKey),
		session.WithLoginHook(func(authSession *session.Session) {
			cloud.SetAuthToken(authSession.Token())
		}),
	)
	if err != nil {
		return fmt.Errorf("session manager init: %w", err)
	}

	dispatcher, err := dispatch.NewDispatcher(creditLedger, map[backend.Choice]backend.Backend{
		backend.ChoiceXenoCloud:   cloud,
		backend.ChoiceOllamaLocal: local,
		backend.ChoiceOpenRouter:  router,
	}, dispatch.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("dispatcher init: %w", err)
	}

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}, logger, sessions, creditLedger, dispatcher, launcher.NewRegistry(), history, cloud)
	if err != nil {
		return fmt.Errorf("http api init: %w", err)
	}

	return server.Run(ctx)
}

// openJournal selects the journal store from the DSN: postgres URLs use
// either the gorm or the pgx store, anything else is a sqlite path.
func openJournal(ctx context.Context, cfg *runtimeConfig) (credit.Journal, httpapi.JournalReader, func() error, error) {
	if isPostgresURL(cfg.DatabaseURL) && cfg.JournalStore == "pgx" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return store, store, cleanup, nil
	}

	gormDB, cleanup, err := openGormDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	store := gormstore.New(gormDB)
	if err := store.Migrate(); err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	return store, store, cleanup, nil
}

func openGormDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	if isPostgresURL(dsn) {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	} else {
		sqlitePath, pathErr := resolveSQLitePath(dsn)
		if pathErr != nil {
			return nil, nil, pathErr
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "creditcore.db"
		}
	}
	return normalizeSQLitePath(path)
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
