package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openkasse/kassad/internal/auth"
	"github.com/openkasse/kassad/internal/config"
	"github.com/openkasse/kassad/internal/core/engine"
	"github.com/openkasse/kassad/internal/core/fiscal"
	"github.com/openkasse/kassad/internal/core/recovery"
	"github.com/openkasse/kassad/internal/core/storno"
	"github.com/openkasse/kassad/internal/core/tax"
	"github.com/openkasse/kassad/internal/embedding"
	"github.com/openkasse/kassad/internal/importer"
	"github.com/openkasse/kassad/internal/printer"
	"github.com/openkasse/kassad/internal/rpc"
	"github.com/openkasse/kassad/internal/search"
	"github.com/openkasse/kassad/internal/server"
	"github.com/openkasse/kassad/internal/storage/relationaldb/sqlite"
)

var (
	// Server flags; when set they override the configuration file.
	port     int
	bindAddr string
)

// serverCmd starts the daemon: storage, recovery, then the command channel.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the kassad POS daemon",
	Long: `Start the kassad server. Startup order: open the database, validate the
schema, bootstrap the administrative principal, recover pending fiscal
operations, mark stale transactions for resolution, then accept websocket
connections. Recovery failures are fatal.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	}

	serverCmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	serverCmd.Flags().StringVar(&bindAddr, "bind", "", "address to bind to (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if bindAddr != "" {
		cfg.Server.IP = bindAddr
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("config", cfg.GetConfigPath()).Msg("Starting kassad")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos := sqlite.NewManager(sqlite.Config{
		Path:              cfg.Database.Path,
		MaxOpenConns:      cfg.Database.MaxOpenConnections,
		MaxIdleConns:      cfg.Database.MaxIdleConnections,
		BusyTimeoutMillis: cfg.Database.BusyTimeoutMillis,
		JournalMode:       cfg.Database.JournalMode,
	}, logger)
	if err := repos.Open(ctx); err != nil {
		return err
	}
	defer repos.Close(context.Background())

	signer, err := newSigner(cfg.TSE, logger)
	if err != nil {
		return err
	}
	fiscalSvc := fiscal.NewService(repos, signer, logger)

	taxes := tax.NewTableWithDefault(cfg.Tax.Rates, cfg.Tax.DefaultRate)
	prn := newPrinter(cfg.Printer, logger)

	eng := engine.New(repos, fiscalSvc, taxes, prn, logger)
	stornoSvc := storno.NewService(repos, fiscalSvc, logger)
	authSvc := auth.NewService(repos, 0, logger)

	provider := embedding.NewHTTPProvider(
		cfg.Embedding.Endpoint, cfg.Embedding.APIKey, cfg.Embedding.Model,
		cfg.Embedding.Dimensions, time.Duration(cfg.Embedding.TimeoutSecs)*time.Second)
	cache, err := embedding.NewCache(cfg.Database.EmbeddingCachePath, provider, cfg.Embedding.CacheSize, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	searchSvc := search.NewService(repos, cache, logger)
	importSvc := importer.NewService(repos, cache, logger)

	// Recovery runs to completion before the first connection is accepted.
	runner := recovery.NewRunner(repos, fiscalSvc, logger)
	if _, err := runner.Run(ctx); err != nil {
		return err
	}

	dispatcher := rpc.NewDispatcher(rpc.Services{
		Auth:     authSvc,
		Engine:   eng,
		Storno:   stornoSvc,
		Search:   searchSvc,
		Importer: importSvc,
		Repos:    repos,
	}, time.Duration(cfg.Server.OperationTTLSecs)*time.Second, logger)

	ws := rpc.NewWebSocketServer(dispatcher, cfg.Server.ReadLimitBytes, cfg.Server.SendQueueLimit, logger)
	srv := server.New(cfg.Server.IP, cfg.Server.Port, ws, logger)
	return srv.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	if quiet {
		level = zerolog.WarnLevel
	}

	var out zerolog.Logger
	if cfg.Console {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(level).With().Timestamp().Logger()
}

// newSigner selects the fiscal signer: the bundled development signer for
// mode "local", the external TSE client for mode "http".
func newSigner(cfg config.TSEConfig, logger zerolog.Logger) (fiscal.Signer, error) {
	switch cfg.Mode {
	case "http":
		return fiscal.NewHTTPSigner(cfg.Endpoint, cfg.APIKey,
			time.Duration(cfg.TimeoutSecs)*time.Second, logger), nil
	default:
		return fiscal.NewLocalSigner()
	}
}

// newPrinter is best-effort: a misconfigured printer degrades to the log
// printer instead of failing startup.
func newPrinter(cfg config.PrinterConfig, logger zerolog.Logger) printer.Printer {
	if cfg.Enabled && cfg.Address != "" {
		return printer.NewNetworkPrinter(cfg.Address,
			time.Duration(cfg.TimeoutSecs)*time.Second, logger)
	}
	if cfg.Enabled {
		logger.Warn().Msg("Printer enabled but no address configured, using log printer")
	}
	return printer.NewLogPrinter(logger)
}
