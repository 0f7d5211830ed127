package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	vault "github.com/typicallhavok/evidence-vault"
	"github.com/typicallhavok/evidence-vault/apiServer"
	"github.com/typicallhavok/evidence-vault/internal/config"
	"github.com/typicallhavok/evidence-vault/internal/metastore"
	"github.com/typicallhavok/evidence-vault/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyDataPath   = "dataPath"
	logKeyConfig     = "config"
	logKeyMetadata   = "metadata"
	logKeySignal     = "signal"
	logKeyError      = "error"

	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	pruneMinAge     = 24 * time.Hour
)

func main() { // A
	opts := parseFlags(os.Args[1:])

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	opts.apply(&cfg)

	logger := logging.New(os.Stderr, logging.Options{
		Level:     logging.ParseLevel(cfg.LogLevel),
		AddSource: true,
	})
	logger.InfoContext(context.Background(), "starting evidence vault daemon",
		logKeyConfig, opts.configPath,
		logKeyListenAddr, cfg.Listen,
		logKeyDataPath, cfg.DataDir)

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// flagOptions are command line overrides of the configuration file.
type flagOptions struct {
	configPath string
	dataDir    string
	listen     string
	logLevel   string
	debug      bool
}

func parseFlags(args []string) flagOptions { // A
	var opts flagOptions
	fs := flag.NewFlagSet("vaultd", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "vaultd.yaml", "Path to the YAML configuration file")
	fs.StringVar(&opts.dataDir, "data", "", "Data directory (overrides dataDir)")
	fs.StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides listen)")
	fs.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides logLevel)")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	_ = fs.Parse(args)
	return opts
}

func (o flagOptions) apply(cfg *config.Config) {
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.debug {
		cfg.LogLevel = "debug"
	}
}

// vaultConfig maps the daemon configuration onto the vault's.
func vaultConfig(cfg config.Config, logger *slog.Logger) vault.Config {
	return vault.Config{
		Paths:         []string{cfg.DataDir},
		MinimumFreeGB: cfg.MinimumFreeGB,
		Logger:        logger,
		StoreLogLevel: logging.ParseLevel(cfg.LogLevel),
		MaxHops:       cfg.MaxHops,
		CacheTTL:      cfg.CacheTTL,
		CacheSize:     cfg.CacheSize,
		Workers:       cfg.Workers,
	}
}

// run is the main daemon logic, separated for testability.
func run(
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
) error { // A
	if err := cfg.Validate(); err != nil {
		return err
	}
	vcfg := vaultConfig(cfg, logger)

	if cfg.Mongo.URI != "" {
		meta, err := metastore.NewMongo(ctx, metastore.MongoConfig{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return fmt.Errorf("connect metadata store: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := meta.Close(closeCtx); err != nil {
				logger.Warn("closing metadata store", logKeyError, err)
			}
		}()
		vcfg.Metadata = meta
		logger.InfoContext(ctx, "metadata in mongodb", logKeyMetadata, cfg.Mongo.Database)
	}

	v, err := vault.New(vcfg)
	if err != nil {
		return err
	}
	if err := v.Start(ctx); err != nil {
		return fmt.Errorf("start vault: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := v.Close(closeCtx); err != nil {
			logger.Error("closing vault", logKeyError, err)
		}
	}()

	api, err := apiServer.New(v,
		apiServer.WithLogger(logger),
		apiServer.WithJWTSecret([]byte(cfg.JWTSecret)),
		apiServer.WithSessionTTL(cfg.JWTTTL),
		apiServer.WithLoginRate(cfg.LoginRate, cfg.LoginBurst),
		apiServer.WithMaxUploadBytes(cfg.MaxUploadMB<<20),
		apiServer.WithTrustedProxies(cfg.TrustedProxies...),
	)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.InfoContext(ctx, "api listening", logKeyListenAddr, ln.Addr().String())

	go pruneLoop(ctx, v, logger)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	logger.Info("daemon stopped")
	return nil
}

// pruneLoop removes containers left behind by failed uploads.
func pruneLoop(ctx context.Context, v *vault.Vault, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Prune(ctx, pruneMinAge); err != nil && ctx.Err() == nil {
				logger.Warn("prune failed", logKeyError, err)
			}
		}
	}
}
