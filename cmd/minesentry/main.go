package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/minesentry/minesentry/pkg/bitcoin"
	"github.com/minesentry/minesentry/pkg/detect"
	"github.com/minesentry/minesentry/pkg/ledger"
	"github.com/minesentry/minesentry/pkg/logger"
	"github.com/minesentry/minesentry/pkg/report"
	"github.com/minesentry/minesentry/pkg/server"
	"github.com/minesentry/minesentry/pkg/settle"
	"github.com/minesentry/minesentry/pkg/validate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")

	// Bitcoin node configuration
	rpcURLFlag := flag.String("bitcoin-rpc-url", "http://localhost:8332", "Bitcoin Core RPC URL (or set BITCOIN_RPC_URL env var)")
	rpcUserFlag := flag.String("bitcoin-rpc-user", "", "Bitcoin Core RPC username (or set BITCOIN_RPC_USER env var)")
	rpcPasswordFlag := flag.String("bitcoin-rpc-password", "", "Bitcoin Core RPC password (or set BITCOIN_RPC_PASSWORD env var)")
	networkFlag := flag.String("network", "mainnet", "Bitcoin network: mainnet, testnet, regtest (or set BITCOIN_NETWORK env var)")

	// Postgres configuration (memory store when no database is named)
	postgresHostFlag := flag.String("postgres-host", "localhost", "Postgres host (or set POSTGRES_HOST env var)")
	postgresPortFlag := flag.String("postgres-port", "5432", "Postgres port (or set POSTGRES_PORT env var)")
	postgresDatabaseFlag := flag.String("postgres-database", "", "Postgres database for the report store; in-memory store when empty (or set POSTGRES_DATABASE env var)")
	postgresUsernameFlag := flag.String("postgres-username", "", "Postgres username (or set POSTGRES_USERNAME env var)")
	postgresPasswordFlag := flag.String("postgres-password", "", "Postgres password (or set POSTGRES_PASSWORD env var)")

	// Ledger configuration
	signersFlag := flag.String("ledger-signers", "", "comma-separated authorized signer addresses (or set LEDGER_SIGNERS env var)")
	minSignaturesFlag := flag.Int("ledger-min-signatures", 2, "signatures required to approve a payment (or set LEDGER_MIN_SIGNATURES env var)")

	// Validation behavior
	minConfidenceFlag := flag.Float64("min-confidence", detect.DefaultMinConfidence, "censorship confidence threshold")
	revalidateFlag := flag.Bool("revalidate-on-settle", false, "re-score censorship reports before payment creation")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "run report store database migrations using goose, then exit")

	flag.Parse()

	// Not fatal when absent; env vars may come from the environment itself.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("BITCOIN_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("BITCOIN_RPC_USER"); env != "" {
		*rpcUserFlag = env
	}
	if env := os.Getenv("BITCOIN_RPC_PASSWORD"); env != "" {
		*rpcPasswordFlag = env
	}
	if env := os.Getenv("BITCOIN_NETWORK"); env != "" {
		*networkFlag = env
	}
	if env := os.Getenv("POSTGRES_HOST"); env != "" {
		*postgresHostFlag = env
	}
	if env := os.Getenv("POSTGRES_PORT"); env != "" {
		*postgresPortFlag = env
	}
	if env := os.Getenv("POSTGRES_DATABASE"); env != "" {
		*postgresDatabaseFlag = env
	}
	if env := os.Getenv("POSTGRES_USERNAME"); env != "" {
		*postgresUsernameFlag = env
	}
	if env := os.Getenv("POSTGRES_PASSWORD"); env != "" {
		*postgresPasswordFlag = env
	}
	if env := os.Getenv("LEDGER_SIGNERS"); env != "" {
		*signersFlag = env
	}
	if env := os.Getenv("LEDGER_MIN_SIGNATURES"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_MIN_SIGNATURES: %w", err)
		}
		*minSignaturesFlag = n
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgresCfg := report.PostgresConfig{
		Logger:   log,
		Host:     *postgresHostFlag,
		Port:     *postgresPortFlag,
		Database: *postgresDatabaseFlag,
		Username: *postgresUsernameFlag,
		Password: *postgresPasswordFlag,
	}

	if *migrateFlag {
		if postgresCfg.Database == "" {
			return fmt.Errorf("--postgres-database is required for --migrate")
		}
		return report.RunMigrations(ctx, log, postgresCfg)
	}

	chain, err := bitcoin.NewClient(bitcoin.Config{
		Logger:   log,
		URL:      *rpcURLFlag,
		Username: *rpcUserFlag,
		Password: *rpcPasswordFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create bitcoin client: %w", err)
	}

	var store report.Store
	if postgresCfg.Database != "" {
		pg, err := report.NewPostgresStore(ctx, postgresCfg)
		if err != nil {
			return fmt.Errorf("failed to create postgres report store: %w", err)
		}
		defer pg.Close()
		store = pg
	} else {
		log.Warn("main: no postgres database configured, reports are held in memory only")
		store = report.NewMemoryStore()
	}

	detector, err := detect.New(detect.Config{
		Logger:        log,
		Chain:         chain,
		MinConfidence: *minConfidenceFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	validator, err := validate.New(validate.Config{
		Logger:   log,
		Chain:    chain,
		Detector: detector,
		Network:  bitcoin.Network(*networkFlag),
	})
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	var signers []string
	for _, s := range strings.Split(*signersFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			signers = append(signers, s)
		}
	}

	bountyLedger, err := ledger.New(ledger.Config{
		Logger:            log,
		Payer:             settle.NewPayer(log, chain, nil),
		MinSignatures:     *minSignaturesFlag,
		AuthorizedSigners: signers,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	orchestrator, err := settle.New(settle.Config{
		Logger:             log,
		Store:              store,
		Validator:          validator,
		Ledger:             bountyLedger,
		RevalidateOnSettle: *revalidateFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:       log,
		ListenAddr:   *listenAddrFlag,
		Orchestrator: orchestrator,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("main: shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	orchestrator.Wait()
	return nil
}
