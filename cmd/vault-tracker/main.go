package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bitvault-labs/vault-tracker/internal/btckey"
	"github.com/bitvault-labs/vault-tracker/internal/chaindata"
	"github.com/bitvault-labs/vault-tracker/internal/events"
	"github.com/bitvault-labs/vault-tracker/internal/kv"
	"github.com/bitvault-labs/vault-tracker/internal/leases"
	leasespg "github.com/bitvault-labs/vault-tracker/internal/leases/postgres"
	"github.com/bitvault-labs/vault-tracker/internal/pendingstore"
	pendingpg "github.com/bitvault-labs/vault-tracker/internal/pendingstore/postgres"
	"github.com/bitvault-labs/vault-tracker/internal/reconciler"
	"github.com/bitvault-labs/vault-tracker/internal/secrets"
	"github.com/bitvault-labs/vault-tracker/internal/signpoller"
	"github.com/bitvault-labs/vault-tracker/internal/trackerapi"
	"github.com/bitvault-labs/vault-tracker/internal/txarchive"
	"github.com/bitvault-labs/vault-tracker/internal/vaultrpc"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		ethRPCURL      = flag.String("eth-rpc-url", "", "EVM JSON-RPC endpoint for the vault controller (required)")
		controllerAddr = flag.String("controller-address", "", "vault controller contract address (required)")

		vaultRPCURL     = flag.String("vault-rpc-url", "", "vault provider JSON-RPC endpoint (required)")
		vaultRPCTimeout = flag.Duration("vault-rpc-timeout", 15*time.Second, "vault provider request timeout")
		secretsDriver   = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver for rpc credentials (env|aws)")
		vaultRPCUserKey = flag.String("vault-rpc-user-key", "", "secret key holding the rpc basic-auth user (empty for unauthenticated)")
		vaultRPCPassKey = flag.String("vault-rpc-pass-key", "", "secret key holding the rpc basic-auth password")

		depositorPubkey = flag.String("depositor-pubkey", "", "compressed depositor public key, 33 bytes hex (required for payout polling)")

		kvDriver      = flag.String("kv-driver", kv.DriverMemory, "pending record store driver when no postgres dsn is set (memory|redis)")
		redisAddr     = flag.String("redis-addr", "", "redis address for kv and lease stores")
		redisPassword = flag.String("redis-password", "", "redis password")
		redisDB       = flag.Int("redis-db", 0, "redis database index")
		postgresDSN   = flag.String("postgres-dsn", "", "postgres DSN for the pending record store (overrides --kv-driver)")

		eventsDriver  = flag.String("events-driver", events.DriverStdio, "status event driver (kafka|stdio)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers (comma-separated); required for --events-driver=kafka")
		eventsTopic   = flag.String("events-topic", events.DefaultTopic, "status event topic")

		archiveDriver = flag.String("archive-driver", "", "payout set archive driver (s3|memory); empty disables archiving")
		archiveBucket = flag.String("archive-bucket", "", "s3 bucket for the payout set archive")
		archivePrefix = flag.String("archive-prefix", "", "key prefix for the payout set archive")

		pollInterval = flag.Duration("poll-interval", 5*time.Second, "provider poll interval per tracked peg-in")
		pollOwner    = flag.String("poll-owner", "", "lease owner id for this replica (defaults to hostname)")
		useLeases    = flag.Bool("poll-leases", false, "coordinate polling across replicas via redis or postgres leases")

		watchAddresses    = flag.String("watch-addresses", "", "depositor addresses to reconcile in the background (comma-separated)")
		reconcileInterval = flag.Duration("reconcile-interval", 30*time.Second, "background reconcile interval for watched addresses")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *ethRPCURL == "" || *controllerAddr == "" || *vaultRPCURL == "" {
		fmt.Fprintln(os.Stderr, "error: --eth-rpc-url, --controller-address, and --vault-rpc-url are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*controllerAddr) {
		fmt.Fprintln(os.Stderr, "error: --controller-address must be a valid hex address")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *pollInterval <= 0 || *reconcileInterval <= 0 {
		fmt.Fprintln(os.Stderr, "error: --poll-interval and --reconcile-interval must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *useLeases && strings.TrimSpace(*redisAddr) == "" && strings.TrimSpace(*postgresDSN) == "" {
		fmt.Fprintln(os.Stderr, "error: --poll-leases requires --redis-addr or --postgres-dsn")
		os.Exit(2)
	}

	var watched []common.Address
	for _, raw := range strings.Split(*watchAddresses, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			fmt.Fprintf(os.Stderr, "error: --watch-addresses entry %q is not a hex address\n", raw)
			os.Exit(2)
		}
		watched = append(watched, common.HexToAddress(raw))
	}

	depositorKey := ""
	if strings.TrimSpace(*depositorPubkey) != "" {
		normalized, err := btckey.NormalizeCompressed(*depositorPubkey)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: --depositor-pubkey must be a 33-byte compressed secp256k1 key")
			os.Exit(2)
		}
		depositorKey = normalized
	}

	controller := common.HexToAddress(*controllerAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ethClient, err := ethclient.DialContext(ctx, *ethRPCURL)
	if err != nil {
		log.Error("dial eth rpc", "err", err)
		os.Exit(2)
	}
	defer ethClient.Close()

	source, err := chaindata.NewContractSource(ethClient, controller)
	if err != nil {
		log.Error("init chain data source", "err", err)
		os.Exit(2)
	}

	var redisClient *redis.Client
	if strings.TrimSpace(*redisAddr) != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(*redisAddr),
			Password: *redisPassword,
			DB:       *redisDB,
		})
		defer func() { _ = redisClient.Close() }()
	}

	var pool *pgxpool.Pool
	if strings.TrimSpace(*postgresDSN) != "" {
		pool, err = pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()
	}

	var store pendingstore.Store
	if pool != nil {
		pgStore, pgErr := pendingpg.New(pool, nil)
		if pgErr != nil {
			log.Error("init postgres pending store", "err", pgErr)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure pending schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	} else {
		kvStore, kvErr := kv.New(kv.Config{
			Driver:   *kvDriver,
			Addr:     strings.TrimSpace(*redisAddr),
			Password: *redisPassword,
			DB:       *redisDB,
		})
		if kvErr != nil {
			log.Error("init kv store", "err", kvErr)
			os.Exit(2)
		}
		store, err = pendingstore.NewKVStore(kvStore, pendingstore.KVConfig{}, log)
		if err != nil {
			log.Error("init pending store", "err", err)
			os.Exit(2)
		}
	}

	publisher, err := events.NewPublisher(events.Config{
		Driver:  *eventsDriver,
		Topic:   *eventsTopic,
		Brokers: splitCommaList(*eventsBrokers),
	})
	if err != nil {
		log.Error("init event publisher", "err", err)
		os.Exit(2)
	}
	defer func() { _ = publisher.Close() }()

	rec, err := reconciler.New(source, store, log)
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}
	rec.WithPublisher(publisher)

	secretsProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	creds, err := secrets.VaultRPCCredentials(ctx, secretsProvider, *vaultRPCUserKey, *vaultRPCPassKey)
	if err != nil {
		log.Error("resolve vault rpc credentials", "err", err)
		os.Exit(2)
	}

	rpcOpts := []vaultrpc.Option{vaultrpc.WithTimeout(*vaultRPCTimeout)}
	if creds.User != "" {
		rpcOpts = append(rpcOpts, vaultrpc.WithBasicAuth(creds.User, creds.Password))
	}
	rpcClient, err := vaultrpc.New(*vaultRPCURL, rpcOpts...)
	if err != nil {
		log.Error("init vault rpc client", "err", err)
		os.Exit(2)
	}

	var archive txarchive.Archive
	if strings.TrimSpace(*archiveDriver) != "" {
		cfg := txarchive.Config{
			Driver: *archiveDriver,
			Prefix: *archivePrefix,
			Bucket: *archiveBucket,
		}
		if strings.TrimSpace(*archiveDriver) == txarchive.DriverS3 {
			awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx)
			if awsErr != nil {
				log.Error("load aws config", "err", awsErr)
				os.Exit(2)
			}
			cfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		archive, err = txarchive.New(cfg)
		if err != nil {
			log.Error("init payout set archive", "err", err)
			os.Exit(2)
		}
	}

	handler, err := trackerapi.NewHandler(trackerapi.Config{
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, rec, store)
	if err != nil {
		log.Error("init tracker api handler", "err", err)
		os.Exit(2)
	}
	if archive != nil {
		handler.WithArchive(archive)
	}

	var manager *signpoller.Manager
	if depositorKey != "" {
		owner := strings.TrimSpace(*pollOwner)
		if owner == "" {
			host, _ := os.Hostname()
			if host == "" {
				host = "vault-tracker"
			}
			owner = host
		}

		poller, pollErr := signpoller.New(signpoller.Config{
			Interval:        *pollInterval,
			Owner:           owner,
			DepositorPubkey: depositorKey,
			Controller:      controller,
		}, rpcClient, log)
		if pollErr != nil {
			log.Error("init payout poller", "err", pollErr)
			os.Exit(2)
		}
		if archive != nil {
			poller.WithArchiver(archive)
		}
		if *useLeases {
			var leaseStore leases.Store
			if redisClient != nil {
				leaseStore, err = leases.NewRedisStore(redisClient, "")
			} else {
				var pgLeases *leasespg.Store
				pgLeases, err = leasespg.New(pool)
				if err == nil {
					err = pgLeases.EnsureSchema(ctx)
					leaseStore = pgLeases
				}
			}
			if err != nil {
				log.Error("init lease store", "err", err)
				os.Exit(2)
			}
			poller.WithLeaseStore(leaseStore)
		}

		manager, err = signpoller.NewManager(poller)
		if err != nil {
			log.Error("init poll manager", "err", err)
			os.Exit(2)
		}
		defer manager.Close()
		handler.WithPollerManager(manager)
	} else {
		log.Info("payout polling disabled: no --depositor-pubkey")
	}

	if len(watched) > 0 {
		go func() {
			ticker := time.NewTicker(*reconcileInterval)
			defer ticker.Stop()
			for {
				for _, addr := range watched {
					if ctx.Err() != nil {
						return
					}
					if _, err := rec.Reconcile(ctx, addr); err != nil {
						log.Warn("background reconcile failed", "address", addr.Hex(), "err", err)
					}
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
		log.Info("background reconcile enabled", "addresses", len(watched), "interval", *reconcileInterval)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("vault-tracker listening", "addr", *listenAddr, "controller", controller.Hex())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
