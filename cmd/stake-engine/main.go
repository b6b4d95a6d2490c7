package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
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
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rewardpools/stake-engine/internal/audit"
	"github.com/rewardpools/stake-engine/internal/batchclaim"
	"github.com/rewardpools/stake-engine/internal/coordinator"
	"github.com/rewardpools/stake-engine/internal/events"
	"github.com/rewardpools/stake-engine/internal/evm"
	"github.com/rewardpools/stake-engine/internal/httpapi"
	"github.com/rewardpools/stake-engine/internal/leases"
	leasespg "github.com/rewardpools/stake-engine/internal/leases/postgres"
	ledgerpg "github.com/rewardpools/stake-engine/internal/ledger/postgres"
	"github.com/rewardpools/stake-engine/internal/metrics"
	"github.com/rewardpools/stake-engine/internal/queue"
	"github.com/rewardpools/stake-engine/internal/readmodel"
	"github.com/rewardpools/stake-engine/internal/secrets"
	"github.com/rewardpools/stake-engine/internal/viewcache"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required; accepts env:/aws: secret references)")

		rpcURL        = flag.String("rpc-url", "", "EVM JSON-RPC URL (required)")
		chainIDFlag   = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		multicallAddr = flag.String("multicall-address", "0xcA11bde05977b3631167028862bE2a173976CA11", "Multicall3 address; empty disables aggregation")
		signerKeysRef = flag.String("signer-keys", "env:STAKE_SIGNER_KEYS", "secret reference to comma-separated signer private keys")
		minTipGwei    = flag.Int64("min-tip-gwei", 1, "minimum priority fee (gwei)")
		gasMult       = flag.Float64("gas-mult", 1.2, "gas limit multiplier when estimating")
		pollInterval  = flag.Duration("receipt-poll-interval", 2*time.Second, "receipt poll interval")

		receiptTimeout = flag.Duration("receipt-timeout", 2*time.Minute, "receipt wait before an operation is left to the sweeper")
		submitAttempts = flag.Int("submit-attempts", 3, "submission attempts per operation")
		ledgerAttempts = flag.Int("ledger-attempts", 5, "ledger write attempts before reporting desync")
		sweepInterval  = flag.Duration("sweep-interval", 15*time.Second, "background sweep interval")
		retention      = flag.Duration("retention", 15*time.Minute, "how long finished operations stay queryable")
		dropAfter      = flag.Duration("drop-after", 30*time.Minute, "how long an unmined transaction may wait before it is checked for being dropped")

		owner   = flag.String("owner", "", "unique instance id for operation slots and event origin (default: hostname + random suffix)")
		slotTTL = flag.Duration("slot-ttl", 5*time.Minute, "cross-instance operation slot TTL (renewed by the sweeper)")
		noSlots = flag.Bool("disable-slots", false, "enforce single in-flight operations in-process only")

		cooldown      = flag.Duration("claim-cooldown", 24*time.Hour, "pool claim cooldown")
		freshFor      = flag.Duration("view-fresh-for", 5*time.Second, "how long a chain read satisfies a view")
		viewPoll      = flag.Duration("view-poll-interval", 15*time.Second, "pending reward poll interval while observed")
		tokenDecimals = flag.Int("token-decimals", 18, "token decimals for display amounts")

		authTokenRef = flag.String("auth-token", "", "optional bearer token secret reference for /v1 routes")

		queueDriver  = flag.String("queue-driver", "none", "event fan-out driver: none|kafka|stdio")
		kafkaBrokers = flag.String("kafka-brokers", "", "comma-separated Kafka brokers")
		kafkaGroup   = flag.String("kafka-group", "stake-engine", "Kafka consumer group for peer events")
		eventsTopic  = flag.String("events-topic", events.DefaultTopic, "lifecycle events topic")
		ingestPeers  = flag.Bool("ingest-peer-events", true, "consume peer events to invalidate views (kafka only)")

		auditDriver = flag.String("audit-driver", "none", "audit log driver: none|s3|memory")
		auditBucket = flag.String("audit-bucket", "", "S3 bucket for audit records")
		auditPrefix = flag.String("audit-prefix", "stake-engine", "object key prefix for audit records")

		redisAddr     = flag.String("redis-addr", "", "optional Redis address for the shared view cache")
		redisPassword = flag.String("redis-password", "", "Redis password secret reference")
		redisDB       = flag.Int("redis-db", 0, "Redis database")
		viewCacheTTL  = flag.Duration("view-cache-ttl", 10*time.Minute, "view cache TTL")

		awsSecrets = flag.Bool("aws-secrets", false, "enable aws: secret references (AWS Secrets Manager)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *rpcURL == "" || *chainIDFlag == 0 {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --rpc-url and --chain-id are required")
		os.Exit(2)
	}
	if *multicallAddr != "" && !common.IsHexAddress(*multicallAddr) {
		fmt.Fprintln(os.Stderr, "error: --multicall-address must be a valid hex address")
		os.Exit(2)
	}
	if *receiptTimeout <= 0 || *sweepInterval <= 0 || *dropAfter <= 0 || *slotTTL <= 0 || *cooldown <= 0 || *freshFor <= 0 || *viewPoll <= 0 {
		fmt.Fprintln(os.Stderr, "error: durations must be > 0")
		os.Exit(2)
	}
	if *submitAttempts <= 0 || *ledgerAttempts <= 0 {
		fmt.Fprintln(os.Stderr, "error: --submit-attempts and --ledger-attempts must be > 0")
		os.Exit(2)
	}
	if *tokenDecimals <= 0 || *tokenDecimals > 36 {
		fmt.Fprintln(os.Stderr, "error: --token-decimals must be in [1, 36]")
		os.Exit(2)
	}
	switch *queueDriver {
	case "none", queue.DriverStdio:
	case queue.DriverKafka:
		if len(queue.SplitCommaList(*kafkaBrokers)) == 0 {
			fmt.Fprintln(os.Stderr, "error: --kafka-brokers is required for --queue-driver=kafka")
			os.Exit(2)
		}
	default:
		fmt.Fprintln(os.Stderr, "error: --queue-driver must be none, kafka or stdio")
		os.Exit(2)
	}
	if *auditDriver == audit.DriverS3 && *auditBucket == "" {
		fmt.Fprintln(os.Stderr, "error: --audit-bucket is required for --audit-driver=s3")
		os.Exit(2)
	}
	if *owner == "" {
		host, _ := os.Hostname()
		*owner = strings.TrimSpace(host) + "-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStartup()

	resolver := secrets.Resolver{Env: secrets.NewEnv()}
	if *awsSecrets {
		p, err := secrets.NewAWS(startupCtx)
		if err != nil {
			log.Error("init aws secrets", "err", err)
			os.Exit(2)
		}
		resolver.AWS = p
	}
	resolve := func(name, ref string) string {
		if ref == "" {
			return ""
		}
		v, err := resolver.Resolve(startupCtx, ref)
		if err != nil {
			// The reference itself is not secret; the value never reaches the log.
			log.Error("resolve secret", "flag", name, "err", err)
			os.Exit(2)
		}
		return v
	}

	keys, err := evm.ParsePrivateKeysHexList(resolve("signer-keys", *signerKeysRef))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse signer keys: %v\n", err)
		os.Exit(2)
	}
	authToken := resolve("auth-token", *authTokenRef)

	// Postgres
	pool, err := pgxpool.New(ctx, resolve("postgres-dsn", *postgresDSN))
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := ledgerpg.New(pool)
	if err != nil {
		log.Error("init ledger store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(startupCtx); err != nil {
		log.Error("ensure ledger schema", "err", err)
		os.Exit(2)
	}

	// Chain
	rpc, err := ethclient.DialContext(startupCtx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "err", err)
		os.Exit(1)
	}
	defer rpc.Close()

	chainID := new(big.Int).SetUint64(*chainIDFlag)
	gotChainID, err := rpc.ChainID(startupCtx)
	if err != nil {
		log.Error("fetch chain id", "err", err)
		os.Exit(1)
	}
	if gotChainID.Cmp(chainID) != 0 {
		log.Error("chain id mismatch", "want", chainID.String(), "got", gotChainID.String())
		os.Exit(2)
	}

	var multicall common.Address
	if *multicallAddr != "" {
		multicall = common.HexToAddress(*multicallAddr)
	}
	client, err := evm.New(rpc, evm.LocalSigners(keys), evm.Config{
		ChainID:             chainID,
		Multicall:           multicall,
		GasLimitMultiplier:  *gasMult,
		MinTipCap:           new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000)),
		ReceiptPollInterval: *pollInterval,
	}, log.With("component", "evm"))
	if err != nil {
		log.Error("init evm client", "err", err)
		os.Exit(2)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := events.NewBus(log.With("component", "events"))
	defer bus.Close()

	coord, err := coordinator.New(coordinator.Config{
		ChainID:        *chainIDFlag,
		ReceiptTimeout: *receiptTimeout,
		SubmitAttempts: *submitAttempts,
		LedgerAttempts: *ledgerAttempts,
		Retention:      *retention,
		ClaimCooldown:  *cooldown,
		DropAfter:      *dropAfter,
	}, client, store, log.With("component", "coordinator"))
	if err != nil {
		log.Error("init coordinator", "err", err)
		os.Exit(2)
	}
	coord.WithBus(bus).WithMetrics(m)

	if !*noSlots {
		leaseStore, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := leaseStore.EnsureSchema(startupCtx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		slots, err := leases.NewSlots(leaseStore, *owner, *slotTTL, log.With("component", "slots"))
		if err != nil {
			log.Error("init operation slots", "err", err)
			os.Exit(2)
		}
		coord.WithSlots(slots)
	}

	orch, err := batchclaim.New(batchclaim.Config{
		ChainID:        *chainIDFlag,
		ReceiptTimeout: *receiptTimeout,
	}, coord, client, store, log.With("component", "batchclaim"))
	if err != nil {
		log.Error("init batch claim", "err", err)
		os.Exit(2)
	}
	orch.WithMetrics(m)

	// Audit log
	switch *auditDriver {
	case "none", "":
	default:
		cfg := audit.Config{Driver: *auditDriver, Bucket: *auditBucket, Prefix: *auditPrefix}
		if *auditDriver == audit.DriverS3 {
			awsCfg, err := awsconfig.LoadDefaultConfig(startupCtx)
			if err != nil {
				log.Error("load aws config", "err", err)
				os.Exit(2)
			}
			cfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		al, err := audit.New(cfg)
		if err != nil {
			log.Error("init audit log", "err", err)
			os.Exit(2)
		}
		coord.WithAudit(al)
		orch.WithAudit(al)
	}

	composer, err := readmodel.New(readmodel.Config{
		ChainID:      *chainIDFlag,
		Cooldown:     *cooldown,
		FreshFor:     *freshFor,
		PollInterval: *viewPoll,
	}, client, store, log.With("component", "readmodel"))
	if err != nil {
		log.Error("init read model", "err", err)
		os.Exit(2)
	}
	composer.WithMetrics(m)

	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: resolve("redis-password", *redisPassword),
			DB:       *redisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(startupCtx).Err(); err != nil {
			log.Error("ping redis", "err", err)
			os.Exit(2)
		}
		vc, err := viewcache.New(viewcache.Config{Driver: viewcache.DriverRedis, Redis: rdb, TTL: *viewCacheTTL})
		if err != nil {
			log.Error("init view cache", "err", err)
			os.Exit(2)
		}
		composer.WithCache(vc)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx, *sweepInterval) })
	g.Go(func() error { return composer.Watch(gctx, bus) })

	if *queueDriver != "none" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*kafkaBrokers),
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init event producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
		g.Go(func() error {
			events.Forward(gctx, bus, producer, *eventsTopic, *owner, log.With("component", "forward"))
			return nil
		})

		if *queueDriver == queue.DriverKafka && *ingestPeers {
			consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
				Driver:  queue.DriverKafka,
				Brokers: queue.SplitCommaList(*kafkaBrokers),
				// One group per instance so every instance sees every event.
				Group:  *kafkaGroup + "-" + *owner,
				Topics: []string{*eventsTopic},
			})
			if err != nil {
				log.Error("init event consumer", "err", err)
				os.Exit(2)
			}
			defer func() { _ = consumer.Close() }()
			g.Go(func() error {
				events.Ingest(gctx, consumer, bus, *owner, log.With("component", "ingest"))
				return nil
			})
		}
	}

	handler := httpapi.NewHandler(coord, orch, composer, httpapi.Config{
		ChainID:        *chainIDFlag,
		AuthToken:      authToken,
		MaxBodyBytes:   64 << 10,
		MaxWaitSeconds: int((*receiptTimeout + 30*time.Second) / time.Second),
		TokenDecimals:  int32(*tokenDecimals),
		Metrics:        metrics.Handler(reg),
	})

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      *receiptTimeout + time.Minute,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr, "owner", *owner, "chainId", *chainIDFlag)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("shutdown", "reason", context.Cause(gctx))

	orch.Close()
	coord.Close()
	composer.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stake-engine stopped", "err", err)
		os.Exit(1)
	}
}
