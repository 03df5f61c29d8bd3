package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/uib-gmbh/confd/internal/arbiter"
	"github.com/uib-gmbh/confd/internal/auth"
	"github.com/uib-gmbh/confd/internal/authgate"
	"github.com/uib-gmbh/confd/internal/backend"
	"github.com/uib-gmbh/confd/internal/backend/objectstore"
	"github.com/uib-gmbh/confd/internal/bus"
	"github.com/uib-gmbh/confd/internal/config"
	"github.com/uib-gmbh/confd/internal/logfabric"
	"github.com/uib-gmbh/confd/internal/logging"
	"github.com/uib-gmbh/confd/internal/redisfabric"
	"github.com/uib-gmbh/confd/internal/rpc"
	"github.com/uib-gmbh/confd/internal/session"
	"github.com/uib-gmbh/confd/internal/telemetry"
	"github.com/uib-gmbh/confd/internal/transport"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the service in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context())
		},
	}
}

// service bundles every long-lived component runStart wires together, so
// the arbiter's periodic tasks can reach them without a global.
type service struct {
	cfg        *config.Config
	node       string
	fabric     *redisfabric.Fabric
	cacheDB    *redis.Client
	sessionsDB *redis.Client
	busDB      *redis.Client
	pgPool     *pgxpool.Pool
	sessions   *session.Manager
	gate       *authgate.Gate
	facade     *backend.Facade
	tokens     *auth.TokenManager
	collector  *telemetry.Collector
	httpServer *http.Server
	listener   net.Listener
	jobs       *cron.Cron

	serveOnce sync.Once
	serveDone chan error
}

// logPurgeAge is how far back Fanout-written client logs are kept before
// the nightly job in runStart removes them, matching the 30-day retention
// the setup subcommand also enforces once at bootstrap.
const logPurgeAge = 30 * 24 * time.Hour

const (
	// heartbeatInterval is how often a running worker republishes its
	// liveness token to the worker_registry keyspace.
	heartbeatInterval = 10 * time.Second
	// workerRegistryTTL bounds how long a worker's registry entry survives
	// without a fresh heartbeat before it's treated as gone.
	workerRegistryTTL = heartbeatInterval * 3
)

func runStart(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.InitLogger()
	node := cfg.NodeName
	if node == "" {
		node, _ = os.Hostname()
	}

	svc, err := buildService(ctx, cfg, node)
	if err != nil {
		return err
	}
	defer svc.fabric.Close()
	defer svc.pgPool.Close()

	logging.InitLoggerWithSink(logfabric.NewSink(svc.busDB, node))

	if err := writePIDFile(); err != nil {
		log.Warn().Err(err).Msg("failed to write pid file")
	}
	defer removePIDFile()

	go svc.collector.Run(ctx)
	go telemetry.NewProcessFeeder(svc.collector, node, 0).Run(ctx, time.Second)

	fanout := logfabric.NewFanout(cfg.LogDirectory, cfg.LogMaxSizeMB, cfg.KeepRotatedLogs)
	go func() {
		if err := fanout.Run(ctx, svc.busDB, node); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("per-client log fanout stopped")
		}
	}()

	svc.jobs.Start()
	defer svc.jobs.Stop()

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	// the arbiter must exist before OnWorkerGC can reference it for
	// recycling a bloated worker, but OnWorkerGC must be supplied at
	// construction time; the closure captures `a` by reference and isn't
	// invoked until a.Serve runs below, by which point a is assigned.
	var a *arbiter.Arbiter
	a = arbiter.New(arbiter.Options{
		Workers: workers,
		Run:     svc.runWorker,
		Tokens:  svc.tokens,
		ServerCertCheckInterval: cfg.ServerCertCheckInterval,
		RedisHealthInterval:     cfg.RedisHealthInterval,
		WorkerGCPeriod:          cfg.WorkerGCPeriod,
		OnCertCheck:             svc.checkServerCert,
		OnHealthCheck:           svc.checkRedisHealth,
		OnWorkerGC:              func(gcCtx context.Context) error { return svc.collectWorkerGarbage(gcCtx, a) },
		Log:                     log.Logger,
	})

	log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Interface, cfg.Port)).Int("workers", workers).Msg("starting confd")

	err = a.Serve(ctx, func(reloadCtx context.Context) error {
		_, reloadErr := config.Reload(configPath)
		return reloadErr
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = svc.httpServer.Shutdown(shutdownCtx)

	return err
}

func buildService(ctx context.Context, cfg *config.Config, node string) (*service, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisInternalURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	fabric := redisfabric.New(redisOpts.Addr, redisOpts.Password)

	cacheDB, err := fabric.Client(ctx, redisOpts.DB)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	sessionsDB, err := fabric.Client(ctx, cfg.RedisSessionDB)
	if err != nil {
		return nil, fmt.Errorf("connect redis session db: %w", err)
	}
	busDB, err := fabric.Client(ctx, redisOpts.DB)
	if err != nil {
		return nil, fmt.Errorf("connect redis bus db: %w", err)
	}

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := objectstore.NewPostgresStore(pgPool)
	facade := backend.New(store, cacheDB)

	sessions := session.NewManager(sessionsDB, cfg.MaxSessionPerIP, cfg.SessionLifetime)
	gate := authgate.New(cacheDB, facade, cfg.MaxAuthFailures, cfg.AuthFailuresInterval, cfg.ClientBlockTime, cfg.Networks, cfg.AdminNetworks)

	tokens, err := auth.NewTokenManager([]byte(cfg.WorkerTokenSigningKey), []byte(cfg.WorkerTokenEncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("build token manager: %w", err)
	}

	registry := rpc.NewRegistry()
	registerMethods(registry, facade, sessions)
	cache := rpc.NewProductOrderingCache(cacheDB)
	dispatcher := rpc.NewDispatcher(registry, cache, cacheDB, log.Logger)
	rpcHandler := rpc.NewHandler(dispatcher, log.Logger)

	busHandler := bus.NewHandler(busDB, sessions, log.Logger)
	collector := telemetry.NewCollector(cacheDB, log.Logger)
	queryHandler := telemetry.NewQueryHandler(cacheDB, telemetry.DefaultLadder)

	router := transport.NewRouter(transport.Deps{
		Sessions:   sessions,
		Gate:       gate,
		RPC:        rpcHandler,
		Bus:        busHandler,
		Query:      queryHandler,
		CookieName: cfg.SessionCookieName,
		Log:        log.Logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Interface, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	jobs := cron.New()
	if _, err := jobs.AddFunc("@daily", func() {
		if err := logfabric.PurgeOld(cfg.LogDirectory, logPurgeAge); err != nil {
			log.Warn().Err(err).Msg("nightly log purge failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule log purge job: %w", err)
	}

	return &service{
		cfg: cfg, node: node, fabric: fabric,
		cacheDB: cacheDB, sessionsDB: sessionsDB, busDB: busDB,
		pgPool: pgPool, sessions: sessions, gate: gate, facade: facade,
		tokens: tokens, collector: collector,
		httpServer: httpServer, listener: listener, jobs: jobs,
		serveDone: make(chan error, 1),
	}, nil
}

// runWorker is the arbiter.WorkerFunc every supervised worker runs. All
// workers share one listener and one *http.Server — the accept loop itself
// is started exactly once (serveOnce) rather than once per worker, since
// net/http.Server.Serve isn't meant to be entered twice on the same
// *Server. Each worker still gets its own signed heartbeat and its own
// goroutine the arbiter supervises independently; a worker whose goroutine
// returns is restarted the same way a crashed OS worker process would be.
func (s *service) runWorker(ctx context.Context, workerNum int) error {
	if err := s.publishHeartbeat(ctx, workerNum); err != nil {
		return fmt.Errorf("sign worker heartbeat: %w", err)
	}
	go s.runHeartbeat(ctx, workerNum)

	s.serveOnce.Do(func() {
		go func() { s.serveDone <- s.httpServer.Serve(s.listener) }()
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.serveDone:
		s.serveDone <- err // let sibling workers observe the same exit
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// runHeartbeat republishes workerNum's liveness token to the
// worker_registry keyspace every heartbeatInterval until ctx is cancelled.
func (s *service) runHeartbeat(ctx context.Context, workerNum int) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.publishHeartbeat(ctx, workerNum); err != nil {
				log.Warn().Err(err).Int("worker", workerNum).Msg("failed to publish worker heartbeat")
			}
		}
	}
}

func (s *service) workerRegistryKey(workerNum int) string {
	return redisfabric.Key("worker_registry", s.node, strconv.Itoa(workerNum))
}

func (s *service) publishHeartbeat(ctx context.Context, workerNum int) error {
	token, err := arbiter.SignHeartbeat(s.tokens, s.node, workerNum, telemetry.CurrentRSSBytes())
	if err != nil {
		return err
	}
	return s.cacheDB.Set(ctx, s.workerRegistryKey(workerNum), token, workerRegistryTTL).Err()
}

func (s *service) checkServerCert(ctx context.Context) error {
	if s.cfg.SSLServerCert == "" {
		return nil
	}
	info, err := os.Stat(s.cfg.SSLServerCert)
	if err != nil {
		return fmt.Errorf("stat server cert: %w", err)
	}
	log.Debug().Time("modified", info.ModTime()).Msg("server cert check")
	return nil
}

func (s *service) checkRedisHealth(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.cacheDB.Ping(pingCtx).Err()
}

// collectWorkerGarbage scans this node's worker_registry entries and asks
// a to recycle the single worker whose last reported RSS exceeds
// restart_worker_mem by the widest margin. Workers here are goroutines
// sharing one process rather than separate OS processes, so every entry
// reports the same process-wide RSS sample once the ceiling is crossed;
// recycling only one per GC cycle avoids restarting every worker at once
// over what is, structurally, the same measurement.
func (s *service) collectWorkerGarbage(ctx context.Context, a *arbiter.Arbiter) error {
	if s.cfg.RestartWorkerMem <= 0 {
		return nil
	}
	prefix := redisfabric.Key("worker_registry", s.node)
	iter := s.cacheDB.Scan(ctx, 0, prefix+":*", 0).Iterator()

	worst := int64(-1)
	worstWorker := -1
	for iter.Next(ctx) {
		key := iter.Val()
		token, err := s.cacheDB.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		_, hb, err := arbiter.VerifyHeartbeat(s.tokens, token)
		if err != nil {
			continue
		}
		if hb.RSSBytes <= s.cfg.RestartWorkerMem || hb.RSSBytes <= worst {
			continue
		}
		worst = hb.RSSBytes
		worstWorker = hb.WorkerNum
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if worstWorker < 0 {
		return nil
	}
	log.Warn().Int("worker", worstWorker).Int64("rss_bytes", worst).
		Int64("restart_worker_mem", s.cfg.RestartWorkerMem).Msg("recycling worker over memory ceiling")
	a.Recycle(ctx, worstWorker)
	return nil
}
