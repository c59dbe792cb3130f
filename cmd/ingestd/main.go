package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/i5heu/ouroboros-ingest/internal/blobstore"
	"github.com/i5heu/ouroboros-ingest/internal/chain"
	"github.com/i5heu/ouroboros-ingest/internal/config"
	"github.com/i5heu/ouroboros-ingest/internal/contentstore"
	"github.com/i5heu/ouroboros-ingest/internal/gossip"
	"github.com/i5heu/ouroboros-ingest/internal/ingest"
	"github.com/i5heu/ouroboros-ingest/internal/ipfs"
	"github.com/i5heu/ouroboros-ingest/internal/jobs"
	"github.com/i5heu/ouroboros-ingest/internal/metrics"
	"github.com/i5heu/ouroboros-ingest/internal/msgstore"
	"github.com/i5heu/ouroboros-ingest/internal/nodecache"
	"github.com/i5heu/ouroboros-ingest/internal/scheduler"
	"github.com/i5heu/ouroboros-ingest/internal/workerpool"
	"github.com/i5heu/ouroboros-ingest/pkg/logging"
	"github.com/i5heu/ouroboros-ingest/pkg/message"
)

const (
	logKeyConfig   = "config"
	logKeyBackend  = "backend"
	logKeyDriver   = "driver"
	logKeyChain    = "chain"
	logKeyTopics   = "topics"
	logKeyListen   = "listen"
	logKeyRemoved  = "removed"
	logKeySignal   = "signal"
	logKeyError    = "error"
	logKeyWorkers  = "workers"
	logKeyIPFS     = "ipfs"
	logKeyJobs     = "jobs"
	logKeyAccepted = "accepted"
)

// acceptedCounter is the node cache counter bumped for every accepted
// message.
const acceptedCounter = "accepted"

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}
	opts.apply(&cfg)

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, NoColor: cfg.Log.NoColor})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestd: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	logger.InfoContext(ctx, "starting ingestion node",
		logKeyConfig, opts.configPath,
		logKeyBackend, cfg.Cache.Backend,
		logKeyDriver, cfg.Database.Driver)

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "node stopped with error", logKeyError, err)
		os.Exit(1)
	}
	logger.Info("node stopped")
}

type flags struct {
	configPath    string
	logLevel      string
	metricsListen string
	noJobs        bool
	noColor       bool
}

func parseFlags() flags {
	var f flags
	fs := pflag.NewFlagSet("ingestd", pflag.ExitOnError)
	f.register(fs)
	_ = fs.Parse(os.Args[1:])
	return f
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "path to the YAML config file")
	fs.StringVar(&f.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	fs.StringVar(&f.metricsListen, "metrics-listen", "", "override metrics.listen")
	fs.BoolVar(&f.noJobs, "no-jobs", false, "do not run maintenance jobs on this node")
	fs.BoolVar(&f.noColor, "no-color", false, "disable colored log output")
}

// apply lays the command line over the loaded config.
func (f flags) apply(cfg *config.Config) {
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.metricsListen != "" {
		cfg.Metrics.Listen = f.metricsListen
	}
	if f.noJobs {
		cfg.Jobs.Enabled = false
	}
	if f.noColor {
		cfg.Log.NoColor = true
	}
}

// run wires every component and blocks until ctx ends or a unit fails
// fatally. Unreachable storage or a missing dedup constraint abort the
// start.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	cache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		return fmt.Errorf("node cache unreachable: %w", err)
	}
	removed, err := cache.ResetEphemeral(ctx)
	if err != nil {
		return fmt.Errorf("reset node cache: %w", err)
	}
	logger.InfoContext(ctx, "node cache ready", logKeyBackend, cfg.Cache.Backend, logKeyRemoved, removed)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.VerifySchema(ctx); err != nil {
		return fmt.Errorf("durable store not usable: %w", err)
	}

	pool := workerpool.New(workerpool.Config{WorkerCount: cfg.Workers})
	defer pool.Close()
	logger.InfoContext(ctx, "worker pool started", logKeyWorkers, cfg.Workers)

	content, closeContent, err := openContent(cfg, pool, m, logger)
	if err != nil {
		return err
	}
	defer closeContent()

	pipeline, err := ingest.New(ingest.Config{
		Cache:   cache,
		Store:   store,
		Content: content,
		Pool:    pool,
		Metrics: m,
		Logger:  logger.With("component", "ingest"),
	})
	if err != nil {
		return err
	}
	pipeline.OnAccepted(func(ctx context.Context, _ *message.AcceptedMessage) {
		if _, err := cache.Incr(ctx, acceptedCounter, 1); err != nil {
			logger.DebugContext(ctx, "could not count accepted message", logKeyError, err)
		}
	})

	sched := scheduler.New(scheduler.Config{
		DrainTimeout: cfg.Scheduler.DrainTimeout,
		Backoff:      scheduler.Backoff{Initial: cfg.Scheduler.RestartInitial, Max: cfg.Scheduler.RestartMax},
		Metrics:      m,
		Logger:       logger.With("component", "scheduler"),
	})

	if cfg.P2P.Enabled {
		transport, err := gossip.NewLibp2p(ctx, gossip.Libp2pConfig{
			Listen: cfg.P2P.Listen,
			Peers:  cfg.P2P.Peers,
			Logger: logger.With("component", "p2p"),
		})
		if err != nil {
			return err
		}
		defer transport.Close()

		units, err := gossipUnits(cfg.P2P, transport, pipeline, m, logger)
		if err != nil {
			return err
		}
		sched.Add(units...)
		logger.InfoContext(ctx, "gossip enabled", logKeyTopics, cfg.P2P.Topics)
	}

	for _, cc := range cfg.Chains {
		if !cc.Enabled {
			continue
		}
		unit, closeSource, err := chainUnit(ctx, cc, store, pipeline, content, m, logger)
		if err != nil {
			return err
		}
		defer closeSource()
		sched.Add(unit)
		logger.InfoContext(ctx, "chain watcher enabled", logKeyChain, cc.ID)
	}

	if cfg.Jobs.Enabled {
		sched.Add(jobs.Units(jobs.Config{
			Cache:                cache,
			Store:                store,
			Metrics:              m,
			RefreshViewsInterval: cfg.Jobs.RefreshViewsInterval,
			NodeStatsInterval:    cfg.Jobs.NodeStatsInterval,
			DiskPath:             cfg.Storage.Folder,
			Logger:               logger.With("component", "jobs"),
		})...)
	}
	logger.InfoContext(ctx, "maintenance jobs", logKeyJobs, cfg.Jobs.Enabled)

	if cfg.Metrics.Listen != "" {
		health := func() error {
			hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return errors.Join(cache.Ping(hctx), store.Ping(hctx))
		}
		sched.Add(httpUnit("metrics", &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           m.Handler(reg, health),
			ReadHeaderTimeout: 5 * time.Second,
		}, logger))
	}

	err = sched.Run(ctx)
	if n, cerr := store.CountAccepted(context.Background()); cerr == nil {
		logger.Info("durable store totals", logKeyAccepted, n)
	}
	return err
}

func openCache(cfg config.Config, logger *slog.Logger) (nodecache.Cache, error) {
	base := nodecache.Config{InFlightTTL: cfg.Cache.InFlightTTL, CommittedTTL: cfg.Cache.CommittedTTL}
	switch cfg.Cache.Backend {
	case config.CacheBadger:
		badgerLog, err := logging.NewLogrus(logging.Options{Level: "warn", NoColor: cfg.Log.NoColor})
		if err != nil {
			return nil, err
		}
		c, err := nodecache.NewBadger(nodecache.BadgerConfig{
			Config:           base,
			Path:             cfg.Cache.Badger.Path,
			MinimumFreeSpace: 1 << 30,
			Logger:           badgerLog,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		return c, nil
	default:
		return nodecache.NewRedis(nodecache.RedisConfig{
			Config:   base,
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Logger:   logger.With("component", "cache"),
		}), nil
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (msgstore.Store, error) {
	log := logger.With("component", "store")
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		s, err := msgstore.OpenSQLite(msgstore.SQLiteConfig{
			Path:         cfg.Database.Path,
			PoolSize:     cfg.Database.PoolSize,
			CreateSchema: cfg.Database.CreateSchema,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		s, err := msgstore.OpenPostgres(ctx, msgstore.PostgresConfig{
			URL:          cfg.Database.URL,
			MaxConns:     int32(cfg.Database.PoolSize),
			CreateSchema: cfg.Database.CreateSchema,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("durable store unreachable: %w", err)
		}
		return s, nil
	}
}

// openContent returns the content store and a func releasing it together
// with the local blob store.
func openContent(cfg config.Config, pool *workerpool.WorkerPool, m *metrics.Metrics, logger *slog.Logger) (*contentstore.Store, func(), error) {
	log := logger.With("component", "content")
	local, err := blobstore.New(blobstore.Config{
		Folder:      cfg.Storage.Folder,
		Compression: cfg.Storage.Compression,
		Hash:        pool.SHA256Hex,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}

	var ipfsBackend contentstore.IPFSBackend
	if cfg.IPFS.Enabled {
		client, err := ipfs.New(ipfs.Config{
			APIURL:  cfg.IPFS.APIURL,
			Timeout: cfg.IPFS.Timeout,
			MaxSize: cfg.Storage.MaxContentSize,
			Logger:  log,
		})
		if err != nil {
			local.Close()
			return nil, nil, fmt.Errorf("ipfs client: %w", err)
		}
		ipfsBackend = client
	}
	log.Info("content store ready", logKeyIPFS, cfg.IPFS.Enabled)

	store, err := contentstore.New(contentstore.Config{
		Local:          local,
		IPFS:           ipfsBackend,
		Pool:           pool,
		Attempts:       cfg.IPFS.Attempts,
		BackoffInitial: cfg.IPFS.BackoffInitial,
		BackoffMax:     cfg.IPFS.BackoffMax,
		VerifyIPFS:     cfg.IPFS.VerifyContent,
		MaxSize:        cfg.Storage.MaxContentSize,
		Peers:          cfg.Storage.Peers,
		Metrics:        m,
		Logger:         log,
	})
	if err != nil {
		local.Close()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		local.Close()
	}, nil
}

func gossipUnits(
	cfg config.P2PConfig,
	transport gossip.Transport,
	pipeline ingest.Ingester,
	m *metrics.Metrics,
	logger *slog.Logger,
) ([]scheduler.Unit, error) {
	log := logger.With("component", "gossip")
	retry := ingest.NewRetryQueue(pipeline, ingest.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		QueueSize:    cfg.Retry.QueueSize,
		Logger:       log,
	})
	listener, err := gossip.NewListener(gossip.ListenerConfig{
		Transport:   transport,
		Ingester:    pipeline,
		Topics:      cfg.Topics,
		Concurrency: cfg.Concurrency,
		Retry:       retry,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	return []scheduler.Unit{
		{Name: "gossip-retry", Run: retry.Run},
		{Name: "gossip-listener", Run: listener.Run},
	}, nil
}

func chainUnit(
	ctx context.Context,
	cc config.ChainConfig,
	store msgstore.Store,
	pipeline ingest.Ingester,
	content chain.ContentFetcher,
	m *metrics.Metrics,
	logger *slog.Logger,
) (scheduler.Unit, func(), error) {
	log := logger.With("component", "chain")
	source, err := chain.NewEthereum(ctx, chain.EthereumConfig{
		Chain:    cc.ID,
		RPCURL:   cc.RPCURL,
		Contract: cc.Contract,
		Window:   cc.Window,
		Logger:   log,
	})
	if err != nil {
		return scheduler.Unit{}, nil, err
	}
	watcher, err := chain.NewWatcher(chain.WatcherConfig{
		Source:             source,
		Cursors:            store,
		Ingester:           pipeline,
		Decoder:            chain.NewDecoder(content, log),
		StartHeight:        cc.StartHeight,
		PollInterval:       cc.PollInterval,
		RetryDelay:         cc.RetryDelay,
		Concurrency:        cc.Concurrency,
		AuthorizedEmitters: cc.AuthorizedEmitters,
		Metrics:            m,
		Logger:             log,
	})
	if err != nil {
		source.Close()
		return scheduler.Unit{}, nil, err
	}
	return scheduler.Unit{Name: "chain-" + cc.ID, Run: watcher.Run}, source.Close, nil
}

// httpUnit serves srv until the unit's context ends.
func httpUnit(name string, srv *http.Server, logger *slog.Logger) scheduler.Unit {
	return scheduler.Unit{
		Name: name,
		Run: func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.InfoContext(ctx, "http server listening", "unit", name, logKeyListen, srv.Addr)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				return err
			}
			if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
