// Command entityd runs the entity/player data service as a standalone
// daemon: it wires the L1/L2 tiers, the durable document store, the
// stream-bus dispatcher, and the scheduled maintenance tasks, then blocks
// until SIGINT/SIGTERM and shuts everything down in reverse order.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"eve.evalgo.org/accepter"
	"eve.evalgo.org/common"
	"eve.evalgo.org/config"
	"eve.evalgo.org/entityservice"
	"eve.evalgo.org/invalidation"
	"eve.evalgo.org/metrics"
	"eve.evalgo.org/resilience"
	"eve.evalgo.org/scheduler"
	"eve.evalgo.org/store"
	"eve.evalgo.org/streambus"
	"eve.evalgo.org/tiercache"
	"eve.evalgo.org/ttl"
)

func main() {
	configPath := flag.String("config", "", "optional YAML file overlaying environment configuration")
	flag.Parse()

	cfg := config.LoadEntityServiceConfig("ENTD")
	if *configPath != "" {
		merged, err := config.LoadEntityServiceConfigFile(*configPath, cfg)
		if err != nil {
			log.Fatalf("entityd: failed to read config file %s: %v", *configPath, err)
		}
		cfg = merged
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("entityd: invalid configuration: %v", err)
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.LogLevel),
		Format:  cfg.LogFormat,
		Service: cfg.ServiceName,
	})
	clog := common.NewContextLogger(logger, map[string]interface{}{"nodeId": cfg.NodeID})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("entityd: invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)

	l2, err := tiercache.NewL2(cfg.Redis.URL, cfg.ServiceName)
	if err != nil {
		log.Fatalf("entityd: failed to connect L2: %v", err)
	}

	docStore, err := openDocumentStore(ctx, cfg)
	if err != nil {
		log.Fatalf("entityd: failed to open document store: %v", err)
	}

	var broadcaster *invalidation.Broadcaster
	if cfg.AMQP.URL != "" {
		broadcaster, err = invalidation.NewBroadcaster(invalidation.Config{
			URL:          cfg.AMQP.URL,
			ExchangeName: cfg.AMQP.ExchangeName,
			NodeID:       cfg.NodeID,
		}, invalidation.RealDialer{})
		if err != nil {
			log.Fatalf("entityd: failed to connect invalidation broadcaster: %v", err)
		}
	}

	svc, err := entityservice.New(entityservice.Config{
		ServiceName: cfg.ServiceName,
		Version:     "1",
		L1: tiercache.L1Config{
			MaxEntries: cfg.L1MaxEntries,
			IdleExpiry: cfg.L1IdleExpiry,
		},
		L2:               l2,
		DB:               docStore,
		TTL:              ttl.New(redisClient),
		EntityDefaultTTL: cfg.EntityDefaultTTL,
		PlayerDefaultTTL: cfg.PlayerDefaultTTL,
		LockWaitTimeout:  cfg.LockWaitTimeout,
		LockHoldTimeout:  cfg.LockHoldTimeout,
		Invalidation:     broadcaster,
	})
	if err != nil {
		log.Fatalf("entityd: failed to construct service: %v", err)
	}

	if broadcaster != nil {
		go func() {
			if err := broadcaster.Subscribe(ctx, func(n invalidation.Notice) {
				svc.InvalidateLocal(n.UUID)
			}); err != nil && ctx.Err() == nil {
				clog.WithError(err).Warn("invalidation subscribe loop ended")
			}
		}()
	}

	var recorder metrics.Recorder
	if cfg.Postgres.DSN != "" {
		pgRecorder, err := metrics.NewPostgresRecorder(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("entityd: failed to connect metrics recorder: %v", err)
		}
		recorder = pgRecorder
	} else {
		recorder = metrics.NewInMemoryRecorder()
	}

	bus := streambus.New(redisClient, cfg.ServiceName)
	group := cfg.ServiceName + "-workers"
	if err := bus.EnsureGroup(ctx, group); err != nil {
		log.Fatalf("entityd: failed to ensure consumer group: %v", err)
	}

	dedupPath := os.Getenv("ENTD_DEDUP_DB_PATH")
	if dedupPath == "" {
		dedupPath = fmt.Sprintf("/tmp/%s-dedup.db", cfg.ServiceName)
	}
	dedup, err := accepter.OpenDedupSet(dedupPath, 100000, 24*time.Hour)
	if err != nil {
		log.Fatalf("entityd: failed to open dedup set: %v", err)
	}

	wrapper := resilience.NewWrapper(resilience.DefaultRetryPolicy(), resilience.NewLocalCounter())
	dispatcher := accepter.NewDispatcher(cfg.ServiceName, group, cfg.NodeID, bus, wrapper, dedup)
	dispatcher.SetMetricsRecorder(recorder)

	sched := scheduler.NewStandard(svc, bus, dispatcher, recorder, scheduler.StandardConfig{
		Group:                 group,
		NodeID:                cfg.NodeID,
		Consumer:              cfg.NodeID,
		StreamPollInterval:    cfg.RedisStreamAcceptInterval,
		L2ToDBPersistInterval: cfg.AutoSaveInterval,
	})
	sched.Start()

	clog.WithField("service", cfg.ServiceName).Info("entityd started")

	<-ctx.Done()
	clog.Info("entityd shutting down")

	sched.Shutdown(scheduler.DefaultShutdownTimeout)

	if err := dedup.Close(); err != nil {
		clog.WithError(err).Warn("dedup set close failed")
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		clog.WithError(err).Warn("service shutdown failed")
	}

	clog.Info("entityd stopped")
}

// openDocumentStore picks Mongo or CouchDB as the durable backend: Mongo is
// the default per the specification, CouchDB is used when its database name
// is set and Mongo's is not.
func openDocumentStore(ctx context.Context, cfg config.EntityServiceConfig) (store.DocumentStore, error) {
	if cfg.Mongo.Database != "" || cfg.Couch.Database == "" {
		return store.NewMongoStore(ctx, store.MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: "entities",
		})
	}
	return store.NewCouchStore(ctx, store.CouchConfig{
		URL:      cfg.Couch.URL,
		Database: cfg.Couch.Database,
	})
}
