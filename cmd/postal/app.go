package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"postal/internal/admin"
	"postal/internal/config"
	"postal/internal/constants"
	"postal/internal/deadletter"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/persistence"
	"postal/internal/persistence/redisdedup"
	"postal/internal/persistence/sqlstore"
	"postal/internal/pipeline"
	"postal/internal/policy"
	"postal/internal/runtime"
	"postal/internal/transport/tcp"
	"postal/pkg/bootstrap"
	"postal/pkg/circuitbreaker"
	"postal/pkg/health"
	"postal/pkg/metrics"
	"postal/pkg/migrations"
	"postal/pkg/ratelimit"
	"postal/pkg/retry"
)

const dedupCacheReportInterval = 30 * time.Second

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sqlx.DB
	redis       *redis.Client
	mongoClient *mongo.Client

	store      persistence.Store
	dedup      *redisdedup.Store
	codec      *envelope.BatchCodec
	serializer *envelope.Serializer
	executor   *pipeline.Executor
	runtime    *runtime.Runtime
	listener   *tcp.Listener
	server     *http.Server
	checks     *health.CheckerRegistry

	// runCtx outlives the signal context so draining can still persist.
	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		checks:      health.NewCheckerRegistry(),
		runCtx:      runCtx,
		runCancel:   runCancel,
	}
}

// Executor is where embedding code registers message handlers before Run.
func (a *App) Executor() *pipeline.Executor {
	return a.executor
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.InitTracing(); err != nil {
		return err
	}

	metrics.RegisterAll()

	if err := a.initStore(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := a.initRuntime(); err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}

	if a.Config.Admin.Enabled {
		a.initHTTPServer()
	}

	return nil
}

// initStore builds the store stack from the inside out: database, circuit
// breaker, redis duplicate guard, dead letter fan-out.
func (a *App) initStore(ctx context.Context) error {
	db, err := a.dbConnector.InitSQL(ctx)
	if err != nil {
		return err
	}

	var store persistence.Store
	if db == nil {
		store = persistence.NewMemoryStore()
	} else {
		a.db = db
		a.checks.Register(health.NewSQLChecker(a.Config.Persistence.Type, db.DB))

		if a.Config.Database.RunMigrations {
			if err := migrations.UpSQL(db.DB, a.Config.Persistence.Type); err != nil {
				return err
			}
		}

		sqlStore, err := sqlstore.New(db, a.Logger)
		if err != nil {
			return err
		}
		store = sqlStore
	}

	if cb := a.Config.CircuitBreaker; cb.Enabled {
		store = persistence.NewCircuitBreakerStore(store, circuitbreaker.Config{
			Name:         "envelope-store",
			MaxRequests:  cb.MaxRequests,
			Interval:     cb.Interval,
			Timeout:      cb.Timeout,
			MinRequests:  cb.MinRequests,
			FailureRatio: cb.FailureRatio,
		})
		a.Logger.Infow("Circuit breaker enabled for envelope store")
	}

	if dedup := a.Config.Persistence.Dedup; dedup.Enabled {
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return err
		}
		a.redis = rdb
		a.checks.Register(health.NewRedisChecker(rdb))

		a.dedup = redisdedup.New(store, redisdedup.NewRepository(rdb), redisdedup.Config{
			KeyPrefix: dedup.KeyPrefix,
			TTL:       time.Duration(dedup.TTLSeconds) * time.Second,
		}, a.Logger)
		store = a.dedup
	}

	mongoDB, err := a.initMongoDB(ctx)
	if err != nil {
		return err
	}

	sinks, err := deadletter.NewSinks(a.Config.DeadLetters, mongoDB, a.Logger)
	if err != nil {
		return err
	}
	for _, sink := range sinks {
		a.Logger.Infow("Dead letter sink enabled", "sink", sink.Name())
	}

	a.store = persistence.WithDeadLetterSinks(store, sinks...)
	return nil
}

func (a *App) initMongoDB(ctx context.Context) (*mongo.Database, error) {
	if !a.Config.DeadLetters.MongoDB.Enabled {
		return nil, nil
	}

	client, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil || client == nil {
		return nil, err
	}
	a.mongoClient = client
	a.checks.Register(health.NewMongoDBChecker(client))

	db := client.Database(a.Config.Database.MongoDB.Database)
	if a.Config.Database.RunMigrations {
		if err := migrations.EnsureDeadLetterCollection(ctx, db, a.Config.DeadLetters.MongoDB.Collection); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (a *App) initRuntime() error {
	p, err := policy.New(a.Config.Policy, a.Logger)
	if err != nil {
		return err
	}

	a.serializer = envelope.NewSerializer()
	a.executor = pipeline.NewExecutor(a.serializer, p, a.Logger)

	codec, err := envelope.NewBatchCodec(a.Config.Listener.Compression)
	if err != nil {
		return err
	}
	a.codec = codec

	var recovery *persistence.RecoveryAgent
	if rc := a.Config.Persistence.Recovery; rc.Enabled {
		recovery = persistence.NewRecoveryAgent(a.store, persistence.RecoveryConfig{
			NodeID:           a.Config.Node.ID,
			Interval:         rc.Interval,
			PageSize:         rc.PageSize,
			HandledRetention: rc.HandledRetention,
		}, a.Logger)
	}

	lc := a.Config.Listener
	replyURI := ""
	if lc.Enabled {
		replyURI = "tcp://" + net.JoinHostPort(lc.Host, strconv.Itoa(lc.Port))
	}

	pr := a.Config.Persistence.Retry
	a.runtime = runtime.New(runtime.Options{
		NodeID:     a.Config.Node.ID,
		ReplyURI:   replyURI,
		Store:      a.store,
		Handler:    a.executor,
		Serializer: a.serializer,
		Policy:     p,
		Codec:      codec,
		Sender: tcp.SenderConfig{
			ConnectTimeout:  lc.ConnectTimeout,
			ExchangeTimeout: lc.ExchangeTimeout,
		},
		Retry: retry.PipelineConfig{
			Workers: pr.Workers,
			Policy: retry.Policy{
				InitialInterval: pr.InitialInterval,
				MaxInterval:     pr.MaxInterval,
				Multiplier:      pr.Multiplier,
			},
		},
		Recovery: recovery,
		Logger:   a.Logger,
	})

	for _, ep := range a.Config.Endpoints {
		if err := a.runtime.AddEndpoint(ep); err != nil {
			return err
		}
	}

	if lc.Enabled {
		a.listener = tcp.NewListener(tcp.ListenerConfig{
			Host:            lc.Host,
			Port:            lc.Port,
			ExchangeTimeout: lc.ExchangeTimeout,
		}, codec, a.runtime.Receiver, a.Logger)
		a.checks.Register(health.NewListenerChecker(a.listener))
	}
	return nil
}

func (a *App) initHTTPServer() {
	var limit *ratelimit.RateLimitConfig
	if rl := a.Config.Admin.RateLimit; rl.Enabled {
		limit = &ratelimit.RateLimitConfig{
			Scope:           "admin",
			RPS:             rl.RPS,
			Burst:           rl.Burst,
			CleanupInterval: time.Duration(rl.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(rl.MaxAge) * time.Second,
		}
	}

	handler := admin.NewHandler(a.runtime, a.store, a.Logger)
	router := admin.NewRouter(a.runCtx, admin.RouterConfig{
		ServiceName: a.Config.Node.ServiceName,
		Tracing:     a.Config.Tracing.Enabled,
		RateLimit:   limit,
	}, handler, a.checks, a.Logger)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(a.Config.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(a.Config.Server.WriteTimeoutSeconds) * time.Second,
	}
}

// Run starts the node and blocks until ctx ends, then drains.
func (a *App) Run(ctx context.Context) error {
	if err := a.start(); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	if a.dedup != nil {
		g.Go(func() error {
			a.dedup.ReportCacheSize(gCtx, dedupCacheReportInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

func (a *App) start() error {
	if err := a.runtime.Start(a.runCtx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	if a.listener != nil {
		if err := a.listener.Start(a.runCtx); err != nil {
			return fmt.Errorf("failed to start listener: %w", err)
		}
		a.Logger.Infow("TCP listener started", "address", a.listener.Address())
	}
	return nil
}

// Shutdown stops intake first, then drains endpoints while the store is
// still reachable, and closes connections last.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down postal node")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
		defer cancel()

		if a.listener != nil {
			if err := a.listener.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("listener stop error: %w", err))
			}
		}

		if a.runtime != nil {
			if err := a.runtime.Drain(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("runtime drain error: %w", err))
			}
		}

		if a.server != nil {
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		a.runCancel()

		if a.executor != nil {
			a.executor.Clear()
			a.serializer.Clear()
		}

		db := a.db
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("store close error: %w", err))
			}
			db = nil
		}

		if a.codec != nil {
			a.codec.Close()
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, db, a.mongoClient)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
