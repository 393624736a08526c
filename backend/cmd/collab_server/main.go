package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thesunnysinha/collabflow/backend/config"
	"github.com/thesunnysinha/collabflow/backend/internal/broker"
	"github.com/thesunnysinha/collabflow/backend/internal/cache"
	"github.com/thesunnysinha/collabflow/backend/internal/collab"
	"github.com/thesunnysinha/collabflow/backend/internal/httpapi/handlers"
	"github.com/thesunnysinha/collabflow/backend/internal/httpapi/middleware"
	"github.com/thesunnysinha/collabflow/backend/internal/logger"
	"github.com/thesunnysinha/collabflow/backend/internal/room"
	"github.com/thesunnysinha/collabflow/backend/internal/store"
	"github.com/thesunnysinha/collabflow/backend/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Log.Error("collab server exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}
	log := logger.Init("collab-service", cfg.Log.Level, cfg.Log.File)

	// 全局上下文：收到 SIGINT/SIGTERM 时取消，触发 shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === 存储 ===
	var (
		docs    store.DocumentStore
		lookup  cache.DocumentGetter
		history collab.SnapshotRecorder
	)
	switch cfg.Store.Driver {
	case config.DriverMySQL:
		gdb, err := store.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		gs := store.NewGormDocumentStore(gdb)
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("open snapshot db: %w", err)
		}
		defer db.Close()
		snapshots := store.NewSnapshotStore(db)
		if cfg.Mysql.AutoMigrate {
			if err := gs.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate documents: %w", err)
			}
			if err := snapshots.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate snapshots: %w", err)
			}
		}
		docs, lookup, history = gs, gs, snapshots
	default:
		ms := store.NewMemoryDocumentStore()
		docs, lookup = ms, ms
	}

	// === Redis（可选）===
	var (
		rdb    redis.UniversalClient
		mirror room.PresenceMirror
		reader handlers.PresenceReader
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// 在线镜像和存在性缓存都是可选的，Redis 不可用不阻止启动
			log.Warn("redis not reachable, presence mirror disabled", zap.Error(err))
			rdb = nil
		} else {
			rp := cache.NewRedisPresence(rdb, cfg.Running.InstanceID, cfg.Redis.PresenceTTL)
			mirror, reader = rp, rp
			log.Info("presence mirror enabled", zap.String("instance", rp.Instance()))
		}
	}

	// === Broker ===
	var (
		producer broker.Producer
		consumer broker.Consumer
	)
	switch cfg.Kafka.Driver {
	case config.DriverKafka:
		producer = broker.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.MaxMessageBytes)
		consumer = broker.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, log)
	default:
		mb := broker.NewMemoryBroker(cfg.Kafka.Partitions)
		mb.MaxMessageBytes = cfg.Kafka.MaxMessageBytes
		producer, consumer = mb, mb
	}

	// === 协作引擎 ===
	registry := room.NewRegistry(cfg.Collab.Shards, room.NewPresence(mirror, log))
	// 与 producer 同一个消息上限，过大的更新在提交时就被拒绝
	relay := collab.NewRelay(producer, collab.RelayOptions{
		Topic:           cfg.Kafka.Topic,
		CoalesceWindow:  cfg.Collab.CoalesceWindow,
		QueueSize:       cfg.Collab.QueueSize,
		Workers:         cfg.Collab.Workers,
		MaxRetry:        cfg.Collab.MaxRetry,
		BaseBackoff:     cfg.Collab.BaseBackoff,
		MaxElapsed:      cfg.Collab.MaxElapsed,
		MaxMessageBytes: cfg.Kafka.MaxMessageBytes,
		MaxInflight:     cfg.Collab.MaxInflightSubmits,
		AdmitTimeout:    cfg.Collab.SubmitTimeout,
	}, log)
	health := collab.NewHealth()
	projector := collab.NewProjector(consumer, docs, registry, health, collab.ProjectorOptions{
		Topic:                  cfg.Kafka.Topic,
		Group:                  cfg.Kafka.Group,
		MaxConsecutiveFailures: cfg.Collab.MaxConsecutiveFailures,
	}, log)
	if history != nil {
		projector.WithHistory(history)
	}

	hubOpt := ws.HubOptions{SendBuffer: cfg.Collab.SendBuffer}
	if cfg.Collab.RequireExistingDocument {
		hubOpt.Lookup = cache.NewDocumentLookup(lookup, rdb, log)
	}
	hub := ws.NewHub(registry, relay, hubOpt, log)
	manager := ws.NewManager(hub, cfg.Running.AllowAnyOrigin, log)
	presence := handlers.NewPresence(registry, reader)

	// === HTTP ===
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.AccessLog(log), middleware.Recover(log))
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", middleware.HeaderRequestID},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	g := r.Group("/collab")
	g.GET("/ws", manager.WebSocketConnect)
	g.GET("/healthz", handlers.Healthz(health))
	g.GET("/presence", presence.ListDocuments)
	g.GET("/presence/:documentID", presence.GetCollaborators)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		// 投影卡死时返回 ErrProjectionStalled，整个进程以非零码退出
		return projector.Run(gctx)
	})
	eg.Go(func() error {
		log.Info("collab server listening", zap.String("addr", srv.Addr),
			zap.String("store", cfg.Store.Driver), zap.String("broker", cfg.Kafka.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		// websocket 连接已被劫持，Shutdown 不会关闭它们
		hub.CloseAll()
		if err := relay.Close(sctx); err != nil {
			log.Warn("relay close", zap.Error(err))
		}
		if err := consumer.Close(); err != nil {
			log.Warn("consumer close", zap.Error(err))
		}
		return nil
	})
	return eg.Wait()
}
