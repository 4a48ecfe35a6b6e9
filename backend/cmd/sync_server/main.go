package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/httpapi/middleware"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Sync struct {
		BacklogDepth              int `mapstructure:"backlogDepth"`
		PresenceTTLSeconds        int `mapstructure:"presenceTTLSeconds"`
		SweepIntervalSeconds      int `mapstructure:"sweepIntervalSeconds"`
		OfflineGraceSeconds       int `mapstructure:"offlineGraceSeconds"`
		IdleEvictionMinutes       int `mapstructure:"idleEvictionMinutes"`
		EditRequestTimeoutMinutes int `mapstructure:"editRequestTimeoutMinutes"`
	} `mapstructure:"Sync"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func minutes(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}

// setupRouter：健康检查放在鉴权之外（探针不带 token），
// /collab 下的路由都要过鉴权中间件。
func setupRouter(manager *ws.Manager, authSecret, authBaseURL string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	collabGroup := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，写入 userId/username
	collabGroup.Use(middleware.AuthMiddleware(authSecret, authBaseURL))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	return r
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	orm, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to init gorm: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl(0)
	wsSem := collab.NewSemaphoreControl(100)

	// 审计链路：本地队列 + worker 重试发送，背压时丢弃
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	snapshotStore := store.NewSnapshotStore(db)
	documentStore := store.NewDocumentStore(orm, snapshotStore)
	presence := cache.NewRedisPresence(rdb, seconds(cfg.Sync.PresenceTTLSeconds, 30*time.Second))

	registry := collab.NewRegistry(documentStore, documentStore, presence, dispatcher, collab.SessionOptions{
		BacklogDepth:   cfg.Sync.BacklogDepth,
		IdleEviction:   minutes(cfg.Sync.IdleEvictionMinutes, 10*time.Minute),
		RequestTimeout: minutes(cfg.Sync.EditRequestTimeoutMinutes, 5*time.Minute),
	})

	hub := ws.NewHub(seconds(cfg.Sync.OfflineGraceSeconds, 2*time.Minute))
	manager := ws.NewManager(hub, registry, wsSem)

	// presence TTL 清扫：独立节拍，每个被驱逐的成员广播一条 user_left
	sweeper := cache.NewSweeper(presence,
		seconds(cfg.Sync.SweepIntervalSeconds, 5*time.Second),
		hub.BroadcastUserLeft,
	)

	r := setupRouter(manager, cfg.Auth.Secret, cfg.Auth.Path)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// 先停 HTTP，再把所有在管文档落盘
		_ = srv.Shutdown(shutdownCtx)
		registry.CloseAll(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
	log.Println("server stopped")
}
