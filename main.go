package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"arenaserver/arena/archive"    //終了した対戦記録のS3保存
	"arenaserver/arena/connection" //WebSocket接続の処理
	"arenaserver/arena/gateway"    //クライアントイベントの直列処理
	"arenaserver/arena/ranking"    //ランキング集計
	"arenaserver/arena/resolver"   //ラウンド判定
	"arenaserver/arena/resync"     //ルーム状態の定期同期
	"arenaserver/arena/room"       //ルームと接続の管理
	"arenaserver/arena/store"      //Encounterの永続化
	"arenaserver/auth"
	"arenaserver/database"    //PostgreSQLとRedisの初期化
	"arenaserver/handlers"    //HTTP API
	"arenaserver/middlewares" //JWT認証
	"arenaserver/migrations"
	"arenaserver/utils" //ロガーの初期化とCronジョブ

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env があれば環境変数として読み込む
	_ = godotenv.Load()

	config, err := database.LoadConfig("config.json")
	if err != nil {
		panic(err)
	}

	logger, err := utils.InitLogger(config.Development) // ロガーの初期化
	if err != nil {
		panic(err) // 失敗した場合はプログラム停止
	}
	defer logger.Sync() // ロガーのクリーンアップ

	if config.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, using the built-in development key")
	}
	auth.SetSecret(config.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL、未設定の場合はメモリストアで起動
	var st store.Store
	if config.DBHost != "" {
		db, err := database.InitPostgreSQL(config, logger)
		if err != nil {
			logger.Fatal("PostgreSQLの初期化に失敗しました", zap.Error(err))
		}
		if err := migrations.Migrate(db, logger); err != nil {
			logger.Fatal("マイグレーションに失敗しました", zap.Error(err))
		}
		st = store.NewGormStore(db)
	} else {
		logger.Warn("db_host is not set, encounters are kept in memory")
		st = store.NewMemoryStore(nil)
	}

	// ランキング再計算のリトライキュー
	var queue ranking.RetryQueue
	if config.RedisAddr != "" {
		rdb, err := database.InitRedis(config, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Redis", zap.Error(err))
		}
		defer rdb.Close()
		queue = ranking.NewRedisRetryQueue(rdb)
	} else {
		logger.Warn("redis_addr is not set, ranking retries are kept in memory")
		queue = ranking.NewMemoryRetryQueue()
	}

	rankings := ranking.NewService(st, ranking.NewAggregator(ranking.WeightsFromConfig(config.Ranking)), nil)
	updater := ranking.NewUpdater(ctx, rankings, queue, logger, config.Ranking.RetryAttempts, config.Ranking.RetryBackoff.Duration)

	var archiver archive.Archiver
	if config.Archive.Bucket != "" {
		s3Archiver, err := archive.NewFromConfig(ctx, config.Archive)
		if err != nil {
			logger.Fatal("Failed to initialize archive", zap.Error(err))
		}
		archiver = s3Archiver
	}

	hub := room.NewHub(logger)
	registry := room.NewRegistry(hub, st, logger, nil)
	gw := gateway.New(gateway.Options{
		Store:    st,
		Registry: registry,
		Resolver: resolver.FromConfig(config.Rules),
		Rankings: updater,
		Archiver: archiver,
		Settler:  gateway.LogSettler{Logger: logger},
		Logger:   logger,
	})

	synchronizer := resync.New(registry, st, config.Sync, logger, nil)
	if err := synchronizer.Start(ctx); err != nil {
		logger.Fatal("Failed to start synchronizer", zap.Error(err))
	}

	// クーロンスケジューラのセットアップと呼び出し
	cronJobs, err := utils.CronCleaner(utils.NewMaintenance(st, gw, updater, logger, nil), logger)
	if err != nil {
		logger.Fatal("Failed to start cron jobs", zap.Error(err))
	}

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	//リクエストロガーを起動
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	//CORS（Cross-Origin Resource Sharing）ポリシーを設定
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(cors.New(corsConfig))

	//各HTTPリクエストのルーティング
	router.GET("/healthz", handlers.HealthHandler)
	wsHandler := connection.NewHandler(registry, gw, config.AllowedOrigins, logger)
	router.GET("/ws", gin.WrapH(wsHandler))

	api := router.Group("/api", middlewares.AuthMiddleware(logger))
	api.GET("/encounters/:id", func(c *gin.Context) {
		handlers.EncounterHandler(c, st, logger)
	})
	api.GET("/rankings/:userId", func(c *gin.Context) {
		handlers.RankingHandler(c, st, logger)
	})
	api.GET("/rooms/:kind/:id/members", func(c *gin.Context) {
		handlers.RoomMembersHandler(c, registry)
	})

	srv := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", config.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	logger.Info("Closing connections", zap.Int("connections", hub.CloseAll()))
	if err := synchronizer.Stop(); err != nil {
		logger.Error("Synchronizer shutdown failed", zap.Error(err))
	}
	<-cronJobs.Stop().Done()
	gw.Shutdown()
	updater.Wait()
	logger.Info("Shutdown complete")
}
