package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	router "planet/api/api/http"
	mycache "planet/api/cache"
	"planet/api/config"
	"planet/api/log"
	"planet/api/model"
	"planet/api/queue"
	"planet/api/service"
	"planet/api/service/mappkg"
	"planet/api/system"
)

func main() {
	confPath := flag.String("config", os.Getenv("PLANET_CONFIG"), "config file (yaml/json/toml)")
	flag.Parse()

	conf, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	config.SetConfig(conf)
	log.Init(log.Options{
		Level:      conf.Log.Level,
		Format:     conf.Log.Format,
		File:       conf.Log.File,
		MaxSizeMB:  conf.Log.MaxSizeMB,
		MaxBackups: conf.Log.MaxBackups,
		MaxAgeDays: conf.Log.MaxAgeDays,
		Compress:   conf.Log.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := system.InitDb(conf.Database)
	if err != nil {
		log.Fatalf("init db: %v", err)
	}
	if conf.Database.AutoMigrate {
		if err := service.AutoMigrate(db); err != nil {
			log.Fatalf("auto migrate: %v", err)
		}
	}

	chunkCache, err := mycache.NewChunkCache(conf.Cache.ChunkMaxCost, conf.Cache.ChunkTTL)
	if err != nil {
		log.Fatalf("chunk cache: %v", err)
	}
	defer chunkCache.Close()

	store := service.NewMapStore(db, chunkCache)
	maps := service.NewMapService(store)
	tasks := service.NewTileTaskService(store)

	// 本地队列的消费者比 HTTP 服务活得久，关闭时先把剩下的任务处理完
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	q, err := newQueue(ctx, workerCtx, conf, tasks)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	saver := service.NewMapSaveService(store, q, service.SaveLimits{
		TilesPerTask:     conf.Save.TilesPerTask,
		MaxTilesPerChunk: conf.Save.MaxTilesPerChunk,
		MaxChunkDocs:     conf.Save.MaxChunkDocs,
		DeleteBatchSize:  conf.Save.DeleteBatchSize,
		FlushSize:        conf.Queue.FlushSize,
	})

	auth := conf.Auth
	if auth.TaskAudience == "" {
		auth.TaskAudience = conf.Queue.HandlerURL
	}
	if ct, ok := q.(*queue.CloudTasks); ok && auth.TaskServiceAccount == "" {
		auth.TaskServiceAccount = ct.ServiceAccountEmail()
	}

	gin.SetMode(conf.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())
	corsConf := cors.DefaultConfig()
	if len(conf.Server.CorsOrigins) > 0 {
		corsConf.AllowOrigins = conf.Server.CorsOrigins
	} else {
		corsConf.AllowAllOrigins = true
	}
	corsConf.AllowHeaders = append(corsConf.AllowHeaders, "Authorization")
	r.Use(cors.New(corsConf))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queue": q.Ref(), "timestamp": time.Now().Unix()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.Routers(&r.RouterGroup, router.Deps{
		Maps:      maps,
		Saver:     saver,
		Tasks:     tasks,
		Assembler: mappkg.NewMapAssembler(maps),
		Auth:      auth,
	})

	srv := &http.Server{Addr: conf.Server.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("planet api listening on %s (queue %s)", conf.Server.Addr, q.Ref())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	if lq, ok := q.(*queue.Local); ok {
		if err := lq.Drain(shutdownCtx); err != nil {
			log.Warnf("local queue not drained: %v", err)
		}
	}
	stopWorkers()
}

// newQueue cloudtasks 用于线上；local 在进程内直接调用任务处理器
func newQueue(ctx, workerCtx context.Context, conf *config.Config, tasks *service.TileTaskService) (queue.Queue, error) {
	qc := conf.Queue
	if qc.Kind == "cloudtasks" {
		ct, err := queue.NewCloudTasks(ctx, queue.CloudTasksOptions{
			Project:                 qc.Project,
			Location:                qc.Location,
			Name:                    qc.Name,
			HandlerURL:              qc.HandlerURL,
			ServiceAccountEmail:     qc.ServiceAccountEmail,
			Audience:                conf.Auth.TaskAudience,
			Credentials:             qc.CredentialsFile,
			MaxDispatchesPerSecond:  qc.MaxDispatchesPerSecond,
			MaxConcurrentDispatches: qc.MaxConcurrentDispatches,
		})
		if err != nil {
			return nil, err
		}
		if err := ct.EnsureQueue(ctx); err != nil {
			return nil, err
		}
		return ct, nil
	}

	local := queue.NewLocal(func(ctx context.Context, task *model.TileTask) error {
		_, err := tasks.Process(ctx, task)
		var ve *service.ValidationError
		if errors.As(err, &ve) {
			return backoff.Permanent(err)
		}
		return err
	}, queue.LocalOptions{
		Workers:     qc.LocalWorkers,
		RetryDelay:  qc.LocalRetryDelay,
		MaxAttempts: qc.LocalMaxAttempts,
	})
	go local.Start(workerCtx)
	return local, nil
}
