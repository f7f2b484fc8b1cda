package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bas-amop/polarrouteserver/internal/client"
	"github.com/bas-amop/polarrouteserver/internal/config"
	"github.com/bas-amop/polarrouteserver/internal/handler"
	"github.com/bas-amop/polarrouteserver/internal/logger"
	"github.com/bas-amop/polarrouteserver/internal/service"
	"github.com/bas-amop/polarrouteserver/internal/store"
	"github.com/bas-amop/polarrouteserver/internal/version"
	"github.com/bas-amop/polarrouteserver/internal/worker"
	"github.com/bas-amop/polarrouteserver/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialise logger: %v", err)
	}
	defer zlog.Sync()

	db, err := store.Open(&cfg.Database)
	if err != nil {
		zlog.Fatalw("failed to open database", "error", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		zlog.Warnw("redis not available", "error", err)
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	validate := validator.New()

	optimiser := client.NewPolarRouteClient(&cfg.Optimiser)

	statusProvider := service.NewAsynqStatusProvider(inspector, redisClient, zlog)
	selector := service.NewMeshSelector(db, zlog)
	dedup := service.NewRouteDeduplicator(db, statusProvider, cfg.Route.WaypointDistanceTolerance, zlog)
	ingestor := service.NewMeshIngestor(db, optimiser, &cfg.Route, zlog)
	routeService := service.NewRouteService(db, selector, dedup, asynqClient, zlog)
	jobService := service.NewJobService(db, statusProvider, zlog)
	vehicleService := service.NewVehicleService(db, zlog)

	routeHandler := handler.NewRouteHandler(routeService, statusProvider, optimiser, validate, zlog)
	vehicleHandler := handler.NewVehicleHandler(vehicleService, validate, zlog)
	meshHandler := handler.NewMeshHandler(db, zlog)
	jobHandler := handler.NewJobHandler(jobService, zlog)

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    100 * 1024 * 1024, // meshes run to tens of MB
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Version,
			"services": fiber.Map{
				"optimiser": optimiser.IsConfigured(),
			},
		})
	})

	api := app.Group("/api")
	api.Post("/route", routeHandler.Request)
	api.Get("/route/:id", routeHandler.Detail)
	api.Get("/recent_routes", routeHandler.Recent)
	api.Post("/evaluate_route", routeHandler.Evaluate)

	api.Post("/vehicle", vehicleHandler.Upsert)
	api.Get("/vehicle", vehicleHandler.List)
	// "available" must be registered before the vessel_type parameter route.
	api.Get("/vehicle/available", vehicleHandler.Available)
	api.Get("/vehicle/:vessel_type", vehicleHandler.Detail)
	api.Delete("/vehicle/:vessel_type", vehicleHandler.Delete)

	api.Get("/mesh/:id", meshHandler.Detail)

	api.Get("/job/:id", jobHandler.Status)
	api.Delete("/job/:id", jobHandler.Cancel)

	routeWorker := worker.NewRouteWorker(db, optimiser, ingestor, asynqClient, statusProvider, zlog)
	importWorker := worker.NewImportWorker(&cfg.Mesh, ingestor, zlog)

	go startWorkerServer(cfg, routeWorker, importWorker, zlog)

	scheduler := startImportSchedule(cfg, asynqClient, zlog)
	if scheduler != nil {
		defer scheduler.Stop()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		zlog.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zlog.Errorw("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	zlog.Infow("server starting", "addr", addr, "version", version.Version)
	if err := app.Listen(addr); err != nil {
		zlog.Fatalw("server error", "error", err)
	}
}

func startWorkerServer(cfg *config.Config, routeWorker *worker.RouteWorker, importWorker *worker.ImportWorker, zlog *zap.SugaredLogger) {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				service.RouteQueue: 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRouteOptimise, routeWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeMeshImport, importWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		zlog.Errorw("asynq worker error", "error", err)
	}
}

// startImportSchedule enqueues a mesh import task on the configured cron
// schedule. Returns nil when scheduling is disabled.
func startImportSchedule(cfg *config.Config, client *asynq.Client, zlog *zap.SugaredLogger) *cron.Cron {
	if cfg.Mesh.ImportSchedule == "" || cfg.Mesh.MetadataDir == "" {
		zlog.Info("mesh import schedule disabled")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Mesh.ImportSchedule, func() {
		task := asynq.NewTask(service.TaskTypeMeshImport, nil)
		if _, err := client.Enqueue(task, asynq.Queue(service.RouteQueue)); err != nil {
			zlog.Errorw("failed to enqueue mesh import task", "error", err)
		}
	})
	if err != nil {
		zlog.Errorw("invalid mesh import schedule", "schedule", cfg.Mesh.ImportSchedule, "error", err)
		return nil
	}
	c.Start()
	zlog.Infow("mesh import scheduled", "schedule", cfg.Mesh.ImportSchedule)
	return c
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	return response.Error(c, code, message)
}
