package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"seg-backend/cmd"
	"seg-backend/internal/api"
	"seg-backend/internal/database"
	"seg-backend/internal/dataset"
	"seg-backend/internal/inference"
	"seg-backend/internal/messaging"
	"seg-backend/internal/model"
	"seg-backend/internal/storage"
	"seg-backend/internal/training"
	"seg-backend/internal/versions"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root        string `env:"ROOT" envDefault:"./seg-data"`
	Port        int    `env:"PORT" envDefault:"8000"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"retinal-seg-backend"`

	// ModelType selects the segmentation backend: "linear", "onnx" or
	// "plugin".
	ModelType     string `env:"MODEL_TYPE" envDefault:"linear"`
	PluginCommand string `env:"PLUGIN_COMMAND" envDefault:""`
	PluginArgs    string `env:"PLUGIN_ARGS" envDefault:""`

	RabbitMQURL string `env:"RABBITMQ_URL" envDefault:""`

	StorageProvider string `env:"STORAGE_PROVIDER" envDefault:"local"`
	ArchiveBucket   string `env:"ARCHIVE_BUCKET" envDefault:"seg-artifacts"`
	ExportBucket    string `env:"EXPORT_BUCKET" envDefault:"seg-exports"`

	S3Endpoint        string `env:"S3_ENDPOINT" envDefault:""`
	S3Region          string `env:"AWS_REGION" envDefault:""`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`

	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB" envDefault:""`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "seg-backend.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

func createObjectStore(cfg Config) storage.ObjectStore {
	switch cfg.StorageProvider {
	case "local":
		objects, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "archive"))
		if err != nil {
			log.Fatalf("Failed to create local object store: %v", err)
		}
		return objects
	case "s3":
		objects, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			log.Fatalf("Failed to create s3 object store: %v", err)
		}
		return objects
	default:
		log.Fatalf("Invalid storage provider: %s. Must be either 'local' or 's3'", cfg.StorageProvider)
		return nil
	}
}

// createQueue builds the task queue and re-enqueues export jobs that were
// still QUEUED when the last process stopped.
func createQueue(db *gorm.DB, rabbitMQURL string) (messaging.Publisher, messaging.Reciever) {
	var publisher messaging.Publisher
	var reciever messaging.Reciever

	if rabbitMQURL != "" {
		var err error
		publisher, err = messaging.NewRabbitMQPublisher(rabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to create rabbitmq publisher: %v", err)
		}
		reciever, err = messaging.NewRabbitMQReceiver(rabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to create rabbitmq receiver: %v", err)
		}
	} else {
		queue := messaging.NewInMemoryQueue()
		publisher, reciever = queue, queue
	}

	jobs, err := database.PendingExportJobs(context.Background(), db)
	if err != nil {
		log.Fatalf("Failed to fetch pending export jobs: %v", err)
	}
	for _, job := range jobs {
		if err := publisher.PublishExportTask(context.Background(), messaging.ExportTaskPayload{JobId: job.Id}); err != nil {
			log.Fatalf("Failed to re-enqueue export job: %v", err)
		}
		slog.Info("re-enqueued export job", "job_id", job.Id)
	}

	return publisher, reciever
}

func createServer(service *api.BackendService, port int) *http.Server {
	r := chi.NewRouter()

	// Middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},                                       // Allow all origins (TODO: make this an env var)
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}, // Allow all HTTP methods
		AllowedHeaders:   []string{"*"},                                       // Allow all headers
		ExposedHeaders:   []string{"*"},                                       // Expose all headers
		AllowCredentials: true,                                                // Allow cookies/auth headers
		MaxAge:           300,                                                 // Cache preflight response for 5 minutes
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)                    // Log requests
	r.Use(middleware.Recoverer)                 // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second)) // Set request timeout

	r.Route("/api/v1", func(r chi.Router) {
		service.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "model_type", cfg.ModelType, "storage_provider", cfg.StorageProvider)

	defaults, err := training.LoadDefaults()
	if err != nil {
		log.Fatalf("error loading training defaults: %v", err)
	}

	modelType, err := model.ParseModelType(cfg.ModelType)
	if err != nil {
		log.Fatalf("invalid model type: %v", err)
	}

	if modelType == model.Onnx {
		teardown := initOnnxRuntime(cfg.OnnxRuntimeDylib)
		defer teardown()
	}

	db := createDatabase(cfg.Root)

	objects := createObjectStore(cfg)
	for _, bucket := range []string{cfg.ArchiveBucket, cfg.ExportBucket} {
		if err := objects.CreateBucket(context.Background(), bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}

	data, err := dataset.NewManager(filepath.Join(cfg.Root, "dataset"))
	if err != nil {
		log.Fatalf("Failed to create dataset manager: %v", err)
	}

	store, err := versions.NewStore(filepath.Join(cfg.Root, "models"), objects, cfg.ArchiveBucket)
	if err != nil {
		log.Fatalf("Failed to create version store: %v", err)
	}

	publisher, reciever := createQueue(db, cfg.RabbitMQURL)

	loaders := model.NewModelLoaders(model.LoaderConfig{
		LearningRate:  defaults.Hyperparameters.LearningRate,
		WeightDecay:   defaults.Hyperparameters.WeightDecay,
		PluginCommand: cfg.PluginCommand,
		PluginArgs:    strings.Fields(cfg.PluginArgs),
	})
	loader := loaders[modelType]

	infEngine := inference.NewEngine(store, loader, defaults.Hyperparameters.NumFolds, defaults.Hyperparameters.ImageSize)
	orchestrator := training.NewOrchestrator(publisher, store, infEngine, defaults)
	trainer := training.NewEngine(store, loader, defaults)

	worker := training.NewTaskProcessor(db, objects, publisher, reciever, trainer, orchestrator, store, loader, cfg.ExportBucket)

	service := api.NewBackendService(db, data, store, orchestrator, infEngine, publisher, objects, cfg.ExportBucket, cfg.ServiceName)
	server := createServer(service, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
