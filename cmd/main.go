package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"showcase3d/internal/blobstore"
	"showcase3d/internal/cache"
	"showcase3d/internal/models"
	"showcase3d/internal/server"
	"showcase3d/internal/storage"
	"showcase3d/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found. Falling back to OS environment variables.")
	}

	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := storage.NewStorage(cfg.DatabaseURL, cfg.QueryTimeout.Std())
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer db.Close()

	blobs, err := blobstore.New(blobstore.Config{
		Endpoint:        cfg.S3Endpoint,
		AccessKey:       cfg.S3AccessKey,
		SecretKey:       cfg.S3SecretKey,
		UseSSL:          cfg.S3UseSSL,
		UploadedBucket:  cfg.UploadedBucket,
		ConvertedBucket: cfg.ConvertedBucket,
	})
	if err != nil {
		log.Fatalf("failed to init blob store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	statuses := cache.NewStatusCache(redisClient)

	// Kafka producer
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{cfg.KafkaBroker},
		Topic:   cfg.KafkaTopic,
	})

	// Start the conversion worker in background
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		consumer := kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{cfg.KafkaBroker},
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		})
		defer consumer.Close()

		w := worker.New(db, blobs, worker.ExecConverter{Cmd: cfg.ConverterCmd}, statuses, cfg.ConvertTimeout.Std())
		w.Run(ctx, consumer)
	}()

	limiter := server.NewRateLimiter(server.RateLimiterConfig{
		RedisClient: redisClient,
		Limit:       cfg.RateLimit,
		Window:      cfg.RateLimitWindow.Std(),
	})

	srv := server.NewServer(cfg, db, blobs, producer, statuses, limiter)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	srv.Stop()
	producer.Close()
	redisClient.Close()
}
