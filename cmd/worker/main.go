package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/redis/go-redis/v9"

	"github.com/loomgraph/loom/internal/db"
	"github.com/loomgraph/loom/internal/ingest"
	"github.com/loomgraph/loom/internal/queue"
	"github.com/loomgraph/loom/internal/util"
	"github.com/loomgraph/loom/pkg/ai/openai"
	"github.com/loomgraph/loom/pkg/cache"
	"github.com/loomgraph/loom/pkg/chunker"
	"github.com/loomgraph/loom/pkg/extract"
	gspgx "github.com/loomgraph/loom/pkg/graphstore/pgx"
	"github.com/loomgraph/loom/pkg/logger"
	rpgx "github.com/loomgraph/loom/pkg/retrieval/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	logger.Init(logger.NewConsoleLogger(logger.ConsoleLoggerParams{
		Debug: debug,
	}))

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := db.Migrate(util.GetEnvString("MIGRATIONS_URL", "file://migrations"), databaseURL); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}

	aiClient := openai.NewClient(openai.NewClientParams{
		ChatModel:      util.GetEnv("AI_CHAT_MODEL"),
		EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
		EmbeddingDim:   util.GetEnvInt("AI_EMBED_DIM", 1536),

		ChatURL:      util.GetEnv("AI_CHAT_URL"),
		ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
		EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
	})

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Invalid database URL", "err", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     util.GetEnvString("REDIS_ADDR", "localhost:6379"),
		Password: util.GetEnv("REDIS_PASSWORD"),
	})
	defer redisClient.Close()

	embeddings := cache.NewEmbeddingCache(redisClient, cache.NewEmbeddingCacheParams{
		TTL:                 time.Duration(util.GetEnvInt("EMBED_CACHE_TTL_HOURS", 24)) * time.Hour,
		SimilarityThreshold: util.GetEnvFloat("EMBED_CACHE_SIMILARITY", 0.95),
	})

	chunk, err := chunker.NewChunker(chunker.NewChunkerParams{
		ChunkSize:    util.GetEnvInt("CHUNK_SIZE", 1200),
		ChunkOverlap: util.GetEnvInt("CHUNK_OVERLAP", 100),
	})
	if err != nil {
		logger.Fatal("Failed to create chunker", "err", err)
	}

	extractor, err := extract.NewExtractor(extract.NewExtractorParams{
		Client:            aiClient,
		MaxGleaningPasses: util.GetEnvInt("MAX_GLEANING_PASSES", 2),
		ParallelMax:       util.GetEnvInt("EXTRACT_PARALLEL", 0),
	})
	if err != nil {
		logger.Fatal("Failed to create extractor", "err", err)
	}

	svc, err := ingest.NewService(ingest.NewServiceParams{
		Chunker:     chunk,
		Extractor:   extractor,
		AI:          aiClient,
		Embeddings:  embeddings,
		Store:       gspgx.NewStore(pool),
		Index:       rpgx.NewIndex(pool),
		ParallelMax: util.GetEnvInt("INGEST_PARALLEL", 0),
	})
	if err != nil {
		logger.Fatal("Failed to create ingest service", "err", err)
	}

	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}
	// One in-flight job at a time; ingestion is already parallel inside.
	if err := ch.Qos(1, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	logger.Info("Listening for messages")
	if err := queue.Consume(ctx, ch, svc); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Consumer stopped", "err", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}
