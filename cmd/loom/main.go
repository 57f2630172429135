package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/redis/go-redis/v9"

	"github.com/loomgraph/loom/internal/db"
	"github.com/loomgraph/loom/internal/queue"
	"github.com/loomgraph/loom/internal/util"
	"github.com/loomgraph/loom/pkg/ai/openai"
	"github.com/loomgraph/loom/pkg/cache"
	gspgx "github.com/loomgraph/loom/pkg/graphstore/pgx"
	"github.com/loomgraph/loom/pkg/loader"
	"github.com/loomgraph/loom/pkg/logger"
	"github.com/loomgraph/loom/pkg/query"
	"github.com/loomgraph/loom/pkg/retrieval"
	rpgx "github.com/loomgraph/loom/pkg/retrieval/pgx"
)

const usage = `usage: loom <command> [args]

commands:
  migrate                                  apply pending schema migrations
  ingest <vector-store-id> <file>          queue a document for ingestion
  delete <vector-store-id> <document-id>   queue a document for deletion
  query <vector-store-id> <question>       answer a question over the store
`

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)
	logger.Init(logger.NewConsoleLogger(logger.ConsoleLoggerParams{
		Debug: debug,
	}))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "migrate":
		runMigrate()
	case "ingest":
		if len(os.Args) != 4 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		runIngest(os.Args[2], os.Args[3])
	case "delete":
		if len(os.Args) != 4 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		runDelete(os.Args[2], os.Args[3])
	case "query":
		if len(os.Args) != 4 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		runQuery(ctx, os.Args[2], os.Args[3])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runMigrate() {
	sourceURL := util.GetEnvString("MIGRATIONS_URL", "file://migrations")
	if err := db.Migrate(sourceURL, util.GetEnv("DATABASE_URL")); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}
}

// runIngest extracts the document text locally and queues the ingest job
// for the worker.
func runIngest(vectorStoreID string, path string) {
	f, err := os.Open(path)
	if err != nil {
		logger.Fatal("Failed to open document", "path", path, "err", err)
	}
	defer f.Close()

	text, err := loader.ExtractText(f, path)
	if err != nil {
		logger.Fatal("Failed to extract document text", "path", path, "err", err)
	}

	documentID, err := util.NewID()
	if err != nil {
		logger.Fatal("Failed to generate document ID", "err", err)
	}

	payload, err := json.Marshal(queue.IngestJob{
		VectorStoreID: vectorStoreID,
		DocumentID:    documentID,
		Text:          text,
	})
	if err != nil {
		logger.Fatal("Failed to encode ingest job", "err", err)
	}

	publish(queue.IngestQueue, payload)
	logger.Info("Queued document for ingestion", "document", documentID, "path", path)
}

func runDelete(vectorStoreID string, documentID string) {
	payload, err := json.Marshal(queue.DeleteJob{
		VectorStoreID: vectorStoreID,
		DocumentID:    documentID,
	})
	if err != nil {
		logger.Fatal("Failed to encode delete job", "err", err)
	}

	publish(queue.DeleteQueue, payload)
	logger.Info("Queued document for deletion", "document", documentID)
}

func publish(queueName string, payload []byte) {
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
	if err := queue.PublishFIFO(ch, queueName, payload); err != nil {
		logger.Fatal("Failed to publish job", "queue", queueName, "err", err)
	}
}

// runQuery wires the retrieval engine and streams the answer to stdout.
func runQuery(ctx context.Context, vectorStoreID string, question string) {
	poolConfig, err := pgxpool.ParseConfig(util.GetEnv("DATABASE_URL"))
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

	aiClient := openai.NewClient(openai.NewClientParams{
		ChatModel:      util.GetEnv("AI_CHAT_MODEL"),
		EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
		EmbeddingDim:   util.GetEnvInt("AI_EMBED_DIM", 1536),

		ChatURL:      util.GetEnv("AI_CHAT_URL"),
		ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
		EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
	})

	engine := retrieval.NewEngine(retrieval.NewEngineParams{
		Index: rpgx.NewIndex(pool),
		Store: gspgx.NewStore(pool),
	})

	cacheTTL := time.Duration(util.GetEnvInt("EMBED_CACHE_TTL_HOURS", 24)) * time.Hour
	client, err := query.NewClient(query.NewClientParams{
		AI:     aiClient,
		Engine: engine,
		Responses: cache.NewResponseCache(redisClient, cache.NewResponseCacheParams{
			TTL:                 cacheTTL,
			SimilarityThreshold: util.GetEnvFloat("RESPONSE_CACHE_SIMILARITY", 0),
		}),
		Embeddings: cache.NewEmbeddingCache(redisClient, cache.NewEmbeddingCacheParams{
			TTL:                 cacheTTL,
			SimilarityThreshold: util.GetEnvFloat("EMBED_CACHE_SIMILARITY", 0.95),
		}),
	})
	if err != nil {
		logger.Fatal("Failed to create query client", "err", err)
	}

	stream, err := client.AnswerStream(ctx, query.Request{
		Query:          question,
		VectorStoreIDs: []string{vectorStoreID},
		Mode:           retrieval.Mode(util.GetEnvString("QUERY_MODE", string(retrieval.ModeHybrid))),
		TopK:           util.GetEnvInt("QUERY_TOP_K", 0),
	})
	if err != nil {
		logger.Fatal("Failed to answer query", "err", err)
	}

	for event := range stream {
		if event.Err != nil {
			fmt.Println()
			logger.Fatal("Answer stream failed", "err", event.Err)
		}
		fmt.Print(event.Content)
	}
	fmt.Println()
}
