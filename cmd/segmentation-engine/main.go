// Product Segmentation Engine server - derives product taxonomies via
// successive LLM passes and exposes runs over HTTP/SSE.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/gin-gonic/gin"

	"github.com/noir-madlax/segmentation-engine/pkg/api"
	"github.com/noir-madlax/segmentation-engine/pkg/config"
	"github.com/noir-madlax/segmentation-engine/pkg/database"
	"github.com/noir-madlax/segmentation-engine/pkg/llm"
	"github.com/noir-madlax/segmentation-engine/pkg/repository"
	"github.com/noir-madlax/segmentation-engine/pkg/segmentation"
	"github.com/noir-madlax/segmentation-engine/pkg/storage"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "debug"))

	log.Printf("Starting Product Segmentation Engine")
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	log.Println("✓ Configuration loaded, prompt templates ready")

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("✓ Connected to PostgreSQL database")
	log.Println("✓ Database schema initialized")

	// Blob store backend
	var blobs storage.BlobStore
	switch cfg.Storage.Backend {
	case "s3":
		blobs, err = storage.NewS3Store(ctx, storage.S3Config{
			Bucket:       cfg.Storage.S3Bucket,
			Region:       cfg.Storage.S3Region,
			Endpoint:     cfg.Storage.S3Endpoint,
			Prefix:       cfg.Storage.S3Prefix,
			AccessKey:    cfg.Storage.S3AccessKey,
			SecretKey:    cfg.Storage.S3SecretKey,
			UsePathStyle: cfg.Storage.S3UsePathStyle,
		})
	default:
		blobs, err = storage.NewLocalStore(cfg.Storage.Root)
	}
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}
	log.Printf("✓ Blob store ready (%s)", cfg.Storage.Backend)

	// Repositories
	db := dbClient.DB()
	runRepo := repository.NewRunRepository(db)
	taxonomyRepo := repository.NewTaxonomyRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	interactionRepo := repository.NewInteractionRepository(db)
	productStore := repository.NewProductStore(db)

	// Interaction store (hybrid cache)
	interactionStore := storage.NewInteractionStore(blobs, interactionRepo)

	// Rate-limited LLM gateway: the limiter is the single process-wide
	// mutable state, constructed once here.
	limiter := llm.NewRateLimiter(llm.RateLimiterConfig{
		MaxRequestsPerMinute:     cfg.RateLimit.MaxRequestsPerMinute,
		MaxInputTokensPerMinute:  cfg.RateLimit.MaxInputTokensPerMinute,
		MaxOutputTokensPerMinute: cfg.RateLimit.MaxOutputTokensPerMinute,
		MaxConcurrentRequests:    cfg.RateLimit.MaxConcurrentRequests,
		ModelMaxTokens:           cfg.RateLimit.ModelMaxTokens,
	})
	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	gateway := llm.NewGateway(provider, limiter, cfg.Processing.MaxAttemptsPerCall)
	log.Printf("✓ LLM gateway ready (model: %s)", cfg.LLM.Model)

	engine := segmentation.NewEngine(
		gateway, interactionStore, cfg.Prompts,
		cfg.LLM, cfg.Processing,
		taxonomyRepo, assignmentRepo, productStore,
	)
	service := segmentation.NewService(
		runRepo, taxonomyRepo, assignmentRepo,
		interactionStore, engine,
		cfg.LLM, cfg.Processing, cfg.Prompts,
	)
	log.Println("✓ Segmentation service initialized")

	server := api.NewServer(service, dbClient)
	log.Printf("HTTP server listening on :%s", httpPort)
	log.Printf("Health check available at: http://localhost:%s/health", httpPort)
	if err := server.Start(":" + httpPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
