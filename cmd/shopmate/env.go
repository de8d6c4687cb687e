package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mbenali/shopmate/internal/agents"
	"github.com/mbenali/shopmate/internal/catalog"
	"github.com/mbenali/shopmate/internal/config"
	"github.com/mbenali/shopmate/internal/embed"
	"github.com/mbenali/shopmate/internal/llm"
	"github.com/mbenali/shopmate/internal/orchestrator"
	"github.com/mbenali/shopmate/internal/planner"
	"github.com/mbenali/shopmate/internal/providers"
	"github.com/mbenali/shopmate/internal/reflection"
	"github.com/mbenali/shopmate/internal/retrieval"
	"github.com/mbenali/shopmate/internal/state"
)

type runtimeEnv struct {
	DataDir      string
	Catalog      *catalog.Store
	Lexical      *catalog.LexicalIndex
	Embedder     embed.Embedder
	Sessions     *state.Store
	Retrieval    *retrieval.Engine
	Orchestrator *orchestrator.Orchestrator
	Ingester     *catalog.Ingester
}

func (r *runtimeEnv) Close() {
	if r.Lexical != nil {
		if err := r.Lexical.Close(); err != nil {
			log.Printf("⚠️  closing lexical index: %v", err)
		}
	}
	if r.Catalog != nil {
		_ = r.Catalog.Close()
	}
	if r.Sessions != nil {
		_ = r.Sessions.Close()
	}
}

func prepareRuntimeEnv(ctx context.Context, dataDirFlag string) (*runtimeEnv, error) {
	userConfig := loadUserConfig()
	applyConfigToEnv(userConfig)

	dataDir := dataDirFlag
	if dataDir == "" {
		dataDir = userConfig.DataDir
	}
	if dataDir == "" {
		dataDir = filepath.Join(".", ".shopmate")
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	log.Printf("Data directory: %s", absDataDir)

	catalogStore, err := catalog.NewStore(ctx, filepath.Join(absDataDir, "catalog.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog store: %w", err)
	}
	lexical, err := catalog.NewLexicalIndex(filepath.Join(absDataDir, "catalog.db"))
	if err != nil {
		catalogStore.Close()
		return nil, fmt.Errorf("failed to open lexical index: %w", err)
	}
	sessions, err := state.NewStore(ctx, filepath.Join(absDataDir, "sessions.db"))
	if err != nil {
		lexical.Close()
		catalogStore.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	embedder := selectEmbedder(userConfig)
	engine := retrieval.NewEngine(catalogStore, lexical, embedder, retrieval.Config{})

	reasoner, err := buildReasoner(ctx)
	if err != nil {
		sessions.Close()
		lexical.Close()
		catalogStore.Close()
		return nil, err
	}

	registry, err := agents.NewRegistry(
		agents.NewAskAgent(reasoner),
		agents.NewRecommendAgent(reasoner, engine, nil),
		agents.NewChitchatAgent(reasoner),
	)
	if err != nil {
		sessions.Close()
		lexical.Close()
		catalogStore.Close()
		return nil, err
	}

	orch := orchestrator.New(
		registry,
		planner.New(reasoner),
		reflection.NewEngine(reasoner),
		sessions,
		orchestrator.LoggerHook{L: log.Default()},
	)

	if n, err := catalogStore.Count(ctx); err == nil {
		log.Printf("📚 Catalog ready: %d products", n)
	}

	return &runtimeEnv{
		DataDir:      absDataDir,
		Catalog:      catalogStore,
		Lexical:      lexical,
		Embedder:     embedder,
		Sessions:     sessions,
		Retrieval:    engine,
		Orchestrator: orch,
		Ingester:     catalog.NewIngester(catalogStore, lexical, embedder, catalog.IngestOptions{}),
	}, nil
}

func loadUserConfig() *config.Config {
	manager, err := config.NewManager()
	if err != nil {
		log.Printf("⚠️  Failed to initialize config manager: %v", err)
		return &config.Config{}
	}
	cfg, err := manager.Load()
	if err != nil {
		log.Printf("⚠️  Failed to load user config: %v", err)
		return &config.Config{}
	}
	if manager.Exists() {
		log.Printf("User config loaded from: %s", manager.GetConfigPath())
	}
	return cfg
}

// buildReasoner wires the generative reasoning service. SHOPMATE_USE_LLM=0
// disables it entirely: Ask and Chitchat fall back to their deterministic
// rules and Recommend/Planner fail the turn.
func buildReasoner(ctx context.Context) (*llm.Reasoner, error) {
	if os.Getenv("SHOPMATE_USE_LLM") == "0" {
		log.Println("🤖 Reasoning service disabled (SHOPMATE_USE_LLM=0)")
		return llm.Disabled(), nil
	}

	client, model, err := providers.NewClientFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build LLM client: %w", err)
	}
	log.Printf("🤖 Reasoning service ready (model: %s)", model)
	return llm.NewReasoner(client, model, llm.ChatOptions{}), nil
}

// selectEmbedder picks the embedding service: OpenAI when a key is present,
// Ollama when configured, otherwise the deterministic local hash embedder.
func selectEmbedder(cfg *config.Config) embed.Embedder {
	kind := os.Getenv("SHOPMATE_EMBEDDER")
	if kind == "" {
		kind = cfg.Embedder
	}

	embeddingKey := os.Getenv("OPENAI_API_KEY")
	if embeddingKey == "" {
		embeddingKey = cfg.EmbeddingKey
	}

	switch kind {
	case "ollama":
		baseURL := os.Getenv("OLLAMA_BASE_URL")
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		log.Println("📊 Using Ollama embeddings")
		return embed.NewOllamaEmbedder(baseURL, "nomic-embed-text", 768)
	case "hash":
		log.Println("📊 Using local hash embeddings")
		return embed.NewHashEmbedder(0)
	}

	if embeddingKey != "" {
		log.Println("📊 Using OpenAI embeddings")
		return embed.NewOpenAIEmbedder(embeddingKey, "text-embedding-3-small", 1536)
	}
	log.Println("📊 Using local hash embeddings (set OPENAI_API_KEY for semantic search)")
	return embed.NewHashEmbedder(0)
}
