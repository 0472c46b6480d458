package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pangpangai/ragqa"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := ragqa.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	applyEnv(&cfg)

	apiKey := os.Getenv("RAGQA_API_KEY")
	corsOrigins := os.Getenv("RAGQA_CORS_ORIGINS")

	engine, err := ragqa.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("POST /upload/sync", h.handleUploadSync)
	mux.HandleFunc("GET /tasks/{id}", h.handleGetTask)
	mux.HandleFunc("GET /tasks", h.handleListTasks)
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /chat/stream", h.handleChatStream)
	mux.HandleFunc("POST /chat/agentic", h.handleChatAgentic)
	mux.HandleFunc("POST /chat/agentic/stream", h.handleChatAgenticStream)
	mux.HandleFunc("GET /history", h.handleListHistory)
	mux.HandleFunc("GET /history/{id}", h.handleGetHistory)
	mux.HandleFunc("DELETE /history/{id}", h.handleDeleteHistory)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("DELETE /documents/{name}", h.handleDeleteDocument)
	mux.HandleFunc("POST /tools/discover", h.handleDiscoverTools)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// applyEnv overrides configuration from the documented environment
// variables. All are optional.
func applyEnv(cfg *ragqa.Config) {
	if v := os.Getenv("CHROMA_PERSIST_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("CHAT_API_BASE"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_API_BASE"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("RERANK_API_KEY"); v != "" {
		cfg.Rerank.APIKey = v
	}
	if v := os.Getenv("RERANK_API_BASE"); v != "" {
		cfg.Rerank.BaseURL = v
	}
	if v := os.Getenv("RERANK_MODEL"); v != "" {
		cfg.Rerank.Model = v
	}
	if v := os.Getenv("RERANK_ENABLED"); v != "" {
		cfg.RerankEnabled = v == "1" || v == "true" || v == "yes"
	}
	if v, ok := envInt("RETRIEVAL_TOP_K"); ok {
		cfg.RetrievalTopK = v
	}
	if v, ok := envInt("RERANK_TOP_N"); ok {
		cfg.RerankTopN = v
	}
	if v, ok := envInt("CHUNK_SIZE"); ok {
		cfg.ChunkSize = v
	}
	if v, ok := envInt("CHUNK_OVERLAP"); ok {
		cfg.ChunkOverlap = v
	}
	if v, ok := envFloat("VECTOR_WEIGHT"); ok {
		cfg.VectorWeight = v
	}
	if v, ok := envFloat("BM25_WEIGHT"); ok {
		cfg.BM25Weight = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		cfg.Port = v
	}
	if v, ok := envInt("EMBEDDING_DIM"); ok {
		cfg.EmbeddingDim = v
	}

	// Fallback: the well-known provider env var for API keys.
	if cfg.Chat.APIKey == "" && cfg.Chat.Provider == "openai" {
		cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer env var", "name", name, "value", v)
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric env var", "name", name, "value", v)
		return 0, false
	}
	return f, true
}
