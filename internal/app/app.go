package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"repoagent/config"
	"repoagent/internal/agent"
	"repoagent/internal/indexer"
	"repoagent/internal/llm"
	"repoagent/internal/logger"
	"repoagent/internal/search"
	"repoagent/internal/vectordb"
	"repoagent/models"
	"repoagent/storage"
)

// Application wires configuration, the vector store, the LLM client, the
// search pipeline, the agent controller and the session history together.
type Application struct {
	Config *config.Config
	Logger *zap.Logger

	vectorDB   *vectordb.Client
	llmClient  *llm.Client
	engine     *search.Engine
	controller *agent.Controller
	indexer    *indexer.Indexer
	sessions   *storage.SessionStore
}

// New builds a fully wired application from the loaded configuration.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.EnableConsole,
		cfg.Logging.EnableFile, cfg.Logging.LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	app := &Application{Config: cfg, Logger: log}

	app.vectorDB, err = vectordb.NewClient(&vectordb.Config{
		Host:       cfg.Vector.Host,
		Port:       cfg.Vector.Port,
		Collection: cfg.Vector.Collection,
		VectorSize: cfg.Vector.Dimension,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("vector db init failed: %w", err)
	}

	// The same client serves embeddings and completions; the agent builds its
	// own completion clients per configuration through the factory below.
	app.llmClient, err = llm.NewClient(&models.LLMConfig{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, log, llm.WithEmbeddingModel(cfg.LLM.EmbeddingModel))
	if err != nil {
		return nil, fmt.Errorf("llm init failed: %w", err)
	}

	completionFactory := func(c *models.LLMConfig) (llm.CompletionService, error) {
		return llm.NewClient(c, log)
	}

	app.engine = search.NewEngine(app.vectorDB, app.llmClient, completionFactory, log)

	app.controller = agent.NewController(app.engine,
		agent.WithLogger(log),
		agent.WithLLMFactory(completionFactory))

	app.indexer = indexer.New(app.vectorDB, app.llmClient, cfg.Indexer, log)

	app.sessions, err = storage.NewSessionStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	return app, nil
}

// Ask runs the single-pass search pipeline.
func (app *Application) Ask(ctx context.Context, repo, query string) (*models.QueryResponse, error) {
	request := newRequest(repo, query)
	cfg := &models.SearchConfig{
		Retriever: &models.RetrieverConfig{Size: 10, Threshold: 0.3, BM25Weight: 0.3},
		Reranker:  &models.RerankerConfig{Enabled: true, TopK: 5, Threshold: 0.4},
		Qa: &models.QaConfig{
			Enabled: app.Config.Agent.GenerateFinalAnswer,
			LLM:     app.Config.LLMModelConfig(),
		},
	}
	return app.engine.Search(ctx, request, cfg)
}

// RunAgent runs an iterative agent session and records it in the history
// store. Recording failures are logged, never returned.
func (app *Application) RunAgent(ctx context.Context, repo, query string) (*models.AgentResult, error) {
	request := newRequest(repo, query)
	result, err := app.controller.Run(ctx, request, app.Config.AgentModelConfig())
	if err != nil {
		return result, err
	}

	if _, recErr := app.sessions.RecordSession(ctx, repo, request.RequestID, query, result); recErr != nil {
		app.Logger.Warn("failed to record session", zap.Error(recErr))
	}
	return result, nil
}

// Index (re)indexes a repository directory under the given repository name.
func (app *Application) Index(ctx context.Context, repo, root string) (*indexer.Stats, error) {
	return app.indexer.IndexRepository(ctx, repo, root)
}

// Watch keeps the index in sync with the directory until ctx is cancelled.
func (app *Application) Watch(ctx context.Context, repo, root string) error {
	return indexer.NewWatcher(app.indexer, repo, root).Run(ctx)
}

// History returns recent agent sessions for a repository.
func (app *Application) History(ctx context.Context, repo string, limit int) ([]storage.SessionRecord, error) {
	return app.sessions.RecentSessions(ctx, repo, limit)
}

// DeleteRepo removes a repository's index and its session history.
func (app *Application) DeleteRepo(ctx context.Context, repo string) error {
	if err := app.indexer.DeleteRepository(ctx, repo); err != nil {
		return err
	}
	return app.sessions.DeleteByRepo(ctx, repo)
}

// ChunkCount reports how many chunks are indexed for a repository.
func (app *Application) ChunkCount(ctx context.Context, repo string) (int, error) {
	return app.indexer.ChunkCount(ctx, repo)
}

// Files lists the distinct files indexed for a repository, sorted by path.
func (app *Application) Files(ctx context.Context, repo string) ([]string, error) {
	return app.indexer.IndexedFiles(ctx, repo)
}

// ResetIndex drops the whole vector collection, every repository included,
// and recreates it empty.
func (app *Application) ResetIndex(ctx context.Context) error {
	if err := app.vectorDB.DeleteCollection(ctx); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return app.vectorDB.EnsureCollection(ctx)
}

// Close shuts down the application's long-lived resources.
func (app *Application) Close() error {
	if app.sessions != nil {
		app.sessions.Close()
	}
	if app.vectorDB != nil {
		app.vectorDB.Close()
	}
	if app.Logger != nil {
		_ = app.Logger.Sync()
	}
	return nil
}

func newRequest(repo, query string) *models.QueryRequest {
	return &models.QueryRequest{
		Repo:      repo,
		RequestID: fmt.Sprintf("req_%d", time.Now().UnixNano()),
		Messages:  []models.Message{{Role: "user", Content: query}},
	}
}
