package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"repoagent/internal/indexer"
	"repoagent/models"
)

// Config holds all application configuration
type Config struct {
	App     AppConfig      `mapstructure:"app"`
	Vector  VectorConfig   `mapstructure:"vector"`
	LLM     LLMConfig      `mapstructure:"llm"`
	Agent   AgentConfig    `mapstructure:"agent"`
	Indexer indexer.Config `mapstructure:"indexer"`
	Storage StorageConfig  `mapstructure:"storage"`
	Logging LoggingConfig  `mapstructure:"logging"`
}

// AppConfig holds application settings
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// VectorConfig holds vector database settings
type VectorConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	Dimension  int    `mapstructure:"dimension"`
}

// LLMConfig holds completion/embedding endpoint settings
type LLMConfig struct {
	Provider       string  `mapstructure:"provider"`
	Model          string  `mapstructure:"model"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
}

// AgentConfig holds the iterative search defaults
type AgentConfig struct {
	MaxIterations           int     `mapstructure:"max_iterations"`
	MaxTimeSeconds          float64 `mapstructure:"max_time_seconds"`
	ConfidenceThreshold     float64 `mapstructure:"confidence_threshold"`
	MinRelevantChunks       int     `mapstructure:"min_relevant_chunks"`
	RelevanceScoreThreshold float64 `mapstructure:"relevance_score_threshold"`
	EnableQueryRefinement   bool    `mapstructure:"enable_query_refinement"`
	EnableFilterAdjustment  bool    `mapstructure:"enable_filter_adjustment"`
	EnableRetrieverAdjust   bool    `mapstructure:"enable_retriever_adjustment"`
	GenerateFinalAnswer     bool    `mapstructure:"generate_final_answer"`
	MaxFinalChunks          int     `mapstructure:"max_final_chunks"`
	UseLLMAnalysis          bool    `mapstructure:"use_llm_analysis"`
}

// StorageConfig holds the session history database settings
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	EnableConsole bool   `mapstructure:"enable_console"`
	EnableFile    bool   `mapstructure:"enable_file"`
	LogDir        string `mapstructure:"log_dir"`
}

// Load loads configuration from defaults, an optional config/config.yaml, and
// the environment (keys upper-cased with dots replaced by underscores).
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("app.name", "repoagent")
	v.SetDefault("app.version", "1.0.0")

	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6334)
	v.SetDefault("vector.collection", "code_chunks")
	v.SetDefault("vector.dimension", 1536)

	v.SetDefault("llm.provider", "openrouter")
	v.SetDefault("llm.model", "openai/gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 2048)

	v.SetDefault("agent.max_iterations", 5)
	v.SetDefault("agent.max_time_seconds", 120.0)
	v.SetDefault("agent.confidence_threshold", 0.7)
	v.SetDefault("agent.min_relevant_chunks", 3)
	v.SetDefault("agent.relevance_score_threshold", 0.5)
	v.SetDefault("agent.enable_query_refinement", true)
	v.SetDefault("agent.enable_filter_adjustment", true)
	v.SetDefault("agent.enable_retriever_adjustment", true)
	v.SetDefault("agent.generate_final_answer", true)
	v.SetDefault("agent.max_final_chunks", 10)
	v.SetDefault("agent.use_llm_analysis", true)

	v.SetDefault("indexer.window_lines", 60)
	v.SetDefault("indexer.overlap_lines", 10)
	v.SetDefault("indexer.batch_size", 32)
	v.SetDefault("indexer.show_progress", true)

	v.SetDefault("storage.path", "storage/sessions.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.enable_console", true)
	v.SetDefault("logging.enable_file", false)
	v.SetDefault("logging.log_dir", "./logs")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// API keys come from the environment only, never the config file.
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		v.Set("llm.api_key", key)
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		v.Set("llm.api_key", key)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine, defaults apply.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// LLMModelConfig converts the loaded LLM section to the model type consumed by
// the completion client, or nil when LLM analysis is disabled.
func (c *Config) LLMModelConfig() *models.LLMConfig {
	if !c.Agent.UseLLMAnalysis || c.LLM.Model == "" {
		return nil
	}
	return &models.LLMConfig{
		Provider:    c.LLM.Provider,
		Model:       c.LLM.Model,
		BaseURL:     c.LLM.BaseURL,
		APIKey:      c.LLM.APIKey,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
	}
}

// AgentModelConfig converts the loaded agent section to the model type
// consumed by the controller.
func (c *Config) AgentModelConfig() *models.AgentConfig {
	return &models.AgentConfig{
		MaxIterations:             c.Agent.MaxIterations,
		MaxTimeSeconds:            c.Agent.MaxTimeSeconds,
		ConfidenceThreshold:       c.Agent.ConfidenceThreshold,
		MinRelevantChunks:         c.Agent.MinRelevantChunks,
		RelevanceScoreThreshold:   c.Agent.RelevanceScoreThreshold,
		EnableQueryRefinement:     c.Agent.EnableQueryRefinement,
		EnableFilterAdjustment:    c.Agent.EnableFilterAdjustment,
		EnableRetrieverAdjustment: c.Agent.EnableRetrieverAdjust,
		GenerateFinalAnswer:       c.Agent.GenerateFinalAnswer,
		MaxFinalChunks:            c.Agent.MaxFinalChunks,
		LLM:                       c.LLMModelConfig(),
	}
}
