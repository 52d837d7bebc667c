package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for corpusflow.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Log       LogConfig       `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	AI        AIConfig        `yaml:"ai"`
	Sources   SourcesConfig   `yaml:"sources"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

type ServerConfig struct {
	Port               int           `yaml:"port"`
	Env                string        `yaml:"env"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrationsDir   string        `yaml:"migrations_dir"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// AMQPConfig enables the RabbitMQ wake-up queue when URL is set.
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type WorkerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type JobsConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	Timeout       time.Duration `yaml:"timeout"`
	TTL           time.Duration `yaml:"ttl"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type EmbeddingConfig struct {
	Primary EmbeddingProviderConfig `yaml:"primary"`
	// Fallback is optional. It must serve the primary's model, usually from a
	// second endpoint, so that its vectors share the primary's space. An
	// empty Model inherits the primary's.
	Fallback   EmbeddingProviderConfig `yaml:"fallback"`
	Dimension  int                     `yaml:"dimension"`
	BatchSize  int                     `yaml:"batch_size"`
	MaxRetries int                     `yaml:"max_retries"`
	Timeout    time.Duration           `yaml:"timeout"`
}

type EmbeddingProviderConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

type AIConfig struct {
	Provider         string          `yaml:"provider"`
	InferenceTimeout time.Duration   `yaml:"inference_timeout"`
	Ollama           OllamaConfig    `yaml:"ollama"`
	VLLM             VLLMConfig      `yaml:"vllm"`
	OpenAI           OpenAIConfig    `yaml:"openai"`
	Anthropic        AnthropicConfig `yaml:"anthropic"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type VLLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// SourcesConfig configures the source fetchers.
type SourcesConfig struct {
	FetchTimeout  time.Duration       `yaml:"fetch_timeout"`
	MaxDocuments  int                 `yaml:"max_documents"`
	DocsSeedURLs  []string            `yaml:"docs_seed_urls"`
	StackExchange StackExchangeConfig `yaml:"stackexchange"`
	GitHub        GitHubConfig        `yaml:"github"`
	PyPIBaseURL   string              `yaml:"pypi_base_url"`
	NPMBaseURL    string              `yaml:"npm_base_url"`
}

type StackExchangeConfig struct {
	BaseURL string `yaml:"base_url"`
	Site    string `yaml:"site"`
	Key     string `yaml:"key"`
}

type GitHubConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type RetrievalConfig struct {
	DefaultK int           `yaml:"default_k"`
	MaxK     int           `yaml:"max_k"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

var validAIProviders = map[string]bool{
	"":          true,
	"none":      true,
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

var validEmbeddingProviders = map[string]bool{
	"ollama": true,
	"openai": true,
	"vllm":   true,
	"hash":   true,
}

var validLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

// Defaults returns the configuration used when neither a YAML file nor the
// environment provides a value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			Env:                "development",
			RateLimitPerMinute: 120,
			HeartbeatInterval:  15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsDir:   "migrations",
		},
		AMQP: AMQPConfig{Queue: "corpusflow.jobs"},
		Log:  LogConfig{Level: "info", Format: "json"},
		Worker: WorkerConfig{
			Enabled:      true,
			Concurrency:  4,
			PollInterval: 2 * time.Second,
		},
		Jobs: JobsConfig{
			MaxRetries:    3,
			RetryBackoff:  5 * time.Second,
			Timeout:       30 * time.Minute,
			TTL:           7 * 24 * time.Hour,
			Retention:     72 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Chunking: ChunkingConfig{Size: 1000, Overlap: 150},
		Embedding: EmbeddingConfig{
			Primary: EmbeddingProviderConfig{
				Provider: "ollama",
				BaseURL:  "http://localhost:11434",
				Model:    "nomic-embed-text",
			},
			Dimension:  768,
			BatchSize:  32,
			MaxRetries: 2,
			Timeout:    30 * time.Second,
		},
		AI: AIConfig{
			InferenceTimeout: 60 * time.Second,
			Ollama:           OllamaConfig{BaseURL: "http://localhost:11434", Model: "llama3"},
			VLLM:             VLLMConfig{BaseURL: "http://localhost:8000"},
			OpenAI:           OpenAIConfig{Model: "gpt-4o-mini"},
			Anthropic:        AnthropicConfig{Model: "claude-sonnet-4-5-20250929"},
		},
		Sources: SourcesConfig{
			FetchTimeout: 20 * time.Second,
			MaxDocuments: 25,
			StackExchange: StackExchangeConfig{
				BaseURL: "https://api.stackexchange.com/2.3",
				Site:    "stackoverflow",
			},
			GitHub:      GitHubConfig{BaseURL: "https://api.github.com"},
			PyPIBaseURL: "https://pypi.org",
			NPMBaseURL:  "https://registry.npmjs.org",
		},
		Retrieval: RetrievalConfig{DefaultK: 5, MaxK: 50, CacheTTL: 60 * time.Second},
	}
}

// Load reads configuration and returns a validated Config. Values come from, in
// increasing precedence: built-in defaults, the YAML file named by
// CORPUSFLOW_CONFIG, a .env file, and the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CORPUSFLOW_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Server.Port = envInt("CORPUSFLOW_PORT", c.Server.Port)
	c.Server.Env = envString("CORPUSFLOW_ENV", c.Server.Env)
	c.Server.RateLimitPerMinute = envInt("RATE_LIMIT_PER_MINUTE", c.Server.RateLimitPerMinute)
	c.Server.HeartbeatInterval = envDuration("HEARTBEAT_INTERVAL", c.Server.HeartbeatInterval)

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.MigrationsDir = envString("MIGRATIONS_DIR", c.Database.MigrationsDir)

	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)

	c.AMQP.URL = envString("AMQP_URL", c.AMQP.URL)
	c.AMQP.Queue = envString("AMQP_QUEUE", c.AMQP.Queue)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
	c.Log.File = envString("LOG_FILE", c.Log.File)

	c.Worker.Enabled = envBool("WORKER_ENABLED", c.Worker.Enabled)
	c.Worker.Concurrency = envInt("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.PollInterval = envDuration("WORKER_POLL_INTERVAL", c.Worker.PollInterval)

	c.Jobs.MaxRetries = envInt("JOB_MAX_RETRIES", c.Jobs.MaxRetries)
	c.Jobs.RetryBackoff = envDuration("JOB_RETRY_BACKOFF", c.Jobs.RetryBackoff)
	c.Jobs.Timeout = envDuration("JOB_TIMEOUT", c.Jobs.Timeout)
	c.Jobs.TTL = envDuration("JOB_TTL", c.Jobs.TTL)
	c.Jobs.Retention = envDuration("JOB_RETENTION", c.Jobs.Retention)
	c.Jobs.SweepInterval = envDuration("SWEEP_INTERVAL", c.Jobs.SweepInterval)

	c.Chunking.Size = envInt("CHUNK_SIZE", c.Chunking.Size)
	c.Chunking.Overlap = envInt("CHUNK_OVERLAP", c.Chunking.Overlap)

	applyProviderEnv("EMBEDDING_PRIMARY", &c.Embedding.Primary)
	applyProviderEnv("EMBEDDING_FALLBACK", &c.Embedding.Fallback)
	if c.Embedding.Fallback.Provider != "" && c.Embedding.Fallback.Model == "" {
		c.Embedding.Fallback.Model = c.Embedding.Primary.Model
	}
	c.Embedding.Dimension = envInt("EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.BatchSize = envInt("EMBEDDING_BATCH_SIZE", c.Embedding.BatchSize)
	c.Embedding.MaxRetries = envInt("EMBEDDING_MAX_RETRIES", c.Embedding.MaxRetries)
	c.Embedding.Timeout = envDuration("EMBEDDING_TIMEOUT", c.Embedding.Timeout)

	c.AI.Provider = envString("AI_PROVIDER", c.AI.Provider)
	c.AI.InferenceTimeout = envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", c.AI.InferenceTimeout)
	c.AI.Ollama.BaseURL = envString("OLLAMA_BASE_URL", c.AI.Ollama.BaseURL)
	c.AI.Ollama.Model = envString("OLLAMA_MODEL", c.AI.Ollama.Model)
	c.AI.VLLM.BaseURL = envString("VLLM_BASE_URL", c.AI.VLLM.BaseURL)
	c.AI.VLLM.Model = envString("VLLM_MODEL", c.AI.VLLM.Model)
	c.AI.OpenAI.APIKey = envString("OPENAI_API_KEY", c.AI.OpenAI.APIKey)
	c.AI.OpenAI.Model = envString("OPENAI_MODEL", c.AI.OpenAI.Model)
	c.AI.Anthropic.APIKey = envString("ANTHROPIC_API_KEY", c.AI.Anthropic.APIKey)
	c.AI.Anthropic.Model = envString("ANTHROPIC_MODEL", c.AI.Anthropic.Model)

	c.Sources.FetchTimeout = envDuration("SOURCE_FETCH_TIMEOUT", c.Sources.FetchTimeout)
	c.Sources.MaxDocuments = envInt("SOURCE_MAX_DOCUMENTS", c.Sources.MaxDocuments)
	c.Sources.DocsSeedURLs = envList("DOCS_SEED_URLS", c.Sources.DocsSeedURLs)
	c.Sources.StackExchange.BaseURL = envString("STACKEXCHANGE_BASE_URL", c.Sources.StackExchange.BaseURL)
	c.Sources.StackExchange.Site = envString("STACKEXCHANGE_SITE", c.Sources.StackExchange.Site)
	c.Sources.StackExchange.Key = envString("STACKEXCHANGE_KEY", c.Sources.StackExchange.Key)
	c.Sources.GitHub.BaseURL = envString("GITHUB_BASE_URL", c.Sources.GitHub.BaseURL)
	c.Sources.GitHub.Token = envString("GITHUB_TOKEN", c.Sources.GitHub.Token)
	c.Sources.PyPIBaseURL = envString("PYPI_BASE_URL", c.Sources.PyPIBaseURL)
	c.Sources.NPMBaseURL = envString("NPM_BASE_URL", c.Sources.NPMBaseURL)

	c.Retrieval.DefaultK = envInt("RETRIEVAL_DEFAULT_K", c.Retrieval.DefaultK)
	c.Retrieval.MaxK = envInt("RETRIEVAL_MAX_K", c.Retrieval.MaxK)
	c.Retrieval.CacheTTL = envDuration("RETRIEVAL_CACHE_TTL", c.Retrieval.CacheTTL)
}

func applyProviderEnv(prefix string, p *EmbeddingProviderConfig) {
	p.Provider = envString(prefix+"_PROVIDER", p.Provider)
	p.BaseURL = envString(prefix+"_BASE_URL", p.BaseURL)
	p.Model = envString(prefix+"_MODEL", p.Model)
	p.APIKey = envString(prefix+"_API_KEY", p.APIKey)
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AMQP.URL != "" && !strings.HasPrefix(c.AMQP.URL, "amqp://") && !strings.HasPrefix(c.AMQP.URL, "amqps://") {
		return fmt.Errorf("AMQP_URL must start with amqp:// or amqps://, got %q", c.AMQP.URL)
	}

	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console; got %q", c.Log.Format)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must not be negative, got %d", c.Jobs.MaxRetries)
	}

	if c.Chunking.Size <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.Chunking.Overlap)
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.Embedding.Dimension)
	}
	if err := validateProvider("EMBEDDING_PRIMARY", c.Embedding.Primary); err != nil {
		return err
	}
	if c.Embedding.Fallback.Provider != "" {
		if err := validateProvider("EMBEDDING_FALLBACK", c.Embedding.Fallback); err != nil {
			return err
		}
		if err := c.Embedding.Fallback.comparableWith(c.Embedding.Primary); err != nil {
			return err
		}
	}

	if !validAIProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of none, ollama, vllm, openai, anthropic; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	if c.Retrieval.DefaultK <= 0 || c.Retrieval.DefaultK > c.Retrieval.MaxK {
		return fmt.Errorf("RETRIEVAL_DEFAULT_K must be in [1, RETRIEVAL_MAX_K], got %d", c.Retrieval.DefaultK)
	}

	return nil
}

func validateProvider(prefix string, p EmbeddingProviderConfig) error {
	if !validEmbeddingProviders[p.Provider] {
		return fmt.Errorf("%s_PROVIDER must be one of ollama, openai, vllm, hash; got %q", prefix, p.Provider)
	}
	if p.Provider == "openai" && p.APIKey == "" {
		return fmt.Errorf("%s_API_KEY is required when %s_PROVIDER is openai", prefix, prefix)
	}
	if (p.Provider == "ollama" || p.Provider == "vllm") && p.BaseURL == "" {
		return fmt.Errorf("%s_BASE_URL is required when %s_PROVIDER is %s", prefix, prefix, p.Provider)
	}
	return nil
}

// comparableWith rejects a fallback whose vectors would not be comparable
// with the primary's: hash vectors only match hash vectors, and model
// embeddings only match the same model.
func (p EmbeddingProviderConfig) comparableWith(primary EmbeddingProviderConfig) error {
	if (p.Provider == "hash") != (primary.Provider == "hash") {
		return fmt.Errorf("EMBEDDING_FALLBACK_PROVIDER %s cannot back EMBEDDING_PRIMARY_PROVIDER %s: their vectors are not comparable",
			p.Provider, primary.Provider)
	}
	if p.Provider != "hash" && p.Model != primary.Model {
		return fmt.Errorf("EMBEDDING_FALLBACK_MODEL must equal EMBEDDING_PRIMARY_MODEL %q, got %q", primary.Model, p.Model)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
