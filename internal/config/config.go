package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Environment string                    `yaml:"environment" validate:"oneof=development testing production"`
	Server      ServerConfig              `yaml:"server"`
	Database    DatabaseConfig            `yaml:"database"`
	AI          AIConfig                  `yaml:"ai"`
	Retriever   RetrieverConfig           `yaml:"retriever"`
	Memory      MemoryConfig              `yaml:"memory"`
	Planning    PlanningConfig            `yaml:"planning"`
	Sessions    SessionsConfig            `yaml:"sessions"`
	Queue       QueueConfig               `yaml:"queue"`
	Logging     LoggingConfig             `yaml:"logging"`
	UserTypes   map[string]UserTypeConfig `yaml:"user_types"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	MySQL  MySQLConfig  `yaml:"mysql"`
	Redis  RedisConfig  `yaml:"redis"`
	Qdrant QdrantConfig `yaml:"qdrant"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Vector VectorConfig `yaml:"vector"`
}

type MySQLConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type QdrantConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	APIKey           string `yaml:"api_key"`
	UseTLS           bool   `yaml:"use_tls"`
	Collection       string `yaml:"collection"`
	MemoryCollection string `yaml:"memory_collection"`
	VectorSize       int    `yaml:"vector_size"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// VectorConfig selects the vector store backend: "qdrant" or "chromem".
type VectorConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=qdrant chromem"`
	ChromemDir string `yaml:"chromem_dir"`
}

type AIConfig struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Rerank    RerankConfig    `yaml:"rerank"`
}

type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model" validate:"required"`
	MaxTokens   int           `yaml:"max_tokens" validate:"min=1"`
	Temperature float32       `yaml:"temperature" validate:"min=0,max=2"`
	Timeout     time.Duration `yaml:"timeout"`
}

type EmbeddingConfig struct {
	// Provider is "openai" for the OpenAI-compatible API or "hash" for the
	// deterministic offline embedder.
	Provider   string        `yaml:"provider" validate:"oneof=openai hash"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions" validate:"min=1"`
	BatchSize  int           `yaml:"batch_size"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

type RerankConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type RetrieverConfig struct {
	TopK                int     `yaml:"top_k" validate:"min=1"`
	RerankTopK          int     `yaml:"rerank_top_k" validate:"min=1"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"min=0,max=1"`
	UseReranking        *bool   `yaml:"use_reranking"`
}

// Rerank reports whether cross-encoder re-ranking is on by default.
func (r RetrieverConfig) Rerank() bool {
	return r.UseReranking == nil || *r.UseReranking
}

type MemoryConfig struct {
	MaxShortTerm       int           `yaml:"max_short_term" validate:"min=1"`
	MaxLongTerm        int           `yaml:"max_long_term" validate:"min=1"`
	RelevanceThreshold float64       `yaml:"relevance_threshold" validate:"min=0,max=1"`
	RecencyWindow      time.Duration `yaml:"recency_window"`
}

type PlanningConfig struct {
	MaxPlanSteps   int           `yaml:"max_plan_steps" validate:"min=1"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	Temperature    float32       `yaml:"temperature"`
}

type SessionsConfig struct {
	MaxSessions            int           `yaml:"max_sessions" validate:"min=1"`
	SessionTimeout         time.Duration `yaml:"session_timeout"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	MaxConversationHistory int           `yaml:"max_conversation_history" validate:"min=1"`
	OrchestrationMode      string        `yaml:"orchestration_mode" validate:"omitempty,oneof=automatic manual"`
}

type QueueConfig struct {
	MaxWorkers   int           `yaml:"max_workers" validate:"min=1"`
	MaxQueueSize int           `yaml:"max_queue_size" validate:"min=1"`
	ResultTTL    time.Duration `yaml:"result_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// UserTypeConfig holds per-audience overrides.
type UserTypeConfig struct {
	MaxResults   int `yaml:"max_results"`
	MaxShortTerm int `yaml:"max_short_term"`
}

var validate = validator.New()

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration made only of defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		c.AI.LLM.APIKey = apiKey
		c.AI.Embedding.APIKey = apiKey
	}
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		c.AI.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("QDRANT_API_KEY"); apiKey != "" {
		c.Database.Qdrant.APIKey = apiKey
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Database.Redis.Password = pw
	}
	if pw := os.Getenv("MYSQL_PASSWORD"); pw != "" {
		c.Database.MySQL.Password = pw
	}
	if env := os.Getenv("SCHOOLBOT_ENV"); env != "" {
		c.Environment = strings.ToLower(env)
	}
}

// ApplyDefaults fills every zero value.
func (c *Config) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 90 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	db := &c.Database
	if db.MySQL.Host == "" {
		db.MySQL.Host = "localhost"
	}
	if db.MySQL.Port == 0 {
		db.MySQL.Port = 3306
	}
	if db.MySQL.Database == "" {
		db.MySQL.Database = "schoolbot"
	}
	if db.MySQL.MaxOpenConns == 0 {
		db.MySQL.MaxOpenConns = 10
	}
	if db.MySQL.MaxIdleConns == 0 {
		db.MySQL.MaxIdleConns = 5
	}
	if db.MySQL.ConnMaxLifetime == 0 {
		db.MySQL.ConnMaxLifetime = time.Hour
	}
	if db.Redis.Host == "" {
		db.Redis.Host = "localhost"
	}
	if db.Redis.Port == 0 {
		db.Redis.Port = 6379
	}
	if db.Redis.PoolSize == 0 {
		db.Redis.PoolSize = 10
	}
	if db.Qdrant.Host == "" {
		db.Qdrant.Host = "localhost"
	}
	if db.Qdrant.Port == 0 {
		db.Qdrant.Port = 6334
	}
	if db.Qdrant.Collection == "" {
		db.Qdrant.Collection = "school_documents"
	}
	if db.Qdrant.MemoryCollection == "" {
		db.Qdrant.MemoryCollection = "semantic_memory"
	}
	if db.SQLite.Path == "" {
		db.SQLite.Path = "data/memory/schoolbot.db"
	}
	if db.Vector.Backend == "" {
		db.Vector.Backend = "chromem"
	}
	if db.Vector.ChromemDir == "" {
		db.Vector.ChromemDir = "data/vector_db"
	}

	llm := &c.AI.LLM
	if llm.BaseURL == "" {
		llm.BaseURL = "https://api.openai.com/v1"
	}
	if llm.Model == "" {
		llm.Model = "gpt-3.5-turbo"
	}
	if llm.MaxTokens == 0 {
		llm.MaxTokens = 1000
	}
	if llm.Temperature == 0 {
		llm.Temperature = 0.3
	}
	if llm.Timeout == 0 {
		llm.Timeout = 30 * time.Second
	}

	emb := &c.AI.Embedding
	if emb.Provider == "" {
		emb.Provider = "openai"
	}
	if emb.BaseURL == "" {
		emb.BaseURL = llm.BaseURL
	}
	if emb.Model == "" {
		emb.Model = "text-embedding-3-small"
	}
	if emb.APIKey == "" {
		emb.APIKey = llm.APIKey
	}
	if emb.Dimensions == 0 {
		emb.Dimensions = 1536
	}
	if emb.BatchSize == 0 {
		emb.BatchSize = 100
	}
	if emb.CacheTTL == 0 {
		emb.CacheTTL = 24 * time.Hour
	}
	if c.AI.Rerank.Timeout == 0 {
		c.AI.Rerank.Timeout = 10 * time.Second
	}

	if c.Retriever.TopK == 0 {
		c.Retriever.TopK = 5
	}
	if c.Retriever.RerankTopK == 0 {
		c.Retriever.RerankTopK = 20
	}
	if c.Retriever.SimilarityThreshold == 0 {
		c.Retriever.SimilarityThreshold = 0.7
	}
	if c.Retriever.UseReranking == nil {
		on := true
		c.Retriever.UseReranking = &on
	}

	if c.Memory.MaxShortTerm == 0 {
		c.Memory.MaxShortTerm = 100
	}
	if c.Memory.MaxLongTerm == 0 {
		c.Memory.MaxLongTerm = 1000
	}
	if c.Memory.RelevanceThreshold == 0 {
		c.Memory.RelevanceThreshold = 0.3
	}
	if c.Memory.RecencyWindow == 0 {
		c.Memory.RecencyWindow = 30 * 24 * time.Hour
	}

	if c.Planning.MaxPlanSteps == 0 {
		c.Planning.MaxPlanSteps = 10
	}
	if c.Planning.DefaultTimeout == 0 {
		c.Planning.DefaultTimeout = 300 * time.Second
	}
	if c.Planning.Temperature == 0 {
		c.Planning.Temperature = 0.3
	}

	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = 100
	}
	if c.Sessions.SessionTimeout == 0 {
		c.Sessions.SessionTimeout = time.Hour
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = 5 * time.Minute
	}
	if c.Sessions.MaxConversationHistory == 0 {
		c.Sessions.MaxConversationHistory = 50
	}
	if c.Sessions.OrchestrationMode == "" {
		c.Sessions.OrchestrationMode = "automatic"
	}

	if c.Queue.MaxWorkers == 0 {
		c.Queue.MaxWorkers = 4
	}
	if c.Queue.MaxQueueSize == 0 {
		c.Queue.MaxQueueSize = 100
	}
	if c.Queue.ResultTTL == 0 {
		c.Queue.ResultTTL = 10 * time.Minute
	}

	if c.Logging.Level == "" {
		switch c.Environment {
		case "development":
			c.Logging.Level = "debug"
		case "production":
			c.Logging.Level = "warn"
		default:
			c.Logging.Level = "info"
		}
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.UserTypes == nil {
		c.UserTypes = make(map[string]UserTypeConfig)
	}
	for name, def := range defaultUserTypes {
		cur, ok := c.UserTypes[name]
		if !ok {
			c.UserTypes[name] = def
			continue
		}
		if cur.MaxResults == 0 {
			cur.MaxResults = def.MaxResults
		}
		if cur.MaxShortTerm == 0 {
			cur.MaxShortTerm = def.MaxShortTerm
		}
		c.UserTypes[name] = cur
	}
}

var defaultUserTypes = map[string]UserTypeConfig{
	"estudiante": {MaxResults: 5, MaxShortTerm: 50},
	"apoderado":  {MaxResults: 8, MaxShortTerm: 75},
	"profesor":   {MaxResults: 10, MaxShortTerm: 100},
	"admin":      {MaxResults: 15, MaxShortTerm: 150},
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// MaxResultsFor returns the retriever top_k for a user type.
func (c *Config) MaxResultsFor(userType string) int {
	if ut, ok := c.UserTypes[userType]; ok && ut.MaxResults > 0 {
		return ut.MaxResults
	}
	return c.Retriever.TopK
}

// ShortTermLimits returns the short-term memory quota of each user type.
func (c *Config) ShortTermLimits() map[string]int {
	limits := make(map[string]int, len(c.UserTypes))
	for name, ut := range c.UserTypes {
		if ut.MaxShortTerm > 0 {
			limits[name] = ut.MaxShortTerm
		}
	}
	return limits
}
