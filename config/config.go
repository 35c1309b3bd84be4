package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the knowledge service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Chunking   ChunkingConfig   `mapstructure:"chunking"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Search     SearchConfig     `mapstructure:"search"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
	MCP        MCPConfig        `mapstructure:"mcp"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	Language       string        `mapstructure:"language"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address        string `mapstructure:"address"`
	JWTSecret      string `mapstructure:"jwt_secret"`
	AdminScope     string `mapstructure:"admin_scope"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

func (s ServerConfig) Validate() error {
	if s.MaxUploadBytes < 0 {
		return fmt.Errorf("server.max_upload_bytes cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port must be >= 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	File     FileConfig     `mapstructure:"file"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings. Redis is optional; an empty
// host disables the stream dispatcher and the janitor lock.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is set")
	}
	return nil
}

// FileConfig contains file storage settings
type FileConfig struct {
	UploadDir string `mapstructure:"upload_dir"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// HNSW scan tuning for filtered similarity search. iterative_scan needs
	// pgvector 0.8 or later; set it to "" on older servers.
	EfSearch      int    `mapstructure:"ef_search"`
	IterativeScan string `mapstructure:"iterative_scan"` // "", off or strict_order
}

func (p PostgresConfig) Validate() error {
	if p.EfSearch < 0 || p.EfSearch > 1000 {
		return fmt.Errorf("storage.postgres.ef_search must be within [0,1000]")
	}
	switch p.IterativeScan {
	case "", "off", "strict_order":
	default:
		return fmt.Errorf("storage.postgres.iterative_scan must be off or strict_order, got %q", p.IterativeScan)
	}
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider       string        `mapstructure:"provider"` // embedsvc or openai
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Dimensions     int           `mapstructure:"dimensions"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxInputChars  int           `mapstructure:"max_input_chars"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

func (e EmbeddingConfig) Validate() error {
	switch e.Provider {
	case "embedsvc", "openai":
	default:
		return fmt.Errorf("embedding.provider must be embedsvc or openai, got %q", e.Provider)
	}
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be > 0")
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("embedding.max_attempts must be > 0")
	}
	return nil
}

// ExtractionConfig points at the PDF text extraction service.
type ExtractionConfig struct {
	PDFServiceURL string        `mapstructure:"pdf_service_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ChunkingConfig bounds passage sizes in characters.
type ChunkingConfig struct {
	MaxChunkSize     int `mapstructure:"max_chunk_size"`
	MinChunkSize     int `mapstructure:"min_chunk_size"`
	OverlapSentences int `mapstructure:"overlap_sentences"`
	KeywordLimit     int `mapstructure:"keyword_limit"`
}

func (c ChunkingConfig) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("chunking.max_chunk_size must be > 0")
	}
	if c.MinChunkSize < 0 || c.MinChunkSize > c.MaxChunkSize {
		return fmt.Errorf("chunking.min_chunk_size must be within [0, max_chunk_size]")
	}
	if c.OverlapSentences < 0 {
		return fmt.Errorf("chunking.overlap_sentences cannot be negative")
	}
	return nil
}

// IngestionConfig controls how ingestion jobs are dispatched.
type IngestionConfig struct {
	Dispatcher string        `mapstructure:"dispatcher"` // local or redis
	Workers    int           `mapstructure:"workers"`
	QueueSize  int           `mapstructure:"queue_size"`
	Stream     string        `mapstructure:"stream"`
	Group      string        `mapstructure:"group"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// Normalize applies defaults for unset ingestion values.
func (c IngestionConfig) Normalize() IngestionConfig {
	c.Dispatcher = strings.ToLower(strings.TrimSpace(c.Dispatcher))
	if c.Dispatcher == "" {
		c.Dispatcher = "local"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Stream == "" {
		c.Stream = "ingest.requested"
	}
	if c.Group == "" {
		c.Group = "ingest-workers"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 15 * time.Minute
	}
	return c
}

func (c IngestionConfig) Validate() error {
	if c.Dispatcher != "local" && c.Dispatcher != "redis" {
		return fmt.Errorf("ingestion.dispatcher must be local or redis, got %q", c.Dispatcher)
	}
	return nil
}

// SearchConfig holds retrieval defaults.
type SearchConfig struct {
	TopK              int      `mapstructure:"top_k"`
	MaxTopK           int      `mapstructure:"max_top_k"`
	Threshold         float64  `mapstructure:"threshold"`
	ShortQueryRunes   int      `mapstructure:"short_query_runes"`
	ShortQueryBoost   float64  `mapstructure:"short_query_threshold"`
	AnalyticalCutoff  float64  `mapstructure:"analytical_threshold"`
	TechnicalCutoff   float64  `mapstructure:"technical_threshold"`
	AnalyticalTerms   []string `mapstructure:"analytical_terms"`
	TechnicalTerms    []string `mapstructure:"technical_terms"`
	DebugNearestCount int      `mapstructure:"debug_nearest_count"`
}

func (s SearchConfig) Validate() error {
	if s.TopK <= 0 {
		return fmt.Errorf("search.top_k must be > 0")
	}
	if s.MaxTopK < s.TopK {
		return fmt.Errorf("search.max_top_k must be >= search.top_k")
	}
	for name, v := range map[string]float64{
		"threshold":             s.Threshold,
		"short_query_threshold": s.ShortQueryBoost,
		"analytical_threshold":  s.AnalyticalCutoff,
		"technical_threshold":   s.TechnicalCutoff,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("search.%s must be within [0,1]", name)
		}
	}
	return nil
}

// JanitorConfig schedules recovery of abandoned ingestion runs.
type JanitorConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Cron        string        `mapstructure:"cron"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`  // since the run started
	QueuedAfter time.Duration `mapstructure:"queued_after"` // since upload, for runs never started; 0 disables
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

func (j JanitorConfig) Validate() error {
	if !j.Enabled {
		return nil
	}
	if strings.TrimSpace(j.Cron) == "" {
		return fmt.Errorf("janitor.cron required when janitor is enabled")
	}
	if j.StaleAfter <= 0 {
		return fmt.Errorf("janitor.stale_after must be > 0")
	}
	if j.QueuedAfter < 0 {
		return fmt.Errorf("janitor.queued_after must be >= 0")
	}
	return nil
}

// MCPConfig configures the Model Context Protocol server.
type MCPConfig struct {
	Name      string `mapstructure:"name"`
	Transport string `mapstructure:"transport"` // stdio or http
	Address   string `mapstructure:"address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.language", "vi")
	v.SetDefault("general.default_timeout", 30*time.Second)
	for _, key := range []string{
		"server.jwt_secret",
		"telemetry.otlp_endpoint",
		"storage.postgres.url",
		"storage.postgres.host",
		"storage.postgres.user",
		"storage.postgres.password",
		"storage.postgres.dbname",
		"storage.redis.host",
		"storage.redis.port",
		"storage.redis.password",
		"embedding.api_key",
	} {
		// registered so AutomaticEnv can bind them during Unmarshal
		v.SetDefault(key, "")
	}
	v.SetDefault("server.address", ":10001")
	v.SetDefault("telemetry.metrics_port", 0)
	v.SetDefault("server.admin_scope", "knowledge:admin")
	v.SetDefault("server.max_upload_bytes", int64(20<<20))
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.ef_search", 100)
	v.SetDefault("storage.postgres.iterative_scan", "strict_order")
	v.SetDefault("storage.file.upload_dir", "./uploads/documents")
	v.SetDefault("embedding.provider", "embedsvc")
	v.SetDefault("embedding.base_url", "http://localhost:8000")
	v.SetDefault("embedding.model", "dangvantuan/vietnamese-document-embedding")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.max_input_chars", 1000)
	v.SetDefault("embedding.timeout", 60*time.Second)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("embedding.initial_backoff", 200*time.Millisecond)
	v.SetDefault("embedding.max_backoff", 2*time.Second)
	v.SetDefault("embedding.rate_per_second", 0)
	v.SetDefault("embedding.burst", 1)
	v.SetDefault("extraction.pdf_service_url", "http://localhost:8001")
	v.SetDefault("extraction.timeout", 5*time.Minute)
	v.SetDefault("chunking.max_chunk_size", 2000)
	v.SetDefault("chunking.min_chunk_size", 200)
	v.SetDefault("chunking.overlap_sentences", 5)
	v.SetDefault("chunking.keyword_limit", 8)
	v.SetDefault("ingestion.dispatcher", "local")
	v.SetDefault("ingestion.workers", 2)
	v.SetDefault("ingestion.queue_size", 64)
	v.SetDefault("ingestion.stream", "ingest.requested")
	v.SetDefault("ingestion.group", "ingest-workers")
	v.SetDefault("ingestion.run_timeout", 15*time.Minute)
	v.SetDefault("search.top_k", 5)
	v.SetDefault("search.max_top_k", 50)
	v.SetDefault("search.threshold", 0.35)
	v.SetDefault("search.short_query_runes", 30)
	v.SetDefault("search.short_query_threshold", 0.45)
	v.SetDefault("search.analytical_threshold", 0.25)
	v.SetDefault("search.technical_threshold", 0.40)
	v.SetDefault("search.analytical_terms", []string{"so sánh", "phân tích", "mối quan hệ"})
	v.SetDefault("search.technical_terms", []string{"hoạt chất", "kỹ thuật", "nguyên tắc"})
	v.SetDefault("search.debug_nearest_count", 3)
	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.cron", "*/10 * * * *")
	v.SetDefault("janitor.stale_after", 30*time.Minute)
	v.SetDefault("janitor.queued_after", 24*time.Hour)
	v.SetDefault("janitor.lock_ttl", 2*time.Minute)
	v.SetDefault("mcp.name", "agrirag")
	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.address", ":10002")
}

// Load reads configuration from path (or the default search paths when empty),
// a local .env file and AGRIRAG_* environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("AGRIRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine when searching default paths; env and defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Ingestion = cfg.Ingestion.Normalize()

	validators := []interface{ Validate() error }{
		cfg.Server,
		cfg.Telemetry,
		cfg.Storage.Redis,
		cfg.Storage.Postgres,
		cfg.Embedding,
		cfg.Chunking,
		cfg.Ingestion,
		cfg.Search,
		cfg.Janitor,
	}
	for _, val := range validators {
		if err := val.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Ingestion.Dispatcher == "redis" && !cfg.Storage.Redis.Enabled() {
		return nil, fmt.Errorf("ingestion.dispatcher=redis requires storage.redis.host")
	}
	if cfg.Janitor.Enabled && cfg.Janitor.StaleAfter <= cfg.Ingestion.RunTimeout {
		return nil, fmt.Errorf("janitor.stale_after (%s) must exceed ingestion.run_timeout (%s)", cfg.Janitor.StaleAfter, cfg.Ingestion.RunTimeout)
	}
	return &cfg, nil
}
