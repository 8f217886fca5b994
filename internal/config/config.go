package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	VectorIndex VectorIndexConfig `mapstructure:"vector_index"`
	Storage     StorageConfig     `mapstructure:"storage"`
	VLM         VLMConfig         `mapstructure:"vlm"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
}

type ServerConfig struct {
	Port          int        `mapstructure:"port"`
	Mode          string     `mapstructure:"mode"`
	APIVersion    string     `mapstructure:"api_version"`
	MaxUploadSize int64      `mapstructure:"max_upload_size"`
	CORS          CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	Replicas        []string      `mapstructure:"replicas"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	Seed            bool          `mapstructure:"seed"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
	}
	return c.Path
}

type VectorIndexConfig struct {
	Provider           string `mapstructure:"provider"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	APIKey             string `mapstructure:"api_key"`
	UseTLS             bool   `mapstructure:"use_tls"`
	ResourceCollection string `mapstructure:"resource_collection"`
	KeywordCollection  string `mapstructure:"keyword_collection"`
	ChromemPath        string `mapstructure:"chromem_path"`
	ChromemCompress    bool   `mapstructure:"chromem_compress"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"`
	LocalDir  string `mapstructure:"local_dir"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type VLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	PromptsPath string        `mapstructure:"prompts_path"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	Workers        int     `mapstructure:"workers"`
	QueueSize      int     `mapstructure:"queue_size"`
	MatchThreshold float32 `mapstructure:"match_threshold"`
	// Sources maps a bulk-ingest source name to a local directory.
	Sources map[string]string `mapstructure:"sources"`
}

type RetrievalConfig struct {
	DefaultTopK int `mapstructure:"default_top_k"`
	MaxTopK     int `mapstructure:"max_top_k"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PWD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("vector_index.host", "EMBDSTORE_HOST")
	v.BindEnv("vector_index.port", "EMBDSTORE_PORT")
	v.BindEnv("vector_index.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.local_dir", "FILESTORE_DIR")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("vlm.api_key", "OPENAI_API_KEY")
	v.BindEnv("vlm.base_url", "OPENAI_BASE_URL")
	v.BindEnv("vlm.model", "KEYWORD_MODEL_NAME")
	v.BindEnv("vlm.prompts_path", "PROMPTS_PATH")
	v.BindEnv("embedding.api_key", "JINA_API_KEY")
	v.BindEnv("embedding.model", "EMBD_MODEL_NAME")
	v.BindEnv("server.api_version", "VERSION")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.api_version", "v1")
	v.SetDefault("server.max_upload_size", 64<<20)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/xbutler.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.seed", true)
	v.SetDefault("vector_index.provider", "qdrant")
	v.SetDefault("vector_index.host", "localhost")
	v.SetDefault("vector_index.port", 6334)
	v.SetDefault("vector_index.resource_collection", "resource_embd")
	v.SetDefault("vector_index.keyword_collection", "keyword_embd")
	v.SetDefault("vector_index.chromem_path", "./data/chromem")
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_dir", "./data/files")
	v.SetDefault("storage.bucket", "xbutler")
	v.SetDefault("vlm.provider", "openai")
	v.SetDefault("vlm.model", "gpt-4o-mini")
	v.SetDefault("vlm.base_url", "https://api.openai.com/v1")
	v.SetDefault("vlm.max_tokens", 128)
	v.SetDefault("vlm.timeout", 60*time.Second)
	v.SetDefault("embedding.name", "clip")
	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.model", "jina-clip-v2")
	v.SetDefault("embedding.dimensions", 512)
	v.SetDefault("embedding.is_default", true)
	v.SetDefault("ingest.workers", 2)
	v.SetDefault("ingest.queue_size", 64)
	v.SetDefault("ingest.match_threshold", 0.95)
	v.SetDefault("retrieval.default_top_k", 2)
	v.SetDefault("retrieval.max_top_k", 100)
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Ingest.MatchThreshold <= 0 || c.Ingest.MatchThreshold > 1 {
		return fmt.Errorf("ingest.match_threshold must be in (0, 1], got %v", c.Ingest.MatchThreshold)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	switch c.VectorIndex.Provider {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("vector_index.provider: unknown provider %q", c.VectorIndex.Provider)
	}
	if c.VectorIndex.ResourceCollection == c.VectorIndex.KeywordCollection {
		return fmt.Errorf("vector_index: resource and keyword collections must differ")
	}
	switch c.Storage.Type {
	case "local", "s3", "r2", "s3compatible", "":
	default:
		return fmt.Errorf("storage.type: unknown type %q", c.Storage.Type)
	}
	for name, dir := range c.Ingest.Sources {
		if dir == "" {
			return fmt.Errorf("ingest.sources.%s: directory is required", name)
		}
	}
	if c.Retrieval.MaxTopK < c.Retrieval.DefaultTopK {
		return fmt.Errorf("retrieval.max_top_k (%d) is below default_top_k (%d)", c.Retrieval.MaxTopK, c.Retrieval.DefaultTopK)
	}
	return c.Embedding.Validate()
}
