package config

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Context       ContextConfig       `mapstructure:"context"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	Snapshot      SnapshotConfig      `mapstructure:"snapshot"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Ollama        OllamaConfig        `mapstructure:"ollama"`
	Tasks         TaskQueueConfig     `mapstructure:"tasks"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ContextConfig 上下文核心配置
type ContextConfig struct {
	SessionID            string  `mapstructure:"session_id"`
	MaxTokens            int     `mapstructure:"max_tokens"`
	SystemPrompt         string  `mapstructure:"system_prompt"`
	CompressionThreshold float64 `mapstructure:"compression_threshold"`
	Mode                 string  `mapstructure:"mode"`
	Model                string  `mapstructure:"model"`
}

// MemoryConfig 内存守卫配置
type MemoryConfig struct {
	SoftLimit       float64 `mapstructure:"soft_limit"`
	HardLimit       float64 `mapstructure:"hard_limit"`
	CriticalLimit   float64 `mapstructure:"critical_limit"`
	ReservedPercent float64 `mapstructure:"reserved_percent"`
}

// SnapshotConfig 快照配置
type SnapshotConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	MaxCount      int     `mapstructure:"max_count"`
	AutoCreate    bool    `mapstructure:"auto_create"`
	AutoThreshold float64 `mapstructure:"auto_threshold"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MinIOConfig MinIO 配置
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// OllamaConfig Ollama 接入配置
type OllamaConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TotalVRAM int64  `mapstructure:"total_vram"`
}

// TaskQueueConfig 后台任务队列配置
type TaskQueueConfig struct {
	Size    int           `mapstructure:"size"`
	Workers int           `mapstructure:"workers"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	OTELEndpoint   string `mapstructure:"otel_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`
	EnableTrace    bool   `mapstructure:"enable_trace"`
	LogLevel       string `mapstructure:"log_level"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("context-service")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	setDefaults(v)

	// 自动从环境变量读取
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	applyEnvOverrides(&config)

	return &config, nil
}

// Watch 监听配置文件变更并回调
func Watch(configPath string, onChange func(*Config)) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(in fsnotify.Event) {
		var config Config
		if err := v.Unmarshal(&config); err != nil {
			return
		}
		applyEnvOverrides(&config)
		onChange(&config)
	})
	v.WatchConfig()

	return v, nil
}

// setDefaults 配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8085")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("context.max_tokens", 8192)
	v.SetDefault("context.compression_threshold", 0.75)
	v.SetDefault("context.mode", "standard")
	v.SetDefault("context.model", "llama3.1:8b")

	v.SetDefault("memory.soft_limit", 0.75)
	v.SetDefault("memory.hard_limit", 0.90)
	v.SetDefault("memory.critical_limit", 0.98)
	v.SetDefault("memory.reserved_percent", 0.05)

	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("snapshot.max_count", 10)
	v.SetDefault("snapshot.auto_create", true)
	v.SetDefault("snapshot.auto_threshold", 0.85)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "context.events")

	v.SetDefault("ollama.base_url", "http://localhost:11434")

	v.SetDefault("tasks.size", 64)
	v.SetDefault("tasks.workers", 2)
	v.SetDefault("tasks.timeout", "30s")

	v.SetDefault("observability.service_name", "context-service")
	v.SetDefault("observability.log_level", "info")
}

// applyEnvOverrides 从环境变量覆盖敏感配置
func applyEnvOverrides(config *Config) {
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		config.Database.Password = password
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if key := os.Getenv("MINIO_SECRET_KEY"); key != "" {
		config.MinIO.SecretAccessKey = key
	}
	if endpoint := os.Getenv("OTEL_ENDPOINT"); endpoint != "" {
		config.Observability.OTELEndpoint = endpoint
	}
}
