package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	Mode        string   `mapstructure:"mode"`
	CorsOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql | sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// TaskMode: oidc 校验 Google 签发的 service identity token；jwt 使用共享密钥
	TaskMode           string `mapstructure:"task_mode"`
	TaskAudience       string `mapstructure:"task_audience"`
	TaskServiceAccount string `mapstructure:"task_service_account"`
	TaskSecret         string `mapstructure:"task_secret"`
}

type QueueConfig struct {
	Kind                    string        `mapstructure:"kind"` // cloudtasks | local
	Project                 string        `mapstructure:"project"`
	Location                string        `mapstructure:"location"`
	Name                    string        `mapstructure:"name"`
	HandlerURL              string        `mapstructure:"handler_url"`
	ServiceAccountEmail     string        `mapstructure:"service_account_email"`
	CredentialsFile         string        `mapstructure:"credentials_file"`
	MaxDispatchesPerSecond  float64       `mapstructure:"max_dispatches_per_second"`
	MaxConcurrentDispatches int64         `mapstructure:"max_concurrent_dispatches"`
	FlushSize               int           `mapstructure:"flush_size"`
	LocalWorkers            int           `mapstructure:"local_workers"`
	LocalRetryDelay         time.Duration `mapstructure:"local_retry_delay"`
	LocalMaxAttempts        int           `mapstructure:"local_max_attempts"`
}

type CacheConfig struct {
	ChunkMaxCost int64         `mapstructure:"chunk_max_cost"`
	ChunkTTL     time.Duration `mapstructure:"chunk_ttl"`
}

type SaveConfig struct {
	TilesPerTask     int `mapstructure:"tiles_per_task"`
	MaxTilesPerChunk int `mapstructure:"max_tiles_per_chunk"`
	MaxChunkDocs     int `mapstructure:"max_chunk_docs"`
	DeleteBatchSize  int `mapstructure:"delete_batch_size"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Save     SaveConfig     `mapstructure:"save"`
}

var (
	conf     *Config
	confOnce sync.Once
	confErr  error
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("auth.task_mode", "oidc")

	v.SetDefault("queue.kind", "local")
	v.SetDefault("queue.location", "us-west2")
	v.SetDefault("queue.name", "BattleDawnPro-SaveMap")
	v.SetDefault("queue.max_dispatches_per_second", 200)
	v.SetDefault("queue.max_concurrent_dispatches", 50)
	v.SetDefault("queue.flush_size", 100)
	v.SetDefault("queue.local_workers", 8)
	v.SetDefault("queue.local_retry_delay", 2*time.Second)
	v.SetDefault("queue.local_max_attempts", 10)

	v.SetDefault("cache.chunk_max_cost", 64<<20)
	v.SetDefault("cache.chunk_ttl", 10*time.Minute)

	v.SetDefault("save.tiles_per_task", 500)
	v.SetDefault("save.max_tiles_per_chunk", 16384)
	v.SetDefault("save.max_chunk_docs", 200000)
	v.SetDefault("save.delete_batch_size", 450)
}

// Load 读取配置文件 + 环境变量（PLANET_ 前缀）。path 为空时只用默认值和环境变量。
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PLANET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// GetConfig 返回进程级配置，首次调用时按 PLANET_CONFIG 加载
func GetConfig() *Config {
	confOnce.Do(func() {
		conf, confErr = Load(os.Getenv("PLANET_CONFIG"))
	})
	if confErr != nil {
		panic(confErr)
	}
	return conf
}

// SetConfig 替换进程级配置（测试用）
func SetConfig(c *Config) {
	confOnce.Do(func() {})
	conf, confErr = c, nil
}
