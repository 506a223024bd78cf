// Package config 載入服務配置
//
// 來源優先序（後者覆蓋前者）：
//  1. 內建預設值
//  2. YAML 配置檔
//  3. 環境變數（生產環境常用，如 DATABASE_URL、REDIS_URL）
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// 預設值
const (
	DefaultPort           = 8080
	DefaultCacheTTL       = 60 * time.Second
	DefaultPageSize       = 10
	DefaultConnectTimeout = 2 * time.Second
	DefaultOpTimeout      = 200 * time.Millisecond
	DefaultRebuildTimeout = 60 * time.Second
	DefaultQueryTimeout   = 5 * time.Second
	DefaultLockKey        = 7_340_014 // pg advisory lock 鍵，所有實例必須一致
	DefaultRebuildSubject = "projection.rebuild"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	// Redis 快取端點；URL 為空代表停用快取
	Redis struct {
		URL            string        `yaml:"url" env:"REDIS_URL"`
		PoolSize       int           `yaml:"pool_size" validate:"min=0"`
		ConnectTimeout time.Duration `yaml:"connect_timeout" env:"REDIS_CONNECT_TIMEOUT" validate:"gt=0"`
		OpTimeout      time.Duration `yaml:"op_timeout" env:"REDIS_OP_TIMEOUT" validate:"gt=0"`
	} `yaml:"redis"`

	Postgres struct {
		URL      string `yaml:"url" env:"DATABASE_URL"`
		Host     string `yaml:"host" env:"POSTGRES_HOST"`
		Port     int    `yaml:"port" env:"POSTGRES_PORT" validate:"min=0,max=65535"`
		User     string `yaml:"user" env:"POSTGRES_USER"`
		Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
		DBName   string `yaml:"dbname" env:"POSTGRES_DB"`
		MaxConns int32  `yaml:"max_conns" validate:"min=0"`
		MinConns int32  `yaml:"min_conns" validate:"min=0"`
	} `yaml:"postgres"`

	Cache struct {
		TTL   time.Duration `yaml:"ttl" env:"CACHE_TTL" validate:"gt=0"`
		Codec string        `yaml:"codec" env:"CACHE_CODEC" validate:"oneof=json msgpack"`
	} `yaml:"cache"`

	Posts struct {
		PageSize     int           `yaml:"page_size" env:"POSTS_PAGE_SIZE" validate:"min=1,max=100"`
		QueryTimeout time.Duration `yaml:"query_timeout" env:"POSTS_QUERY_TIMEOUT" validate:"gt=0"`
	} `yaml:"posts"`

	Projection struct {
		Timeout time.Duration `yaml:"timeout" env:"PROJECTION_TIMEOUT" validate:"gt=0"`
		LockKey int64         `yaml:"lock_key"`
	} `yaml:"projection"`

	// NATS 重建觸發；URL 為空則不訂閱
	NATS struct {
		URL     string `yaml:"url" env:"NATS_URL"`
		Subject string `yaml:"subject" env:"NATS_REBUILD_SUBJECT"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT" validate:"omitempty,oneof=json text"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// Load 依序套用預設值、YAML 檔與環境變數，最後驗證
//
// path 為空或檔案不存在時只使用環境變數。
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		// #nosec G304 - path 來自命令列參數，非使用者請求
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 填入未設定的欄位
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}

	if c.Redis.ConnectTimeout == 0 {
		c.Redis.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Redis.OpTimeout == 0 {
		c.Redis.OpTimeout = DefaultOpTimeout
	}

	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.User == "" {
		c.Postgres.User = "postgres"
	}
	if c.Postgres.DBName == "" {
		c.Postgres.DBName = "app_db"
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.Codec == "" {
		c.Cache.Codec = "json"
	}

	if c.Posts.PageSize == 0 {
		c.Posts.PageSize = DefaultPageSize
	}
	if c.Posts.QueryTimeout == 0 {
		c.Posts.QueryTimeout = DefaultQueryTimeout
	}

	if c.Projection.Timeout == 0 {
		c.Projection.Timeout = DefaultRebuildTimeout
	}
	if c.Projection.LockKey == 0 {
		c.Projection.LockKey = DefaultLockKey
	}
	if c.Server.WriteTimeout == 0 {
		// 重建可能掃完整個資料集，寫出逾時要比重建逾時長
		c.Server.WriteTimeout = c.Projection.Timeout + 10*time.Second
	}

	if c.NATS.Subject == "" {
		c.NATS.Subject = DefaultRebuildSubject
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串，DATABASE_URL 優先
func (c *Config) PostgresDSN() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}

// PostgresURL 生成 URL 格式連線字串（golang-migrate 只接受 URL）
func (c *Config) PostgresURL() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// CacheEnabled 是否設定了快取端點
func (c *Config) CacheEnabled() bool {
	return c.Redis.URL != ""
}
