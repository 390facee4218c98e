// Package config 載入並驗證準入引擎的配置
//
// 載入順序：config.yaml → .env → 環境變數。後者覆蓋前者。
// 只有 Validate 失敗才允許阻止服務啟動；其餘依賴（Redis、NATS）缺席時都以降級方式運行。
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		TrustProxy      bool          `yaml:"trust_proxy"` // 採用 X-Forwarded-For 作為來源
		APIKeys         []string      `yaml:"api_keys"`    // 以 key 計數的合作方；未列出的 key 以 IP 計數
	} `yaml:"server"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		URL          string        `yaml:"url"` // 設定時優先於 Addr
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		URL     string `yaml:"url"` // 空字串表示不發佈過期事件
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Cache CacheConfig `yaml:"cache"`

	RateLimit RateLimitPolicy `yaml:"rate_limit"`

	Password PasswordPolicy `yaml:"password"`

	Sweeper SweeperConfig `yaml:"sweeper"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// CacheConfig 快取層配置
type CacheConfig struct {
	// OpTimeout 每次存取快取的逾時；逾時即視為未命中
	OpTimeout time.Duration `yaml:"op_timeout"`

	// BreakerThreshold 連續錯誤達到此值後進入降級模式
	BreakerThreshold int `yaml:"breaker_threshold"`

	// RecoveryInterval 降級模式下 Ping 的間隔
	RecoveryInterval time.Duration `yaml:"recovery_interval"`

	TTL TTLPolicy `yaml:"ttl"`
}

// TTLPolicy 各類快取資料的存活時間
type TTLPolicy struct {
	URL       time.Duration `yaml:"url"`       // 短網址快照（小時級）
	Negative  time.Duration `yaml:"negative"`  // 不存在/已失效短碼
	Analytics time.Duration `yaml:"analytics"` // 統計快照（分鐘級）
}

// SweeperConfig 過期清理配置
type SweeperConfig struct {
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxBatches   int           `yaml:"max_batches"`   // 單次執行的批次上限
	BatchTimeout time.Duration `yaml:"batch_timeout"` // 單一批次的資料庫逾時
	MaxExtension time.Duration `yaml:"max_extension"` // 延期的最遠期限
	RunOnStart   bool          `yaml:"run_on_start"`
	Disabled     bool          `yaml:"disabled"`
}

// Load 讀取 YAML 配置，套用 .env 與環境變數覆蓋，補上預設值並驗證
//
// path 不存在時只用預設值與環境變數（容器部署常見）。
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// #nosec G304 - path 來自啟動參數，非使用者輸入
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// 沒有設定檔
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// .env 只補充未設定的環境變數
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("NATS_URL")); v != "" {
		c.NATS.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
}

// ApplyDefaults 補齊未設定的欄位
func (c *Config) ApplyDefaults() {
	setDuration := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	setInt := func(i *int, v int) {
		if *i == 0 {
			*i = v
		}
	}

	setInt(&c.Server.Port, 8080)
	setDuration(&c.Server.ReadTimeout, 5*time.Second)
	setDuration(&c.Server.WriteTimeout, 10*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	setInt(&c.Redis.PoolSize, 20)
	setInt(&c.Redis.MinIdleConns, 5)
	setDuration(&c.Redis.DialTimeout, 2*time.Second)
	setDuration(&c.Redis.ReadTimeout, 100*time.Millisecond)
	setDuration(&c.Redis.WriteTimeout, 100*time.Millisecond)

	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	setInt(&c.Postgres.Port, 5432)
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = 2
	}

	if c.NATS.Subject == "" {
		c.NATS.Subject = "links.expired"
	}

	setDuration(&c.Cache.OpTimeout, 100*time.Millisecond)
	setInt(&c.Cache.BreakerThreshold, 5)
	setDuration(&c.Cache.RecoveryInterval, 10*time.Second)
	setDuration(&c.Cache.TTL.URL, 6*time.Hour)
	setDuration(&c.Cache.TTL.Negative, time.Minute)
	setDuration(&c.Cache.TTL.Analytics, 5*time.Minute)

	c.RateLimit.ApplyDefaults()
	c.Password.ApplyDefaults()

	setDuration(&c.Sweeper.Interval, 5*time.Minute)
	setInt(&c.Sweeper.BatchSize, 500)
	setInt(&c.Sweeper.MaxBatches, 1000)
	setDuration(&c.Sweeper.BatchTimeout, 10*time.Second)
	setDuration(&c.Sweeper.MaxExtension, 365*24*time.Hour)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate 檢查無法恢復的配置錯誤
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Cache.TTL.Negative > c.Cache.TTL.URL {
		errs = append(errs, fmt.Errorf("cache.ttl.negative (%s) must not exceed cache.ttl.url (%s)",
			c.Cache.TTL.Negative, c.Cache.TTL.URL))
	}
	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit: %w", err))
	}
	if err := c.Password.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("password: %w", err))
	}
	if c.Sweeper.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.batch_size must be positive"))
	}
	if c.Sweeper.Interval < time.Second {
		errs = append(errs, fmt.Errorf("sweeper.interval must be at least 1s, got %s", c.Sweeper.Interval))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
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
