package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 默认主机（practice 为默认；live 需要双重确认，见 Validate）
const (
	PracticeHost = "https://demo.trading212.com"
	LiveHost     = "https://live.trading212.com"
)

// Config 连接器配置
type Config struct {
	// 认证与主机
	APIKey   string `yaml:"api_key" json:"api_key"`
	BaseHost string `yaml:"base_host" json:"base_host"`

	// 安全闸：只有显式双重确认才允许对 live 主机下单。
	// 这是安全不变量，不是普通配置默认值。
	LiveTradingOptIn bool `yaml:"live_trading_opt_in" json:"live_trading_opt_in"`

	// 轮询间隔（秒）
	OrderPollSeconds    int `yaml:"order_poll_seconds" json:"order_poll_seconds"`
	AccountPollSeconds  int `yaml:"account_poll_seconds" json:"account_poll_seconds"`
	PositionPollSeconds int `yaml:"position_poll_seconds" json:"position_poll_seconds"`
	PricePollSeconds    int `yaml:"price_poll_seconds" json:"price_poll_seconds"`
	PriceJitterSeconds  int `yaml:"price_jitter_seconds" json:"price_jitter_seconds"`

	// 重试与超时
	MaxRetries         int `yaml:"max_retries" json:"max_retries"`
	BaseBackoffMillis  int `yaml:"base_backoff_millis" json:"base_backoff_millis"`
	RequestTimeoutSecs int `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`

	// 派发队列上限（每类别）
	QueueBound int `yaml:"queue_bound" json:"queue_bound"`

	// 合成行情
	StalenessWindowSecs int    `yaml:"staleness_window_seconds" json:"staleness_window_seconds"`
	NominalSpread       string `yaml:"nominal_spread" json:"nominal_spread"` // 十进制字符串，如 "0.02"

	// UNKNOWN 降级阈值：连续 K 次轮询未见后降级为 CANCELLED
	UnknownPollThreshold int `yaml:"unknown_poll_threshold" json:"unknown_poll_threshold"`

	// 订单表快照文件（重启后把在途订单送入 UNKNOWN 对账路径）
	SnapshotDir string `yaml:"snapshot_dir" json:"snapshot_dir"`

	// 日志
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`
}

// ApplyDefaults 填充默认值（与远端公布的节奏保持一致）
func (c *Config) ApplyDefaults() {
	if c.BaseHost == "" {
		c.BaseHost = PracticeHost
	}
	if c.OrderPollSeconds <= 0 {
		c.OrderPollSeconds = 5
	}
	if c.AccountPollSeconds <= 0 {
		c.AccountPollSeconds = 5
	}
	if c.PositionPollSeconds <= 0 {
		c.PositionPollSeconds = 5
	}
	if c.PricePollSeconds <= 0 {
		c.PricePollSeconds = 10
	}
	if c.PriceJitterSeconds < 0 {
		c.PriceJitterSeconds = 0
	} else if c.PriceJitterSeconds == 0 {
		c.PriceJitterSeconds = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoffMillis <= 0 {
		c.BaseBackoffMillis = 1000
	}
	if c.RequestTimeoutSecs <= 0 {
		c.RequestTimeoutSecs = 30
	}
	if c.QueueBound <= 0 {
		c.QueueBound = 64
	}
	if c.StalenessWindowSecs <= 0 {
		c.StalenessWindowSecs = 30
	}
	if c.NominalSpread == "" {
		c.NominalSpread = "0.02"
	}
	if c.UnknownPollThreshold <= 0 {
		c.UnknownPollThreshold = 3
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("api_key 不能为空")
	}
	if !strings.HasPrefix(c.BaseHost, "http") {
		return errors.Errorf("base_host 非法: %q", c.BaseHost)
	}
	if c.UnknownPollThreshold < 1 {
		return errors.New("unknown_poll_threshold 必须 >= 1")
	}
	return nil
}

// IsLiveHost 目标主机是否为真实资金主机
func (c *Config) IsLiveHost() bool {
	return strings.Contains(c.BaseHost, "live.")
}

// OrderPollInterval 订单轮询间隔
func (c *Config) OrderPollInterval() time.Duration {
	return time.Duration(c.OrderPollSeconds) * time.Second
}

// AccountPollInterval 余额轮询间隔
func (c *Config) AccountPollInterval() time.Duration {
	return time.Duration(c.AccountPollSeconds) * time.Second
}

// PositionPollInterval 持仓轮询间隔
func (c *Config) PositionPollInterval() time.Duration {
	return time.Duration(c.PositionPollSeconds) * time.Second
}

// PricePollInterval 价格轮询间隔
func (c *Config) PricePollInterval() time.Duration {
	return time.Duration(c.PricePollSeconds) * time.Second
}

// PriceJitter 价格轮询抖动上限
func (c *Config) PriceJitter() time.Duration {
	return time.Duration(c.PriceJitterSeconds) * time.Second
}

// BaseBackoff 重试基础延迟
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMillis) * time.Millisecond
}

// RequestTimeout 单次请求超时
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// StalenessWindow 价格新鲜度窗口
func (c *Config) StalenessWindow() time.Duration {
	return time.Duration(c.StalenessWindowSecs) * time.Second
}

// LoadFromFile 从 yaml/json 文件加载配置（随后应用环境变量覆盖与默认值）
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "读取配置文件失败: %s", path)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "解析 yaml 配置失败")
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "解析 json 配置失败")
		}
	default:
		return nil, errors.Errorf("不支持的配置文件格式: %s", path)
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadFromEnv 纯环境变量加载（无配置文件时的入口）
func LoadFromEnv() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("BROKER_BASE_HOST"); v != "" {
		c.BaseHost = v
	}
	if v := os.Getenv("BROKER_LIVE_TRADING_OPT_IN"); v != "" {
		c.LiveTradingOptIn = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("BROKER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BROKER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxRetries = n
		}
	}
}
