// Package config 提供了统一的配置加载与管理能力.
// 覆盖协调层全部组件：日志、Redis、指标、事件总线、消息队列、消费者与本地缓存。
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/wyfcoding/fundflow/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 全局顶级配置结构.
type Config struct {
	Service   string          `mapstructure:"service"   toml:"service"   validate:"required"`
	Version   string          `mapstructure:"version"   toml:"version"`
	Log       LogConfig       `mapstructure:"log"       toml:"log"`
	Redis     RedisConfig     `mapstructure:"redis"     toml:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   toml:"metrics"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake" toml:"snowflake"`
	EventBus  EventBusConfig  `mapstructure:"eventbus"  toml:"eventbus"`
	Queue     QueueConfig     `mapstructure:"queue"     toml:"queue"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"  toml:"consumer"`
	Cache     CacheConfig     `mapstructure:"cache"     toml:"cache"`
	Lock      LockConfig      `mapstructure:"lock"      toml:"lock"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"`       // 日志级别。
	File       string `mapstructure:"file"        toml:"file"`        // 日志文件路径，为空则输出到 stdout。
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`    // 单文件最大尺寸 (MB)。
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"` // 保留旧文件个数。
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`     // 保留天数。
	Compress   bool   `mapstructure:"compress"    toml:"compress"`    // 是否压缩旧日志。
}

// RedisConfig 定义 Redis 连接与池化参数.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"           toml:"addr"`
	Password     string        `mapstructure:"password"       toml:"password"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"   toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"  toml:"write_timeout"`
	DB           int           `mapstructure:"db"             toml:"db"`
	PoolSize     int           `mapstructure:"pool_size"      toml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" toml:"min_idle_conns"`
}

// MetricsConfig 定义指标暴露参数.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Path    string `mapstructure:"path"    toml:"path"`
	Port    int    `mapstructure:"port"    toml:"port"`
}

// SnowflakeConfig 定义分布式 ID 生成器参数.
type SnowflakeConfig struct {
	Type      string `mapstructure:"type"       toml:"type"       validate:"omitempty,oneof=snowflake sonyflake"`
	StartTime string `mapstructure:"start_time" toml:"start_time"`
	MachineID int64  `mapstructure:"machine_id" toml:"machine_id"`
}

// EventBusConfig 定义进程内事件总线的运行参数.
type EventBusConfig struct {
	QueueCapacity   int `mapstructure:"queue_capacity"    toml:"queue_capacity"    validate:"omitempty,min=1"` // 内部优先级队列容量上限，超出即丢弃。
	HistoryPerTopic int `mapstructure:"history_per_topic" toml:"history_per_topic"`                            // 每个主题保留的历史事件条数，0 表示不记录。
}

// QueueConfig 定义持久化消息队列的运行参数.
type QueueConfig struct {
	KeyPrefix          string        `mapstructure:"key_prefix"           toml:"key_prefix"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts" toml:"default_max_attempts" validate:"omitempty,min=1"`
	PollInterval       time.Duration `mapstructure:"poll_interval"        toml:"poll_interval"`
	LeaseExpiry        time.Duration `mapstructure:"lease_expiry"         toml:"lease_expiry"`  // 0 表示使用默认值 30s，负数表示关闭租约回收。
	ReapInterval       time.Duration `mapstructure:"reap_interval"        toml:"reap_interval"` // 租约回收扫描周期。
}

// ConsumerConfig 定义队列消费者的运行参数.
type ConsumerConfig struct {
	Workers     int           `mapstructure:"workers"      toml:"workers"      validate:"omitempty,min=1"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" toml:"poll_timeout"`
	IdleSleep   time.Duration `mapstructure:"idle_sleep"   toml:"idle_sleep"`
}

// CacheConfig 定义本地缓存参数.
type CacheConfig struct {
	Prefix     string        `mapstructure:"prefix"      toml:"prefix"`
	DefaultTTL time.Duration `mapstructure:"default_ttl" toml:"default_ttl"`
	MaxSizeMB  int           `mapstructure:"max_size_mb" toml:"max_size_mb"`
}

// LockConfig 定义分布式锁参数.
type LockConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix" toml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"        toml:"ttl"`
}

var vInstance = viper.New()
var onReload []func(*Config)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	onReload = append(onReload, hook)
}

// Load 全生产级的配置加载逻辑.
func Load(path string, conf any) error {
	vInstance.SetConfigFile(path)
	vInstance.SetConfigType("toml")

	vInstance.SetEnvPrefix("APP")
	vInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vInstance.AutomaticEnv()

	if err := vInstance.ReadInConfig(); err != nil {
		return fmt.Errorf("read config error: %w", err)
	}

	if err := vInstance.Unmarshal(conf); err != nil {
		return fmt.Errorf("unmarshal config error: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	vInstance.WatchConfig()
	vInstance.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		if unmarshalErr := vInstance.Unmarshal(conf); unmarshalErr != nil {
			slog.Error("reload config unmarshal failed", "error", unmarshalErr)

			return
		}

		// 核心优化：如果配置中有日志级别，自动更新全局日志级别
		if c, ok := conf.(*Config); ok {
			logging.SetLevel(c.Log.Level)
		} else {
			// 尝试使用反射获取 Log.Level
			val := reflect.ValueOf(conf)
			if val.Kind() == reflect.Ptr {
				val = val.Elem()
			}
			logField := val.FieldByName("Log")
			if logField.IsValid() {
				levelField := logField.FieldByName("Level")
				if levelField.IsValid() && levelField.Kind() == reflect.String {
					logging.SetLevel(levelField.String())
				}
			}
		}

		if validateErr := validate.Struct(conf); validateErr != nil {
			slog.Error("reload config validation failed", "error", validateErr)
		} else {
			slog.Info("config hot-reloaded and validated successfully")
		}

		if cfg, ok := conf.(*Config); ok {
			for _, hook := range onReload {
				hook(cfg)
			}
		}
	})

	return nil
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	data, err := json.Marshal(conf)
	if err != nil {
		slog.Error("failed to marshal config for printing", "error", err)

		return
	}

	var configMap map[string]any
	if unmarshalErr := json.Unmarshal(data, &configMap); unmarshalErr != nil {
		slog.Error("failed to unmarshal config for masking", "error", unmarshalErr)

		return
	}

	mask(configMap)

	maskedJSON, marshalErr := json.MarshalIndent(configMap, "  ", "  ")
	if marshalErr != nil {
		slog.Error("failed to marshal masked config", "error", marshalErr)

		return
	}

	slog.Info("Current effective configuration", "config", string(maskedJSON))
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "key", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)

			continue
		}

		if slice, ok := val.([]any); ok {
			for _, item := range slice {
				if itemMap, ok := item.(map[string]any); ok {
					mask(itemMap)
				}
			}

			continue
		}

		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"

				break
			}
		}
	}
}

// GetViper 返回底层的 Viper 实例.
func GetViper() *viper.Viper {
	return vInstance
}
