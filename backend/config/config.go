package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverKafka  = "kafka"
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 本地调试时放开 websocket Origin 校验
		AllowAnyOrigin bool `mapstructure:"allowAnyOrigin"`
		// 多实例部署时区分各实例的在线成员镜像，为空则启动时随机生成
		InstanceID string `mapstructure:"instanceId"`
	} `mapstructure:"running"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
	Store struct {
		Driver string `mapstructure:"driver"` // mysql / memory
	} `mapstructure:"store"`
	Mysql struct {
		DSN         string `mapstructure:"dsn"`
		AutoMigrate bool   `mapstructure:"autoMigrate"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 为空则关闭在线成员镜像和文档存在性缓存
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"redis"`
	Kafka struct {
		Driver     string   `mapstructure:"driver"` // kafka / memory
		Brokers    []string `mapstructure:"brokers"`
		Topic      string   `mapstructure:"topic"`
		Group      string   `mapstructure:"group"`
		ClientID   string   `mapstructure:"clientId"`
		Partitions int      `mapstructure:"partitions"` // 仅 memory 驱动使用
		// 单条消息上限，producer 和 Relay 共用
		MaxMessageBytes int `mapstructure:"maxMessageBytes"`
	} `mapstructure:"kafka"`
	Collab struct {
		CoalesceWindow          time.Duration `mapstructure:"coalesceWindow"`
		QueueSize               int           `mapstructure:"queueSize"`
		Workers                 int           `mapstructure:"workers"`
		MaxRetry                int           `mapstructure:"maxRetry"`
		BaseBackoff             time.Duration `mapstructure:"baseBackoff"`
		MaxElapsed              time.Duration `mapstructure:"maxElapsed"`
		MaxConsecutiveFailures  int           `mapstructure:"maxConsecutiveFailures"`
		RequireExistingDocument bool          `mapstructure:"requireExistingDocument"`
		Shards                  int           `mapstructure:"shards"`
		SendBuffer              int           `mapstructure:"sendBuffer"`
		// 已接收未发出的更新上限，submitTimeout 内拿不到名额则拒绝
		MaxInflightSubmits int           `mapstructure:"maxInflightSubmits"`
		SubmitTimeout      time.Duration `mapstructure:"submitTimeout"`
	} `mapstructure:"collab"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8000)
	v.SetDefault("running.allowAnyOrigin", false)
	v.SetDefault("running.instanceId", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("store.driver", DriverMySQL)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.autoMigrate", true)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presenceTTL", 10*time.Minute)
	v.SetDefault("kafka.driver", DriverKafka)
	v.SetDefault("kafka.brokers", []string{"kafka:9092"})
	v.SetDefault("kafka.topic", "document-updates")
	v.SetDefault("kafka.group", "document-group")
	v.SetDefault("kafka.clientId", "collab-editor")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("kafka.maxMessageBytes", 1000000)
	v.SetDefault("collab.coalesceWindow", 250*time.Millisecond)
	v.SetDefault("collab.queueSize", 10_000)
	v.SetDefault("collab.workers", 4)
	v.SetDefault("collab.maxRetry", 5)
	v.SetDefault("collab.baseBackoff", time.Second)
	v.SetDefault("collab.maxElapsed", 30*time.Second)
	v.SetDefault("collab.maxConsecutiveFailures", 5)
	v.SetDefault("collab.requireExistingDocument", false)
	v.SetDefault("collab.shards", 32)
	v.SetDefault("collab.sendBuffer", 64)
	v.SetDefault("collab.maxInflightSubmits", 1000)
	v.SetDefault("collab.submitTimeout", 200*time.Millisecond)
}

// Load 读取 collabConfig.yaml，兼容从项目根目录或 backend 目录启动。
// 环境变量覆盖：COLLAB_KAFKA_BROKERS 覆盖 kafka.brokers，依此类推。
// 找不到配置文件时只使用默认值和环境变量。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Kafka.Driver {
	case DriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("config: kafka.brokers is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown kafka.driver %q", c.Kafka.Driver)
	}
	if c.Kafka.Topic == "" || c.Kafka.Group == "" {
		return errors.New("config: kafka.topic and kafka.group are required")
	}
	if c.Kafka.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: invalid kafka.maxMessageBytes %d", c.Kafka.MaxMessageBytes)
	}
	switch c.Store.Driver {
	case DriverMySQL:
		if c.Mysql.DSN == "" {
			return errors.New("config: mysql.dsn is required")
		}
	case DriverMemory:
		// 内存存储没有创建文档的入口，开启存在性检查后任何加入都会失败
		if c.Collab.RequireExistingDocument {
			return errors.New("config: collab.requireExistingDocument needs store.driver mysql")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Running.Port <= 0 {
		return fmt.Errorf("config: invalid running.port %d", c.Running.Port)
	}
	return nil
}
