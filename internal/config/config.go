package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Port      int             `mapstructure:"port"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Media     MediaConfig     `mapstructure:"media"`
	Recording RecordingConfig `mapstructure:"recording"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Roster    RosterConfig    `mapstructure:"roster"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type SignalConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	QueueSize  int           `mapstructure:"queue_size"`
	MaxDrops   int           `mapstructure:"max_drops"`
	ChatRate   int           `mapstructure:"chat_rate"`
	ChatWindow time.Duration `mapstructure:"chat_window"`
}

type MediaConfig struct {
	ListenIP    string   `mapstructure:"listen_ip"`
	AnnouncedIP string   `mapstructure:"announced_ip"`
	PortMin     uint16   `mapstructure:"port_min"`
	PortMax     uint16   `mapstructure:"port_max"`
	STUNURLs    []string `mapstructure:"stun_urls"`
	EnableUDP   bool     `mapstructure:"enable_udp"`
	EnableTCP   bool     `mapstructure:"enable_tcp"`
	PreferUDP   bool     `mapstructure:"prefer_udp"`
}

type RecordingConfig struct {
	Dir             string        `mapstructure:"dir"`
	FFmpegPath      string        `mapstructure:"ffmpeg_path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
}

type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	LocalDir      string `mapstructure:"local_dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RosterConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Driver        string `mapstructure:"driver"`
	RedisAddr     string `mapstructure:"redis_addr"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
	BaseURL       string `mapstructure:"base_url"`
}

type ArchiveConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("TELEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | DB: %s | Storage: %s\n", cfg.Mode, cfg.Port, cfg.Database.Driver, cfg.Storage.Driver)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.queue_size", 64)
	v.SetDefault("signal.max_drops", 8)
	v.SetDefault("signal.chat_rate", 10)
	v.SetDefault("signal.chat_window", "10s")

	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.port_min", 40000)
	v.SetDefault("media.port_max", 49999)
	v.SetDefault("media.stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.enable_udp", true)
	v.SetDefault("media.enable_tcp", true)
	v.SetDefault("media.prefer_udp", true)

	v.SetDefault("recording.dir", "./recordings")
	v.SetDefault("recording.ffmpeg_path", "ffmpeg")
	v.SetDefault("recording.retention", "168h")
	v.SetDefault("recording.cleanup_interval", "1h")
	v.SetDefault("recording.stop_grace", "10s")

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_dir", "./storage")
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")

	v.SetDefault("roster.timeout", "5s")

	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.channel_prefix", "teleroom:notify")
}

func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	if c.Storage.Driver == "s3" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for s3")
	}
	if c.Notify.Driver == "redis" && c.Notify.RedisAddr == "" {
		return fmt.Errorf("notify.redis_addr is required for redis")
	}
	return nil
}
