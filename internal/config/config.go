package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

type Config struct {
	Env     string        `yaml:"env" env:"APP_ENV" env-default:"local"`
	HTTP    HTTPConfig    `yaml:"http"`
	WebRTC  WebRTCConfig  `yaml:"webrtc"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Rooms   RoomsConfig   `yaml:"rooms"`
	Relay   RelayConfig   `yaml:"relay"`
}

type HTTPConfig struct {
	Address        string   `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowedOrigins []string `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env-default:""`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type AuthConfig struct {
	HostTokenSecret string        `yaml:"host_token_secret" env:"HOST_TOKEN_SECRET"`
	HostTokenTTL    time.Duration `yaml:"host_token_ttl" env-default:"24h"`
}

type RoomsConfig struct {
	DefaultLifetime     time.Duration `yaml:"default_lifetime" env-default:"4h"`
	MaxParticipants     int           `yaml:"max_participants" env-default:"50"`
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval" env-default:"1m"`
}

type RelayConfig struct {
	SendBuffer     int           `yaml:"send_buffer" env-default:"32"`
	WriteWait      time.Duration `yaml:"write_wait" env-default:"10s"`
	PongWait       time.Duration `yaml:"pong_wait" env-default:"60s"`
	PingPeriod     time.Duration `yaml:"ping_period" env-default:"54s"`
	MaxMessageSize int64         `yaml:"max_message_size" env-default:"65536"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// Load reads the YAML file at configPath, applies environment overrides and
// fills the remaining defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, &PathError{Path: configPath}
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return &cfg, nil
}

type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return "config file does not exist: " + e.Path
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Auth.HostTokenSecret == "" {
		c.Auth.HostTokenSecret = "local-development-secret"
	}
	if c.Relay.PingPeriod >= c.Relay.PongWait {
		c.Relay.PingPeriod = c.Relay.PongWait * 9 / 10
	}
}
