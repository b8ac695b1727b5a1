package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	backend     = "consul"
	backendAddr = "127.0.0.1:8500"
	backendPath = "development" // e.g., app/<env>/<service_name>
	configType  = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string            `mapstructure:"ADDR"`
		Protocol string            `mapstructure:"PROTOCOL"` // grpc | http
		Insecure bool              `mapstructure:"INSECURE"`
		Headers  map[string]string `mapstructure:"HEADERS"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"` // postgres | mysql | sqlite
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Snowflake struct {
		NodeID int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"SNOWFLAKE"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Commission Commission `mapstructure:"COMMISSION"`
	Staking    Staking    `mapstructure:"STAKING"`
}

// Commission holds the single commission table used by every trigger path.
type Commission struct {
	// Levels maps upline hop (1..3) to a percentage of the event amount.
	Levels            map[int]float64 `mapstructure:"LEVELS"`
	DirectBlock       float64         `mapstructure:"DIRECT_BLOCK"`
	DirectReward      float64         `mapstructure:"DIRECT_REWARD"`
	DirectEligibility string          `mapstructure:"DIRECT_ELIGIBILITY"`
}

type Staking struct {
	DailyRate   float64 `mapstructure:"DAILY_RATE"`
	LockPeriods []int   `mapstructure:"LOCK_PERIODS"`
	SweepBatch  int     `mapstructure:"SWEEP_BATCH"`
	SweepHour   int     `mapstructure:"SWEEP_HOUR"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

// SetDefaults registers the values the service runs with when config.yaml leaves them out.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "stakeledger")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("OTEL.PROTOCOL", "grpc")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("SNOWFLAKE.NODE_ID", 1)
	v.SetDefault("COMMISSION.LEVELS", map[int]float64{1: 8, 2: 4, 3: 2})
	v.SetDefault("COMMISSION.DIRECT_BLOCK", 50)
	v.SetDefault("COMMISSION.DIRECT_REWARD", 5)
	v.SetDefault("COMMISSION.DIRECT_ELIGIBILITY", "amount >= direct_block")
	v.SetDefault("STAKING.DAILY_RATE", 0.01)
	v.SetDefault("STAKING.LOCK_PERIODS", []int{30, 60, 90, 180})
	v.SetDefault("STAKING.SWEEP_BATCH", 200)
	v.SetDefault("STAKING.SWEEP_HOUR", 1)
}

func LoadConfig(p Params) *Config {
	config := viper.New()
	SetDefaults(config)

	config.SetConfigName("config")
	config.SetConfigType(configType)
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if provider, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		if err := readRemote(config, provider); err != nil {
			zap.L().Error("failed to read remote config", zap.String("provider", provider), zap.Error(err))
			os.Exit(1)
		}
	} else if err := config.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applyVaultSecrets(context.Background(), p.Vault, &cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return &cfg
}

func readRemote(config *viper.Viper, provider string) error {
	addr, path := backendAddr, backendPath
	if provider == "" {
		provider = backend
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		addr = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		path = v
	}

	if err := config.AddRemoteProvider(provider, addr, path); err != nil {
		return err
	}
	return config.ReadRemoteConfig()
}

func applyVaultSecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	if v := get("postgres_user"); v != "" {
		cfg.Database.User = v
	}
	if v := get("postgres_password"); v != "" {
		cfg.Database.Password = v
	}
	if v := get("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := get("flagsmith_api_key"); v != "" {
		cfg.Flagsmith.ApiKey = v
	}
	return nil
}
