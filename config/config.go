package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`
		HTTPPort string `mapstructure:"http_port"`
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"` // mysql | postgres | sqlite
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Gateway struct {
		MaxDevicesPerUser  int   `mapstructure:"max_devices_per_user"`
		AutoApproveDevices bool  `mapstructure:"auto_approve_devices"`
		DeviceExpiryDays   int   `mapstructure:"device_expiry_days"` // 0 = бессрочно
		HWIDMaxLen         int   `mapstructure:"hwid_max_len"`
		FingerprintMaxLen  int   `mapstructure:"fingerprint_max_len"`
		MaxPayloadBytes    int64 `mapstructure:"max_payload_bytes"`
	} `mapstructure:"gateway"`

	Admin struct {
		Username        string `mapstructure:"username"`
		Password        string `mapstructure:"password"` // только bootstrap; после первого логина — хеш в settings
		JWTSecret       string `mapstructure:"jwt_secret"`
		TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
	} `mapstructure:"admin"`

	Crypto struct {
		PayloadKey string `mapstructure:"payload_key"` // hex, 64 символа = AES-256
	} `mapstructure:"crypto"`
}

// Load читает scriptgate.yaml (".", "/etc/scriptgate", либо путь из
// SCRIPTGATE_CONFIG) с env-переопределениями SCRIPTGATE_*
// (например SCRIPTGATE_DATABASE_DSN). Отсутствие файла — не ошибка.
func Load() (*Config, error) {
	v := viper.New()
	if p := os.Getenv("SCRIPTGATE_CONFIG"); p != "" {
		v.SetConfigFile(p)
	} else {
		v.SetConfigName("scriptgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scriptgate")
	}

	v.SetEnvPrefix("SCRIPTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "scriptgate.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("gateway.max_devices_per_user", 3)
	v.SetDefault("gateway.auto_approve_devices", false)
	v.SetDefault("gateway.device_expiry_days", 0)
	v.SetDefault("gateway.hwid_max_len", 64)
	v.SetDefault("gateway.fingerprint_max_len", 64)
	v.SetDefault("gateway.max_payload_bytes", 2<<20)
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.token_ttl_minutes", 60)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
