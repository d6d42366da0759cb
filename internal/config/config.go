package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Lanes       LanesConfig       `mapstructure:"lanes"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Consensus   ConsensusConfig   `mapstructure:"consensus"`
	Access      AccessConfig      `mapstructure:"access"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Barrier     BarrierConfig     `mapstructure:"barrier"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite"
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type LanesConfig struct {
	Entry CameraConfig `mapstructure:"entry"`
	Exit  CameraConfig `mapstructure:"exit"`
}

type CameraConfig struct {
	// Device is a V4L2 index ("0") or a stream URL
	Device string `mapstructure:"device"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
	FPS    int    `mapstructure:"fps"`
}

type CaptureConfig struct {
	ReopenDelay  time.Duration `mapstructure:"reopen_delay"`
	ReadInterval time.Duration `mapstructure:"read_interval"`
}

type RecognitionConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	CropTop       float64       `mapstructure:"crop_top"`
	CascadePath   string        `mapstructure:"cascade_path"`
	TesseractPath string        `mapstructure:"tesseract_path"`
	PageSegMode   int           `mapstructure:"psm"`
}

type ConsensusConfig struct {
	Samples           int           `mapstructure:"samples"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
}

type AccessConfig struct {
	BadgeTimeout time.Duration `mapstructure:"badge_timeout"`
	GateExit     bool          `mapstructure:"gate_exit"`
}

type MQTTConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Broker          string `mapstructure:"broker"`
	ClientID        string `mapstructure:"client_id"`
	RootTopic       string `mapstructure:"root_topic"`
	BadgeTopic      string `mapstructure:"badge_topic"`
	BadgeReplyTopic string `mapstructure:"badge_reply_topic"`
	LogSize         int    `mapstructure:"log_size"`
}

type BarrierConfig struct {
	CloseDelay time.Duration `mapstructure:"close_delay"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "parking.db")

	v.SetDefault("lanes.entry.device", "0")
	v.SetDefault("lanes.exit.device", "2")
	for _, lane := range []string{"entry", "exit"} {
		v.SetDefault("lanes."+lane+".width", 640)
		v.SetDefault("lanes."+lane+".height", 480)
		v.SetDefault("lanes."+lane+".fps", 30)
	}

	v.SetDefault("capture.reopen_delay", time.Second)
	v.SetDefault("capture.read_interval", 5*time.Millisecond)

	v.SetDefault("recognition.interval", 100*time.Millisecond)
	v.SetDefault("recognition.crop_top", 0.4)
	v.SetDefault("recognition.cascade_path", "haarcascade_russian_plate_number.xml")
	v.SetDefault("recognition.tesseract_path", "tesseract")
	v.SetDefault("recognition.psm", 7)

	v.SetDefault("consensus.samples", 3)
	v.SetDefault("consensus.inactivity_timeout", 5*time.Second)

	v.SetDefault("access.badge_timeout", 15*time.Second)
	v.SetDefault("access.gate_exit", false)

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "localhost:1883")
	v.SetDefault("mqtt.client_id", "parking-anpr")
	v.SetDefault("mqtt.root_topic", "parking")
	v.SetDefault("mqtt.badge_topic", "RFID/ID")
	v.SetDefault("mqtt.badge_reply_topic", "RFID/CMD")
	v.SetDefault("mqtt.log_size", 30)

	v.SetDefault("barrier.close_delay", 5*time.Second)

	v.SetDefault("auth.jwt_secret", "")
}

// Load reads .env (if present), the optional config file at path and PARKING_* environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PARKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for postgres", ErrInvalidConfig)
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("%w: database.sqlite_path is required for sqlite", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown database.driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Consensus.Samples < 2 {
		return fmt.Errorf("%w: consensus.samples must be at least 2, got %d", ErrInvalidConfig, c.Consensus.Samples)
	}
	if c.Consensus.InactivityTimeout <= 0 {
		return fmt.Errorf("%w: consensus.inactivity_timeout must be positive", ErrInvalidConfig)
	}
	if c.Recognition.Interval <= 0 {
		return fmt.Errorf("%w: recognition.interval must be positive", ErrInvalidConfig)
	}
	if c.Recognition.CropTop < 0 || c.Recognition.CropTop >= 1 {
		return fmt.Errorf("%w: recognition.crop_top must be in [0,1)", ErrInvalidConfig)
	}
	if c.Access.BadgeTimeout <= 0 {
		return fmt.Errorf("%w: access.badge_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
