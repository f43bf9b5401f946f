package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Rules     RulesConfig     `yaml:"rules" json:"rules"`
	Postgres  PostgresConfig  `yaml:"postgres" json:"postgres"`
	MinIO     MinIOConfig     `yaml:"minio" json:"minio"`
	Email     EmailConfig     `yaml:"email" json:"email"`
	Inference InferenceConfig `yaml:"inference" json:"inference"`
	API       APIConfig       `yaml:"api" json:"api"`
	Log       LogConfig       `yaml:"log" json:"log"`

	// TickInterval is the heartbeat period. Zero means half a frame interval.
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
}

type CameraConfig struct {
	Type        string  `yaml:"type" json:"type"` // usb | mediadevices
	DeviceIndex int     `yaml:"device_index" json:"device_index"`
	DeviceID    string  `yaml:"device_id" json:"device_id"`
	Width       int     `yaml:"width" json:"width"`
	Height      int     `yaml:"height" json:"height"`
	TargetFPS   float64 `yaml:"target_fps" json:"target_fps"`
}

type RecordingConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	BufferSeconds    float64       `yaml:"buffer_seconds" json:"buffer_seconds"`
	SegmentDir       string        `yaml:"segment_dir" json:"segment_dir"`
	ClipDir          string        `yaml:"clip_dir" json:"clip_dir"`
	RetentionHorizon time.Duration `yaml:"retention_horizon" json:"retention_horizon"`
	SweepInterval    time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	ClipRetention    time.Duration `yaml:"clip_retention" json:"clip_retention"`
	WriterQueueSize  int           `yaml:"writer_queue_size" json:"writer_queue_size"`
	JPEGQuality      int           `yaml:"jpeg_quality" json:"jpeg_quality"`
	ClipGrace        time.Duration `yaml:"clip_grace" json:"clip_grace"`
	ClipLookback     time.Duration `yaml:"clip_lookback" json:"clip_lookback"`
	ClipLookahead    time.Duration `yaml:"clip_lookahead" json:"clip_lookahead"`
	ArchiveSegments  bool          `yaml:"archive_segments" json:"archive_segments"`
}

type RulesConfig struct {
	Store    string `yaml:"store" json:"store"` // file | postgres
	Dir      string `yaml:"dir" json:"dir"`
	Workers  int    `yaml:"workers" json:"workers"`
	ImageDir string `yaml:"image_dir" json:"image_dir"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type MinIOConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"-"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	MaxUploads      int           `yaml:"max_uploads" json:"max_uploads"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

type EmailConfig struct {
	Transport  string      `yaml:"transport" json:"transport"` // smtp | gmail
	From       string      `yaml:"from" json:"from"`
	MaxRetries int         `yaml:"max_retries" json:"max_retries"`
	SMTP       SMTPConfig  `yaml:"smtp" json:"smtp"`
	Gmail      GmailConfig `yaml:"gmail" json:"gmail"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

type GmailConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	TokenPath    string `yaml:"token_path" json:"token_path"`
}

type InferenceConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	EmbedModel string `yaml:"embed_model" json:"embed_model"`
	DepthModel string `yaml:"depth_model" json:"depth_model"`
	InputSize  int    `yaml:"input_size" json:"input_size"`
	DepthSize  int    `yaml:"depth_size" json:"depth_size"`
}

type APIConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	ListenAddr string  `yaml:"listen_addr" json:"listen_addr"`
	PreviewFPS float64 `yaml:"preview_fps" json:"preview_fps"`
}

type LogConfig struct {
	Level       string   `yaml:"level" json:"level"`
	Format      string   `yaml:"format" json:"format"` // json | console
	OutputPaths []string `yaml:"output_paths" json:"output_paths"`
	Sampling    bool     `yaml:"sampling" json:"sampling"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Type:      "usb",
			Width:     1280,
			Height:    720,
			TargetFPS: 30,
		},
		Recording: RecordingConfig{
			Enabled:          true,
			BufferSeconds:    2,
			SegmentDir:       "data/video",
			ClipDir:          "data/clips",
			RetentionHorizon: 60 * time.Second,
			SweepInterval:    60 * time.Second,
			ClipRetention:    24 * time.Hour,
			WriterQueueSize:  8,
			JPEGQuality:      85,
			ClipGrace:        3 * time.Second,
			ClipLookback:     30 * time.Second,
			ClipLookahead:    3 * time.Second,
		},
		Rules: RulesConfig{
			Store:    "file",
			Dir:      "data/seedo_config",
			Workers:  4,
			ImageDir: "data/seedo_config",
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "seedo",
			Username:       "seedo",
			SSLMode:        "disable",
			MaxConnections: 10,
			MaxIdleConns:   2,
		},
		MinIO: MinIOConfig{
			Endpoint:     "localhost:9000",
			Bucket:       "seedo-evidence",
			Region:       "us-east-1",
			MaxUploads:   4,
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
		},
		Email: EmailConfig{
			Transport:  "smtp",
			MaxRetries: 3,
			SMTP: SMTPConfig{
				Host: "smtp.gmail.com",
				Port: 587,
			},
			Gmail: GmailConfig{
				TokenPath: "data/gmail_token.json",
			},
		},
		Inference: InferenceConfig{
			InputSize: 224,
			DepthSize: 518,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "localhost:8080",
			PreviewFPS: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FrameInterval is the minimum spacing between captures.
func (c *Config) FrameInterval() time.Duration {
	if c.Camera.TargetFPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.Camera.TargetFPS)
}

// Heartbeat returns TickInterval, or half a frame interval when unset.
func (c *Config) Heartbeat() time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	if d := c.FrameInterval() / 2; d > 0 {
		return d
	}
	return 10 * time.Millisecond
}

// BufferCapacity is target_fps × buffer_seconds, at least one frame.
func (c *Config) BufferCapacity() int {
	n := int(c.Camera.TargetFPS * c.Recording.BufferSeconds)
	if n < 1 {
		return 1
	}
	return n
}

// GetDatabaseDSN returns the PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.Username,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.Database,
		c.Postgres.SSLMode,
	)
}
