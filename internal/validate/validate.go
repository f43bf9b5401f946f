package validate

import (
	"fmt"
	"net"
	"net/mail"
	"strings"

	"github.com/mikeyg42/seedo/internal/config"
)

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators and reports every problem at once.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateCamera(v, &cfg.Camera)
	validateRecording(v, &cfg.Recording)
	validateRules(v, cfg)
	validateEmail(v, &cfg.Email)
	validateMinIO(v, &cfg.MinIO)
	validateGeneral(v, cfg)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateCamera(v *Validator, c *config.CameraConfig) {
	switch c.Type {
	case "usb", "mediadevices":
	default:
		v.AddError("camera.type must be usb or mediadevices, got %q", c.Type)
	}
	if c.TargetFPS <= 0 || c.TargetFPS > 120 {
		v.AddError("camera.target_fps must be in (0, 120], got %v", c.TargetFPS)
	}
	if c.Width <= 0 || c.Height <= 0 {
		v.AddError("camera resolution must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.DeviceIndex < 0 {
		v.AddError("camera.device_index cannot be negative")
	}
}

func validateRecording(v *Validator, r *config.RecordingConfig) {
	if r.BufferSeconds <= 0 {
		v.AddError("recording.buffer_seconds must be positive")
	}
	if strings.TrimSpace(r.SegmentDir) == "" {
		v.AddError("recording.segment_dir is required")
	}
	if strings.TrimSpace(r.ClipDir) == "" {
		v.AddError("recording.clip_dir is required")
	}
	if r.RetentionHorizon <= 0 {
		v.AddError("recording.retention_horizon must be positive")
	}
	if r.SweepInterval <= 0 {
		v.AddError("recording.sweep_interval must be positive")
	}
	if r.ClipRetention < 0 {
		v.AddError("recording.clip_retention cannot be negative")
	}
	if r.WriterQueueSize < 1 {
		v.AddError("recording.writer_queue_size must be at least 1")
	}
	if r.JPEGQuality < 1 || r.JPEGQuality > 100 {
		v.AddError("recording.jpeg_quality must be in [1, 100]")
	}
	if r.ClipGrace < 0 || r.ClipLookback < 0 || r.ClipLookahead < 0 {
		v.AddError("recording clip durations cannot be negative")
	}
}

func validateRules(v *Validator, cfg *config.Config) {
	r := &cfg.Rules
	switch r.Store {
	case "file":
		if strings.TrimSpace(r.Dir) == "" {
			v.AddError("rules.dir is required for the file store")
		}
	case "postgres":
		p := &cfg.Postgres
		if p.Host == "" || p.Database == "" || p.Username == "" {
			v.AddError("postgres host, database and username are required for the postgres store")
		}
		if p.Port <= 0 || p.Port > 65535 {
			v.AddError("postgres.port out of range: %d", p.Port)
		}
	default:
		v.AddError("rules.store must be file or postgres, got %q", r.Store)
	}
	if r.Workers < 1 {
		v.AddError("rules.workers must be at least 1")
	}
}

func validateEmail(v *Validator, e *config.EmailConfig) {
	if e.From != "" {
		if _, err := mail.ParseAddress(e.From); err != nil {
			v.AddError("email.from is not a valid address: %v", err)
		}
	}
	if e.MaxRetries < 0 {
		v.AddError("email.max_retries cannot be negative")
	}
	switch e.Transport {
	case "smtp":
		if e.SMTP.Host == "" {
			v.AddError("email.smtp.host is required")
		}
		if e.SMTP.Port <= 0 || e.SMTP.Port > 65535 {
			v.AddError("email.smtp.port out of range: %d", e.SMTP.Port)
		}
	case "gmail":
		if e.Gmail.TokenPath == "" {
			v.AddError("email.gmail.token_path is required")
		}
	case "", "none":
	default:
		v.AddError("email.transport must be smtp, gmail or none, got %q", e.Transport)
	}
}

func validateMinIO(v *Validator, m *config.MinIOConfig) {
	if !m.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(m.Endpoint); err != nil {
		v.AddError("minio.endpoint must be host:port: %v", err)
	}
	if m.Bucket == "" {
		v.AddError("minio.bucket is required")
	}
	if m.MaxRetries < 0 {
		v.AddError("minio.max_retries cannot be negative")
	}
}

func validateGeneral(v *Validator, cfg *config.Config) {
	if cfg.TickInterval < 0 {
		v.AddError("tick_interval cannot be negative")
	}
	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.ListenAddr); err != nil {
			v.AddError("api.listen_addr must be host:port: %v", err)
		}
	}
	if cfg.Inference.Enabled && cfg.Inference.EmbedModel == "" {
		v.AddError("inference.embed_model is required when inference is enabled")
	}
}
