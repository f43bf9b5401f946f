package seedo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/notification"
	"github.com/mikeyg42/seedo/internal/recorder/encoder"
	"github.com/mikeyg42/seedo/internal/recorder/storage"
)

// Gmail rejects messages over 25MB; base64 inflates by a third.
const maxClipAttachment = 18 << 20

// Executor runs an action for a context. ActionRunner is the production
// implementation.
type Executor interface {
	Run(ctx context.Context, action Action, ac ActionContext) error
}

// RunnerConfig wires the transports an action may need. Mailer and Store
// are optional; actions that need a missing one fail at run time.
type RunnerConfig struct {
	Mailer      notification.Mailer
	Store       storage.ObjectStore
	Retry       notification.RetryConfig
	DefaultFrom string
	SystemName  string
	JPEGQuality int
}

type ActionRunner struct {
	cfg    RunnerConfig
	logger *zap.Logger
}

func NewActionRunner(cfg RunnerConfig, logger *zap.Logger) *ActionRunner {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = notification.DefaultRetryConfig()
	}
	if cfg.SystemName == "" {
		cfg.SystemName = "seedo"
	}
	if logger == nil {
		logger = zap.L().Named("actions")
	}
	return &ActionRunner{cfg: cfg, logger: logger}
}

func (r *ActionRunner) Run(ctx context.Context, action Action, ac ActionContext) error {
	switch a := action.(type) {
	case EmailAction:
		return r.runEmail(ctx, a, ac)
	case ArchiveAction:
		return r.runArchive(ctx, a, ac)
	default:
		return fmt.Errorf("unsupported action %T", action)
	}
}

func (r *ActionRunner) alertData(ac ActionContext) *notification.AlertData {
	data := notification.NewAlertData(ac.Rule, ac.AlertID, ac.Timestamp, r.cfg.SystemName)
	if ac.ClipPath != "" {
		data.ClipName = filepath.Base(ac.ClipPath)
	}
	return data
}

func (r *ActionRunner) runEmail(ctx context.Context, a EmailAction, ac ActionContext) error {
	if r.cfg.Mailer == nil {
		return errors.New("email action: no mailer configured")
	}
	data := r.alertData(ac)

	subject, html, text, err := notification.RenderEmailTemplate(notification.GetRuleAlertTemplate(), data)
	if err != nil {
		return err
	}
	if a.Subject != "" {
		if subject, err = notification.RenderText("subject", a.Subject, data); err != nil {
			return err
		}
	}
	if a.BodyTemplate != "" {
		if text, err = notification.RenderText("body", a.BodyTemplate, data); err != nil {
			return err
		}
		html = ""
	}

	from := a.From
	if from == "" {
		from = r.cfg.DefaultFrom
	}
	email := notification.NewAlertEmail(data, from, a.To, subject, text, html)

	if ac.Frame != nil && ac.Frame.Image != nil {
		jpg, err := encoder.EncodeJPEG(ac.Frame.Image, r.cfg.JPEGQuality)
		if err != nil {
			r.logger.Warn("Could not encode trigger frame", zap.String("rule", ac.Rule), zap.Error(err))
		} else {
			email.Attachments = append(email.Attachments, notification.Attachment{
				Filename:    fmt.Sprintf("%s_%d.jpg", Slug(ac.Rule), ac.Timestamp.Unix()),
				ContentType: "image/jpeg",
				Data:        jpg,
			})
		}
	}
	if a.AttachClip && ac.ClipPath != "" {
		if att, err := clipAttachment(ac.ClipPath); err != nil {
			r.logger.Warn("Sending alert without clip", zap.String("clip", ac.ClipPath), zap.Error(err))
		} else {
			email.Attachments = append(email.Attachments, att)
		}
	}

	return notification.SendWithRetry(ctx, r.cfg.Retry, func(ctx context.Context) error {
		return r.cfg.Mailer.Send(ctx, email)
	})
}

func clipAttachment(p string) (notification.Attachment, error) {
	info, err := os.Stat(p)
	if err != nil {
		return notification.Attachment{}, err
	}
	if info.Size() > maxClipAttachment {
		return notification.Attachment{}, fmt.Errorf("clip is %d bytes, limit %d", info.Size(), maxClipAttachment)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return notification.Attachment{}, err
	}
	return notification.Attachment{
		Filename:    filepath.Base(p),
		ContentType: storage.DetectContentType(p),
		Data:        data,
	}, nil
}

// ArchivePrefix is the object prefix holding every alert of rule.
func ArchivePrefix(prefix, rule string) string {
	if prefix == "" {
		prefix = "alerts"
	}
	return path.Join(prefix, Slug(rule)) + "/"
}

// ArchiveKey places alert objects under prefix/slug/YYYY/MM/DD.
func ArchiveKey(prefix, rule string, t time.Time, name string) string {
	return path.Join(ArchivePrefix(prefix, rule), t.UTC().Format("2006/01/02"), name)
}

func (r *ActionRunner) runArchive(ctx context.Context, a ArchiveAction, ac ActionContext) error {
	if r.cfg.Store == nil {
		return errors.New("archive action: no object store configured")
	}
	var keys []string

	if ac.Frame != nil && ac.Frame.Image != nil {
		jpg, err := encoder.EncodeJPEG(ac.Frame.Image, r.cfg.JPEGQuality)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		key := ArchiveKey(a.Prefix, ac.Rule, ac.Timestamp, ac.AlertID+".jpg")
		err = r.cfg.Store.Put(ctx, key, bytes.NewReader(jpg), int64(len(jpg)),
			storage.WithContentType("image/jpeg"),
			storage.WithMetadata(map[string]string{"rule": ac.Rule, "alert-id": ac.AlertID}))
		if err != nil {
			return fmt.Errorf("upload frame: %w", err)
		}
		keys = append(keys, key)
	}

	if ac.ClipPath != "" {
		key := ArchiveKey(a.Prefix, ac.Rule, ac.Timestamp, ac.AlertID+"_"+filepath.Base(ac.ClipPath))
		err := r.cfg.Store.PutFile(ctx, key, ac.ClipPath,
			storage.WithMetadata(map[string]string{"rule": ac.Rule, "alert-id": ac.AlertID}))
		if err != nil {
			return fmt.Errorf("upload clip: %w", err)
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return errors.New("archive action: nothing to upload")
	}

	fields := []zap.Field{zap.String("rule", ac.Rule), zap.String("alert_id", ac.AlertID), zap.Strings("keys", keys)}
	if a.PresignTTL > 0 {
		url, err := r.cfg.Store.GeneratePresignedURL(ctx, keys[len(keys)-1], a.PresignTTL)
		if err != nil {
			r.logger.Warn("Presign failed", append(fields, zap.Error(err))...)
		} else {
			fields = append(fields, zap.String("url", url))
		}
	}
	r.logger.Info("Alert archived", fields...)
	return nil
}
