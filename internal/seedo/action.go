package seedo

import (
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/mikeyg42/seedo/internal/camera"
)

const (
	ActionEmail   = "email"
	ActionArchive = "archive"
)

// Action is the closed set of side effects a rule can fire. ActionRunner
// switches over the concrete types below.
type Action interface {
	Kind() string
	wantsClip() bool
	validate() error
	isAction()
}

// EmailAction mails an alert with the triggering frame attached and,
// optionally, the evidence clip. Subject and BodyTemplate are
// text/template strings over notification.AlertData; empty means the
// built-in alert template.
type EmailAction struct {
	To           []string
	From         string
	Subject      string
	BodyTemplate string
	AttachClip   bool
}

func (EmailAction) Kind() string      { return ActionEmail }
func (EmailAction) isAction()         {}
func (a EmailAction) wantsClip() bool { return a.AttachClip }

func (a EmailAction) validate() error {
	if len(a.To) == 0 {
		return errors.New("email action needs a recipient")
	}
	for _, to := range a.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return fmt.Errorf("bad recipient %q: %w", to, err)
		}
	}
	if a.From != "" {
		if _, err := mail.ParseAddress(a.From); err != nil {
			return fmt.Errorf("bad sender %q: %w", a.From, err)
		}
	}
	return nil
}

// ArchiveAction uploads the frame and evidence clip to the object store
// under Prefix and logs a presigned link valid for PresignTTL.
type ArchiveAction struct {
	Prefix     string
	PresignTTL time.Duration
}

func (ArchiveAction) Kind() string    { return ActionArchive }
func (ArchiveAction) isAction()       {}
func (ArchiveAction) wantsClip() bool { return true }

func (a ArchiveAction) validate() error {
	if a.PresignTTL < 0 || a.PresignTTL > 7*24*time.Hour {
		return fmt.Errorf("presign ttl %v outside [0, 7d]", a.PresignTTL)
	}
	return nil
}

// ActionContext is built fresh for every firing. ClipPath is empty when no
// clip could be assembled.
type ActionContext struct {
	AlertID   string
	Rule      string
	Timestamp time.Time
	Frame     *camera.Frame
	ClipPath  string
}
