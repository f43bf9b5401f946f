package seedo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/notification"
)

func fastRetry() notification.RetryConfig {
	return notification.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond, MaxDelay: time.Millisecond}
}

func writeClip(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "combined_990_1003.mkv")
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	return p
}

func TestRunEmail(t *testing.T) {
	mailer := &fakeMailer{fails: 1}
	r := NewActionRunner(RunnerConfig{Mailer: mailer, Retry: fastRetry(), DefaultFrom: "cam@example.com", SystemName: "garage"}, zap.NewNop())

	clip := writeClip(t, 64)
	ac := ActionContext{AlertID: "a1", Rule: "Porch Light", Timestamp: ts(0), Frame: solidFrame(90, 8, 8), ClipPath: clip}
	action := EmailAction{To: []string{"me@example.com"}, AttachClip: true}

	require.NoError(t, r.Run(context.Background(), action, ac))
	require.Len(t, mailer.sent, 1, "retried past the transient failure")

	e := mailer.sent[0]
	assert.Equal(t, "cam@example.com", e.From)
	assert.Equal(t, []string{"me@example.com"}, e.To)
	assert.Equal(t, "SeeDo triggered: Porch Light", e.Subject)
	assert.Contains(t, e.TextBody, "combined_990_1003.mkv")
	assert.Equal(t, "a1", e.AlertID)
	require.Len(t, e.Attachments, 2)
	assert.Equal(t, "porch_light_1000.jpg", e.Attachments[0].Filename)
	assert.Equal(t, "image/jpeg", e.Attachments[0].ContentType)
	assert.Equal(t, "combined_990_1003.mkv", e.Attachments[1].Filename)
	assert.Len(t, e.Attachments[1].Data, 64)
}

func TestRunEmailCustomTemplate(t *testing.T) {
	mailer := &fakeMailer{}
	r := NewActionRunner(RunnerConfig{Mailer: mailer, Retry: fastRetry()}, zap.NewNop())

	action := EmailAction{
		To:           []string{"me@example.com"},
		From:         "rules@example.com",
		Subject:      "[{{.SystemName}}] {{.Rule}}",
		BodyTemplate: "Lights went off at {{.Time}} ({{.AlertID}})",
	}
	ac := ActionContext{AlertID: "a2", Rule: "lights", Timestamp: ts(0), ClipPath: writeClip(t, 8)}
	require.NoError(t, r.Run(context.Background(), action, ac))

	e := mailer.sent[0]
	assert.Equal(t, "rules@example.com", e.From)
	assert.Equal(t, "[seedo] lights", e.Subject)
	assert.True(t, strings.HasPrefix(e.TextBody, "Lights went off at "))
	assert.Contains(t, e.TextBody, "(a2)")
	assert.Empty(t, e.HTMLBody)
	assert.Empty(t, e.Attachments, "no frame and clip not requested")
}

func TestRunEmailSkipsOversizedClip(t *testing.T) {
	mailer := &fakeMailer{}
	r := NewActionRunner(RunnerConfig{Mailer: mailer, Retry: fastRetry()}, zap.NewNop())
	ac := ActionContext{AlertID: "a3", Rule: "r", Timestamp: ts(0), ClipPath: writeClip(t, maxClipAttachment+1)}

	require.NoError(t, r.Run(context.Background(), EmailAction{To: []string{"me@example.com"}, AttachClip: true}, ac))
	assert.Empty(t, mailer.sent[0].Attachments)
}

func TestRunEmailErrors(t *testing.T) {
	r := NewActionRunner(RunnerConfig{Retry: fastRetry()}, zap.NewNop())
	assert.Error(t, r.Run(context.Background(), testEmailAction, ActionContext{Rule: "r"}))

	mailer := &fakeMailer{fails: 10}
	r = NewActionRunner(RunnerConfig{Mailer: mailer, Retry: fastRetry()}, zap.NewNop())
	assert.Error(t, r.Run(context.Background(), testEmailAction, ActionContext{Rule: "r"}))

	r = NewActionRunner(RunnerConfig{Mailer: &fakeMailer{}, Retry: fastRetry()}, zap.NewNop())
	bad := EmailAction{To: []string{"me@example.com"}, Subject: "{{.Nope"}
	assert.Error(t, r.Run(context.Background(), bad, ActionContext{Rule: "r"}))
}

func TestRunArchive(t *testing.T) {
	store := &memObjects{}
	r := NewActionRunner(RunnerConfig{Store: store}, zap.NewNop())
	clip := writeClip(t, 32)
	ac := ActionContext{AlertID: "a4", Rule: "Back Yard", Timestamp: time.Date(2025, 6, 7, 8, 0, 0, 0, time.UTC), Frame: solidFrame(10, 4, 4), ClipPath: clip}

	require.NoError(t, r.Run(context.Background(), ArchiveAction{Prefix: "evidence", PresignTTL: time.Hour}, ac))

	frameKey := "evidence/back_yard/2025/06/07/a4.jpg"
	clipKey := "evidence/back_yard/2025/06/07/a4_combined_990_1003.mkv"
	assert.Contains(t, store.objects, frameKey)
	assert.Len(t, store.objects[clipKey], 32)
	assert.Equal(t, []string{clipKey}, store.presign)
}

func TestRunArchiveErrors(t *testing.T) {
	r := NewActionRunner(RunnerConfig{}, zap.NewNop())
	assert.Error(t, r.Run(context.Background(), ArchiveAction{}, ActionContext{Rule: "r", Frame: solidFrame(1, 2, 2)}))

	r = NewActionRunner(RunnerConfig{Store: &memObjects{}}, zap.NewNop())
	assert.Error(t, r.Run(context.Background(), ArchiveAction{}, ActionContext{Rule: "r"}), "nothing to upload")
}

func TestArchiveKeyDefaults(t *testing.T) {
	assert.Equal(t, "alerts/r/1970/01/01/x.jpg", ArchiveKey("", "r", time.Unix(0, 0), "x.jpg"))
	assert.Equal(t, "alerts/front_door/", ArchivePrefix("", "Front Door"))
	assert.Equal(t, "evidence/r/", ArchivePrefix("evidence", "r"))
}
