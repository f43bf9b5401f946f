package store

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/seedo/internal/seedo"
)

const brightnessJSON = `{
  "type": "brightness",
  "name": "Lights Off",
  "interval_sec": 1.5,
  "min_retrigger_interval_sec": 60,
  "config": {"threshold": -40},
  "action": {"type": "email", "params": {"to": "a@example.com, b@example.com", "from_": "cam@example.com", "subject": "dark", "body_template": "{{.Rule}}"}}
}`

func TestDecodeBrightness(t *testing.T) {
	rec, err := Decode([]byte(brightnessJSON))
	require.NoError(t, err)
	rule, err := rec.ToRule()
	require.NoError(t, err)

	assert.Equal(t, "Lights Off", rule.Name)
	assert.Equal(t, 1500*time.Millisecond, rule.Interval)
	assert.Equal(t, time.Minute, rule.MinRetrigger)
	assert.True(t, rule.Enabled(), "enabled defaults to true")
	assert.Equal(t, seedo.Brightness{Threshold: -40}, rule.Condition)
	assert.Equal(t, seedo.EmailAction{
		To:           []string{"a@example.com", "b@example.com"},
		From:         "cam@example.com",
		Subject:      "dark",
		BodyTemplate: "{{.Rule}}",
	}, rule.Action)
}

func TestDecodeSimilarityAndArchive(t *testing.T) {
	data := `{
	  "type": "semantic_similarity", "name": "door", "interval_sec": 2, "min_retrigger_interval_sec": 30, "enabled": false,
	  "config": {"semantic_regions": [
	    {"roi": [10, 20, 110, 220], "image_path": "data/door/roi_image_0.png", "embedding": [0.6, 0.8], "similarity_threshold": 0.7, "greater_than": false}
	  ]},
	  "action": {"type": "archive", "params": {"prefix": "evidence", "presign_ttl_sec": 3600}}
	}`
	rec, err := Decode([]byte(data))
	require.NoError(t, err)
	rule, err := rec.ToRule()
	require.NoError(t, err)

	assert.False(t, rule.Enabled())
	cond := rule.Condition.(seedo.RegionSimilarity)
	require.Len(t, cond.Regions, 1)
	assert.Equal(t, image.Rect(10, 20, 110, 220), cond.Regions[0].ROI)
	assert.Equal(t, []float32{0.6, 0.8}, cond.Regions[0].Embedding)
	assert.Equal(t, 0.7, cond.Regions[0].Threshold)
	assert.Equal(t, "data/door/roi_image_0.png", cond.Regions[0].ImagePath)
	assert.Equal(t, seedo.ArchiveAction{Prefix: "evidence", PresignTTL: time.Hour}, rule.Action)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"no name":         `{"type": "brightness", "action": {"type": "email"}}`,
		"no type":         `{"name": "x", "action": {"type": "email"}}`,
		"unknown type":    `{"type": "motion", "name": "x", "config": {}, "action": {"type": "email", "params": {"to": "a@b.c"}}}`,
		"unknown action":  `{"type": "brightness", "name": "x", "config": {"threshold": 1}, "action": {"type": "sms", "params": {}}}`,
		"unknown field":   `{"type": "brightness", "name": "x", "config": {"threshhold": 1}, "action": {"type": "email", "params": {"to": "a@b.c"}}}`,
		"no embedding":    `{"type": "semantic_similarity", "name": "x", "config": {"semantic_regions": [{"roi": [0,0,5,5], "embedding_path": "e.npy", "similarity_threshold": 0.5}]}, "action": {"type": "email", "params": {"to": "a@b.c"}}}`,
		"bad recipient":   `{"type": "brightness", "name": "x", "config": {"threshold": 1}, "action": {"type": "email", "params": {"to": "nobody"}}}`,
		"missing config":  `{"type": "depth", "name": "x", "action": {"type": "email", "params": {"to": "a@b.c"}}}`,
		"negative period": `{"type": "brightness", "name": "x", "interval_sec": -1, "config": {"threshold": 1}, "action": {"type": "email", "params": {"to": "a@b.c"}}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			rec, err := Decode([]byte(data))
			if err == nil {
				_, err = rec.ToRule()
			}
			assert.Error(t, err)
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rules := []*seedo.Rule{
		mustRule(t, "a", seedo.Brightness{Threshold: 120}, seedo.EmailAction{To: []string{"x@example.com"}, AttachClip: true}, true),
		mustRule(t, "b", seedo.DepthProximity{ROI: image.Rect(1, 2, 3, 4), Threshold: 0.25, GreaterThan: true}, seedo.ArchiveAction{PresignTTL: 10 * time.Minute}, false),
		mustRule(t, "c", seedo.RegionSimilarity{Regions: []seedo.Region{{ROI: image.Rect(0, 0, 9, 9), Embedding: []float32{1, 2}, Threshold: 0.9, GreaterThan: true}}}, seedo.ArchiveAction{}, true),
	}
	for _, want := range rules {
		rec, err := FromRule(want)
		require.NoError(t, err)
		got, err := rec.ToRule()
		require.NoError(t, err)

		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Interval, got.Interval)
		assert.Equal(t, want.MinRetrigger, got.MinRetrigger)
		assert.Equal(t, want.Enabled(), got.Enabled())
		assert.Equal(t, want.Condition, got.Condition)
		assert.Equal(t, want.Action, got.Action)
	}
}

func mustRule(t *testing.T, name string, cond seedo.Condition, action seedo.Action, enabled bool) *seedo.Rule {
	t.Helper()
	r, err := seedo.NewRule(name, 2*time.Second, time.Minute, cond, action, enabled)
	require.NoError(t, err)
	return r
}

func TestPendingRegions(t *testing.T) {
	data := `{"type": "semantic_similarity", "name": "shelf", "interval_sec": 5,
	  "config": {"semantic_regions": [{"roi": [0, 0, 50, 40], "similarity_threshold": 0.75, "greater_than": false}]},
	  "action": {"type": "email", "params": {"to": "me@example.com"}}}`
	rec, err := Decode([]byte(data))
	require.NoError(t, err)

	specs, pending, err := rec.PendingRegions()
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, []seedo.RegionSpec{{ROI: image.Rect(0, 0, 50, 40), Threshold: 0.75}}, specs)

	_, err = rec.ToRule()
	assert.Error(t, err, "embedding not captured yet")

	cond := seedo.RegionSimilarity{Regions: []seedo.Region{{ROI: specs[0].ROI, Embedding: []float32{1}, Threshold: 0.75}}}
	rule, err := rec.ToRuleWith(cond)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, rule.Interval)

	brightness, err := Decode([]byte(brightnessJSON))
	require.NoError(t, err)
	_, pending, err = brightness.PendingRegions()
	require.NoError(t, err)
	assert.False(t, pending)
}
