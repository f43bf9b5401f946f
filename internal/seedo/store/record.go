// Package store persists rule definitions as JSON records, either one file
// per rule or one row per rule in Postgres.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/mikeyg42/seedo/internal/seedo"
)

// Record is the persisted form of a rule. Config and Action.Params are
// shaped by Type and Action.Type respectively.
type Record struct {
	Type            string          `json:"type"`
	Name            string          `json:"name"`
	IntervalSec     float64         `json:"interval_sec"`
	MinRetriggerSec float64         `json:"min_retrigger_interval_sec"`
	Enabled         *bool           `json:"enabled,omitempty"`
	Config          json.RawMessage `json:"config"`
	Action          ActionRecord    `json:"action"`
}

type ActionRecord struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// roi is [x1, y1, x2, y2].
type roi [4]int

func (r roi) rect() image.Rectangle { return image.Rect(r[0], r[1], r[2], r[3]) }

func fromRect(r image.Rectangle) roi { return roi{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y} }

type brightnessConfig struct {
	Threshold float64 `json:"threshold"`
}

type regionConfig struct {
	ROI         roi       `json:"roi"`
	ImagePath   string    `json:"image_path,omitempty"`
	Embedding   []float32 `json:"embedding"`
	Threshold   float64   `json:"similarity_threshold"`
	GreaterThan bool      `json:"greater_than"`
}

type similarityConfig struct {
	Regions []regionConfig `json:"semantic_regions"`
}

type depthConfig struct {
	ROI         roi     `json:"roi"`
	Threshold   float64 `json:"threshold"`
	GreaterThan bool    `json:"greater_than"`
}

// addressList accepts either a single address string (optionally comma
// separated) or an array.
type addressList []string

func (a *addressList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = nil
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*a = append(*a, part)
			}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*a = list
	return nil
}

type emailParams struct {
	To           addressList `json:"to"`
	From         string      `json:"from,omitempty"`
	LegacyFrom   string      `json:"from_,omitempty"`
	Subject      string      `json:"subject,omitempty"`
	BodyTemplate string      `json:"body_template,omitempty"`
	AttachClip   bool        `json:"attach_clip"`
}

type archiveParams struct {
	Prefix        string  `json:"prefix,omitempty"`
	PresignTTLSec float64 `json:"presign_ttl_sec,omitempty"`
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// Decode parses a record and checks the common fields.
func Decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	if rec.Name == "" {
		return Record{}, errors.New("record has no name")
	}
	if rec.Type == "" || rec.Action.Type == "" {
		return Record{}, fmt.Errorf("record %s: missing type", rec.Name)
	}
	return rec, nil
}

// ToRule builds a live rule. The rule starts with clean run state.
func (rec Record) ToRule() (*seedo.Rule, error) {
	cond, err := rec.condition()
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rec.Name, err)
	}
	action, err := rec.action()
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rec.Name, err)
	}
	enabled := rec.Enabled == nil || *rec.Enabled
	return seedo.NewRule(rec.Name, seconds(rec.IntervalSec), seconds(rec.MinRetriggerSec), cond, action, enabled)
}

func strictUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("missing config")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (rec Record) condition() (seedo.Condition, error) {
	switch rec.Type {
	case seedo.KindBrightness:
		var c brightnessConfig
		if err := strictUnmarshal(rec.Config, &c); err != nil {
			return nil, fmt.Errorf("brightness config: %w", err)
		}
		return seedo.Brightness{Threshold: c.Threshold}, nil

	case seedo.KindSimilarity:
		var c similarityConfig
		if err := json.Unmarshal(rec.Config, &c); err != nil {
			return nil, fmt.Errorf("similarity config: %w", err)
		}
		cond := seedo.RegionSimilarity{Regions: make([]seedo.Region, len(c.Regions))}
		for i, r := range c.Regions {
			cond.Regions[i] = seedo.Region{
				ROI:         r.ROI.rect(),
				Embedding:   r.Embedding,
				Threshold:   r.Threshold,
				GreaterThan: r.GreaterThan,
				ImagePath:   r.ImagePath,
			}
		}
		return cond, nil

	case seedo.KindDepth:
		var c depthConfig
		if err := strictUnmarshal(rec.Config, &c); err != nil {
			return nil, fmt.Errorf("depth config: %w", err)
		}
		return seedo.DepthProximity{ROI: c.ROI.rect(), Threshold: c.Threshold, GreaterThan: c.GreaterThan}, nil

	default:
		return nil, fmt.Errorf("unknown rule type %q", rec.Type)
	}
}

func (rec Record) action() (seedo.Action, error) {
	switch rec.Action.Type {
	case seedo.ActionEmail:
		var p emailParams
		if err := json.Unmarshal(rec.Action.Params, &p); err != nil {
			return nil, fmt.Errorf("email params: %w", err)
		}
		from := p.From
		if from == "" {
			from = p.LegacyFrom
		}
		return seedo.EmailAction{
			To:           p.To,
			From:         from,
			Subject:      p.Subject,
			BodyTemplate: p.BodyTemplate,
			AttachClip:   p.AttachClip,
		}, nil

	case seedo.ActionArchive:
		var p archiveParams
		if len(rec.Action.Params) > 0 {
			if err := json.Unmarshal(rec.Action.Params, &p); err != nil {
				return nil, fmt.Errorf("archive params: %w", err)
			}
		}
		return seedo.ArchiveAction{Prefix: p.Prefix, PresignTTL: seconds(p.PresignTTLSec)}, nil

	default:
		return nil, fmt.Errorf("unknown action type %q", rec.Action.Type)
	}
}

// FromRule captures a rule's definition and enabled flag.
func FromRule(rule *seedo.Rule) (Record, error) {
	enabled := rule.Enabled()
	rec := Record{
		Type:            rule.Type(),
		Name:            rule.Name,
		IntervalSec:     rule.Interval.Seconds(),
		MinRetriggerSec: rule.MinRetrigger.Seconds(),
		Enabled:         &enabled,
	}

	var cfg any
	switch c := rule.Condition.(type) {
	case seedo.Brightness:
		cfg = brightnessConfig{Threshold: c.Threshold}
	case seedo.RegionSimilarity:
		sc := similarityConfig{Regions: make([]regionConfig, len(c.Regions))}
		for i, r := range c.Regions {
			sc.Regions[i] = regionConfig{
				ROI:         fromRect(r.ROI),
				ImagePath:   r.ImagePath,
				Embedding:   r.Embedding,
				Threshold:   r.Threshold,
				GreaterThan: r.GreaterThan,
			}
		}
		cfg = sc
	case seedo.DepthProximity:
		cfg = depthConfig{ROI: fromRect(c.ROI), Threshold: c.Threshold, GreaterThan: c.GreaterThan}
	default:
		return Record{}, fmt.Errorf("unsupported condition %T", rule.Condition)
	}

	var params any
	switch a := rule.Action.(type) {
	case seedo.EmailAction:
		params = emailParams{To: a.To, From: a.From, Subject: a.Subject, BodyTemplate: a.BodyTemplate, AttachClip: a.AttachClip}
	case seedo.ArchiveAction:
		params = archiveParams{Prefix: a.Prefix, PresignTTLSec: a.PresignTTL.Seconds()}
	default:
		return Record{}, fmt.Errorf("unsupported action %T", rule.Action)
	}

	var err error
	if rec.Config, err = json.Marshal(cfg); err != nil {
		return Record{}, err
	}
	rec.Action.Type = rule.Action.Kind()
	if rec.Action.Params, err = json.Marshal(params); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// PendingRegions reports the regions of a similarity record when at least
// one of them has no reference embedding yet and must be captured from a
// live frame.
func (rec Record) PendingRegions() ([]seedo.RegionSpec, bool, error) {
	if rec.Type != seedo.KindSimilarity {
		return nil, false, nil
	}
	var c similarityConfig
	if err := json.Unmarshal(rec.Config, &c); err != nil {
		return nil, false, fmt.Errorf("similarity config: %w", err)
	}
	pending := false
	specs := make([]seedo.RegionSpec, len(c.Regions))
	for i, r := range c.Regions {
		if len(r.Embedding) == 0 {
			pending = true
		}
		specs[i] = seedo.RegionSpec{ROI: r.ROI.rect(), Threshold: r.Threshold, GreaterThan: r.GreaterThan}
	}
	return specs, pending, nil
}

// ToRuleWith builds the rule with cond in place of the record's config.
func (rec Record) ToRuleWith(cond seedo.Condition) (*seedo.Rule, error) {
	action, err := rec.action()
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rec.Name, err)
	}
	enabled := rec.Enabled == nil || *rec.Enabled
	return seedo.NewRule(rec.Name, seconds(rec.IntervalSec), seconds(rec.MinRetriggerSec), cond, action, enabled)
}
