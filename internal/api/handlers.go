package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mikeyg42/seedo/internal/inference"
	"github.com/mikeyg42/seedo/internal/recorder/encoder"
	"github.com/mikeyg42/seedo/internal/seedo"
	"github.com/mikeyg42/seedo/internal/seedo/store"
)

const maxRuleBody = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

const healthTimeout = 3 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := map[string]any{"status": "ok"}
	status := http.StatusOK
	if len(s.opts.Health) > 0 {
		checks := make(map[string]string, len(s.opts.Health))
		for name, hc := range s.opts.Health {
			if err := hc.HealthCheck(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				resp["status"] = "degraded"
				continue
			}
			checks[name] = "ok"
		}
		resp["checks"] = checks
	}
	writeJSON(w, status, resp)
}

type statusResponse struct {
	Capturing bool                              `json:"capturing"`
	Recording bool                              `json:"recording"`
	Rules     int                               `json:"rules"`
	Enabled   int                               `json:"enabled_rules"`
	Metrics   map[string]map[string]interface{} `json:"metrics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Capturing: s.recorder.Active(),
		Recording: s.recorder.Recording(),
		Metrics:   map[string]map[string]interface{}{"recorder": s.recorder.GetMetrics()},
	}
	for _, rule := range s.rules.List() {
		resp.Rules++
		if rule.Enabled() {
			resp.Enabled++
		}
	}
	for name, src := range s.opts.Metrics {
		resp.Metrics[name] = src.GetMetrics()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.rules.List()
	out := make([]seedo.Status, len(rules))
	for i, rule := range rules {
		out[i] = rule.Status()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rule.Status())
}

type archivedObject struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type,omitempty"`
}

// handleListArchive lists the evidence an archive rule has uploaded.
func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	action, ok := rule.Action.(seedo.ArchiveAction)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("rule does not archive evidence"))
		return
	}
	if s.opts.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no object store configured"))
		return
	}
	objects, err := s.opts.Archive.List(r.Context(), seedo.ArchivePrefix(action.Prefix, rule.Name))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	out := make([]archivedObject, len(objects))
	for i, o := range objects {
		out[i] = archivedObject{Key: o.Key, Size: o.Size, LastModified: o.LastModified, ContentType: o.ContentType}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateRule accepts a stored rule record. Similarity regions with
// no embedding are captured from the latest frame.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRuleBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := store.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	specs, pending, err := rec.PendingRegions()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var rule *seedo.Rule
	if pending {
		var cond seedo.RegionSimilarity
		cond, err = seedo.NewSimilarityCondition(r.Context(), s.opts.Embedder, s.recorder.Latest(), rec.Name, s.opts.ImageDir, specs)
		switch {
		case errors.Is(err, inference.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, err)
			return
		case err != nil:
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		rule, err = rec.ToRuleWith(cond)
	} else {
		rule, err = rec.ToRule()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.rules.Add(r.Context(), rule); err != nil {
		s.audit(r, auditCreate, rule.Name, err)
		if errors.Is(err, seedo.ErrRuleExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.audit(r, auditCreate, rule.Name, nil)
	writeJSON(w, http.StatusCreated, rule.Status())
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	enabled, err := s.rules.Toggle(r.Context(), name)
	s.audit(r, auditToggle, name, err)
	switch {
	case errors.Is(err, seedo.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("op") {
	case "start":
		s.recorder.StartCapture()
	case "stop":
		s.recorder.StopCapture()
	default:
		http.NotFound(w, r)
		return
	}
	s.audit(r, auditCapture, r.PathValue("op"), nil)
	writeJSON(w, http.StatusOK, map[string]bool{"capturing": s.recorder.Active()})
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("op") {
	case "start":
		s.recorder.StartRecording()
	case "stop":
		s.recorder.StopRecording()
	default:
		http.NotFound(w, r)
		return
	}
	s.audit(r, auditRecording, r.PathValue("op"), nil)
	writeJSON(w, http.StatusOK, map[string]bool{"recording": s.recorder.Recording()})
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	f := s.recorder.Latest()
	if f == nil || f.Image == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no frame captured yet"))
		return
	}
	data, err := encoder.EncodeJPEG(f.Image, s.opts.JPEGQuality)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Time", f.Timestamp.UTC().Format(time.RFC3339Nano))
	w.Write(data)
}
