package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/seedo"
)

// FileStore keeps each rule at <dir>/<slug>/<slug>.json, next to any
// reference images captured for it.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

func NewFileStore(dir string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.L().Named("rule-files")
	}
	return &FileStore{dir: dir, logger: logger}
}

func (s *FileStore) Path(name string) string {
	slug := seedo.Slug(name)
	return filepath.Join(s.dir, slug, slug+".json")
}

// LoadAll reads every *.json one directory below the root. Files that do
// not parse into a valid rule are logged and skipped.
func (s *FileStore) LoadAll(ctx context.Context) ([]*seedo.Rule, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rule dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(s.dir, e.Name(), "*.json"))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	var rules []*seedo.Rule
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rule, err := s.load(f)
		if err != nil {
			s.logger.Warn("Skipping invalid rule file", zap.String("path", f), zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s *FileStore) load(p string) (*seedo.Rule, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return rec.ToRule()
}

// Save writes the rule through a temp file and rename so readers never
// see a partial file.
func (s *FileStore) Save(_ context.Context, rule *seedo.Rule) error {
	rec, err := FromRule(rule)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	p := s.Path(rule.Name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create rule dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+strings.TrimSuffix(filepath.Base(p), ".json")+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("replace %s: %w", p, err)
	}
	s.logger.Debug("Rule saved", zap.String("rule", rule.Name), zap.String("path", p))
	return nil
}
