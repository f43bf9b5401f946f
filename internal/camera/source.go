package camera

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/mikeyg42/seedo/internal/config"
)

// ErrNoFrame is returned by Read when the device produced nothing usable.
var ErrNoFrame = errors.New("camera: no frame available")

// Source is a camera handle. Read blocks until the device yields a frame;
// any error counts as an unsuccessful read.
type Source interface {
	Read() (image.Image, error)
	Close() error
}

// Opener constructs a Source from the camera section of the config.
type Opener func(cfg config.CameraConfig) (Source, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes a backend available to Open under the given camera type.
// Backends register themselves from init so that only the ones linked into
// the binary are selectable.
func Register(kind string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if open == nil {
		panic("camera: Register opener is nil")
	}
	if _, dup := openers[kind]; dup {
		panic("camera: Register called twice for " + kind)
	}
	openers[kind] = open
}

// Backends lists the registered camera types.
func Backends() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	out := make([]string, 0, len(openers))
	for k := range openers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open selects the backend named by cfg.Type.
func Open(cfg config.CameraConfig) (Source, error) {
	openersMu.RLock()
	open, ok := openers[cfg.Type]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("camera: unknown source type %q (have %v)", cfg.Type, Backends())
	}
	src, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("camera: open %s: %w", cfg.Type, err)
	}
	return src, nil
}
