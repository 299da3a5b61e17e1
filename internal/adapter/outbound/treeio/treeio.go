// Package treeio loads the signal tree's base document and overlay files
// from disk at startup. The tree document has no Save path: the server never
// persists runtime values back to disk, only the declared tree shape is ever
// loaded.
package treeio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/vsstree/server/internal/domain/tree"
)

// Loader reads the base VSS document and any overlay documents from disk
// and applies them to a Store in a fixed order: base first, then overlays
// in lexicographic filename order.
type Loader struct {
	logger *slog.Logger
}

// NewLoader returns a Loader that logs its progress to logger.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// LoadBase reads basePath and initializes store with it, discarding
// anything previously loaded.
func (l *Loader) LoadBase(store *tree.Store, basePath string) error {
	data, err := os.ReadFile(basePath)
	if err != nil {
		return fmt.Errorf("treeio: reading base tree %s: %w", basePath, err)
	}
	if err := store.Init(data); err != nil {
		return fmt.Errorf("treeio: parsing base tree %s: %w", basePath, err)
	}
	l.logger.Info("loaded base signal tree", "path", basePath)
	return nil
}

// LoadOverlayDir deep-merges every *.json file in dir into store, in
// lexicographic filename order, so a numbered naming convention
// (01-custom.json, 02-custom.json, ...) controls apply order deterministically.
// A missing directory is not an error: overlays are optional.
func (l *Loader) LoadOverlayDir(store *tree.Store, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("treeio: listing overlay directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("treeio: reading overlay %s: %w", path, err)
		}
		if err := store.ApplyOverlay(data, true); err != nil {
			return fmt.Errorf("treeio: applying overlay %s: %w", path, err)
		}
		l.logger.Info("applied signal tree overlay", "path", path)
	}
	return nil
}
