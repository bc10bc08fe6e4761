package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileSource is the source slot name for tools declared in a descriptor file.
const FileSource = "file"

// File loads tool descriptors from a JSON file and hot-reloads them when the
// file changes. The file holds a {"tools": [...]} document of Descriptors;
// execution is delegated to the invoker, typically a CMS relay.
type File struct {
	path    string
	cat     *Catalog
	invoker func(tool string) InvokeFunc
	log     *slog.Logger
}

// NewFile builds a file-backed tool source.
func NewFile(path string, cat *Catalog, invoker func(tool string) InvokeFunc, log *slog.Logger) *File {
	if log == nil {
		log = slog.Default()
	}
	return &File{path: path, cat: cat, invoker: invoker, log: log}
}

// Load reads the descriptor file and swaps the catalog's file slot.
func (f *File) Load(ctx context.Context) error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read tool descriptors: %w", err)
	}
	var doc struct {
		Tools []Descriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse tool descriptors %s: %w", f.path, err)
	}

	entries := make([]*Entry, 0, len(doc.Tools))
	for _, desc := range doc.Tools {
		e, err := NewEntry(desc, f.invoker(desc.Name))
		if err != nil {
			f.log.WarnContext(ctx, "catalog.file.tool.skip",
				slog.String("tool", desc.Name),
				slog.String("err", err.Error()))
			continue
		}
		entries = append(entries, e)
	}

	f.cat.SetSource(ctx, FileSource, entries)
	return nil
}

// Run performs an initial load and then watches the file for changes until
// the context ends. Editors commonly replace the file via rename, so the
// watch covers the containing directory and re-arms after each swap. A bad
// intermediate write keeps the previous tool set.
func (f *File) Run(ctx context.Context) error {
	if err := f.Load(ctx); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch tool descriptors: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.Load(ctx); err != nil {
				f.log.WarnContext(ctx, "catalog.file.reload.fail",
					slog.String("path", f.path),
					slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.WarnContext(ctx, "catalog.file.watch.err",
				slog.String("err", err.Error()))
		}
	}
}
