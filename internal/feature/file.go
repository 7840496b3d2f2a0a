package feature

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// documentVersion is bumped when the on-disk schema changes shape.
const documentVersion = 1

// document is the on-disk form of a project backlog. One YAML file per
// project keeps the backlog human-diffable and hand-editable.
type document struct {
	Version  int        `yaml:"version"`
	Project  string     `yaml:"project"`
	Features []*Feature `yaml:"features"`
}

// FileStore is a Store persisted to a single features.yaml. All reads are
// served from memory; every mutation rewrites the file atomically.
type FileStore struct {
	path    string
	project string
	logger  *logging.Logger

	mu  sync.Mutex
	mem *memoryStore

	// writing suppresses watcher reloads triggered by our own rename.
	writing  atomic.Bool
	onReload func()

	watcher *fsnotify.Watcher
}

// NewFileStore opens or creates the features.yaml for a project. The parent
// directory is created if missing.
func NewFileStore(path, project string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	fs := &FileStore{
		path:    path,
		project: project,
		logger:  logger,
		mem:     &memoryStore{features: make(map[string]*Feature)},
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

// OnReload registers a callback invoked after an external edit is loaded.
// Must be called before Watch.
func (fs *FileStore) OnReload(fn func()) {
	fs.onReload = fn
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return fs.persist()
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", fs.path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", fs.path, err)
	}
	if doc.Version > documentVersion {
		return fmt.Errorf("unsupported backlog version %d in %s", doc.Version, fs.path)
	}
	features := make(map[string]*Feature, len(doc.Features))
	for _, f := range doc.Features {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("feature %s in %s: %w", f.ID, fs.path, err)
		}
		features[f.ID] = f
	}
	fs.mem.mu.Lock()
	fs.mem.features = features
	fs.mem.mu.Unlock()
	return nil
}

// persist writes the whole document via tmp + rename so readers never see a
// torn file.
func (fs *FileStore) persist() error {
	fs.mem.mu.RLock()
	doc := document{
		Version:  documentVersion,
		Project:  fs.project,
		Features: fs.mem.listLocked(),
	}
	fs.mem.mu.RUnlock()

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal backlog: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".features-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp backlog: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write backlog: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod backlog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backlog: %w", err)
	}

	fs.writing.Store(true)
	defer fs.writing.Store(false)
	if err := os.Rename(tmpName, fs.path); err != nil {
		return fmt.Errorf("replace backlog: %w", err)
	}
	return nil
}

// Watch reloads the store when the file changes on disk, until ctx is done.
// External edits trigger the OnReload callback so the scheduler re-ticks.
func (fs *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: atomic renames replace the inode.
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(fs.path), err)
	}
	fs.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != fs.path {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if fs.writing.Load() {
					continue
				}
				fs.mu.Lock()
				err := fs.load()
				fs.mu.Unlock()
				if err != nil {
					fs.logger.Warn(ctx, "backlog reload failed",
						zap.String("path", fs.path),
						zap.Error(err))
					continue
				}
				fs.logger.Info(ctx, "backlog reloaded from disk",
					zap.String("path", fs.path))
				if fs.onReload != nil {
					fs.onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fs.logger.Warn(ctx, "backlog watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running. The store itself holds no
// other resources; reads keep working after Close.
func (fs *FileStore) Close() error {
	if fs.watcher != nil {
		return fs.watcher.Close()
	}
	return nil
}

func (fs *FileStore) Create(ctx context.Context, f *Feature) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.Create(ctx, f); err != nil {
		return err
	}
	if err := fs.persist(); err != nil {
		_ = fs.mem.Delete(ctx, f.ID)
		return err
	}
	return nil
}

func (fs *FileStore) Get(ctx context.Context, id string) (*Feature, error) {
	return fs.mem.Get(ctx, id)
}

func (fs *FileStore) List(ctx context.Context) ([]*Feature, error) {
	return fs.mem.List(ctx)
}

func (fs *FileStore) Update(ctx context.Context, id string, fn func(*Feature) error) (*Feature, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	before, err := fs.mem.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := fs.mem.Update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	if err := fs.persist(); err != nil {
		fs.mem.mu.Lock()
		fs.mem.features[id] = before
		fs.mem.mu.Unlock()
		return nil, err
	}
	return updated, nil
}

func (fs *FileStore) Transition(ctx context.Context, id string, to Status) (*Feature, error) {
	return fs.Update(ctx, id, func(f *Feature) error {
		if err := ValidateTransition(f.Status, to); err != nil {
			return err
		}
		f.Status = to
		return nil
	})
}

func (fs *FileStore) Delete(ctx context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.Delete(ctx, id); err != nil {
		return err
	}
	return fs.persist()
}
