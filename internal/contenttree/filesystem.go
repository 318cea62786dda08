package contenttree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"gopkg.in/yaml.v3"
)

// FileSystemProvider reads one YAML Document per scope from rootDir.
// A scope key maps to {rootDir}/{FileName(scope)}. Parsed documents are
// reused until the file's modification time changes.
type FileSystemProvider struct {
	rootDir  string
	registry *aggregation.ModeRegistry

	mu     sync.Mutex
	loaded map[string]loadedDocument
}

type loadedDocument struct {
	modTime time.Time
	index   *scopeIndex
}

// NewFileSystemProvider creates a provider over rootDir. Blocks without a mode
// override resolve through registry.
func NewFileSystemProvider(rootDir string, registry *aggregation.ModeRegistry) *FileSystemProvider {
	return &FileSystemProvider{
		rootDir:  rootDir,
		registry: registry,
		loaded:   make(map[string]loadedDocument),
	}
}

// FileName returns the document file name for scopeKey.
func FileName(scopeKey string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return r.Replace(scopeKey) + ".yaml"
}

// ResolveRoot implements Provider.
func (p *FileSystemProvider) ResolveRoot(ctx context.Context, scopeKey string) (string, error) {
	idx, err := p.load(scopeKey)
	if err != nil {
		return "", err
	}
	return idx.root, nil
}

// Children implements Provider.
func (p *FileSystemProvider) Children(ctx context.Context, scopeKey, blockKey string) ([]string, error) {
	idx, err := p.load(scopeKey)
	if err != nil {
		return nil, err
	}
	block, err := idx.block(scopeKey, blockKey)
	if err != nil {
		return nil, err
	}
	return block.Children, nil
}

// CompletionMode implements Provider.
func (p *FileSystemProvider) CompletionMode(ctx context.Context, scopeKey, blockKey string) (aggregation.Mode, error) {
	idx, err := p.load(scopeKey)
	if err != nil {
		return "", err
	}
	return idx.mode(p.registry, scopeKey, blockKey)
}

func (p *FileSystemProvider) load(scopeKey string) (*scopeIndex, error) {
	path := filepath.Join(p.rootDir, FileName(scopeKey))

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", aggregation.ErrScopeNotFound, scopeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat content tree %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.loaded[scopeKey]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.index, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read content tree %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", aggregation.ErrMalformedScope, path, err)
	}
	idx, err := indexDocument(scopeKey, doc)
	if err != nil {
		return nil, err
	}

	p.loaded[scopeKey] = loadedDocument{modTime: info.ModTime(), index: idx}
	slog.Debug("[ContentTree] Loaded scope document", "scope_key", scopeKey, "blocks", len(idx.blocks))
	return idx, nil
}
