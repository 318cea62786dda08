package contenttree

import (
	"context"
	"fmt"
	"sync"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
)

// MemoryProvider is an in-memory Provider.
// Useful for testing and development.
type MemoryProvider struct {
	registry *aggregation.ModeRegistry

	mu     sync.RWMutex
	scopes map[string]*scopeIndex
}

// NewMemoryProvider creates an empty provider. Blocks without a mode override
// resolve through registry.
func NewMemoryProvider(registry *aggregation.ModeRegistry) *MemoryProvider {
	return &MemoryProvider{
		registry: registry,
		scopes:   make(map[string]*scopeIndex),
	}
}

// Put replaces the hierarchy of doc.Scope.
func (p *MemoryProvider) Put(doc Document) error {
	if _, err := aggregation.ParseScopeKey(doc.Scope); err != nil {
		return err
	}
	idx, err := indexDocument(doc.Scope, doc)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.scopes[doc.Scope] = idx
	return nil
}

// Delete removes a scope.
func (p *MemoryProvider) Delete(scopeKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.scopes, scopeKey)
}

// ResolveRoot implements Provider.
func (p *MemoryProvider) ResolveRoot(ctx context.Context, scopeKey string) (string, error) {
	idx, err := p.get(scopeKey)
	if err != nil {
		return "", err
	}
	return idx.root, nil
}

// Children implements Provider.
func (p *MemoryProvider) Children(ctx context.Context, scopeKey, blockKey string) ([]string, error) {
	idx, err := p.get(scopeKey)
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
func (p *MemoryProvider) CompletionMode(ctx context.Context, scopeKey, blockKey string) (aggregation.Mode, error) {
	idx, err := p.get(scopeKey)
	if err != nil {
		return "", err
	}
	return idx.mode(p.registry, scopeKey, blockKey)
}

func (p *MemoryProvider) get(scopeKey string) (*scopeIndex, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	idx, ok := p.scopes[scopeKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", aggregation.ErrScopeNotFound, scopeKey)
	}
	return idx, nil
}
