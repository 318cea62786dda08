// Package contenttree resolves the block hierarchy of a scope and materializes it
// into the Tree shape the aggregation updater walks.
package contenttree

import (
	"context"
	"fmt"
	"strings"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
)

// Provider exposes the content hierarchy of a scope.
type Provider interface {
	// ResolveRoot returns the root block of scope.
	// Returns aggregation.ErrScopeNotFound if the scope does not exist.
	ResolveRoot(ctx context.Context, scopeKey string) (string, error)

	// Children returns the ordered child keys of block.
	Children(ctx context.Context, scopeKey, blockKey string) ([]string, error)

	// CompletionMode returns the completion-mode tag of block.
	// The tag is returned as stored; callers validate it.
	CompletionMode(ctx context.Context, scopeKey, blockKey string) (aggregation.Mode, error)
}

// Document is the serialized content hierarchy of one scope.
//
//	scope: course-v1:edX+DemoX+2026
//	root: block-v1:edX+DemoX+2026+type@course+block@course
//	blocks:
//	  - id: block-v1:edX+DemoX+2026+type@course+block@course
//	    children: [block-v1:edX+DemoX+2026+type@chapter+block@ch1]
//	  - id: block-v1:edX+DemoX+2026+type@chapter+block@ch1
//	    mode: aggregator
type Document struct {
	Scope  string      `yaml:"scope"`
	Root   string      `yaml:"root"`
	Blocks []BlockSpec `yaml:"blocks"`
}

// BlockSpec is one block of a Document.
// Mode overrides the registry lookup by block type when set.
type BlockSpec struct {
	ID       string   `yaml:"id"`
	Mode     string   `yaml:"mode,omitempty"`
	Children []string `yaml:"children,omitempty"`
}

// scopeIndex is a validated Document keyed by block id.
type scopeIndex struct {
	root   string
	blocks map[string]BlockSpec
}

func indexDocument(scopeKey string, doc Document) (*scopeIndex, error) {
	if doc.Scope != "" && doc.Scope != scopeKey {
		return nil, fmt.Errorf("%w: document declares scope %s, expected %s", aggregation.ErrMalformedScope, doc.Scope, scopeKey)
	}
	if strings.TrimSpace(doc.Root) == "" {
		return nil, fmt.Errorf("%w: %s has no root", aggregation.ErrMalformedScope, scopeKey)
	}

	idx := &scopeIndex{root: doc.Root, blocks: make(map[string]BlockSpec, len(doc.Blocks))}
	for i, block := range doc.Blocks {
		if strings.TrimSpace(block.ID) == "" {
			return nil, fmt.Errorf("%w: %s block #%d has no id", aggregation.ErrMalformedScope, scopeKey, i)
		}
		if _, dup := idx.blocks[block.ID]; dup {
			return nil, fmt.Errorf("%w: %s declares block %s twice", aggregation.ErrMalformedScope, scopeKey, block.ID)
		}
		idx.blocks[block.ID] = block
	}
	if _, ok := idx.blocks[doc.Root]; !ok {
		return nil, fmt.Errorf("%w: %s root %s is not a declared block", aggregation.ErrMalformedScope, scopeKey, doc.Root)
	}
	return idx, nil
}

func (idx *scopeIndex) block(scopeKey, blockKey string) (BlockSpec, error) {
	block, ok := idx.blocks[blockKey]
	if !ok {
		return BlockSpec{}, fmt.Errorf("%w: %s references unknown block %s", aggregation.ErrMalformedScope, scopeKey, blockKey)
	}
	return block, nil
}

func (idx *scopeIndex) mode(registry *aggregation.ModeRegistry, scopeKey, blockKey string) (aggregation.Mode, error) {
	block, err := idx.block(scopeKey, blockKey)
	if err != nil {
		return "", err
	}
	if block.Mode != "" {
		return aggregation.Mode(block.Mode), nil
	}
	return registry.Lookup(aggregation.BlockType(blockKey)), nil
}
