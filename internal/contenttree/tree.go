package contenttree

import (
	"context"
	"fmt"
	"sort"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
)

// Node is one materialized block.
type Node struct {
	Key      string           `json:"key"`
	Type     string           `json:"type"`
	Mode     aggregation.Mode `json:"mode"`
	Children []string         `json:"children,omitempty"`

	// Aggregators are the enclosing aggregator blocks, sorted.
	// Empty for excluded nodes.
	Aggregators []string `json:"aggregators,omitempty"`
}

// Tree is the immutable block hierarchy below Root.
type Tree struct {
	ScopeKey string           `json:"scope_key"`
	Root     string           `json:"root"`
	Nodes    map[string]*Node `json:"nodes"`
}

// Node returns the node for key.
func (t *Tree) Node(key string) (*Node, bool) {
	n, ok := t.Nodes[key]
	return n, ok
}

// AncestorsOf returns the aggregator blocks that enclose block.
// ok is false when block is not part of the tree.
func (t *Tree) AncestorsOf(block string) ([]string, bool) {
	n, ok := t.Nodes[block]
	if !ok {
		return nil, false
	}
	return n.Aggregators, true
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// Materialize walks the hierarchy of scope from its root, or from subRoot when set.
// Cycles and references to unknown blocks return aggregation.ErrMalformedScope.
func Materialize(ctx context.Context, provider Provider, scopeKey, subRoot string) (*Tree, error) {
	root, err := provider.ResolveRoot(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	if subRoot != "" {
		block, err := aggregation.ParseBlockKey(subRoot)
		if err != nil {
			return nil, fmt.Errorf("%w: sub-root: %v", aggregation.ErrScopeNotFound, err)
		}
		if block.Scope.String() != scopeKey {
			return nil, fmt.Errorf("%w: sub-root %s is outside %s", aggregation.ErrScopeNotFound, subRoot, scopeKey)
		}
		root = subRoot
	}

	w := &walker{
		ctx:      ctx,
		provider: provider,
		scope:    scopeKey,
		nodes:    make(map[string]*Node),
		state:    make(map[string]visitState),
	}
	if err := w.visit(root); err != nil {
		return nil, err
	}

	tree := &Tree{ScopeKey: scopeKey, Root: root, Nodes: w.nodes}
	annotateAggregators(tree, w.postOrder)
	return tree, nil
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

type walker struct {
	ctx       context.Context
	provider  Provider
	scope     string
	nodes     map[string]*Node
	state     map[string]visitState
	postOrder []string
}

func (w *walker) visit(key string) error {
	switch w.state[key] {
	case visited:
		return nil
	case visiting:
		return fmt.Errorf("%w: cycle through %s", aggregation.ErrMalformedScope, key)
	}
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.state[key] = visiting

	mode, err := w.provider.CompletionMode(w.ctx, w.scope, key)
	if err != nil {
		return err
	}
	children, err := w.provider.Children(w.ctx, w.scope, key)
	if err != nil {
		return err
	}
	w.nodes[key] = &Node{
		Key:      key,
		Type:     aggregation.BlockType(key),
		Mode:     mode,
		Children: children,
	}
	for _, child := range children {
		if err := w.visit(child); err != nil {
			return err
		}
	}

	w.state[key] = visited
	w.postOrder = append(w.postOrder, key)
	return nil
}

// annotateAggregators fills Node.Aggregators in topological order so every
// parent is annotated before its children. For each parent p: an excluded p
// contributes nothing, an aggregator p contributes itself plus its own
// aggregators, any other p contributes only its own aggregators.
func annotateAggregators(tree *Tree, postOrder []string) {
	parents := make(map[string][]string, len(tree.Nodes))
	for _, key := range postOrder {
		for _, child := range tree.Nodes[key].Children {
			parents[child] = append(parents[child], key)
		}
	}

	annotated := make(map[string]map[string]struct{}, len(tree.Nodes))
	for i := len(postOrder) - 1; i >= 0; i-- {
		key := postOrder[i]
		node := tree.Nodes[key]
		set := make(map[string]struct{})
		annotated[key] = set
		if node.Mode == aggregation.ModeExcluded {
			continue
		}
		for _, p := range parents[key] {
			parent := tree.Nodes[p]
			if parent.Mode == aggregation.ModeExcluded {
				continue
			}
			if parent.Mode == aggregation.ModeAggregator {
				set[p] = struct{}{}
			}
			for a := range annotated[p] {
				set[a] = struct{}{}
			}
		}
		if len(set) == 0 {
			continue
		}
		node.Aggregators = make([]string, 0, len(set))
		for a := range set {
			node.Aggregators = append(node.Aggregators, a)
		}
		sort.Strings(node.Aggregators)
	}
}
