package v1

import (
	"fmt"
	"strings"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
)

// CompletionEvent reports one user's completion of one leaf block.
type CompletionEvent struct {
	// UserID identifies the learner. Required.
	UserID string `json:"user_id"`

	// ScopeKey is the course the block belongs to, e.g. "course-v1:edX+DemoX+2026".
	ScopeKey string `json:"scope_key"`

	// BlockKey is the completable block, e.g. "block-v1:edX+DemoX+2026+type@html+block@intro".
	BlockKey string `json:"block_key"`

	// Completion is the completion fraction in [0, 1]. Required; a pointer
	// so an explicit 0 is distinguishable from a missing field.
	Completion *float64 `json:"completion"`

	// ModifiedAt is when the learner completed the block (client clock).
	// Defaults to the receive time when omitted.
	ModifiedAt time.Time `json:"modified_at"`
}

// Validate checks required fields and key shapes.
func (e *CompletionEvent) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if e.ScopeKey == "" {
		return fmt.Errorf("scope_key is required")
	}
	if e.BlockKey == "" {
		return fmt.Errorf("block_key is required")
	}
	if e.Completion == nil {
		return fmt.Errorf("completion is required")
	}
	return e.Leaf().Validate()
}

// Leaf converts the event into the stored leaf completion.
func (e *CompletionEvent) Leaf() aggregation.CompletionLeaf {
	leaf := aggregation.CompletionLeaf{
		UserID:     e.UserID,
		ScopeKey:   e.ScopeKey,
		BlockKey:   e.BlockKey,
		ModifiedAt: e.ModifiedAt,
	}
	if e.Completion != nil {
		leaf.Value = *e.Completion
	}
	return leaf
}

// CompletionResponse reports what the write did.
type CompletionResponse struct {
	Status     string `json:"status"`
	Changed    bool   `json:"changed"`
	Dispatched bool   `json:"dispatched"`
}

// StaleScopeRequest asks for a forced whole-scope recompute.
// An empty Users list marks every user active in the scope.
type StaleScopeRequest struct {
	Users []string `json:"users,omitempty"`
	Sync  bool     `json:"sync"`
}

// StaleScopeResponse reports how many enrollments were marked.
type StaleScopeResponse struct {
	ScopeKey string `json:"scope_key"`
	Marked   int    `json:"marked"`
}
