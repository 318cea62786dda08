package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aevon-lab/completion-aggregator/internal/aggregation"
	v1 "github.com/aevon-lab/completion-aggregator/internal/api/v1"
	coreagg "github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
)

// ErrInvalidQuery marks request validation errors that should return HTTP 400.
var ErrInvalidQuery = errors.New("invalid progress query")

// ProgressQuery selects the progress of one enrollment.
type ProgressQuery struct {
	UserID   string
	ScopeKey string

	// Kinds narrows the listed containers. Empty means every registered kind.
	Kinds []string

	// Live merges values computed at read time for containers whose stored
	// aggregate is missing or older than the completions below it.
	Live bool
}

// Service implements the projection/query layer.
// It serves stored aggregates, optionally merged with a read-only updater pass.
type Service struct {
	deps  aggregation.Deps
	kinds aggregation.KindSource
}

// NewService creates a new projection service.
func NewService(deps aggregation.Deps, kinds aggregation.KindSource) *Service {
	if deps.Provider == nil {
		panic("projection: content tree provider must not be nil")
	}
	if deps.Aggregates == nil || deps.Completions == nil {
		panic("projection: aggregate and completion stores must not be nil")
	}
	if kinds == nil {
		panic("projection: kind source must not be nil")
	}
	return &Service{deps: deps, kinds: kinds}
}

// Progress returns the completion of every requested container in the scope.
// Returns coreagg.ErrScopeNotFound or coreagg.ErrMalformedScope when the tree
// cannot be built, and an *coreagg.InvalidCompletionModeError from a live read.
func (s *Service) Progress(ctx context.Context, q ProgressQuery) (*v1.ProgressResponse, error) {
	kinds, err := s.normalizeAndValidate(&q)
	if err != nil {
		return nil, err
	}

	updater, err := aggregation.NewUpdater(ctx, s.deps, aggregation.UpdaterRequest{
		UserID:   q.UserID,
		ScopeKey: q.ScopeKey,
		Kinds:    s.kinds(),
	})
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	var live []coreagg.Aggregate
	if q.Live {
		live, err = updater.Calculate(nil, false)
		if err != nil {
			return nil, fmt.Errorf("live progress: %w", err)
		}
	}

	view := newProgressView(updater, live)
	return &v1.ProgressResponse{
		UserID:   q.UserID,
		ScopeKey: q.ScopeKey,
		Live:     q.Live,
		Course:   view.entry(updater.Tree().Root),
		Entries:  view.entries(kinds),
	}, nil
}

// normalizeAndValidate checks identity fields and resolves the kind filter
// against the registered kinds.
func (s *Service) normalizeAndValidate(q *ProgressQuery) (coreagg.KindSet, error) {
	q.UserID = strings.TrimSpace(q.UserID)
	if q.UserID == "" {
		return coreagg.KindSet{}, invalidQueryf("user_id is required")
	}
	if _, err := coreagg.ParseScopeKey(q.ScopeKey); err != nil {
		return coreagg.KindSet{}, err
	}

	registered := s.kinds()
	if len(q.Kinds) == 0 {
		return registered, nil
	}
	for _, kind := range q.Kinds {
		if !registered.Contains(kind) {
			return coreagg.KindSet{}, invalidQueryf("kind %q is not a registered aggregator kind", kind)
		}
	}
	return coreagg.NewKindSet(q.Kinds...), nil
}

func invalidQueryf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}
