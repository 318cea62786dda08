package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/aevon-lab/completion-aggregator/internal/core/storage"
	"github.com/aevon-lab/completion-aggregator/internal/dispatch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KindSource returns the registered-kind allow-list in effect right now.
type KindSource func() aggregation.KindSet

// StaticKinds returns a KindSource that always yields kinds.
func StaticKinds(kinds aggregation.KindSet) KindSource {
	return func() aggregation.KindSet { return kinds }
}

// UpdateAggregators runs one task: build the updater for the enrollment and commit an update.
// A scope that is missing or malformed is not retried: every pending item of the
// enrollment is resolved, a warning is logged, and nil is returned.
func UpdateAggregators(ctx context.Context, deps Deps, task dispatch.Task, kinds aggregation.KindSet) (err error) {
	ctx, span := tracer.Start(ctx, "aggregation.update", trace.WithAttributes(
		attribute.String("user_id", task.UserID),
		attribute.String("scope_key", task.ScopeKey),
		attribute.Int("changed_blocks", len(task.ChangedBlocks)),
		attribute.Bool("force", task.Force),
	))
	start := time.Now()
	defer func() {
		updateDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	updater, err := NewUpdater(ctx, deps, UpdaterRequest{
		UserID:   task.UserID,
		ScopeKey: task.ScopeKey,
		Kinds:    kinds,
	})
	if errors.Is(err, aggregation.ErrScopeNotFound) || errors.Is(err, aggregation.ErrMalformedScope) {
		return forceResolve(ctx, deps, task, err)
	}
	if err != nil {
		updateTotal.WithLabelValues("error").Inc()
		return err
	}

	result, err := updater.Update(ctx, task.ChangedBlocks, task.Force)
	if err != nil {
		updateTotal.WithLabelValues("error").Inc()
		return err
	}

	updateTotal.WithLabelValues("ok").Inc()
	stagedRows.Observe(float64(result.Staged))
	span.SetAttributes(
		attribute.Int("staged", result.Staged),
		attribute.Int64("resolved", result.Resolved),
	)
	return nil
}

func forceResolve(ctx context.Context, deps Deps, task dispatch.Task, cause error) error {
	updateTotal.WithLabelValues("scope_missing").Inc()
	if deps.Queue == nil {
		return fmt.Errorf("force resolve: stale work queue is required: %w", cause)
	}

	resolved, err := deps.Queue.Resolve(ctx, storage.ResolveFilter{
		UserID:   task.UserID,
		ScopeKey: task.ScopeKey,
	})
	if err != nil {
		return fmt.Errorf("force resolve %s/%s: %w", task.UserID, task.ScopeKey, err)
	}
	staleResolved.WithLabelValues("force").Add(float64(resolved))

	slog.Warn("[Updater] Scope unavailable, skipping aggregation and resolving pending work",
		"user_id", task.UserID,
		"scope_key", task.ScopeKey,
		"resolved", resolved,
		"error", cause)
	return nil
}

// TaskHandler adapts UpdateAggregators to a dispatch.Handler.
// kinds is read once per task.
func TaskHandler(deps Deps, kinds KindSource) dispatch.Handler {
	return func(ctx context.Context, task dispatch.Task) error {
		return UpdateAggregators(ctx, deps, task, kinds())
	}
}
