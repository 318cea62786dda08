package ingestion

import (
	"github.com/aevon-lab/completion-aggregator/internal/aggregation"
	"github.com/gin-gonic/gin"
)

// Service is the write path: leaf completions in, stale work out.
type Service struct {
	deps             aggregation.Deps
	kinds            aggregation.KindSource
	syncOnWrite      bool
	maxBodySizeBytes int
}

// Options configure a Service.
type Options struct {
	// SyncOnWrite dispatches each changed completion immediately instead of
	// waiting for the next drain.
	SyncOnWrite   bool
	MaxBodySizeMB int
}

func NewService(deps aggregation.Deps, kinds aggregation.KindSource, opts Options) *Service {
	if deps.Completions == nil {
		panic("ingestion: completion store must not be nil")
	}
	if deps.Queue == nil {
		panic("ingestion: stale work queue must not be nil")
	}
	if kinds == nil {
		panic("ingestion: kind source must not be nil")
	}
	if opts.MaxBodySizeMB <= 0 {
		opts.MaxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		deps:             deps,
		kinds:            kinds,
		syncOnWrite:      opts.SyncOnWrite,
		maxBodySizeBytes: opts.MaxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/completions", s.CompletionHandler)
	r.POST("/v1/scopes/:scope_key/stale", s.MarkStaleHandler)
}
