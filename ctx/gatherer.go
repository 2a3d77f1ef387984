// Package ctx collects extra context for a completion request from several
// sources in parallel.
package ctx

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"ghosttab/logger"
	"ghosttab/types"
)

// GatherTimeout bounds how long all sources together may take
const GatherTimeout = 200 * time.Millisecond

// SourceRequest describes the document a request is for
type SourceRequest struct {
	URI           string
	FilePath      string
	WorkspacePath string
	Position      types.Position
}

// Source contributes part of a ContextResult. It returns nil when it has
// nothing to add and must honour ctx cancellation.
type Source interface {
	Gather(ctx context.Context, req *SourceRequest) *types.ContextResult
}

// Gatherer runs sources in parallel and merges their results
type Gatherer struct {
	sources []Source
	timeout time.Duration
}

func NewGatherer(sources ...Source) *Gatherer {
	return &Gatherer{sources: sources, timeout: GatherTimeout}
}

// Gather runs every source under one shared timeout. A source that panics
// or returns late contributes nothing.
func (g *Gatherer) Gather(ctx context.Context, req *SourceRequest) *types.ContextResult {
	if len(g.sources) == 0 {
		return nil
	}
	defer logger.Trace("ctx.Gather")()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results := make([]*types.ContextResult, len(g.sources))
	var wg sync.WaitGroup
	for i, s := range g.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ctx: source %T panicked: %v\n%s", s, r, debug.Stack())
				}
			}()
			results[i] = s.Gather(ctx, req)
		}()
	}
	wg.Wait()

	return merge(results)
}

func merge(results []*types.ContextResult) *types.ContextResult {
	var merged *types.ContextResult
	for _, r := range results {
		if r == nil {
			continue
		}
		if merged == nil {
			merged = &types.ContextResult{}
		}
		merged.Diagnostics = append(merged.Diagnostics, r.Diagnostics...)
		merged.RecentEdits = append(merged.RecentEdits, r.RecentEdits...)
		if merged.GitDiff == "" {
			merged.GitDiff = r.GitDiff
		}
	}
	return merged
}
