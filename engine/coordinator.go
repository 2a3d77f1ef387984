package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"ghosttab/clock"
	"ghosttab/logger"
	"ghosttab/provider"
	"ghosttab/types"

	"github.com/cockroachdb/errors"
)

// RaceConfig holds the coordinator timings
type RaceConfig struct {
	DiagnosticsDelay time.Duration // scheduled start of the diagnostics provider
	ExtendedWait     time.Duration // extra time granted after an empty first result
	FimTimeout       time.Duration // upper bound on a FIM call; 0 means none
}

// Observer is told about every suggestion lifecycle event
type Observer interface {
	Shown(s *types.Suggestion)
	Accepted(s *types.Suggestion)
	Rejected(s *types.Suggestion)
	Ignored(loser, winner *types.Suggestion)
}

// Coordinator races the FIM and diagnostics providers for one cursor
// position and forwards lifecycle events to whichever produced the shown
// suggestion.
type Coordinator struct {
	registry *provider.Registry
	config   RaceConfig
	clock    clock.Clock
	observer Observer

	mu        sync.Mutex
	lastShown *types.Suggestion

	// losers still being awaited after their race returned
	late sync.WaitGroup
}

// NewCoordinator creates a coordinator. observer may be nil.
func NewCoordinator(registry *provider.Registry, config RaceConfig, clk clock.Clock, observer Observer) *Coordinator {
	return &Coordinator{
		registry: registry,
		config:   config,
		clock:    clk,
		observer: observer,
	}
}

// Race runs both providers and returns the winner. It never fails: provider
// errors and panics count as empty results and cancellation yields KindNone.
// The winner is not shown until the caller passes it to Show.
//
// The diagnostics provider runs under a child of ctx. The FIM provider runs
// under a context detached from ctx so an abandoned call can still finish and
// seed the speculative cache. The extended wait cancels diagnostics only.
func (c *Coordinator) Race(ctx context.Context, req *types.CompletionRequest) *types.RaceResult {
	defer logger.Trace("coordinator.Race")()

	fimCtx, cancelFim := c.fimContext(ctx)
	diagCtx, cancelDiag := context.WithCancel(ctx)

	fimCh := c.launch(fimCtx, cancelFim, types.KindFIM, req, 0)
	diagCh := c.launch(diagCtx, cancelDiag, types.KindDiagnostics, req, c.config.DiagnosticsDelay)

	var (
		fim, diag         *types.Suggestion
		fimDone, diagDone bool
	)

	select {
	case fim = <-fimCh:
		fimDone = true
	case diag = <-diagCh:
		diagDone = true
	case <-ctx.Done():
		logger.Debug("coordinator: request %d abandoned", req.RequestID)
		c.awaitLate(fimCh, nil)
		c.awaitLate(diagCh, nil)
		return &types.RaceResult{Kind: types.KindNone}
	}

	// Anything short of a FIM result grants the providers still running one
	// extension window, since a FIM result beats any diagnostics fix
	waiting := func() bool {
		if fim != nil {
			return false
		}
		return !fimDone || !diagDone
	}
	if waiting() {
		extended := make(chan struct{})
		t := c.clock.AfterFunc(c.config.ExtendedWait, func() { close(extended) })

		fc, dc := pendingOnly(fimCh, fimDone), pendingOnly(diagCh, diagDone)
	wait:
		for waiting() {
			select {
			case fim = <-fc:
				fimDone, fc = true, nil
			case diag = <-dc:
				diagDone, dc = true, nil
			case <-extended:
				logger.Debug("coordinator: extended wait elapsed for request %d", req.RequestID)
				if !diagDone {
					cancelDiag()
				}
				break wait
			case <-ctx.Done():
				break wait
			}
		}
		t.Stop()
	}

	var res *types.RaceResult
	switch {
	case fim != nil:
		res = &types.RaceResult{Kind: types.KindFIM, Winner: fim}
		if !diagDone {
			cancelDiag()
		}
	case diag != nil:
		res = &types.RaceResult{Kind: types.KindDiagnostics, Winner: diag}
	default:
		res = &types.RaceResult{Kind: types.KindNone}
	}

	// Collect a loser that already settled; the rest is reported when it arrives
	if !fimDone {
		select {
		case fim = <-fimCh:
			fimDone = true
		default:
			c.awaitLate(fimCh, res.Winner)
		}
	}
	if !diagDone {
		select {
		case diag = <-diagCh:
			diagDone = true
		default:
			c.awaitLate(diagCh, res.Winner)
		}
	}

	switch res.Kind {
	case types.KindFIM:
		if diagDone && diag != nil {
			res.Loser = diag
		}
	case types.KindDiagnostics:
		if fimDone && fim != nil {
			res.Loser = fim
		}
	}

	if res.Loser != nil {
		c.ignore(res.Loser, res.Winner)
	}
	// Nobody is waiting for a suggestion once the request is abandoned
	if res.Winner != nil && ctx.Err() != nil {
		c.ignore(res.Winner, nil)
		logger.Debug("coordinator: request %d abandoned after its race", req.RequestID)
		return &types.RaceResult{Kind: types.KindNone}
	}
	logger.Debug("coordinator: request %d won by %s", req.RequestID, res.Kind)
	return res
}

// pendingOnly returns ch while its value is still outstanding and nil after,
// so a select never receives from a settled provider twice
func pendingOnly(ch <-chan *types.Suggestion, done bool) <-chan *types.Suggestion {
	if done {
		return nil
	}
	return ch
}

func (c *Coordinator) fimContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.config.FimTimeout > 0 {
		return context.WithTimeout(detached, c.config.FimTimeout)
	}
	return context.WithCancel(detached)
}

// launch starts the provider for kind and returns a channel that receives
// exactly one value. A missing provider settles immediately with nil.
func (c *Coordinator) launch(ctx context.Context, cancel context.CancelFunc, kind types.Kind, req *types.CompletionRequest, delay time.Duration) <-chan *types.Suggestion {
	out := make(chan *types.Suggestion, 1)

	p, ok := c.registry.Get(kind)
	if !ok {
		cancel()
		out <- nil
		return out
	}
	runner, hasRunner := c.registry.Runner(kind)

	go func() {
		var s *types.Suggestion
		defer func() {
			cancel()
			out <- s
		}()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("coordinator: %s provider panic: %v\n%s", kind, r, debug.Stack())
				s = nil
			}
		}()

		var err error
		switch {
		case hasRunner:
			s, err = runner.RunUntilNextEdit(ctx, req, delay)
		case delay > 0:
			if !c.sleep(ctx, delay) {
				return
			}
			s, err = p.GetNextEdit(ctx, req)
		default:
			s, err = p.GetNextEdit(ctx, req)
		}
		switch {
		case errors.Is(err, provider.ErrSkipCompletion):
			logger.Debug("coordinator: %v", err)
			s = nil
		case err != nil:
			logger.Warn("coordinator: %s provider failed: %v", kind, err)
			s = nil
		}
		if s != nil && len(s.Completions) == 0 {
			s = nil
		}
	}()
	return out
}

// sleep waits d on the coordinator clock. It reports false when ctx ends first.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// awaitLate reports a result that arrives after its race returned
func (c *Coordinator) awaitLate(ch <-chan *types.Suggestion, winner *types.Suggestion) {
	c.late.Add(1)
	go func() {
		defer c.late.Done()
		if s := <-ch; s != nil {
			c.ignore(s, winner)
		}
	}()
}

// Wait blocks until every late loser has been reported
func (c *Coordinator) Wait() {
	c.late.Wait()
}

func (c *Coordinator) ignore(loser, winner *types.Suggestion) {
	if p, ok := c.registry.Get(loser.Kind); ok {
		c.safely(loser.Kind, "HandleIgnored", func() { p.HandleIgnored(loser, winner) })
	}
	if c.observer != nil {
		c.observer.Ignored(loser, winner)
	}
}

// Show makes s the suggestion awaiting accept or reject and tells its provider.
// Call it once the editor displays a race winner.
func (c *Coordinator) Show(s *types.Suggestion) {
	if p, ok := c.registry.Get(s.Kind); ok {
		c.safely(s.Kind, "HandleShown", func() { p.HandleShown(s) })
	}
	c.mu.Lock()
	c.lastShown = s
	c.mu.Unlock()
	if c.observer != nil {
		c.observer.Shown(s)
	}
}

// Discard reports a race winner that was never displayed as ignored
func (c *Coordinator) Discard(s *types.Suggestion) {
	if s == nil {
		return
	}
	logger.Debug("coordinator: %s suggestion discarded", s.Kind)
	c.ignore(s, nil)
}

// LastShown returns the suggestion awaiting accept or reject, if any
func (c *Coordinator) LastShown() *types.Suggestion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastShown
}

func (c *Coordinator) takeShown() *types.Suggestion {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.lastShown
	c.lastShown = nil
	return s
}

// Accept forwards acceptance of the last shown suggestion to its provider.
// Each shown suggestion is accepted or rejected at most once.
func (c *Coordinator) Accept() *types.Suggestion {
	s := c.takeShown()
	if s == nil {
		return nil
	}
	if p, ok := c.registry.Get(s.Kind); ok {
		c.safely(s.Kind, "HandleAcceptance", func() { p.HandleAcceptance(s) })
	}
	if c.observer != nil {
		c.observer.Accepted(s)
	}
	return s
}

// Reject forwards rejection of the last shown suggestion to its provider
func (c *Coordinator) Reject() *types.Suggestion {
	s := c.takeShown()
	if s == nil {
		return nil
	}
	if p, ok := c.registry.Get(s.Kind); ok {
		c.safely(s.Kind, "HandleRejection", func() { p.HandleRejection(s) })
	}
	if c.observer != nil {
		c.observer.Rejected(s)
	}
	return s
}

func (c *Coordinator) safely(kind types.Kind, callback string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("coordinator: %s %s panic: %v", kind, callback, r)
		}
	}()
	f()
}
