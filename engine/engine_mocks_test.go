package engine

import (
	"context"
	"sync"
	"time"

	"ghosttab/types"
)

// --- Mock implementations ---

type ignoredCall struct {
	loser, winner *types.Suggestion
}

// mockProvider implements provider.Provider for testing
type mockProvider struct {
	kind types.Kind

	mu        sync.Mutex
	result    *types.Suggestion
	err       error
	panicWith any
	gate      chan struct{} // when set, GetNextEdit waits for it to close or for ctx
	started   chan struct{} // receives once per call when set

	calls    int
	ctxErr   error // ctx.Err() when the last call returned
	shown    []*types.Suggestion
	accepted []*types.Suggestion
	rejected []*types.Suggestion
	ignored  []ignoredCall
}

func newMockProvider(kind types.Kind, result *types.Suggestion) *mockProvider {
	return &mockProvider{kind: kind, result: result}
}

func (p *mockProvider) Kind() types.Kind { return p.kind }

func (p *mockProvider) GetNextEdit(ctx context.Context, req *types.CompletionRequest) (*types.Suggestion, error) {
	p.mu.Lock()
	p.calls++
	gate, started := p.gate, p.started
	result, err, panicWith := p.result, p.err, p.panicWith
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if panicWith != nil {
		panic(panicWith)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			p.setCtxErr(ctx.Err())
			return nil, ctx.Err()
		}
	}
	p.setCtxErr(ctx.Err())
	return result, err
}

func (p *mockProvider) setCtxErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxErr = err
}

func (p *mockProvider) HandleShown(s *types.Suggestion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, s)
}

func (p *mockProvider) HandleIgnored(loser, winner *types.Suggestion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignored = append(p.ignored, ignoredCall{loser, winner})
}

func (p *mockProvider) HandleAcceptance(s *types.Suggestion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepted = append(p.accepted, s)
}

func (p *mockProvider) HandleRejection(s *types.Suggestion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = append(p.rejected, s)
}

// providerCalls is a point-in-time copy of what a mockProvider saw
type providerCalls struct {
	calls    int
	ctxErr   error
	shown    []*types.Suggestion
	accepted []*types.Suggestion
	rejected []*types.Suggestion
	ignored  []ignoredCall
}

func (p *mockProvider) snapshot() providerCalls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return providerCalls{
		calls:    p.calls,
		ctxErr:   p.ctxErr,
		shown:    append([]*types.Suggestion(nil), p.shown...),
		accepted: append([]*types.Suggestion(nil), p.accepted...),
		rejected: append([]*types.Suggestion(nil), p.rejected...),
		ignored:  append([]ignoredCall(nil), p.ignored...),
	}
}

// mockRunner adds the delayed entry point without sleeping
type mockRunner struct {
	*mockProvider

	delaysMu sync.Mutex
	delays   []time.Duration
}

func (r *mockRunner) RunUntilNextEdit(ctx context.Context, req *types.CompletionRequest, delay time.Duration) (*types.Suggestion, error) {
	r.delaysMu.Lock()
	r.delays = append(r.delays, delay)
	r.delaysMu.Unlock()
	return r.GetNextEdit(ctx, req)
}

// mockObserver records lifecycle events
type mockObserver struct {
	mu       sync.Mutex
	shown    int
	accepted int
	rejected int
	ignored  int
}

func (o *mockObserver) Shown(*types.Suggestion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shown++
}

func (o *mockObserver) Accepted(*types.Suggestion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accepted++
}

func (o *mockObserver) Rejected(*types.Suggestion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

func (o *mockObserver) Ignored(_, _ *types.Suggestion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ignored++
}

// mockEditor implements Editor for testing
type mockEditor struct {
	mu       sync.Mutex
	doc      *types.Document
	pos      types.Position
	showErr  error
	shown    []*types.Suggestion
	accepted []*types.Suggestion
	clears   int
	onShow   chan *types.Suggestion
}

func newMockEditor() *mockEditor {
	return &mockEditor{
		doc: &types.Document{
			URI:      "file:///w/main.go",
			Path:     "main.go",
			Language: "go",
			Version:  1,
			Lines:    []string{"package main", "", "func main() {", "\tfmt.Println(\"hello\")", "}"},
		},
		pos: types.Position{Line: 3, Character: 5},
	}
}

func (m *mockEditor) Current() (*types.Document, types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, types.Position{}, false
	}
	return m.doc, m.pos, true
}

func (m *mockEditor) setLines(lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := *m.doc
	doc.Lines = lines
	doc.Version++
	m.doc = &doc
}

func (m *mockEditor) Show(s *types.Suggestion) error {
	m.mu.Lock()
	m.shown = append(m.shown, s)
	err, ch := m.showErr, m.onShow
	m.mu.Unlock()
	if ch != nil && err == nil {
		ch <- s
	}
	return err
}

func (m *mockEditor) Accept(s *types.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = append(m.accepted, s)
	return nil
}

func (m *mockEditor) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return nil
}

// mockRacer implements Racer with scripted results
type mockRacer struct {
	mu        sync.Mutex
	results   []*types.RaceResult // consumed in order; the last one repeats
	blockOn   map[int64]bool      // request ids that wait for ctx
	requests  []*types.CompletionRequest
	ctxs      map[int64]context.Context
	ctxErrs   map[int64]chan error
	shown     *types.Suggestion
	shows     []*types.Suggestion
	discarded []*types.Suggestion
	accepts   int
	rejects   int
}

func newMockRacer(results ...*types.RaceResult) *mockRacer {
	return &mockRacer{
		results: results,
		blockOn: map[int64]bool{},
		ctxs:    map[int64]context.Context{},
		ctxErrs: map[int64]chan error{},
	}
}

func (r *mockRacer) Race(ctx context.Context, req *types.CompletionRequest) *types.RaceResult {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.ctxs[req.RequestID] = ctx
	block := r.blockOn[req.RequestID]
	errCh := r.ctxErrs[req.RequestID]
	res := &types.RaceResult{Kind: types.KindNone}
	if len(r.results) > 0 {
		res = r.results[0]
		if len(r.results) > 1 {
			r.results = r.results[1:]
		}
	}
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		if errCh != nil {
			errCh <- ctx.Err()
		}
		return &types.RaceResult{Kind: types.KindNone}
	}
	return res
}

func (r *mockRacer) Show(s *types.Suggestion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = s
	r.shows = append(r.shows, s)
}

func (r *mockRacer) Discard(s *types.Suggestion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, s)
}

func (r *mockRacer) Accept() *types.Suggestion {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepts++
	s := r.shown
	r.shown = nil
	return s
}

func (r *mockRacer) Reject() *types.Suggestion {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects++
	s := r.shown
	r.shown = nil
	return s
}

func (r *mockRacer) Wait() {}

func (r *mockRacer) requestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *mockRacer) raceContext(id int64) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxs[id]
}

// mockCloser records released documents
type mockCloser struct {
	mu     sync.Mutex
	closed []string
}

func (c *mockCloser) CloseDocument(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, uri)
}

func suggestion(kind types.Kind, text string) *types.Suggestion {
	return &types.Suggestion{
		Kind:        kind,
		URI:         "file:///w/main.go",
		FilePath:    "main.go",
		Completions: []*types.Completion{{Text: text}},
	}
}
