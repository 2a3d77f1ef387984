// Package fim is the fill-in-the-middle provider. It answers from the
// visible ghost text, from completions already returned for the same
// prefix/suffix, or from a speculative request prefetched on the previous
// keystroke before falling back to the debounced network call.
package fim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ghosttab/clock"
	"ghosttab/client/fimapi"
	"ghosttab/debounce"
	"ghosttab/logger"
	"ghosttab/provider"
	"ghosttab/refactor"
	"ghosttab/speculative"
	"ghosttab/types"
	"ghosttab/utils"

	"github.com/cockroachdb/errors"
)

// Backend is the completion service
type Backend interface {
	Complete(ctx context.Context, req *fimapi.CompletionRequest) (*fimapi.CompletionResponse, error)
	DetectEditRange(ctx context.Context, req *fimapi.EditRangeRequest) (*fimapi.EditRangeResponse, error)
	HasAPIKey() bool
	SetAPIKey(key string)
}

// DocumentSource returns the active document and cursor at call time.
// Speculative requests read it when they run, not when they are stored.
type DocumentSource interface {
	Current() (*types.Document, types.Position, bool)
}

// PatternChecker decides whether a region is worth an edit-range lookup
type PatternChecker interface {
	ShouldCheck(doc *types.Document, pos types.Position) bool
}

type Config struct {
	MaxTokens             int
	Temperature           float64
	MaxContextTokens      int // 0 sends the whole document
	CyclingChoices        int
	SpeculativeCapacity   int
	CompletionsPerFile    int
	RefactorEnabled       bool
	RefactorMinConfidence float64
	Debounce              debounce.Config
}

func DefaultConfig() Config {
	return Config{
		MaxTokens:             500,
		Temperature:           0.1,
		MaxContextTokens:      4096,
		CyclingChoices:        5,
		SpeculativeCapacity:   speculative.DefaultCapacity,
		CompletionsPerFile:    50,
		RefactorEnabled:       true,
		RefactorMinConfidence: 0.75,
		Debounce: debounce.Config{
			Interval:              200 * time.Millisecond,
			TrivialAppendEnabled:  true,
			TrivialAppendMaxChars: 1,
		},
	}
}

// shownContext is what HandleShown needs to seed the ghost text layer
type shownContext struct {
	file string
	shown
}

type pendingRequest struct {
	file   string
	prefix string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	result *types.Suggestion // written before done is closed
}

type Provider struct {
	config   Config
	backend  Backend
	source   DocumentSource
	detector PatternChecker
	counter  *utils.TokenCounter

	gate        *debounce.Gate
	speculative *speculative.Cache[[]string]
	completions *completions
	ghost       *ghostText

	requestIDs    atomic.Int64
	completionIDs atomic.Int64

	mu      sync.Mutex
	pending *pendingRequest
	shown   map[int64]shownContext
}

// NewProvider wires the caches and the debounce gate. source and detector may be nil.
func NewProvider(config Config, backend Backend, source DocumentSource, detector PatternChecker, clk clock.Clock) (*Provider, error) {
	if backend == nil {
		return nil, errors.AssertionFailedf("fim provider needs a backend")
	}
	spec, err := speculative.New[[]string](config.SpeculativeCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "fim")
	}
	p := &Provider{
		config:      config,
		backend:     backend,
		source:      source,
		detector:    detector,
		speculative: spec,
		completions: newCompletions(config.CompletionsPerFile),
		ghost:       newGhostText(),
		shown:       make(map[int64]shownContext),
	}
	if config.MaxContextTokens > 0 {
		p.counter = utils.NewTokenCounter("")
	}
	p.gate = debounce.New(config.Debounce, spec, clk)
	return p, nil
}

func (p *Provider) Kind() types.Kind { return types.KindFIM }

func (p *Provider) UpdateAPIKey(key string) { p.backend.SetAPIKey(key) }

func (p *Provider) GetNextEdit(ctx context.Context, req *types.CompletionRequest) (*types.Suggestion, error) {
	defer logger.Trace("fim.GetNextEdit")()

	doc := req.Document
	if doc == nil || doc.LineCount() == 0 {
		return nil, nil
	}
	if !p.backend.HasAPIKey() {
		logger.Debug("fim: no api key, skipping")
		return nil, nil
	}

	pos := doc.Clamp(req.Position)
	file := doc.URI
	prefix, suffix := doc.PrefixSuffix(pos)
	reqID := p.requestIDs.Add(1)
	atCursor := types.Range{Start: pos, End: pos}

	if !req.IsCycling {
		if rest, ok := p.ghost.remaining(file, prefix, suffix); ok {
			logger.Debug("fim[%d]: typed through ghost text", reqID)
			p.rememberShown(reqID, file, prefix, suffix, rest)
			return p.suggestion(reqID, doc, []string{rest}, atCursor), nil
		}
		if cached := p.completions.find(file, prefix, suffix); len(cached) > 0 {
			logger.Debug("fim[%d]: %d cached completion(s)", reqID, len(cached))
			p.rememberShown(reqID, file, prefix, suffix, cached[0])
			return p.suggestion(reqID, doc, cached, atCursor), nil
		}
	}

	completionID := p.nextCompletionID()

	verdict := p.gate.Check(file, prefix)
	if verdict.Decision == debounce.CacheHit {
		if s := p.reusePending(ctx, file, prefix); s != nil {
			return s, nil
		}
		choices, err := p.speculative.Request(ctx, verdict.CompletionID)
		if err != nil {
			logger.Warn("fim[%d]: %v", reqID, err)
		}
		if len(choices) > 0 && ctx.Err() == nil {
			logger.Debug("fim[%d]: served speculative %s", reqID, verdict.CompletionID)
			p.gate.MarkServed(file, prefix)
			p.storeSpeculative(completionID, doc, req.OpenFiles)
			p.completions.add(file, prefix, suffix, choices)
			p.rememberShown(reqID, file, prefix, suffix, choices[0])
			return p.suggestion(reqID, doc, choices, atCursor), nil
		}
		verdict = p.gate.Throttle(file, prefix)
	}
	if !verdict.Allowed() {
		return nil, errors.Wrapf(provider.ErrSkipCompletion, "fim[%d]: %s", reqID, verdict.Decision)
	}

	if s := p.reusePending(ctx, file, prefix); s != nil {
		return s, nil
	}

	if need := minPrefixLength(req, verdict.FileChanged); len(strings.TrimSpace(prefix)) < need {
		return nil, errors.Wrapf(provider.ErrSkipCompletion, "fim[%d]: prefix shorter than %d", reqID, need)
	}

	replace, requestPrefix := p.editRange(ctx, doc, pos, prefix, suffix, req.OpenFiles)

	n := 1
	if req.IsCycling {
		n = max(1, p.config.CyclingChoices)
	}

	pr := p.startPending(ctx, file, requestPrefix)
	defer p.finishPending(pr)

	choices, err := p.fetch(pr.ctx, doc, pos, n, req.OpenFiles)
	if err != nil {
		if pr.ctx.Err() != nil {
			logger.Debug("fim[%d]: cancelled", reqID)
			return nil, nil
		}
		return nil, err
	}
	if len(choices) == 0 || pr.ctx.Err() != nil {
		return nil, nil
	}

	p.storeSpeculative(completionID, doc, req.OpenFiles)
	p.completions.add(file, prefix, suffix, choices)

	rng := atCursor
	switch {
	case replace != nil:
		rng = *replace
	case strings.TrimSpace(suffix) != "":
		rng = types.Range{Start: pos, End: doc.LineEnd(pos.Line)}
	}

	p.rememberShown(reqID, file, prefix, suffix, choices[0])
	pr.result = p.suggestion(reqID, doc, choices, rng)
	return pr.result, nil
}

func (p *Provider) nextCompletionID() types.CompletionRequestID {
	return types.CompletionRequestID(fmt.Sprintf("ghosttab-completion-%d", p.completionIDs.Add(1)))
}

func (p *Provider) suggestion(reqID int64, doc *types.Document, texts []string, rng types.Range) *types.Suggestion {
	s := &types.Suggestion{
		Kind:      types.KindFIM,
		RequestID: reqID,
		URI:       doc.URI,
		FilePath:  doc.Path,
	}
	for _, t := range texts {
		s.Completions = append(s.Completions, &types.Completion{Text: t, Range: rng})
	}
	return s
}

// minPrefixLength relaxes the prefix requirement when there is enough
// surrounding context to complete from
func minPrefixLength(req *types.CompletionRequest, fileChanged bool) int {
	score := 0
	if len(req.OpenFiles) > 0 {
		score += 3
	}
	if len(req.RecentEdits) > 0 {
		score += 2
	}
	if fileChanged {
		score += 2
	}
	if refactor.ParseLanguage(req.Document.Language) != refactor.LangUnknown {
		score++
	}
	if req.Document.LineCount() > 10 {
		score++
	}
	if score >= 2 {
		return 0
	}
	return 2
}

// editRange asks the backend whether the completion should replace a block
// above the cursor. It returns the replacement range and the prefix that
// identifies the request.
func (p *Provider) editRange(ctx context.Context, doc *types.Document, pos types.Position, prefix, suffix string, openFiles []types.OpenFile) (*types.Range, string) {
	if !p.config.RefactorEnabled || p.detector == nil || !p.detector.ShouldCheck(doc, pos) {
		return nil, prefix
	}
	resp, err := p.backend.DetectEditRange(ctx, &fimapi.EditRangeRequest{
		Prefix:    prefix,
		Suffix:    suffix,
		Language:  doc.Language,
		OpenFiles: openFiles,
	})
	if err != nil {
		logger.Debug("fim: edit range detection failed: %v", err)
		return nil, prefix
	}
	if !resp.ShouldReplace || resp.ReplaceRange == nil || resp.Confidence <= p.config.RefactorMinConfidence {
		return nil, prefix
	}

	span := resp.ReplaceRange
	startLine := max(0, pos.Line-(span.StartLine-1))
	endLine := min(doc.LineCount()-1, pos.Line+(span.EndLine-span.StartLine))
	logger.Info("fim: replacing lines %d-%d (%s, confidence %.2f)", startLine, endLine, resp.Reason, resp.Confidence)

	rng := &types.Range{Start: types.Position{Line: startLine}, End: doc.LineEnd(endLine)}
	before, _ := doc.PrefixSuffix(types.Position{Line: startLine})
	return rng, strings.TrimSuffix(before, "\n")
}

// fetch calls the backend and returns the choices worth showing
func (p *Provider) fetch(ctx context.Context, doc *types.Document, pos types.Position, n int, openFiles []types.OpenFile) ([]string, error) {
	defer logger.Trace("fim.fetch")()

	window := utils.Window{Lines: doc.Lines, Row: pos.Line}
	if p.counter != nil {
		window = utils.TrimAroundCursor(doc.Lines, pos.Line, p.config.MaxContextTokens, p.counter)
	}
	trimmed := &types.Document{Lines: window.Lines}
	prompt, suffix := trimmed.PrefixSuffix(types.Position{Line: window.Row, Character: pos.Character})

	resp, err := p.backend.Complete(ctx, &fimapi.CompletionRequest{
		Prompt:          prompt,
		Suffix:          suffix,
		OpenFiles:       openFiles,
		Language:        doc.Language,
		MaxTokens:       p.config.MaxTokens,
		Temperature:     p.config.Temperature,
		N:               n,
		CurrentDocument: doc.URI,
		Position:        &fimapi.Position{Line: pos.Line, Column: pos.Character},
	})
	if err != nil {
		return nil, errors.Wrap(err, "fim: complete")
	}

	raw := make([]string, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		raw = append(raw, c.Text)
	}
	choices := filterChoices(raw, suffix, doc.Language)
	if dropped := len(raw) - len(choices); dropped > 0 {
		logger.Debug("fim: filtered %d of %d choice(s)", dropped, len(raw))
	}
	return choices, nil
}

// storeSpeculative registers a request for the next keystroke in doc. The
// thunk reads the document when it runs and returns nothing if the user
// has moved to another file.
func (p *Provider) storeSpeculative(id types.CompletionRequestID, doc *types.Document, openFiles []types.OpenFile) {
	uri := doc.URI
	p.speculative.Set(id, func(ctx context.Context) ([]string, error) {
		if p.source == nil {
			return nil, nil
		}
		cur, pos, ok := p.source.Current()
		if !ok || cur == nil || cur.URI != uri {
			return nil, nil
		}
		return p.fetch(ctx, cur, cur.Clamp(pos), 1, openFiles)
	})
	p.gate.Remember(uri, id)
}

// reusePending waits for an in-flight request for the same file and prefix
func (p *Provider) reusePending(ctx context.Context, file, prefix string) *types.Suggestion {
	p.mu.Lock()
	pr := p.pending
	p.mu.Unlock()

	if pr == nil || pr.file != file || pr.prefix != prefix || pr.ctx.Err() != nil {
		return nil
	}
	logger.Debug("fim: joining pending request")
	select {
	case <-pr.done:
		return pr.result
	case <-ctx.Done():
		return nil
	}
}

func (p *Provider) startPending(ctx context.Context, file, prefix string) *pendingRequest {
	reqCtx, cancel := context.WithCancel(ctx)
	pr := &pendingRequest{file: file, prefix: prefix, ctx: reqCtx, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		logger.Debug("fim: cancelling stale pending request")
		p.pending.cancel()
	}
	p.pending = pr
	return pr
}

func (p *Provider) finishPending(pr *pendingRequest) {
	close(pr.done)
	pr.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == pr {
		p.pending = nil
	}
}

func (p *Provider) rememberShown(reqID int64, file, prefix, suffix, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown[reqID] = shownContext{file: file, shown: shown{prefix: prefix, suffix: suffix, text: text}}
}

func (p *Provider) takeShown(reqID int64) (shownContext, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sc, ok := p.shown[reqID]
	delete(p.shown, reqID)
	return sc, ok
}

// HandleShown makes the shown completion the ghost text for its file
func (p *Provider) HandleShown(s *types.Suggestion) {
	if s == nil {
		return
	}
	sc, ok := p.takeShown(s.RequestID)
	if !ok {
		return
	}
	p.ghost.set(sc.file, sc.shown)
}

func (p *Provider) HandleIgnored(loser, winner *types.Suggestion) {
	if loser == nil {
		return
	}
	p.takeShown(loser.RequestID)
}

func (p *Provider) HandleAcceptance(s *types.Suggestion) {
	if s == nil {
		return
	}
	logger.Debug("fim: accepted request %d", s.RequestID)
	p.ghost.clear(s.URI)
}

func (p *Provider) HandleRejection(s *types.Suggestion) {
	if s == nil {
		return
	}
	logger.Debug("fim: rejected request %d", s.RequestID)
	p.ghost.clear(s.URI)
}

// ClearGhostText forgets the visible completion in file
func (p *Provider) ClearGhostText(file string) {
	p.ghost.clear(file)
}

// CloseDocument drops every piece of per-file state
func (p *Provider) CloseDocument(uri string) {
	p.ghost.clear(uri)
	p.completions.forget(uri)
	p.gate.Forget(uri)
}
