// Package diagnostics proposes a rewrite of the lines around the
// language-server diagnostic nearest to the cursor.
package diagnostics

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ghosttab/client/openai"
	"ghosttab/clock"
	gctx "ghosttab/ctx"
	"ghosttab/logger"
	"ghosttab/provider"
	"ghosttab/repetition"
	"ghosttab/types"
	"ghosttab/utils"

	"github.com/cockroachdb/errors"
)

// Completer is the completion endpoint the fix is requested from
type Completer interface {
	DoCompletion(ctx context.Context, req *openai.CompletionRequest) (*openai.CompletionResponse, error)
}

// Gatherer supplies diagnostics and recent edits not already on the request
type Gatherer interface {
	Gather(ctx context.Context, req *gctx.SourceRequest) *types.ContextResult
}

type Config struct {
	Model         string
	MaxTokens     int
	Temperature   float64
	SearchLines   int // how far from the cursor a diagnostic may be
	RegionPadding int // lines around the diagnostic the model may rewrite
	MaxEditTokens int // 0 keeps every recent edit
	WorkspacePath string
}

func DefaultConfig() Config {
	return Config{
		MaxTokens:     256,
		Temperature:   0.1,
		SearchLines:   10,
		RegionPadding: 2,
		MaxEditTokens: 1024,
	}
}

type diagKey struct {
	uri     string
	message string
	line    int
}

// issued remembers which diagnostic a suggestion addressed and the document
// version it was computed against
type issued struct {
	key     diagKey
	version int
}

type Provider struct {
	config   Config
	client   Completer
	gatherer Gatherer
	clock    clock.Clock
	counter  *utils.TokenCounter

	requestIDs atomic.Int64

	mu       sync.Mutex
	issued   map[int64]issued
	rejected map[diagKey]int // document version at rejection
}

// NewProvider creates the provider. gatherer may be nil.
func NewProvider(config Config, client Completer, gatherer Gatherer, clk clock.Clock) (*Provider, error) {
	if client == nil {
		return nil, errors.AssertionFailedf("diagnostics provider needs a client")
	}
	p := &Provider{
		config:   config,
		client:   client,
		gatherer: gatherer,
		clock:    clk,
		issued:   make(map[int64]issued),
		rejected: make(map[diagKey]int),
	}
	if config.MaxEditTokens > 0 {
		p.counter = utils.NewTokenCounter(config.Model)
	}
	return p, nil
}

func (p *Provider) Kind() types.Kind { return types.KindDiagnostics }

// RunUntilNextEdit waits delay on the provider clock, then runs GetNextEdit.
// Cancellation during the wait yields no suggestion.
func (p *Provider) RunUntilNextEdit(ctx context.Context, req *types.CompletionRequest, delay time.Duration) (*types.Suggestion, error) {
	if delay > 0 {
		fired := make(chan struct{})
		t := p.clock.AfterFunc(delay, func() { close(fired) })
		select {
		case <-fired:
		case <-ctx.Done():
			t.Stop()
			return nil, nil
		}
	}
	return p.GetNextEdit(ctx, req)
}

func (p *Provider) GetNextEdit(ctx context.Context, req *types.CompletionRequest) (*types.Suggestion, error) {
	defer logger.Trace("diagnostics.GetNextEdit")()

	doc := req.Document
	if doc == nil || doc.LineCount() == 0 {
		return nil, nil
	}
	pos := doc.Clamp(req.Position)

	diags, edits := req.Diagnostics, req.RecentEdits
	if p.gatherer != nil && (len(diags) == 0 || len(edits) == 0) {
		extra := p.gatherer.Gather(ctx, &gctx.SourceRequest{
			URI:           doc.URI,
			FilePath:      doc.Path,
			WorkspacePath: p.config.WorkspacePath,
			Position:      pos,
		})
		if extra != nil {
			if len(diags) == 0 {
				diags = extra.Diagnostics
			}
			if len(edits) == 0 {
				edits = extra.RecentEdits
			}
		}
	}

	target := p.nearest(doc, diags, pos.Line)
	if target == nil {
		return nil, errors.Wrap(provider.ErrSkipCompletion, "diagnostics: nothing near the cursor")
	}
	if ctx.Err() != nil {
		return nil, nil
	}

	r := p.regionFor(doc, target)
	if p.counter != nil {
		edits = utils.TrimEdits(edits, p.config.MaxEditTokens, p.counter)
	}
	prompt := buildPrompt(formatEdits(edits), formatDiagnostic(doc.Path, target), formatExcerpt(doc, r, pos))

	resp, err := p.client.DoCompletion(ctx, &openai.CompletionRequest{
		Model:       p.config.Model,
		Prompt:      prompt,
		Temperature: p.config.Temperature,
		MaxTokens:   p.config.MaxTokens,
		Stop:        []string{"\n" + regionEnd},
		N:           1,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "diagnostics: complete")
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	text := parseRegion(resp.Choices[0].Text)
	old := strings.Join(r.lines(doc), "\n")
	if strings.TrimSpace(text) == "" || text == old {
		logger.Debug("diagnostics: no change proposed for %q", target.Message)
		return nil, nil
	}
	if repetition.IsDegenerate(text) {
		logger.Debug("diagnostics: discarded degenerate fix")
		return nil, nil
	}

	reqID := p.requestIDs.Add(1)
	p.mu.Lock()
	p.issued[reqID] = issued{key: keyFor(doc.URI, target), version: doc.Version}
	p.mu.Unlock()

	return &types.Suggestion{
		Kind:      types.KindDiagnostics,
		RequestID: reqID,
		URI:       doc.URI,
		FilePath:  doc.Path,
		Completions: []*types.Completion{{
			Text: text,
			Range: types.Range{
				Start: types.Position{Line: r.start},
				End:   doc.LineEnd(r.end),
			},
		}},
		Diagnostic: target,
	}, nil
}

func keyFor(uri string, d *types.Diagnostic) diagKey {
	return diagKey{uri: uri, message: d.Message, line: d.Range.Start.Line}
}

// nearest returns the closest diagnostic within SearchLines of line,
// preferring higher severity on ties. Diagnostics whose fix was rejected
// are skipped until the document changes.
func (p *Provider) nearest(doc *types.Document, diags []*types.Diagnostic, line int) *types.Diagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *types.Diagnostic
	bestDist := 0
	for _, d := range diags {
		if d == nil {
			continue
		}
		if v, ok := p.rejected[keyFor(doc.URI, d)]; ok {
			if v == doc.Version {
				continue
			}
			delete(p.rejected, keyFor(doc.URI, d))
		}
		dist := distance(d.Range, line)
		if dist > p.config.SearchLines {
			continue
		}
		if best == nil || dist < bestDist || (dist == bestDist && d.Severity < best.Severity) {
			best, bestDist = d, dist
		}
	}
	return best
}

func distance(r types.Range, line int) int {
	switch {
	case line < r.Start.Line:
		return r.Start.Line - line
	case line > r.End.Line:
		return line - r.End.Line
	default:
		return 0
	}
}

func (p *Provider) regionFor(doc *types.Document, d *types.Diagnostic) region {
	last := doc.LineCount() - 1
	start := max(0, min(d.Range.Start.Line, last)-p.config.RegionPadding)
	end := min(last, max(d.Range.End.Line, d.Range.Start.Line)+p.config.RegionPadding)
	return region{start: start, end: end}
}

func (p *Provider) take(reqID int64) (issued, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	is, ok := p.issued[reqID]
	delete(p.issued, reqID)
	return is, ok
}

func (p *Provider) HandleShown(s *types.Suggestion) {
	if s != nil && s.Diagnostic != nil {
		logger.Debug("diagnostics: shown fix for %q", s.Diagnostic.Message)
	}
}

func (p *Provider) HandleIgnored(loser, _ *types.Suggestion) {
	if loser != nil {
		p.take(loser.RequestID)
	}
}

func (p *Provider) HandleAcceptance(s *types.Suggestion) {
	if s != nil {
		p.take(s.RequestID)
	}
}

// HandleRejection suppresses the same diagnostic until the document changes
func (p *Provider) HandleRejection(s *types.Suggestion) {
	if s == nil {
		return
	}
	is, ok := p.take(s.RequestID)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected[is.key] = is.version
}
