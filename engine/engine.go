package engine

import (
	"context"
	"sync"

	"ghosttab/edits"
	"ghosttab/logger"
	"ghosttab/types"
)

// Editor is the host boundary: it supplies the current buffer and cursor and
// renders or applies suggestions.
type Editor interface {
	Current() (*types.Document, types.Position, bool)
	Show(s *types.Suggestion) error
	Accept(s *types.Suggestion) error
	Clear() error
}

// Racer produces the best suggestion for a request and forwards lifecycle
// events to the provider that produced it. Implemented by *Coordinator.
//
// A race winner is either shown with Show once the editor rendered it, or
// handed back with Discard.
type Racer interface {
	Race(ctx context.Context, req *types.CompletionRequest) *types.RaceResult
	Show(s *types.Suggestion)
	Discard(s *types.Suggestion)
	Accept() *types.Suggestion
	Reject() *types.Suggestion
	Wait()
}

// DocumentCloser releases per-document provider state.
// Implemented by *provider.Registry.
type DocumentCloser interface {
	CloseDocument(uri string)
}

type EngineConfig struct {
	RecentEdits int // edits sent with each request; 0 sends all
	EventBuffer int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{RecentEdits: 10, EventBuffer: 100}
}

// Engine is one editor session. Events are handled one at a time on the
// event loop; races run on their own goroutines and report back with
// EventRaceDone.
type Engine struct {
	editor  Editor
	racer   Racer
	closer  DocumentCloser
	tracker *edits.Tracker
	config  EngineConfig

	mu        sync.Mutex
	state     state
	eventChan chan Event

	generation uint64
	raceCancel context.CancelFunc
	shown      *types.Suggestion

	mainCtx    context.Context
	mainCancel context.CancelFunc
	stopped    bool
	stopOnce   sync.Once
}

// NewEngine creates a session. closer may be nil.
func NewEngine(editor Editor, racer Racer, closer DocumentCloser, tracker *edits.Tracker, config EngineConfig) *Engine {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEngineConfig().EventBuffer
	}
	return &Engine{
		editor:    editor,
		racer:     racer,
		closer:    closer,
		tracker:   tracker,
		config:    config,
		state:     stateIdle,
		eventChan: make(chan Event, config.EventBuffer),
		mainCtx:   context.Background(),
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.mainCtx, e.mainCancel = context.WithCancel(ctx)
	e.mu.Unlock()

	go e.eventLoop(e.mainCtx)
	logger.Info("engine started")
}

// Stop cancels the running race, waits for late results to be reported and
// shuts the event loop down.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		logger.Info("stopping engine...")
		e.stopped = true
		if e.mainCancel != nil {
			e.mainCancel()
		}
		e.cancelRace()
		e.state = stateIdle
		e.shown = nil
		e.mu.Unlock()

		e.racer.Wait()
		if e.tracker != nil {
			e.tracker.Dispose()
		}
		logger.Info("engine stopped")
	})
}

// Send queues an event. Events sent after Stop or to a full queue are dropped.
func (e *Engine) Send(event Event) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}
	select {
	case e.eventChan <- event:
	default:
		logger.Warn("event queue full, dropping %s", event.Type)
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.eventChan:
			e.handleEvent(event)
		}
	}
}

func (e *Engine) handleEvent(event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic recovered for event %v: %v", event.Type, r)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	logger.Debug("handle event: %s in %s", event.Type, e.state)
	e.dispatch(event)
}

// openDocument snapshots the buffer the editor just entered so its first
// change can be diffed
func (e *Engine) openDocument(event Event) {
	if e.tracker == nil || !event.Entered {
		return
	}
	doc, _, ok := e.editor.Current()
	if !ok || doc == nil || (event.URI != "" && doc.URI != event.URI) {
		return
	}
	e.tracker.Open(doc)
}

// recordEdit feeds the edit log with the buffer content after the change
func (e *Engine) recordEdit(event Event) {
	if e.tracker == nil || len(event.Changes) == 0 {
		return
	}
	doc, _, ok := e.editor.Current()
	if !ok || doc == nil || (event.URI != "" && doc.URI != event.URI) {
		return
	}
	if rec := e.tracker.OnChange(doc, event.Changes); rec != nil {
		logger.Debug("recorded edit in %s lines %d-%d", rec.FilePath, rec.LineRange.Start+1, rec.LineRange.End+1)
	}
}

// startRace cancels the running race and launches a new one for the current
// cursor. The result comes back as EventRaceDone tagged with its generation.
func (e *Engine) startRace(cycling bool) {
	e.cancelRace()

	doc, pos, ok := e.editor.Current()
	if !ok || doc == nil {
		e.state = stateIdle
		return
	}

	e.generation++
	gen := e.generation
	req := &types.CompletionRequest{
		RequestID: int64(gen),
		Document:  doc,
		Position:  pos,
		IsCycling: cycling,
	}
	if e.tracker != nil {
		req.RecentEdits = e.tracker.Recent(e.config.RecentEdits)
	}

	ctx, cancel := context.WithCancel(e.mainCtx)
	e.raceCancel = cancel
	e.state = stateRacing

	go func() {
		res := e.racer.Race(ctx, req)
		e.Send(Event{Type: EventRaceDone, Result: res, Generation: gen})
	}()
}

func (e *Engine) cancelRace() {
	if e.raceCancel != nil {
		e.raceCancel()
		e.raceCancel = nil
	}
}

func (e *Engine) showResult(res *types.RaceResult) {
	if res == nil || res.Winner == nil {
		if e.shown != nil {
			if err := e.editor.Clear(); err != nil {
				logger.Warn("clear suggestion: %v", err)
			}
			e.shown = nil
		}
		e.state = stateIdle
		return
	}
	if err := e.editor.Show(res.Winner); err != nil {
		logger.Warn("show %s suggestion: %v", res.Kind, err)
		e.racer.Discard(res.Winner)
		e.state = stateIdle
		return
	}
	e.racer.Show(res.Winner)
	e.shown = res.Winner
	e.state = stateShowing
}

// discard hands back a winner that will never be displayed
func (e *Engine) discard(res *types.RaceResult) {
	if res != nil && res.Winner != nil {
		e.racer.Discard(res.Winner)
	}
}

func (e *Engine) accept() {
	s := e.racer.Accept()
	if s == nil {
		s = e.shown
	}
	e.shown = nil
	e.state = stateIdle
	if s == nil {
		return
	}
	if err := e.editor.Accept(s); err != nil {
		logger.Warn("apply %s suggestion: %v", s.Kind, err)
	}
}

func (e *Engine) reject() {
	e.racer.Reject()
	e.shown = nil
	e.state = stateIdle
	if err := e.editor.Clear(); err != nil {
		logger.Warn("clear suggestion: %v", err)
	}
}

func (e *Engine) closeBuffer(uri string) {
	if e.tracker != nil {
		e.tracker.Close(uri)
	}
	if e.closer != nil {
		e.closer.CloseDocument(uri)
	}
	if e.state == stateRacing {
		e.cancelRace()
		e.state = stateIdle
	}
	if e.shown != nil && e.shown.URI == uri {
		e.shown = nil
		e.state = stateIdle
	}
}
