package engine

import (
	"ghosttab/logger"
)

type state int

const (
	stateIdle state = iota
	stateRacing
	stateShowing
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateRacing:
		return "Racing"
	case stateShowing:
		return "Showing"
	default:
		return "Unknown"
	}
}

// Transition is one valid (state, event) pair and what it does
type Transition struct {
	From   state
	Event  EventType
	Action func(*Engine, Event)
}

// transitions lists every event the session reacts to.
//
//	stateIdle
//	├─[TextChanged/Trigger]──► stateRacing
//	│                            │
//	│                            ├─[RaceDone, winner]──► stateShowing
//	│                            │                         │
//	│                            │                         ├─[Accept]──► stateIdle
//	│                            │                         ├─[Reject]──► stateIdle
//	│                            │                         └─[TextChanged/Trigger]──► stateRacing
//	│                            │
//	│                            ├─[RaceDone, none]──► stateIdle
//	│                            └─[Reject]──► stateIdle (race cancelled)
//	│
//	└─[BufClose]──► stateIdle (from any state)
//
// A RaceDone outside stateRacing, or from a superseded race, is discarded.
// A new race cancels the previous one. A keystroke never rejects the shown
// suggestion; the next shown suggestion supersedes it.
var transitions = []Transition{
	{stateIdle, EventTextChanged, (*Engine).doTextChanged},
	{stateIdle, EventTrigger, (*Engine).doTrigger},
	{stateIdle, EventRaceDone, (*Engine).doDiscardRace},
	{stateIdle, EventBufClose, (*Engine).doBufClose},

	{stateRacing, EventTextChanged, (*Engine).doTextChanged},
	{stateRacing, EventTrigger, (*Engine).doTrigger},
	{stateRacing, EventRaceDone, (*Engine).doRaceDone},
	{stateRacing, EventReject, (*Engine).doCancelRace},
	{stateRacing, EventBufClose, (*Engine).doBufClose},

	{stateShowing, EventTextChanged, (*Engine).doTextChanged},
	{stateShowing, EventTrigger, (*Engine).doTrigger},
	{stateShowing, EventAccept, (*Engine).doAccept},
	{stateShowing, EventReject, (*Engine).doReject},
	{stateShowing, EventRaceDone, (*Engine).doDiscardRace},
	{stateShowing, EventBufClose, (*Engine).doBufClose},
}

type transitionKey struct {
	from  state
	event EventType
}

var transitionMap map[transitionKey]*Transition

func init() {
	transitionMap = make(map[transitionKey]*Transition, len(transitions))
	for i := range transitions {
		t := &transitions[i]
		transitionMap[transitionKey{from: t.From, event: t.Event}] = t
	}
}

// findTransition returns the transition for (from, event) or nil
func findTransition(from state, event EventType) *Transition {
	return transitionMap[transitionKey{from: from, event: event}]
}

// dispatch runs the action registered for the current state and event.
// Actions set the next state themselves.
func (e *Engine) dispatch(event Event) bool {
	t := findTransition(e.state, event.Type)
	if t == nil {
		logger.Debug("no handler: state=%s event=%s", e.state, event.Type)
		return false
	}
	if t.Action != nil {
		t.Action(e, event)
	}
	return true
}

func (e *Engine) doTextChanged(event Event) {
	e.recordEdit(event)
	e.startRace(false)
}

func (e *Engine) doTrigger(event Event) {
	e.openDocument(event)
	e.startRace(event.Cycling)
}

func (e *Engine) doRaceDone(event Event) {
	if event.Generation != e.generation {
		logger.Debug("dropping result of superseded race %d", event.Generation)
		e.discard(event.Result)
		return
	}
	e.cancelRace()
	e.showResult(event.Result)
}

func (e *Engine) doDiscardRace(event Event) {
	logger.Debug("dropping result of race %d in %s", event.Generation, e.state)
	e.discard(event.Result)
}

func (e *Engine) doCancelRace(event Event) {
	e.cancelRace()
	e.state = stateIdle
}

func (e *Engine) doAccept(event Event) {
	e.accept()
}

func (e *Engine) doReject(event Event) {
	e.reject()
}

func (e *Engine) doBufClose(event Event) {
	e.closeBuffer(event.URI)
}
