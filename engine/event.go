package engine

import (
	"ghosttab/edits"
	"ghosttab/types"
)

type EventType string

const (
	EventTextChanged EventType = "text_changed"
	EventTrigger     EventType = "trigger"
	EventAccept      EventType = "accept"
	EventReject      EventType = "reject"
	EventBufClose    EventType = "buf_close"
	EventRaceDone    EventType = "race_done"
)

var eventTypeMap = map[string]EventType{}

func init() {
	for _, t := range []EventType{
		EventTextChanged,
		EventTrigger,
		EventAccept,
		EventReject,
		EventBufClose,
		EventRaceDone,
	} {
		eventTypeMap[string(t)] = t
	}
}

// EventTypeFromString maps an editor event name to its type, or "" when unknown
func EventTypeFromString(s string) EventType {
	return eventTypeMap[s]
}

type Event struct {
	Type EventType

	URI     string         // text_changed, buf_close
	Changes []edits.Change // text_changed
	Cycling bool           // trigger: ask for alternatives
	Entered bool           // trigger: the editor switched to this buffer

	Result     *types.RaceResult // race_done
	Generation uint64            // race_done: which race produced Result
}
