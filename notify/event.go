package notify

import "strings"

// Event is a bit set of filesystem change kinds.
type Event uint32

const (
	EventAttrib Event = 1 << iota
	EventCloseWrite
	EventCloseNoWrite
	EventDelete
	EventMove
	EventOpen
	EventModify
	EventCreate

	EventAll = EventAttrib | EventCloseWrite | EventCloseNoWrite | EventDelete |
		EventMove | EventOpen | EventModify | EventCreate
)

var eventNames = []struct {
	ev   Event
	name string
}{
	{EventAttrib, "attrib"},
	{EventCloseWrite, "close_write"},
	{EventCloseNoWrite, "close_nowrite"},
	{EventDelete, "delete"},
	{EventMove, "move"},
	{EventOpen, "open"},
	{EventModify, "modify"},
	{EventCreate, "create"},
}

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, n := range eventNames {
		if e&n.ev != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Message is what a subscriber receives for one change.
type Message struct {
	// Path is the affected path; for EventMove the destination.
	Path string
	// OldPath is the source path of a move, empty otherwise.
	OldPath string
	Event   Event
	// Watched is the registered path that matched.
	Watched string
}
