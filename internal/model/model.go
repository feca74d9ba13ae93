package model

import (
	"fmt"
	"strings"
	"time"
)

// Action is the reconciliation verdict for one MergeEvent.
type Action int

const (
	// ActionUnset is the engine's working marker; it never leaves the engine.
	ActionUnset Action = iota
	ActionNone
	ActionAdd
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionAdd:
		return "add"
	case ActionDelete:
		return "delete"
	default:
		return "unset"
	}
}

// MergeEvent is one calendar occurrence under consideration.
type MergeEvent struct {
	Title string

	// Start / End are UTC with minute precision.
	Start time.Time
	End   time.Time

	// OriginRef points at the destination record. Empty for events proposed
	// by an upstream source.
	OriginRef string

	Action Action
}

// Key is the matching identity of an event within one source's scope.
type Key struct {
	Start int64
	End   int64
}

func (e MergeEvent) Key() Key {
	return Key{Start: e.Start.Unix(), End: e.End.Unix()}
}

func (e MergeEvent) String() string {
	return fmt.Sprintf("%s %s-%s %s", e.Action, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Title)
}

// Source describes one upstream calendar as configured.
type Source struct {
	// Source names the kind/origin of the feed, e.g. "ics" or a provider name.
	Source string
	Tag    string
	Title  string
	URL    string
}

// Identity is the title every mirrored event of this source carries.
func (s Source) Identity() string {
	return fmt.Sprintf("[%s] %s/%s", s.Tag, s.Title, s.Source)
}

// Command is a remote instruction received over the command channel.
type Command string

const (
	CommandOverride Command = "override"
	CommandCancel   Command = "cancel"
)

// ParseCommand recognizes a command in free text, ignoring case and
// surrounding whitespace. A leading slash is accepted.
func ParseCommand(text string) (Command, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimPrefix(t, "/")
	switch Command(t) {
	case CommandOverride, CommandCancel:
		return Command(t), true
	}
	return "", false
}
