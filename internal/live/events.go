package live

import "fmt"

// Event is one inbound signal from the remote session.
type Event interface {
	isEvent()
}

// Origin tags which side of the conversation a transcript belongs to.
type Origin int

const (
	OriginUser Origin = iota
	OriginAssistant
)

func (o Origin) String() string {
	if o == OriginAssistant {
		return "assistant"
	}
	return "user"
}

// AudioEvent carries raw s16le PCM at the output sample rate.
type AudioEvent struct {
	Data []byte
}

type TranscriptEvent struct {
	Origin Origin
	Text   string
}

type TurnCompleteEvent struct{}

type InterruptedEvent struct{}

type ErrorEvent struct {
	Err error
}

// ClosedEvent reports that the remote end closed the session.
type ClosedEvent struct {
	Reason string
}

func (AudioEvent) isEvent()        {}
func (TranscriptEvent) isEvent()   {}
func (TurnCompleteEvent) isEvent() {}
func (InterruptedEvent) isEvent()  {}
func (ErrorEvent) isEvent()        {}
func (ClosedEvent) isEvent()       {}

// State is the lifecycle position of a Session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}
