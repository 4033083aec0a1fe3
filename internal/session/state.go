package session

import "fmt"

// OpenMode is the open-mailbox state of one session. The wire has at most
// one open mailbox, so the state lives here rather than on the Mailbox.
type OpenMode int

const (
	ModeClosed OpenMode = iota
	ModeExamined
	ModeSelected
)

func (m OpenMode) String() string {
	switch m {
	case ModeExamined:
		return "examined"
	case ModeSelected:
		return "selected"
	default:
		return "closed"
	}
}

// OpenState is the tagged variant {Closed, Examined(name), Selected(name)}.
type OpenState struct {
	Mode OpenMode
	Name string // mailbox name, meaningful unless Mode == ModeClosed
}

// Closed reports whether no mailbox is open.
func (s OpenState) Closed() bool { return s.Mode == ModeClosed }

func (s OpenState) String() string {
	if s.Closed() {
		return "closed"
	}
	return fmt.Sprintf("%s(%s)", s.Mode, s.Name)
}
