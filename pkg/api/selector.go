package api

type SelectorKind int

const (
	SelectNone SelectorKind = iota
	SelectDirect
	SelectChannel
)

func (k SelectorKind) String() string {
	switch k {
	case SelectDirect:
		return "contact"
	case SelectChannel:
		return "channel"
	default:
		return "none"
	}
}

// Selector identifies the conversation open in the client. The zero value
// selects nothing. Selectors are comparable with ==.
type Selector struct {
	kind        SelectorKind
	counterpart string
}

func NoSelection() Selector {
	return Selector{}
}

// Direct selects a one-to-one conversation. An empty id selects nothing.
func Direct(counterpart string) Selector {
	if counterpart == "" {
		return Selector{}
	}
	return Selector{kind: SelectDirect, counterpart: counterpart}
}

// Channel selects a group conversation. An empty id selects nothing.
func Channel(counterpart string) Selector {
	if counterpart == "" {
		return Selector{}
	}
	return Selector{kind: SelectChannel, counterpart: counterpart}
}

func (s Selector) Kind() SelectorKind  { return s.kind }
func (s Selector) Counterpart() string { return s.counterpart }
func (s Selector) IsNone() bool        { return s.kind == SelectNone }

func (s Selector) String() string {
	if s.IsNone() {
		return "none"
	}
	return s.kind.String() + ":" + s.counterpart
}

// Accepts reports whether m belongs to the selected conversation.
//
// Direct conversations match on either side of the message. Channel
// conversations only match on the recipient.
func (s Selector) Accepts(m Message) bool {
	switch s.kind {
	case SelectDirect:
		return m.Sender.Id == s.counterpart || m.Recipient.Id == s.counterpart
	case SelectChannel:
		return m.Recipient.Id == s.counterpart
	default:
		return false
	}
}
