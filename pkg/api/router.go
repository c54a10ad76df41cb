package api

import (
	"log/slog"
	"sync"
)

// ConversationState is the part of the Store the Router reads and writes.
type ConversationState interface {
	CurrentSelection() Selector
	AppendIfSelected(sel Selector, m Message) bool
}

type RouterOptions struct {
	Logger *slog.Logger

	// OnDeliver is called after a message was appended to the open conversation.
	OnDeliver func(Message)

	// OnError is called with the description carried by a messageError event.
	OnError func(string)
}

// Router delivers inbound push channel events to the open conversation.
type Router struct {
	state  ConversationState
	events <-chan Event
	opts   RouterOptions
	log    *slog.Logger

	mu     sync.Mutex
	closed bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

func NewRouter(state ConversationState, events <-chan Event, opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		state:  state,
		events: events,
		opts:   opts,
		log:    logger.With("component", "router"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run consumes events until Close is called or the event channel is closed.
// Events are handled one at a time, in the order they were received.
func (r *Router) Run() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.Handle(ev)
		}
	}
}

// Handle applies a single event and reports whether a message was appended.
func (r *Router) Handle(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	switch ev.Name {
	case EventReceiveMessage:
		if ev.Message == nil {
			r.log.Debug("dropping undecodable message")
			return false
		}
		sel := r.state.CurrentSelection()
		if !sel.Accepts(*ev.Message) {
			return false
		}
		if !r.state.AppendIfSelected(sel, *ev.Message) {
			return false
		}
		if r.opts.OnDeliver != nil {
			r.opts.OnDeliver(*ev.Message)
		}
		return true
	case EventMessageError:
		r.log.Warn("message error", "error", ev.Error)
		if r.opts.OnError != nil {
			r.opts.OnError(ev.Error)
		}
		return false
	default:
		r.log.Debug("ignoring event", "event", ev.Name)
		return false
	}
}

// Close stops delivery. No event is applied once Close returns.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	started := r.started
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })
	if started {
		<-r.done
	}
}
