package app

import (
	"fmt"
	"io"
	"sync"

	"chatClient/pkg/api"
)

// Notifier surfaces short, transient messages to the user.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

// Terminal writes notifications and conversation output. It is safe to use
// from the push channel goroutines and the input loop at the same time.
type Terminal struct {
	mu   sync.Mutex
	out  io.Writer
	host string
}

func NewTerminal(out io.Writer, host string) *Terminal {
	return &Terminal{out: out, host: host}
}

func (t *Terminal) Info(msg string)    { t.Println(infoStyle.Render(msg)) }
func (t *Terminal) Success(msg string) { t.Println(successStyle.Render(msg)) }
func (t *Terminal) Error(msg string)   { t.Println(errorStyle.Render(msg)) }

func (t *Terminal) Println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}

func (t *Terminal) Printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// ShowMessage prints a message delivered to the open conversation.
func (t *Terminal) ShowMessage(m api.Message, selfId string) {
	t.Println(renderMessage(m, selfId, t.host))
}

func (t *Terminal) ShowConversation(messages []api.Message, selfId string) {
	if len(messages) == 0 {
		t.Println(mutedStyle.Render("No messages yet"))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, renderConversation(messages, selfId, t.host))
}

func (t *Terminal) ShowContacts(contacts []api.Contact) {
	if len(contacts) == 0 {
		t.Println(mutedStyle.Render("No contacts found"))
		return
	}
	for i, c := range contacts {
		t.Println(renderContact(i+1, c))
	}
}

func (t *Terminal) ShowUser(u api.User) {
	t.Println(renderUser(u, t.host))
}
