package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"chatClient/pkg/api"
)

// syncBuffer is a bytes.Buffer shared with the push channel goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return plain(b.buf.String())
}

func newConsole(t *testing.T, h *harness, host string) (*Console, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	return NewConsole(h.app, NewTerminal(out, host), quietLogger()), out
}

func TestConsoleBuiltinCommands(t *testing.T) {
	srv := newServer(t)
	h := newHarness(t, srv, harnessOptions{})
	console, out := newConsole(t, h, srv.URL)
	ctx := context.Background()

	for _, line := range []string{"/quit", "/exit", "  /quit  "} {
		if !console.Execute(ctx, line) {
			t.Errorf("Execute(%q) did not quit", line)
		}
	}
	for _, line := range []string{"", "   ", "/help", "/bogus"} {
		if console.Execute(ctx, line) {
			t.Errorf("Execute(%q) quit", line)
		}
	}
	if !strings.Contains(out.String(), "Commands:") {
		t.Fatalf("help output = %q", out)
	}
	if !h.notes.has("error: Unknown command /bogus, try /help") {
		t.Fatalf("notes = %s", h.notes)
	}
}

func TestConsoleRequiresSession(t *testing.T) {
	srv := newServer(t)
	h := newHarness(t, srv, harnessOptions{})
	console, _ := newConsole(t, h, srv.URL)
	ctx := context.Background()

	console.Execute(ctx, "hello?")
	if !h.notes.has("error: Please log in first") {
		t.Fatalf("notes after plain text = %s", h.notes)
	}
	console.Execute(ctx, "/me")
	if strings.Count(h.notes.String(), "Please log in first") != 2 {
		t.Fatalf("notes after /me = %s", h.notes)
	}
	console.Execute(ctx, "/open 1")
	if !h.notes.has("error: No contact #1, use /contacts or /search first") {
		t.Fatalf("notes after /open = %s", h.notes)
	}
	console.Execute(ctx, "/login alice@example.com")
	if !h.notes.has("error: Usage: /login <email> <password>") {
		t.Fatalf("notes after /login = %s", h.notes)
	}
	console.Execute(ctx, "/audio memo.webm soon")
	if !h.notes.has("error: Usage: /audio <path> <seconds>") {
		t.Fatalf("notes after /audio = %s", h.notes)
	}
}

func TestConsoleConversationFlow(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")
	h := newHarness(t, srv, harnessOptions{})
	console, out := newConsole(t, h, srv.URL)
	ctx := context.Background()

	console.Execute(ctx, "/login alice@example.com secret")
	waitUntil(t, "push channel", func() bool {
		return h.app.Status() == api.StatusConnected && srv.Connections(alice.Id) == 1
	})

	console.Execute(ctx, "/search bob")
	if !strings.Contains(out.String(), "1. (B) Bob Tester <bob@example.com>") {
		t.Fatalf("search output = %q", out)
	}

	console.Execute(ctx, "/open 1")
	if sel := h.app.Selection(); sel != api.Direct(bob.Id) {
		t.Fatalf("selection = %s", sel)
	}
	if text := out.String(); !strings.Contains(text, "== Bob Tester ==") || !strings.Contains(text, "No messages yet") {
		t.Fatalf("open output = %q", text)
	}

	console.Execute(ctx, "hello bob")
	m := h.expectDelivery(t)
	if body, _ := m.Content.(api.TextContent); body.Body != "hello bob" {
		t.Fatalf("delivered %+v", m)
	}
	console.Deliver(m)
	if !strings.Contains(out.String(), "you: hello bob") {
		t.Fatalf("delivered output = %q", out)
	}

	console.Execute(ctx, "/status")
	if !strings.Contains(out.String(), "connection: connected, conversation: contact:"+bob.Id) {
		t.Fatalf("status output = %q", out)
	}

	console.Execute(ctx, "/profile Alicia Tester 2")
	if user, _ := h.app.User(); user.FirstName != "Alicia" || user.Color != 2 {
		t.Fatalf("user after /profile = %+v", user)
	}

	console.Execute(ctx, "/close")
	if !h.app.Selection().IsNone() {
		t.Fatal("/close left a conversation open")
	}

	console.Execute(ctx, "/logout")
	if !h.notes.has("success: Logged out") {
		t.Fatalf("notes = %s", h.notes)
	}
	console.Execute(ctx, "/open 1")
	if !h.notes.has("error: No contact #1, use /contacts or /search first") {
		t.Fatalf("listing survived logout: %s", h.notes)
	}
}
