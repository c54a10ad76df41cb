package api_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatClient/pkg/api"
	"chatClient/pkg/backendtest"

	"github.com/gorilla/websocket"
)

const waitTimeout = 3 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T) *backendtest.Server {
	t.Helper()
	srv := backendtest.NewServer(backendtest.Options{})
	t.Cleanup(srv.Close)
	return srv
}

func register(t *testing.T, srv *backendtest.Server, email, first string) api.User {
	t.Helper()
	user, err := srv.Register(email, "secret", first, "Tester")
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return user
}

func wsURL(t *testing.T, srv *backendtest.Server) string {
	t.Helper()
	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return api.WebsocketURL(base, "/ws")
}

// statusLog collects status changes without ever blocking the client.
type statusLog chan api.Status

func (s statusLog) record(status api.Status) {
	select {
	case s <- status:
	default:
	}
}

func (s statusLog) waitFor(t *testing.T, want api.Status) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-s:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func openClient(t *testing.T, srv *backendtest.Server, user api.User, attempts int) (*api.Client, statusLog) {
	t.Helper()
	statuses := make(statusLog, 64)
	client, err := api.NewClient(api.ClientOptions{
		URL:               wsURL(t, srv),
		UserId:            user.Id,
		Token:             user.Token,
		ReconnectAttempts: attempts,
		ReconnectDelay:    10 * time.Millisecond,
		Logger:            quietLogger(),
		OnStatus:          statuses.record,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return client, statuses
}

func nextMessage(t *testing.T, client *api.Client) api.Message {
	t.Helper()
	for {
		select {
		case ev := <-client.Events():
			if ev.Name == api.EventReceiveMessage && ev.Message != nil {
				return *ev.Message
			}
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for a message")
		}
	}
}

func waitConnections(t *testing.T, srv *backendtest.Server, userId string, want int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for srv.Connections(userId) != want {
		if time.Now().After(deadline) {
			t.Fatalf("connections for %s = %d, want %d", userId, srv.Connections(userId), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewClientRequiresUser(t *testing.T) {
	if _, err := api.NewClient(api.ClientOptions{URL: "ws://localhost/ws"}); !errors.Is(err, api.ErrNoSession) {
		t.Fatalf("NewClient without user: err = %v, want ErrNoSession", err)
	}
}

func TestClientReceivesPushedMessages(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	client, statuses := openClient(t, srv, alice, 0)
	statuses.waitFor(t, api.StatusConnected)
	waitConnections(t, srv, alice.Id, 1)

	pushed := api.Message{
		Id:        "m1",
		Sender:    api.Participant{Id: bob.Id},
		Recipient: api.Participant{Id: alice.Id},
		Content:   api.TextContent{Body: "hi alice"},
		Timestamp: time.Now().UTC(),
	}
	if err := srv.InjectMessage(pushed, alice.Id); err != nil {
		t.Fatalf("InjectMessage: %v", err)
	}

	got := nextMessage(t, client)
	if got.Id != "m1" || got.Sender.Id != bob.Id || got.Sender.FirstName != "Bob" {
		t.Fatalf("received %+v", got)
	}
	if body, ok := got.Content.(api.TextContent); !ok || body.Body != "hi alice" {
		t.Fatalf("content = %#v", got.Content)
	}
}

func TestClientSendIsRelayedToBothParticipants(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	aliceClient, aliceStatus := openClient(t, srv, alice, 0)
	bobClient, bobStatus := openClient(t, srv, bob, 0)
	aliceStatus.waitFor(t, api.StatusConnected)
	bobStatus.waitFor(t, api.StatusConnected)
	waitConnections(t, srv, alice.Id, 1)
	waitConnections(t, srv, bob.Id, 1)

	err := aliceClient.Send(api.OutgoingMessage{
		ClientId:  "c1",
		Sender:    alice.Id,
		Recipient: bob.Id,
		Content:   api.TextContent{Body: "hello bob"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	for name, client := range map[string]*api.Client{"alice": aliceClient, "bob": bobClient} {
		got := nextMessage(t, client)
		if got.Sender.Id != alice.Id || got.Recipient.Id != bob.Id || got.Id == "" {
			t.Fatalf("%s received %+v", name, got)
		}
	}
	if history := srv.Storage().Conversation(alice.Id, bob.Id); len(history) != 1 {
		t.Fatalf("stored %d messages, want 1", len(history))
	}
}

func TestClientReportsBackendErrors(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")

	client, statuses := openClient(t, srv, alice, 0)
	statuses.waitFor(t, api.StatusConnected)
	waitConnections(t, srv, alice.Id, 1)

	if err := client.Send(api.OutgoingMessage{Sender: alice.Id, Recipient: "nobody", Content: api.TextContent{Body: "?"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case ev := <-client.Events():
		if ev.Name != api.EventMessageError || ev.Error == "" {
			t.Fatalf("event = %+v, want a message error", ev)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the message error")
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	client, err := api.NewClient(api.ClientOptions{URL: "ws://127.0.0.1:1/ws", UserId: "u1", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Send(api.OutgoingMessage{Sender: "u1", Recipient: "u2", Content: api.TextContent{Body: "x"}}); !errors.Is(err, api.ErrNotConnected) {
		t.Fatalf("Send before Open: err = %v, want ErrNotConnected", err)
	}
	_ = client.Close()
	if err := client.Send(api.OutgoingMessage{Sender: "u1", Recipient: "u2", Content: api.TextContent{Body: "x"}}); !errors.Is(err, api.ErrChannelClosed) {
		t.Fatalf("Send after Close: err = %v, want ErrChannelClosed", err)
	}
	if client.Status() != api.StatusClosed {
		t.Fatalf("status = %s, want closed", client.Status())
	}
}

func TestClientGivesUpAfterBoundedRetries(t *testing.T) {
	var dials atomic.Int32
	statuses := make(statusLog, 64)
	client, err := api.NewClient(api.ClientOptions{
		URL:               "ws://127.0.0.1:1/ws",
		UserId:            "u1",
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Millisecond,
		Logger:            quietLogger(),
		OnStatus:          statuses.record,
		Dial: func(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
			dials.Add(1)
			return nil, nil, errors.New("connection refused")
		},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if err := client.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	statuses.waitFor(t, api.StatusDisconnected)

	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 4 {
		t.Fatalf("dials = %d, want 4 (one dial plus three retries)", got)
	}
	if client.Status() != api.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", client.Status())
	}
}

// handshakeServer upgrades every websocket request and hands the connection
// to serve, which is expected to end it.
type handshakeServer struct {
	*httptest.Server
	mu    sync.Mutex
	dials []time.Time
}

func newHandshakeServer(t *testing.T, serve func(conn *websocket.Conn)) *handshakeServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	hs := &handshakeServer{}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.mu.Lock()
		hs.dials = append(hs.dials, time.Now())
		hs.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(conn)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *handshakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func (hs *handshakeServer) dialTimes() []time.Time {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]time.Time(nil), hs.dials...)
}

func closeWith(code int) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func openRaw(t *testing.T, url string, attempts int, delay time.Duration) (*api.Client, statusLog) {
	t.Helper()
	statuses := make(statusLog, 256)
	client, err := api.NewClient(api.ClientOptions{
		URL:               url,
		UserId:            "u1",
		ReconnectAttempts: attempts,
		ReconnectDelay:    delay,
		Logger:            quietLogger(),
		OnStatus:          statuses.record,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return client, statuses
}

func TestClientGivesUpWhenConnectionsKeepDropping(t *testing.T) {
	const delay = 20 * time.Millisecond
	hs := newHandshakeServer(t, closeWith(websocket.CloseNormalClosure))

	client, statuses := openRaw(t, hs.wsURL(), 2, delay)
	statuses.waitFor(t, api.StatusDisconnected)

	time.Sleep(100 * time.Millisecond)
	dials := hs.dialTimes()
	if len(dials) != 3 {
		t.Fatalf("dials = %d, want 3 (one dial plus two retries)", len(dials))
	}
	for i := 1; i < len(dials); i++ {
		if gap := dials[i].Sub(dials[i-1]); gap < delay {
			t.Fatalf("redial %d came after %s, want at least %s", i, gap, delay)
		}
	}
	if client.Status() != api.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", client.Status())
	}
}

func TestClientStopsWhenServerRejectsSession(t *testing.T) {
	for name, code := range map[string]int{
		"policy violation": websocket.ClosePolicyViolation,
		"application code": 4001,
	} {
		t.Run(name, func(t *testing.T) {
			hs := newHandshakeServer(t, closeWith(code))

			_, statuses := openRaw(t, hs.wsURL(), 5, time.Millisecond)
			statuses.waitFor(t, api.StatusDisconnected)

			time.Sleep(50 * time.Millisecond)
			if got := len(hs.dialTimes()); got != 1 {
				t.Fatalf("dials = %d, want 1", got)
			}
		})
	}
}

func TestClientHealthyConnectionRestoresRetries(t *testing.T) {
	frame := []byte(`{"event":"messageError","data":"hello"}`)
	hs := newHandshakeServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(10 * time.Millisecond)
		closeWith(websocket.CloseNormalClosure)(conn)
	})

	client, _ := openRaw(t, hs.wsURL(), 1, time.Millisecond)
	deadline := time.Now().Add(waitTimeout)
	for len(hs.dialTimes()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want the client to keep reconnecting", len(hs.dialTimes()))
		}
		select {
		case <-client.Events():
		case <-time.After(5 * time.Millisecond):
		}
	}
	if client.Status() == api.StatusDisconnected {
		t.Fatal("client gave up although every connection delivered a frame")
	}
}

func TestClientCanReopenFromDisconnectCallback(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	srv.RefuseWebsocket(http.StatusServiceUnavailable)

	var (
		client   *api.Client
		reopened atomic.Bool
	)
	statuses := make(statusLog, 64)
	client, err := api.NewClient(api.ClientOptions{
		URL:               wsURL(t, srv),
		UserId:            alice.Id,
		Token:             alice.Token,
		ReconnectAttempts: 0,
		ReconnectDelay:    time.Millisecond,
		Logger:            quietLogger(),
		OnStatus: func(status api.Status) {
			statuses.record(status)
			if status == api.StatusDisconnected && !reopened.Swap(true) {
				srv.RefuseWebsocket(0)
				if err := client.Open(); err != nil {
					t.Errorf("Open from callback: %v", err)
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	statuses.waitFor(t, api.StatusConnected)
	waitConnections(t, srv, alice.Id, 1)
	if client.Status() != api.StatusConnected {
		t.Fatalf("status = %s, want connected", client.Status())
	}
}

func TestClientDoesNotRetryRejectedSession(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	srv.RefuseWebsocket(http.StatusUnauthorized)

	_, statuses := openClient(t, srv, alice, 5)
	statuses.waitFor(t, api.StatusDisconnected)

	if got := srv.Dials(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestClientReopensAfterExhaustion(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	srv.RefuseWebsocket(http.StatusServiceUnavailable)

	client, statuses := openClient(t, srv, alice, 1)
	statuses.waitFor(t, api.StatusDisconnected)
	if got := srv.Dials(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}

	srv.RefuseWebsocket(0)
	if err := client.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	statuses.waitFor(t, api.StatusConnected)
	waitConnections(t, srv, alice.Id, 1)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	client, statuses := openClient(t, srv, alice, 5)
	statuses.waitFor(t, api.StatusConnected)
	waitConnections(t, srv, alice.Id, 1)

	srv.DropConnections()
	statuses.waitFor(t, api.StatusConnecting)
	statuses.waitFor(t, api.StatusConnected)
	waitConnections(t, srv, alice.Id, 1)

	pushed := api.Message{Id: "after", Sender: api.Participant{Id: bob.Id}, Recipient: api.Participant{Id: alice.Id}, Content: api.TextContent{Body: "back?"}}
	if err := srv.InjectMessage(pushed, alice.Id); err != nil {
		t.Fatalf("InjectMessage: %v", err)
	}
	if got := nextMessage(t, client); got.Id != "after" {
		t.Fatalf("received %s, want after", got.Id)
	}
}

func TestClientCloseStopsEvents(t *testing.T) {
	srv := newServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")

	client, statuses := openClient(t, srv, alice, 5)
	statuses.waitFor(t, api.StatusConnected)
	waitConnections(t, srv, alice.Id, 1)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	statuses.waitFor(t, api.StatusClosed)
	waitConnections(t, srv, alice.Id, 0)

	if err := srv.InjectMessage(api.Message{Id: "late", Sender: api.Participant{Id: "x"}, Recipient: api.Participant{Id: alice.Id}, Content: api.TextContent{Body: "x"}}, alice.Id); err != nil {
		t.Fatalf("InjectMessage: %v", err)
	}
	select {
	case ev := <-client.Events():
		if ev.Message != nil && ev.Message.Id == "late" {
			t.Fatal("event produced after Close")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
