package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatClient/pkg/api"
)

var ErrSessionExpired = errors.New("session token expired")

type Services struct {
	Auth     api.AuthService
	Profile  api.ProfileService
	Contacts api.ContactService
	Chat     api.ChatService
}

// ChannelFactory opens the push channel for an authenticated user. onStatus
// must be wired into the channel's status callback.
type ChannelFactory func(user api.User, onStatus func(api.Status)) (*api.Client, error)

type Options struct {
	Services Services
	Channels ChannelFactory
	Notifier Notifier

	// OnMessage is called for every message appended to the open conversation.
	OnMessage func(api.Message)

	Logger *slog.Logger
	Now    func() time.Time
}

// App binds the backend services, the push channel and the client store into
// the operations offered to the user.
type App struct {
	services  Services
	channels  ChannelFactory
	notify    Notifier
	onMessage func(api.Message)
	log       *slog.Logger
	now       func() time.Time

	store *api.Store

	// mu guards the session lifecycle.
	mu       sync.Mutex
	channel  *api.Client
	router   *api.Router
	selected *api.Contact
}

func NewApp(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		services:  opts.Services,
		channels:  opts.Channels,
		notify:    opts.Notifier,
		onMessage: opts.OnMessage,
		log:       logger.With("component", "app"),
		now:       now,
		store:     api.NewStore(),
	}
}

func (a *App) Store() *api.Store {
	return a.store
}

func (a *App) User() (api.User, bool) {
	return a.store.User()
}

func (a *App) Messages() []api.Message {
	return a.store.Messages()
}

func (a *App) Selection() api.Selector {
	return a.store.CurrentSelection()
}

// Status of the push channel; idle when there is no session.
func (a *App) Status() api.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return api.StatusIdle
	}
	return a.channel.Status()
}

// fail logs err and shows the user the backend's message, or fallback.
func (a *App) fail(err error, fallback string) {
	a.log.Warn(fallback, "error", err)
	a.notify.Error(api.UserMessage(err, fallback))
}

// Restore picks up the session the backend still holds for this client.
func (a *App) Restore(ctx context.Context) error {
	user, err := a.services.Auth.CurrentUser(ctx)
	if err != nil {
		a.log.Info("no session to restore", "error", err)
		return err
	}
	return a.startSession(user)
}

func (a *App) Login(ctx context.Context, email, password string) error {
	user, err := a.services.Auth.Login(ctx, email, password)
	if err != nil {
		a.fail(err, "Login failed")
		return err
	}
	if err := a.startSession(user); err != nil {
		return err
	}
	a.notify.Success("Logged in as " + user.DisplayName())
	return nil
}

func (a *App) Signup(ctx context.Context, email, password, confirmPassword string) error {
	user, err := a.services.Auth.Signup(ctx, email, password, confirmPassword)
	if err != nil {
		a.fail(err, "Signup failed")
		return err
	}
	if err := a.startSession(user); err != nil {
		return err
	}
	a.notify.Success("Account created for " + user.Email)
	return nil
}

// Logout ends the session. When the backend refuses, nothing changes locally.
func (a *App) Logout(ctx context.Context) error {
	if _, ok := a.store.User(); !ok {
		return api.ErrNoSession
	}
	if err := a.services.Auth.Logout(ctx); err != nil {
		a.fail(err, "Failed to logout")
		return err
	}
	a.endSession()
	a.notify.Success("Logged out")
	return nil
}

// Reconnect re-opens a push channel that gave up retrying.
func (a *App) Reconnect() error {
	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()
	if ch == nil {
		return api.ErrNoSession
	}
	return ch.Open()
}

// Shutdown closes the push channel without ending the backend session.
func (a *App) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopChannelLocked()
}

// startSession replaces whatever session was active with user and opens its
// push channel. The user is stored only once the channel is open.
func (a *App) startSession(user api.User) error {
	if user.Id == "" {
		return api.ErrNoSession
	}
	if api.TokenExpired(user.Token, a.now()) {
		a.log.Info("ignoring expired session", "user_id", user.Id)
		a.endSession()
		return ErrSessionExpired
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopChannelLocked()
	a.store.Reset()
	a.selected = nil

	ch, err := a.channels(user, a.handleStatus)
	if err != nil {
		a.fail(err, "Unable to open chat connection")
		return err
	}
	router := api.NewRouter(a.store, ch.Events(), api.RouterOptions{
		Logger:    a.log,
		OnDeliver: a.onMessage,
		OnError: func(description string) {
			a.notify.Error("Message error: " + description)
		},
	})
	go router.Run()
	if err := ch.Open(); err != nil {
		router.Close()
		_ = ch.Close()
		a.fail(err, "Unable to open chat connection")
		return err
	}
	a.channel, a.router = ch, router
	a.store.SetUser(&user)

	a.log.Info("session started", "user_id", user.Id)
	if !user.ProfileSetup {
		a.notify.Info("Please set up profile to continue")
	}
	return nil
}

func (a *App) endSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopChannelLocked()
	a.store.Reset()
	a.selected = nil
}

// stopChannelLocked stops delivery before closing the connection so that no
// event is applied after the session is gone.
func (a *App) stopChannelLocked() {
	if a.router != nil {
		a.router.Close()
		a.router = nil
	}
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			a.log.Warn("closing push channel", "error", err)
		}
		a.channel = nil
	}
}

func (a *App) handleStatus(status api.Status) {
	switch status {
	case api.StatusDisconnected:
		a.notify.Error("Disconnected from chat server. Use /reconnect to try again.")
	case api.StatusConnected:
		a.log.Info("connected to push channel")
	}
}

// replaceUser stores updated if it still belongs to the active session.
func (a *App) replaceUser(updated api.User) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.store.User()
	if !ok || current.Id != updated.Id {
		return false
	}
	a.store.SetUser(&updated)
	return true
}

func (a *App) currentChannel() *api.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel
}
