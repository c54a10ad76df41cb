package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chatClient/pkg/api"
)

const (
	prompt        = "> "
	shutdownGrace = 5 * time.Second
)

const helpText = `Commands:
  /login <email> <password>            log in
  /signup <email> <password> <confirm> create an account
  /logout                              end the session
  /me                                  show your profile
  /profile <first> <last> [color]      update your profile (color 0-3)
  /avatar <path>                       set your profile image
  /avatar-remove                       remove your profile image
  /contacts                            list your conversations
  /search <query>                      search contacts
  /open <n|id>                         open a direct conversation
  /channel <id>                        open a channel
  /close                               close the conversation
  /history                             show the open conversation
  /file <path>                         send a file
  /audio <path> <seconds>              send an audio recording
  /status                              show the connection status
  /reconnect                           reconnect to the chat server
  /help                                show this help
  /quit                                exit
Anything else is sent to the open conversation.`

// Console is the line oriented front end of an App.
type Console struct {
	app  *App
	term *Terminal
	log  *slog.Logger

	// listing is the last list of contacts shown, for /open <n>.
	listing []api.Contact
}

func NewConsole(app *App, term *Terminal, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{app: app, term: term, log: logger.With("component", "console")}
}

// Deliver prints a message pushed into the open conversation.
func (c *Console) Deliver(m api.Message) {
	selfId := ""
	if user, ok := c.app.User(); ok {
		selfId = user.Id
	}
	c.term.ShowMessage(m, selfId)
}

// Run reads commands from in until EOF, /quit or a termination signal, then
// shuts the App down.
func (c *Console) Run(in io.Reader) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sig)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.term.Printf(prompt)
	for {
		select {
		case s := <-sig:
			c.log.Info("received signal", "signal", s.String())
			c.shutdown()
			return nil
		case err := <-readErr:
			c.shutdown()
			return err
		case line := <-lines:
			if c.Execute(ctx, line) {
				c.shutdown()
				return nil
			}
			c.term.Printf(prompt)
		}
	}
}

// shutdown closes the push channel, giving up after shutdownGrace.
func (c *Console) shutdown() {
	done := make(chan struct{})
	go func() {
		c.app.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		c.log.Error("graceful shutdown timed out")
	}
}

// Execute runs one input line and reports whether the user asked to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		_ = c.app.SendText(line)
		return false
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.term.Println(helpText)
	case "/login":
		if len(args) != 2 {
			c.usage("/login <email> <password>")
			return false
		}
		_ = c.app.Login(ctx, args[0], args[1])
	case "/signup":
		if len(args) != 3 {
			c.usage("/signup <email> <password> <confirm>")
			return false
		}
		_ = c.app.Signup(ctx, args[0], args[1], args[2])
	case "/logout":
		if err := c.app.Logout(ctx); err != nil {
			c.requireSession(err)
			return false
		}
		c.listing = nil
	case "/me":
		user, ok := c.app.User()
		if !ok {
			c.requireSession(api.ErrNoSession)
			return false
		}
		c.term.ShowUser(user)
	case "/profile":
		c.profile(ctx, args)
	case "/avatar":
		if len(args) != 1 {
			c.usage("/avatar <path>")
			return false
		}
		c.requireSession(c.app.UploadAvatar(ctx, args[0]))
	case "/avatar-remove":
		c.requireSession(c.app.RemoveAvatar(ctx))
	case "/contacts":
		contacts, err := c.app.LoadContacts(ctx)
		if err == nil {
			c.listing = contacts
			c.term.ShowContacts(contacts)
		}
	case "/search":
		results, err := c.app.Search(ctx, strings.Join(args, " "))
		if err == nil {
			c.listing = results
			c.term.ShowContacts(results)
		}
	case "/open":
		if len(args) != 1 {
			c.usage("/open <n|id>")
			return false
		}
		c.open(ctx, args[0])
	case "/channel":
		if len(args) != 1 {
			c.usage("/channel <id>")
			return false
		}
		if err := c.app.OpenChannel(args[0]); err != nil {
			c.requireSession(err)
			return false
		}
		c.term.Println(mutedStyle.Render("Opened channel " + args[0]))
	case "/close":
		c.app.CloseChat()
	case "/history":
		c.showHistory()
	case "/file":
		if len(args) != 1 {
			c.usage("/file <path>")
			return false
		}
		_ = c.app.SendFile(ctx, args[0])
	case "/audio":
		if len(args) != 2 {
			c.usage("/audio <path> <seconds>")
			return false
		}
		seconds, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			c.usage("/audio <path> <seconds>")
			return false
		}
		_ = c.app.SendAudio(ctx, args[0], seconds)
	case "/status":
		c.term.Printf("connection: %s, conversation: %s\n", c.app.Status(), c.app.Selection())
	case "/reconnect":
		c.requireSession(c.app.Reconnect())
	default:
		c.app.notify.Error("Unknown command " + cmd + ", try /help")
	}
	return false
}

func (c *Console) usage(text string) {
	c.app.notify.Error("Usage: " + text)
}

func (c *Console) requireSession(err error) {
	if errors.Is(err, api.ErrNoSession) {
		c.app.notify.Error("Please log in first")
	}
}

func (c *Console) profile(ctx context.Context, args []string) {
	if len(args) < 2 || len(args) > 3 {
		c.usage("/profile <first> <last> [color]")
		return
	}
	user, ok := c.app.User()
	if !ok {
		c.requireSession(api.ErrNoSession)
		return
	}
	color := user.Color
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			c.usage("/profile <first> <last> [color]")
			return
		}
		color = n
	}
	_ = c.app.UpdateProfile(ctx, args[0], args[1], color)
}

// open accepts either a position in the last listing or a contact id.
func (c *Console) open(ctx context.Context, ref string) {
	id := ref
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(c.listing) {
			c.app.notify.Error(fmt.Sprintf("No contact #%d, use /contacts or /search first", n))
			return
		}
		id = c.listing[n-1].Id
	}
	if err := c.app.OpenContact(ctx, id); err != nil {
		c.requireSession(err)
		return
	}
	c.showHistory()
}

func (c *Console) showHistory() {
	sel := c.app.Selection()
	if sel.IsNone() {
		c.app.notify.Info("No conversation is open")
		return
	}
	title := sel.String()
	if contact, ok := c.app.SelectedContact(); ok {
		title = contact.DisplayName()
	}
	c.term.Println(infoStyle.Render("== " + title + " =="))
	selfId := ""
	if user, ok := c.app.User(); ok {
		selfId = user.Id
	}
	c.term.ShowConversation(c.app.Messages(), selfId)
}
