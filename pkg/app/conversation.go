package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatClient/pkg/api"

	"github.com/google/uuid"
)

var (
	ErrNoConversation = errors.New("no conversation is open")
	ErrChannelSend    = errors.New("sending to channels is not supported")
)

// OpenContact selects the direct conversation with contactId. History is only
// fetched when the selection changed; a reply that arrives after the user
// moved on is discarded.
func (a *App) OpenContact(ctx context.Context, contactId string) error {
	if _, ok := a.store.User(); !ok {
		return api.ErrNoSession
	}
	sel := api.Direct(contactId)
	if sel.IsNone() {
		return fmt.Errorf("contact id is required")
	}

	a.mu.Lock()
	a.selected = a.findContact(contactId)
	a.mu.Unlock()

	if !a.store.Select(sel) {
		return nil
	}
	messages, err := a.services.Chat.History(ctx, contactId)
	if err != nil {
		a.fail(err, "Failed to load messages")
		return err
	}
	if !a.store.ReplaceMessagesIfSelected(sel, messages) {
		a.log.Debug("discarding stale history", "counterpart", contactId)
	}
	return nil
}

// OpenChannel selects a channel conversation. Channels have no history
// endpoint, so the list starts empty.
func (a *App) OpenChannel(channelId string) error {
	if _, ok := a.store.User(); !ok {
		return api.ErrNoSession
	}
	sel := api.Channel(channelId)
	if sel.IsNone() {
		return fmt.Errorf("channel id is required")
	}
	a.mu.Lock()
	a.selected = nil
	a.mu.Unlock()
	a.store.Select(sel)
	return nil
}

func (a *App) CloseChat() {
	a.mu.Lock()
	a.selected = nil
	a.mu.Unlock()
	a.store.CloseChat()
}

// SelectedContact is the contact of the open direct conversation, if it was
// picked from a listing.
func (a *App) SelectedContact() (api.Contact, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selected == nil {
		return api.Contact{}, false
	}
	return *a.selected, true
}

func (a *App) findContact(id string) *api.Contact {
	for _, list := range [][]api.Contact{a.store.Contacts(), a.store.SearchResults()} {
		for _, c := range list {
			if c.Id == id {
				c := c
				return &c
			}
		}
	}
	return nil
}

// SendText sends text to the open direct conversation. Blank text is ignored.
func (a *App) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return a.send(api.TextContent{Body: text})
}

// SendFile uploads path and sends it as an image, video or plain file
// depending on its type.
func (a *App) SendFile(ctx context.Context, path string) error {
	if _, _, err := a.outgoingTarget(); err != nil {
		a.notify.Error(sendErrorText(err))
		return err
	}
	upload, err := a.services.Chat.UploadFile(ctx, path)
	if err != nil {
		a.fail(err, "Failed to upload file")
		return err
	}
	content := api.FileContent{Attachment: upload.Attachment(), Kind: api.KindForMimeType(upload.Mimetype)}
	if err := a.send(content); err != nil {
		return err
	}
	a.notify.Success("File sent successfully")
	return nil
}

// SendAudio uploads a recording of the given length in seconds and sends it.
func (a *App) SendAudio(ctx context.Context, path string, duration float64) error {
	if duration <= 0 {
		err := &api.ValidationError{Message: "Audio duration must be positive"}
		a.notify.Error(err.Message)
		return err
	}
	if _, _, err := a.outgoingTarget(); err != nil {
		a.notify.Error(sendErrorText(err))
		return err
	}
	upload, err := a.services.Chat.UploadAudio(ctx, path, duration)
	if err != nil {
		a.fail(err, "Failed to upload audio")
		return err
	}
	if err := a.send(api.AudioContent{Attachment: upload.Attachment(), Duration: duration}); err != nil {
		return err
	}
	a.notify.Success("Audio message sent")
	return nil
}

// outgoingTarget resolves the sender and recipient of a new message.
func (a *App) outgoingTarget() (api.User, api.Selector, error) {
	user, ok := a.store.User()
	if !ok {
		return api.User{}, api.Selector{}, api.ErrNoSession
	}
	sel := a.store.CurrentSelection()
	switch sel.Kind() {
	case api.SelectDirect:
		return user, sel, nil
	case api.SelectChannel:
		return user, sel, ErrChannelSend
	default:
		return user, sel, ErrNoConversation
	}
}

// send emits content on the push channel. The message shows up in the
// conversation only once the backend relays it back.
func (a *App) send(content api.Content) error {
	user, sel, err := a.outgoingTarget()
	if err != nil {
		a.notify.Error(sendErrorText(err))
		return err
	}
	ch := a.currentChannel()
	if ch == nil {
		a.notify.Error("Not connected to chat server")
		return api.ErrNotConnected
	}
	msg := api.OutgoingMessage{
		ClientId:  uuid.NewString(),
		Sender:    user.Id,
		Recipient: sel.Counterpart(),
		Content:   content,
	}
	if err := ch.Send(msg); err != nil {
		a.log.Warn("send failed", "error", err, "recipient", msg.Recipient)
		a.notify.Error("Not connected to chat server")
		return err
	}
	a.log.Debug("message sent", "client_id", msg.ClientId, "type", content.Type())
	return nil
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, api.ErrNoSession):
		return "Please log in first"
	case errors.Is(err, ErrChannelSend):
		return "Sending to channels is not supported"
	default:
		return "Open a conversation first"
	}
}

func (a *App) LoadContacts(ctx context.Context) ([]api.Contact, error) {
	contacts, err := a.services.Contacts.DMContacts(ctx)
	if err != nil {
		a.fail(err, "Failed to load contacts")
		return nil, err
	}
	a.store.SetContacts(contacts)
	return contacts, nil
}

// Search looks contacts up by name or email. A blank query clears the
// results without asking the backend.
func (a *App) Search(ctx context.Context, query string) ([]api.Contact, error) {
	results, err := a.services.Contacts.Search(ctx, query)
	if err != nil {
		a.fail(err, "Search failed")
		return nil, err
	}
	a.store.SetSearchResults(results)
	return results, nil
}
