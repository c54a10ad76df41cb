package backendtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatClient/pkg/api"

	jsonPatch "github.com/evanphx/json-patch/v5"
)

var (
	ErrEmailTaken     = errors.New("email already in use")
	ErrUserNotFound   = errors.New("user with the given email not found")
	ErrWrongPassword  = errors.New("password is incorrect")
	ErrUnknownUser    = errors.New("unknown user")
	ErrInvalidProfile = errors.New("first name, last name and color are required")
)

type account struct {
	user     api.User
	password string
}

// Storage keeps users and messages in memory.
type Storage struct {
	mu       sync.RWMutex
	accounts map[string]*account
	emails   map[string]string
	messages []api.Message
	seq      int
	now      func() time.Time
}

func NewStorage(now func() time.Time) *Storage {
	if now == nil {
		now = time.Now
	}
	return &Storage{
		accounts: make(map[string]*account),
		emails:   make(map[string]string),
		now:      now,
	}
}

func (s *Storage) nextId(prefix string) string {
	s.seq++
	return prefix + strconv.Itoa(s.seq)
}

func (s *Storage) CreateUser(email, password string) (api.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(email))
	if _, ok := s.emails[key]; ok {
		return api.User{}, ErrEmailTaken
	}
	user := api.User{Id: s.nextId("u"), Email: strings.TrimSpace(email)}
	s.accounts[user.Id] = &account{user: user, password: password}
	s.emails[key] = user.Id
	return user, nil
}

func (s *Storage) Authenticate(email, password string) (api.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return api.User{}, ErrUserNotFound
	}
	acc := s.accounts[id]
	if acc.password != password {
		return api.User{}, ErrWrongPassword
	}
	return acc.user, nil
}

func (s *Storage) GetUser(id string) (api.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return api.User{}, false
	}
	return acc.user, true
}

// UpdateProfile merges patchJSON into the user's profile.
func (s *Storage) UpdateProfile(id string, patchJSON []byte) (api.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return api.User{}, ErrUnknownUser
	}
	original, err := json.Marshal(acc.user.Profile())
	if err != nil {
		return api.User{}, err
	}
	merged, err := jsonPatch.MergePatch(original, patchJSON)
	if err != nil {
		return api.User{}, fmt.Errorf("apply profile patch: %w", err)
	}
	var profile api.ProfileUpdate
	if err := json.Unmarshal(merged, &profile); err != nil {
		return api.User{}, fmt.Errorf("decode profile: %w", err)
	}
	if profile.FirstName == "" || profile.LastName == "" || profile.Color < 0 || profile.Color >= api.PaletteSize {
		return api.User{}, ErrInvalidProfile
	}

	acc.user.FirstName = profile.FirstName
	acc.user.LastName = profile.LastName
	acc.user.Color = profile.Color
	acc.user.ProfileSetup = true
	return acc.user, nil
}

func (s *Storage) SetImage(id string, image *string) (api.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return api.User{}, ErrUnknownUser
	}
	if image == nil {
		acc.user.Image = nil
	} else {
		img := *image
		acc.user.Image = &img
	}
	return acc.user, nil
}

func contactOf(u api.User) api.Contact {
	return api.Contact{
		Id:        u.Id,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Color:     u.Color,
		Image:     u.Image,
	}
}

// SearchUsers matches query against names and email, excluding self.
func (s *Storage) SearchUsers(self, query string) []api.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	contacts := []api.Contact{}
	for id, acc := range s.accounts {
		if id == self {
			continue
		}
		u := acc.user
		if strings.Contains(strings.ToLower(u.FirstName), q) ||
			strings.Contains(strings.ToLower(u.LastName), q) ||
			strings.Contains(strings.ToLower(u.Email), q) {
			contacts = append(contacts, contactOf(u))
		}
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].Id < contacts[j].Id })
	return contacts
}

// AddMessage stores m with a fresh id and timestamp.
func (s *Storage) AddMessage(m api.Message) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[m.Sender.Id]; !ok {
		return api.Message{}, fmt.Errorf("sender %q: %w", m.Sender.Id, ErrUnknownUser)
	}
	if _, ok := s.accounts[m.Recipient.Id]; !ok {
		return api.Message{}, fmt.Errorf("recipient %q: %w", m.Recipient.Id, ErrUnknownUser)
	}
	m.Id = s.nextId("m")
	m.Timestamp = s.now().UTC()
	s.messages = append(s.messages, m)
	return m, nil
}

// Conversation returns the messages between a and b, oldest first.
func (s *Storage) Conversation(a, b string) []api.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := []api.Message{}
	for _, m := range s.messages {
		if (m.Sender.Id == a && m.Recipient.Id == b) || (m.Sender.Id == b && m.Recipient.Id == a) {
			messages = append(messages, m)
		}
	}
	return messages
}

// DMContacts lists everyone self has exchanged messages with, most recent
// conversation first.
func (s *Storage) DMContacts(self string) []api.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	contacts := []api.Contact{}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		var other string
		switch self {
		case m.Sender.Id:
			other = m.Recipient.Id
		case m.Recipient.Id:
			other = m.Sender.Id
		default:
			continue
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		if acc, ok := s.accounts[other]; ok {
			contacts = append(contacts, contactOf(acc.user))
		}
	}
	return contacts
}

// participant is the populated form of a message side, as the backend sends
// it.
func (s *Storage) participant(id string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return map[string]any{"_id": id}
	}
	return map[string]any{
		"_id":       id,
		"email":     acc.user.Email,
		"firstName": acc.user.FirstName,
		"lastName":  acc.user.LastName,
		"color":     acc.user.Color,
		"image":     acc.user.Image,
	}
}

// encodeMessage renders m with sender and recipient populated.
func (s *Storage) encodeMessage(m api.Message) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc["sender"] = s.participant(m.Sender.Id)
	doc["recipient"] = s.participant(m.Recipient.Id)
	return json.Marshal(doc)
}
