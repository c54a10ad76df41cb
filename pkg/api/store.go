package api

import "sync"

// Store holds the client side state shared by the UI and the push channel.
type Store struct {
	mu sync.RWMutex

	user      *User
	selection Selector

	// Messages of the selected conversation, in arrival order.
	messages []Message

	contacts      []Contact
	searchResults []Contact
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) SetUser(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user == nil {
		s.user = nil
		return
	}
	u := *user
	s.user = &u
}

func (s *Store) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// Select opens the conversation identified by sel. The message list is cleared
// when the selection changes; Select reports whether it did.
func (s *Store) Select(sel Selector) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == sel {
		return false
	}
	s.selection = sel
	s.messages = nil
	return true
}

func (s *Store) CloseChat() {
	s.Select(NoSelection())
}

func (s *Store) CurrentSelection() Selector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// AppendIfSelected appends m only while sel is still the open conversation.
func (s *Store) AppendIfSelected(sel Selector, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel.IsNone() || s.selection != sel {
		return false
	}
	s.messages = append(s.messages, m)
	return true
}

// ReplaceMessagesIfSelected swaps in a fetched history only while sel is still
// the open conversation.
func (s *Store) ReplaceMessagesIfSelected(sel Selector, messages []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel.IsNone() || s.selection != sel {
		return false
	}
	s.messages = append([]Message(nil), messages...)
	return true
}

func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

func (s *Store) SetContacts(contacts []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = append([]Contact(nil), contacts...)
}

func (s *Store) Contacts() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contact(nil), s.contacts...)
}

func (s *Store) SetSearchResults(results []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchResults = append([]Contact(nil), results...)
}

func (s *Store) SearchResults() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contact(nil), s.searchResults...)
}

// Reset drops everything tied to the session.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.selection = NoSelection()
	s.messages = nil
	s.contacts = nil
	s.searchResults = nil
}
