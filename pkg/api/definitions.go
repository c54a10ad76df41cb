package api

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// PaletteSize is the number of avatar colors a profile can pick from.
const PaletteSize = 4

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeFile  MessageType = "file"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
)

// Push channel event names.
const (
	EventReceiveMessage = "receiveMessage"
	EventMessageError   = "messageError"
	EventSendMessage    = "sendMessage"
)

// User is the identity of the authenticated session.
type User struct {
	Id           string  `json:"id"`
	Email        string  `json:"email"`
	FirstName    string  `json:"firstName"`
	LastName     string  `json:"lastName"`
	Color        int     `json:"color"`
	Image        *string `json:"image"`
	ProfileSetup bool    `json:"profileSetup"`
	Token        string  `json:"token,omitempty"`
}

func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var aux struct {
		plain
		MongoId string `json:"_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = User(aux.plain)
	if u.Id == "" {
		u.Id = aux.MongoId
	}
	return nil
}

func (u User) DisplayName() string {
	return displayName(u.FirstName, u.LastName, u.Email, u.Id)
}

// Initial is the character shown in place of a missing avatar image.
func (u User) Initial() string {
	return initial(u.FirstName, u.Email)
}

// Contact is a counterpart the session user can open a conversation with.
type Contact struct {
	Id        string  `json:"_id"`
	Email     string  `json:"email"`
	FirstName string  `json:"firstName,omitempty"`
	LastName  string  `json:"lastName,omitempty"`
	Color     int     `json:"color"`
	Image     *string `json:"image,omitempty"`
	Status    string  `json:"status,omitempty"`
}

func (c *Contact) UnmarshalJSON(data []byte) error {
	type plain Contact
	var aux struct {
		plain
		PlainId string `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Contact(aux.plain)
	if c.Id == "" {
		c.Id = aux.PlainId
	}
	return nil
}

func (c Contact) DisplayName() string {
	return displayName(c.FirstName, c.LastName, c.Email, c.Id)
}

func (c Contact) Initial() string {
	return initial(c.FirstName, c.Email)
}

func displayName(first, last, email, id string) string {
	if first != "" {
		return strings.TrimSpace(first + " " + last)
	}
	if email != "" {
		return email
	}
	return id
}

func initial(first, email string) string {
	for _, s := range []string{first, email} {
		for _, r := range s {
			return strings.ToUpper(string(r))
		}
	}
	return "?"
}

// Participant is the sender or recipient of a message. The backend sends either
// a bare id or a populated user object; anything else decodes to the zero value.
type Participant struct {
	Id        string
	Email     string
	FirstName string
	LastName  string
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	*p = Participant{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &p.Id)
	case '{':
		var obj struct {
			MongoId   string `json:"_id"`
			Id        string `json:"id"`
			Email     string `json:"email"`
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		p.Id = obj.MongoId
		if p.Id == "" {
			p.Id = obj.Id
		}
		p.Email, p.FirstName, p.LastName = obj.Email, obj.FirstName, obj.LastName
	}
	return nil
}

func (p Participant) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Id)
}

// Attachment references a file stored by the backend.
type Attachment struct {
	URL      string
	Name     string
	Size     int64
	MimeType string
}

// Content is one of TextContent, FileContent or AudioContent.
type Content interface {
	Type() MessageType
}

type TextContent struct {
	Body string
}

func (TextContent) Type() MessageType { return TypeText }

type FileContent struct {
	Attachment
	Kind MessageType
}

func (f FileContent) Type() MessageType {
	if f.Kind == "" {
		return TypeFile
	}
	return f.Kind
}

type AudioContent struct {
	Attachment
	// Duration in seconds.
	Duration float64
}

func (AudioContent) Type() MessageType { return TypeAudio }

// Message is immutable once received.
type Message struct {
	Id        string
	Sender    Participant
	Recipient Participant
	Content   Content
	Timestamp time.Time
}

type wireMessage struct {
	Id          string          `json:"_id,omitempty"`
	ClientId    string          `json:"clientId,omitempty"`
	Sender      Participant     `json:"sender"`
	Recipient   *Participant    `json:"recipient,omitempty"`
	MessageType MessageType     `json:"messageType"`
	Content     string          `json:"content,omitempty"`
	FileUrl     string          `json:"fileUrl,omitempty"`
	FileName    string          `json:"fileName,omitempty"`
	FileSize    int64           `json:"fileSize,omitempty"`
	FileType    string          `json:"fileType,omitempty"`
	Duration    float64         `json:"duration,omitempty"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Id:      w.Id,
		Sender:  w.Sender,
		Content: w.content(),
	}
	if w.Recipient != nil {
		m.Recipient = *w.Recipient
	}
	if len(w.Timestamp) > 0 {
		var ts time.Time
		if err := json.Unmarshal(w.Timestamp, &ts); err == nil {
			m.Timestamp = ts
		}
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := toWire(m.Sender, m.Recipient, m.Content)
	w.Id = m.Id
	if !m.Timestamp.IsZero() {
		ts, err := json.Marshal(m.Timestamp)
		if err != nil {
			return nil, err
		}
		w.Timestamp = ts
	}
	return json.Marshal(w)
}

func (w wireMessage) content() Content {
	attachment := Attachment{URL: w.FileUrl, Name: w.FileName, Size: w.FileSize, MimeType: w.FileType}
	switch w.MessageType {
	case TypeAudio:
		return AudioContent{Attachment: attachment, Duration: w.Duration}
	case TypeFile, TypeImage, TypeVideo:
		return FileContent{Attachment: attachment, Kind: w.MessageType}
	case TypeText, "":
		if w.MessageType == "" && w.FileUrl != "" {
			return FileContent{Attachment: attachment, Kind: KindForMimeType(w.FileType)}
		}
		return TextContent{Body: w.Content}
	default:
		if w.FileUrl != "" {
			return FileContent{Attachment: attachment, Kind: TypeFile}
		}
		return TextContent{Body: w.Content}
	}
}

func toWire(sender, recipient Participant, content Content) wireMessage {
	w := wireMessage{Sender: sender}
	if recipient.Id != "" {
		r := recipient
		w.Recipient = &r
	}
	switch c := content.(type) {
	case TextContent:
		w.MessageType = TypeText
		w.Content = c.Body
	case FileContent:
		w.MessageType = c.Type()
		w.FileUrl, w.FileName, w.FileSize, w.FileType = c.URL, c.Name, c.Size, c.MimeType
	case AudioContent:
		w.MessageType = TypeAudio
		w.FileUrl, w.FileName, w.FileSize, w.FileType = c.URL, c.Name, c.Size, c.MimeType
		w.Duration = c.Duration
	default:
		w.MessageType = TypeText
	}
	return w
}

// OutgoingMessage is the payload of a sendMessage event. The backend assigns
// the id and timestamp.
type OutgoingMessage struct {
	ClientId  string
	Sender    string
	Recipient string
	Content   Content
}

func (o OutgoingMessage) MarshalJSON() ([]byte, error) {
	w := toWire(Participant{Id: o.Sender}, Participant{Id: o.Recipient}, o.Content)
	w.ClientId = o.ClientId
	return json.Marshal(w)
}

// Envelope frames every push channel payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is a decoded inbound envelope. Message is nil when a receiveMessage
// payload could not be decoded.
type Event struct {
	Name    string
	Message *Message
	Error   string
}

// Upload is the backend's reference to an uploaded file.
type Upload struct {
	Success  bool   `json:"success"`
	FileUrl  string `json:"fileUrl"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Mimetype string `json:"mimetype"`
}

func (u Upload) Attachment() Attachment {
	return Attachment{URL: u.FileUrl, Name: u.Filename, Size: u.Size, MimeType: u.Mimetype}
}

// KindForMimeType picks how an uploaded file is presented.
func KindForMimeType(mimeType string) MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return TypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return TypeVideo
	default:
		return TypeFile
	}
}

// ProfileUpdate is the editable part of a User.
type ProfileUpdate struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Color        int    `json:"color"`
	ProfileSetup bool   `json:"profileSetup"`
}

func (u User) Profile() ProfileUpdate {
	return ProfileUpdate{
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Color:        u.Color,
		ProfileSetup: u.ProfileSetup,
	}
}
