package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParticipantDecodesIdOrObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Participant
	}{
		{"bare id", `"u1"`, Participant{Id: "u1"}},
		{"populated", `{"_id":"u1","email":"a@b.c","firstName":"Ann","lastName":"Lee"}`,
			Participant{Id: "u1", Email: "a@b.c", FirstName: "Ann", LastName: "Lee"}},
		{"plain id field", `{"id":"u2"}`, Participant{Id: "u2"}},
		{"number", `42`, Participant{}},
		{"null", `null`, Participant{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Participant
			if err := json.Unmarshal([]byte(tt.in), &p); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if diff := cmp.Diff(tt.want, p); diff != "" {
				t.Fatalf("participant mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageDecodesContentVariants(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Content
	}{
		{"text", `{"messageType":"text","content":"hi"}`, TextContent{Body: "hi"}},
		{"image", `{"messageType":"image","fileUrl":"/uploads/a.png","fileName":"a.png","fileSize":2048,"fileType":"image/png"}`,
			FileContent{Attachment: Attachment{URL: "/uploads/a.png", Name: "a.png", Size: 2048, MimeType: "image/png"}, Kind: TypeImage}},
		{"audio", `{"messageType":"audio","fileUrl":"/uploads/r.webm","duration":12.5}`,
			AudioContent{Attachment: Attachment{URL: "/uploads/r.webm"}, Duration: 12.5}},
		{"file without type", `{"fileUrl":"/uploads/v.mp4","fileType":"video/mp4"}`,
			FileContent{Attachment: Attachment{URL: "/uploads/v.mp4", MimeType: "video/mp4"}, Kind: TypeVideo}},
		{"no type at all", `{"content":"plain"}`, TextContent{Body: "plain"}},
		{"unknown type", `{"messageType":"sticker","content":"x"}`, TextContent{Body: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tt.in), &m); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if diff := cmp.Diff(tt.want, m.Content); diff != "" {
				t.Fatalf("content mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageToleratesBadTimestamp(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"_id":"m1","sender":"u1","timestamp":"yesterday"}`), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !m.Timestamp.IsZero() {
		t.Fatalf("timestamp = %v, want zero", m.Timestamp)
	}

	if err := json.Unmarshal([]byte(`{"_id":"m2","timestamp":"2024-03-01T10:00:00Z"}`), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC); !m.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", m.Timestamp, want)
	}
}

func TestOutgoingMessageWireFormat(t *testing.T) {
	out := OutgoingMessage{
		ClientId:  "c-1",
		Sender:    "u1",
		Recipient: "u2",
		Content:   FileContent{Attachment: Attachment{URL: "/uploads/f.pdf", Name: "f.pdf", Size: 10, MimeType: "application/pdf"}},
	}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]any{
		"clientId":    "c-1",
		"sender":      "u1",
		"recipient":   "u2",
		"messageType": "file",
		"fileUrl":     "/uploads/f.pdf",
		"fileName":    "f.pdf",
		"fileSize":    float64(10),
		"fileType":    "application/pdf",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("wire mismatch (-want +got):\n%s", diff)
	}
}

func TestUserAndContactAcceptBothIdSpellings(t *testing.T) {
	var u User
	if err := json.Unmarshal([]byte(`{"_id":"u1","email":"a@b.c","profileSetup":true}`), &u); err != nil {
		t.Fatalf("Unmarshal user: %v", err)
	}
	if u.Id != "u1" || !u.ProfileSetup {
		t.Fatalf("user = %+v", u)
	}

	var c Contact
	if err := json.Unmarshal([]byte(`{"id":"u2","firstName":"Bo"}`), &c); err != nil {
		t.Fatalf("Unmarshal contact: %v", err)
	}
	if c.Id != "u2" || c.DisplayName() != "Bo" || c.Initial() != "B" {
		t.Fatalf("contact = %+v", c)
	}
}

func TestDisplayNameFallsBack(t *testing.T) {
	if got := (User{Id: "u1", Email: "ann@example.com"}).DisplayName(); got != "ann@example.com" {
		t.Fatalf("DisplayName = %q", got)
	}
	if got := (User{Id: "u1"}).Initial(); got != "?" {
		t.Fatalf("Initial = %q", got)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, ok := decodeEvent([]byte(`{"event":"receiveMessage","data":{"_id":"m1","sender":"u1","recipient":"u2","messageType":"text","content":"hi"}}`))
	if !ok || ev.Message == nil {
		t.Fatalf("decodeEvent = %+v, %v", ev, ok)
	}
	if ev.Message.Sender.Id != "u1" || ev.Message.Recipient.Id != "u2" {
		t.Fatalf("message = %+v", ev.Message)
	}

	ev, ok = decodeEvent([]byte(`{"event":"receiveMessage","data":[1,2]}`))
	if !ok || ev.Message != nil {
		t.Fatalf("malformed payload decoded to %+v, %v", ev, ok)
	}

	if _, ok := decodeEvent([]byte(`not json`)); ok {
		t.Fatal("garbage frame decoded")
	}
	if _, ok := decodeEvent([]byte(`{"data":{}}`)); ok {
		t.Fatal("frame without event name decoded")
	}
}

func TestErrorText(t *testing.T) {
	tests := map[string]string{
		``:                     "unknown error",
		`"boom"`:               "boom",
		`{"message":"denied"}`: "denied",
		`{"error":"offline"}`:  "offline",
		`{"code":7}`:           `{"code":7}`,
	}
	for in, want := range tests {
		if got := errorText(json.RawMessage(in)); got != want {
			t.Errorf("errorText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKindForMimeType(t *testing.T) {
	for mime, want := range map[string]MessageType{
		"image/png":       TypeImage,
		"video/mp4":       TypeVideo,
		"application/pdf": TypeFile,
		"":                TypeFile,
	} {
		if got := KindForMimeType(mime); got != want {
			t.Errorf("KindForMimeType(%q) = %s, want %s", mime, got, want)
		}
	}
}

func TestNormalizeFileURL(t *testing.T) {
	const host = "https://chat.example.com"
	tests := map[string]string{
		"":                                    "",
		"/uploads/files/1/a.png":              host + "/uploads/files/1/a.png",
		"https://cdn.example.com/a.png":       "https://cdn.example.com/a.png",
		"http://localhost:3000/uploads/a.png": host + "/uploads/a.png",
		"uploads/files/a.png":                 "uploads/files/a.png",
	}
	for in, want := range tests {
		if got := NormalizeFileURL(host+"/", in); got != want {
			t.Errorf("NormalizeFileURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestImageURL(t *testing.T) {
	const host = "http://localhost:8747"
	tests := map[string]string{
		"":                          "",
		"uploads/profiles/a.png":    host + "/uploads/profiles/a.png",
		"/uploads/profiles/a.png":   host + "/uploads/profiles/a.png",
		"https://cdn/a.png":         "https://cdn/a.png",
		"data:image/png;base64,AAA": "data:image/png;base64,AAA",
	}
	for in, want := range tests {
		if got := ImageURL(host, in); got != want {
			t.Errorf("ImageURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	b, err := NewBackend("https://chat.example.com/base?x=1", time.Second, quietLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if got := WebsocketURL(b.BaseURL(), "/ws"); got != "wss://chat.example.com/ws" {
		t.Fatalf("WebsocketURL = %q", got)
	}
	if _, err := NewBackend("ftp://example.com", time.Second, nil); err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("NewBackend(ftp) error = %v", err)
	}
}
