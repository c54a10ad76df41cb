package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Backend routes.
const (
	LoginRoute              = "/api/auth/login"
	SignupRoute             = "/api/auth/signup"
	LogoutRoute             = "/api/auth/logout"
	UserInfoRoute           = "/api/auth/user-info"
	UpdateProfileRoute      = "/api/auth/update-profile"
	AddProfileImageRoute    = "/api/auth/add-profile-image"
	RemoveProfileImageRoute = "/api/auth/remove-profile-image"
	DMContactsRoute         = "/api/contacts/get-contacts-for-dm"
	SearchContactsRoute     = "/api/contacts/search"
	GetMessagesRoute        = "/api/messages/get-messages"
	UploadFileRoute         = "/api/messages/upload-file"
)

var ErrNoSession = errors.New("no active session")

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// ValidationError rejects input before anything is sent to the backend.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UserMessage picks the text shown to the user for err.
func UserMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}
	return fallback
}

// Backend is the HTTP side of the chat backend. Session cookies are kept in a
// jar and replayed on every request, including the websocket handshake.
type Backend struct {
	baseURL *url.URL
	http    *http.Client
	log     *slog.Logger

	mu    sync.RWMutex
	token string
}

func NewBackend(baseURL string, timeout time.Duration, logger *slog.Logger) (*Backend, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		baseURL: u,
		http:    &http.Client{Timeout: timeout, Jar: jar},
		log:     logger.With("component", "backend"),
	}, nil
}

func (b *Backend) BaseURL() *url.URL {
	u := *b.baseURL
	return &u
}

// Host is the base URL as a string, without a trailing slash.
func (b *Backend) Host() string {
	return strings.TrimRight(b.baseURL.String(), "/")
}

// SetToken sets the bearer token sent with every request. An empty token
// removes it.
func (b *Backend) SetToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

// Dialer returns a websocket dialer sharing this backend's cookies.
func (b *Backend) Dialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Jar:              b.http.Jar,
	}
}

func (b *Backend) resolve(path string, query url.Values) string {
	u := *b.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// doJSON sends body as JSON and decodes a 2xx response into out. It returns
// the response status code.
func (b *Backend) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.resolve(path, query), reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.do(req, out)
}

// doMultipart uploads the file at filePath under field, plus extra form values.
func (b *Backend) doMultipart(ctx context.Context, path, field, filePath string, extra map[string]string, out any) (int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", filePath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	sniff := make([]byte, 512)
	n, err := io.ReadFull(f, sniff)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read %q: %w", filePath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind %q: %w", filePath, err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(filePath)))
	header.Set("Content-Type", contentType(filePath, sniff[:n]))
	part, err := writer.CreatePart(header)
	if err != nil {
		return 0, fmt.Errorf("create form part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return 0, fmt.Errorf("copy %q: %w", filePath, err)
	}
	for key, value := range extra {
		if err := writer.WriteField(key, value); err != nil {
			return 0, fmt.Errorf("write form field %q: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.resolve(path, nil), &buf)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return b.do(req, out)
}

func (b *Backend) do(req *http.Request, out any) (int, error) {
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	b.mu.RLock()
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	b.mu.RUnlock()

	log := b.log.With("request_id", requestID, "method", req.Method, "path", req.URL.Path)
	start := time.Now()

	resp, err := b.http.Do(req)
	if err != nil {
		log.Warn("request failed", "error", err)
		return 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	log.Debug("request done", "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// errorMessage reads {error} or {message} from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return ""
}

func contentType(filePath string, head []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filePath))); t != "" {
		return t
	}
	return http.DetectContentType(head)
}
