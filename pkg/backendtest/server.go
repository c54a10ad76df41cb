// Package backendtest runs an in-memory chat backend over HTTP and websocket
// for exercising the client end to end.
package backendtest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatClient/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const maxUploadSize = 10 << 20

type Options struct {
	// Secret signs session tokens. A fixed test secret is used when empty.
	Secret   []byte
	TokenTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type upload struct {
	contentType string
	data        []byte
}

// Server is a running fake backend.
type Server struct {
	*httptest.Server

	storage  *Storage
	hub      *Hub
	log      *slog.Logger
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time

	refuseStatus atomic.Int32
	dials        atomic.Int64

	mu      sync.RWMutex
	uploads map[string]upload
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		storage:  NewStorage(now),
		log:      logger.With("component", "backendtest"),
		secret:   opts.Secret,
		tokenTTL: opts.TokenTTL,
		now:      now,
		uploads:  make(map[string]upload),
	}
	if len(s.secret) == 0 {
		s.secret = []byte("backendtest-secret")
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 3 * 24 * time.Hour
	}
	s.hub = NewHub(s.log)
	go s.hub.Run()
	s.Server = httptest.NewServer(s.Routes())
	return s
}

func (s *Server) Close() {
	s.hub.Stop()
	s.Server.CloseClientConnections()
	s.Server.Close()
}

func (s *Server) Storage() *Storage {
	return s.storage
}

func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", s.Signup())
		r.Post("/login", s.Login())
		r.Group(func(r chi.Router) {
			r.Use(s.Authenticator)
			r.Post("/logout", s.Logout())
			r.Get("/user-info", s.UserInfo())
			r.Post("/update-profile", s.UpdateProfile())
			r.Post("/add-profile-image", s.AddProfileImage())
			r.Post("/remove-profile-image", s.RemoveProfileImage())
		})
	})
	r.Route("/api/contacts", func(r chi.Router) {
		r.Use(s.Authenticator)
		r.Get("/get-contacts-for-dm", s.DMContacts())
		r.Get("/search", s.SearchContacts())
	})
	r.Route("/api/messages", func(r chi.Router) {
		r.Use(s.Authenticator)
		r.Post("/get-messages", s.GetMessages())
		r.Post("/upload-file", s.UploadFile())
	})
	r.Get("/uploads/*", s.ServeUpload())
	r.Get("/ws", s.ServeWs())

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", r.Header.Get("X-Request-ID"),
			"elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("unable to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func decodeCredentials(r *http.Request) (credentials, bool) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		return c, false
	}
	return c, c.Email != "" && c.Password != ""
}

// startSession issues a token, sets the session cookie and returns the user
// as the client sees it.
func (s *Server) startSession(w http.ResponseWriter, user api.User) (api.User, error) {
	token, err := s.issueToken(user.Id, user.Email)
	if err != nil {
		return api.User{}, err
	}
	s.setSessionCookie(w, token, s.tokenTTL)
	user.Token = token
	return user, nil
}

func (s *Server) Signup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := decodeCredentials(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "Email and Password is required")
			return
		}
		user, err := s.storage.CreateUser(c.Email, c.Password)
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusConflict, "Email is already registered")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		user, err = s.startSession(w, user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		s.log.Info("user signed up", "user_id", user.Id)
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	}
}

func (s *Server) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := decodeCredentials(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "Email and Password is required")
			return
		}
		user, err := s.storage.Authenticate(c.Email, c.Password)
		switch {
		case errors.Is(err, ErrUserNotFound):
			writeError(w, http.StatusNotFound, "User with the given email not found")
			return
		case errors.Is(err, ErrWrongPassword):
			writeError(w, http.StatusBadRequest, "Password is incorrect")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		user, err = s.startSession(w, user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	}
}

func (s *Server) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.setSessionCookie(w, "", -time.Second)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
	}
}

// UserInfo answers with the bare user object.
func (s *Server) UserInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.storage.GetUser(userIdFrom(r.Context()))
		if !ok {
			writeError(w, http.StatusNotFound, "User with the given id not found")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

// UpdateProfile treats the request body as a merge patch of the profile.
func (s *Server) UpdateProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patchJSON, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Couldn't process request")
			return
		}
		user, err := s.storage.UpdateProfile(userIdFrom(r.Context()), patchJSON)
		if errors.Is(err, ErrInvalidProfile) {
			writeError(w, http.StatusBadRequest, "Firstname lastname and color is required")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Couldn't process request")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

// receiveFile stores the multipart file under field and returns its path.
func (s *Server) receiveFile(r *http.Request, field, dir string) (string, string, int64, string, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return "", "", 0, "", err
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", "", 0, "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", "", 0, "", err
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(header.Filename))
	}
	name := path.Base(header.Filename)
	stored := "uploads/" + dir + "/" + strconv.FormatInt(s.now().UnixNano(), 10) + "/" + name

	s.mu.Lock()
	s.uploads[stored] = upload{contentType: contentType, data: data}
	s.mu.Unlock()
	return stored, name, int64(len(data)), contentType, nil
}

func (s *Server) AddProfileImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stored, _, _, _, err := s.receiveFile(r, "profile-image", "profiles")
		if err != nil {
			writeError(w, http.StatusBadRequest, "File is required")
			return
		}
		user, err := s.storage.SetImage(userIdFrom(r.Context()), &stored)
		if err != nil {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"image": *user.Image})
	}
}

func (s *Server) RemoveProfileImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.storage.SetImage(userIdFrom(r.Context()), nil); err != nil {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Profile image removed successfully"})
	}
}

func (s *Server) DMContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contacts := s.storage.DMContacts(userIdFrom(r.Context()))
		writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
	}
}

func (s *Server) SearchContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			writeError(w, http.StatusBadRequest, "Search term is required")
			return
		}
		contacts := s.storage.SearchUsers(userIdFrom(r.Context()), query)
		writeJSON(w, http.StatusOK, map[string]any{"data": contacts})
	}
}

func (s *Server) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserId string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserId == "" {
			writeError(w, http.StatusBadRequest, "Both user IDs are required")
			return
		}
		messages := s.storage.Conversation(userIdFrom(r.Context()), body.UserId)
		encoded := make([]json.RawMessage, 0, len(messages))
		for _, m := range messages {
			data, err := s.storage.encodeMessage(m)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
				return
			}
			encoded = append(encoded, data)
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": encoded})
	}
}

func (s *Server) UploadFile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stored, name, size, contentType, err := s.receiveFile(r, "file", "files")
		if err != nil {
			writeError(w, http.StatusBadRequest, "File is required")
			return
		}
		writeJSON(w, http.StatusOK, api.Upload{
			Success:  true,
			FileUrl:  "/" + stored,
			Filename: name,
			Size:     size,
			Mimetype: contentType,
		})
	}
}

func (s *Server) ServeUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		s.mu.RLock()
		u, ok := s.uploads[key]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", u.contentType)
		_, _ = w.Write(u.data)
	}
}

// ServeWs upgrades a session to the push channel. The session is identified
// by the userId query and must carry a token issued for that user.
func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		if status := int(s.refuseStatus.Load()); status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		userId := r.URL.Query().Get("userId")
		if userId == "" {
			http.Error(w, "userId in query param required", http.StatusBadRequest)
			return
		}
		tokenUser, err := s.verifyToken(findToken(r, tokenFromHeader, tokenFromCookie, tokenFromQuery))
		if err != nil || tokenUser != userId {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("upgrade failed", "error", err)
			return
		}

		p := &peer{hub: s.hub, conn: conn, userId: userId, send: make(chan []byte, 256), onEvent: s.handleEvent}
		select {
		case s.hub.register <- p:
		case <-s.hub.quit:
			_ = conn.Close()
			return
		}
		s.log.Debug("peer connected", "user_id", userId)

		go p.writePump()
		go p.readPump()
	}
}

// handleEvent stores a sent message and relays it to both participants.
func (s *Server) handleEvent(p *peer, env api.Envelope) {
	if env.Event != api.EventSendMessage {
		s.log.Debug("ignoring event", "event", env.Event)
		return
	}
	var m api.Message
	if err := json.Unmarshal(env.Data, &m); err != nil {
		s.reportError(p.userId, "Malformed message")
		return
	}
	if m.Sender.Id != p.userId {
		s.reportError(p.userId, "Sender does not match session")
		return
	}
	stored, err := s.storage.AddMessage(m)
	if err != nil {
		s.reportError(p.userId, err.Error())
		return
	}
	if err := s.deliver(stored, stored.Sender.Id, stored.Recipient.Id); err != nil {
		s.log.Warn("could not relay message", "error", err)
	}
}

func (s *Server) deliver(m api.Message, userIds ...string) error {
	data, err := s.storage.encodeMessage(m)
	if err != nil {
		return err
	}
	return s.Inject(api.Envelope{Event: api.EventReceiveMessage, Data: data}, userIds...)
}

func (s *Server) reportError(userId, description string) {
	data, _ := json.Marshal(map[string]string{"message": description})
	if err := s.Inject(api.Envelope{Event: api.EventMessageError, Data: data}, userId); err != nil {
		s.log.Warn("could not report error", "error", err)
	}
}

// Inject pushes env to every connection of userIds.
func (s *Server) Inject(env api.Envelope, userIds ...string) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.hub.Deliver(payload, userIds...)
	return nil
}

// InjectMessage pushes m as a receiveMessage event without storing it.
func (s *Server) InjectMessage(m api.Message, userIds ...string) error {
	return s.deliver(m, userIds...)
}

// InjectRaw pushes payload unchanged to userIds.
func (s *Server) InjectRaw(payload []byte, userIds ...string) {
	s.hub.Deliver(payload, userIds...)
}

// DropConnections closes every push channel connection.
func (s *Server) DropConnections() {
	s.hub.DropAll()
}

// RefuseWebsocket makes websocket handshakes fail with status. Zero accepts
// them again.
func (s *Server) RefuseWebsocket(status int) {
	s.refuseStatus.Store(int32(status))
}

// Dials counts websocket handshakes attempted so far.
func (s *Server) Dials() int64 {
	return s.dials.Load()
}

func (s *Server) Connections(userId string) int {
	return s.hub.Connections(userId)
}

// Register creates a user with a completed profile and returns it with a
// session token.
func (s *Server) Register(email, password, firstName, lastName string) (api.User, error) {
	user, err := s.storage.CreateUser(email, password)
	if err != nil {
		return api.User{}, err
	}
	patch, err := json.Marshal(api.ProfileUpdate{FirstName: firstName, LastName: lastName, ProfileSetup: true})
	if err != nil {
		return api.User{}, err
	}
	if user, err = s.storage.UpdateProfile(user.Id, patch); err != nil {
		return api.User{}, err
	}
	if user.Token, err = s.issueToken(user.Id, user.Email); err != nil {
		return api.User{}, err
	}
	return user, nil
}

// Token issues a session token for userId.
func (s *Server) Token(userId string) (string, error) {
	user, ok := s.storage.GetUser(userId)
	if !ok {
		return "", ErrUnknownUser
	}
	return s.issueToken(user.Id, user.Email)
}
