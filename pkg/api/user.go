package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/golang-jwt/jwt/v5"
)

type AuthService interface {
	Login(ctx context.Context, email, password string) (User, error)
	Signup(ctx context.Context, email, password, confirmPassword string) (User, error)
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (User, error)
}

type ProfileService interface {
	UpdateProfile(ctx context.Context, current User, firstName, lastName string, color int) (User, error)
	UploadAvatar(ctx context.Context, current User, path string) (User, error)
	RemoveAvatar(ctx context.Context, current User) (User, error)
}

type ContactService interface {
	DMContacts(ctx context.Context) ([]Contact, error)
	Search(ctx context.Context, query string) ([]Contact, error)
}

// AvatarExtensions lists the image types accepted as profile pictures.
var AvatarExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

type authService struct {
	backend *Backend
}

func NewAuthService(backend *Backend) AuthService {
	return &authService{backend: backend}
}

type userEnvelope struct {
	User *User `json:"user"`
}

func validateCredentials(email, password string) error {
	if strings.TrimSpace(email) == "" {
		return &ValidationError{Message: "Email is required"}
	}
	if password == "" {
		return &ValidationError{Message: "Password is required"}
	}
	return nil
}

func (a *authService) Login(ctx context.Context, email, password string) (User, error) {
	if err := validateCredentials(email, password); err != nil {
		return User{}, err
	}

	var resp userEnvelope
	body := map[string]string{"email": strings.TrimSpace(email), "password": password}
	if _, err := a.backend.doJSON(ctx, http.MethodPost, LoginRoute, nil, body, &resp); err != nil {
		return User{}, err
	}
	if resp.User == nil || resp.User.Id == "" {
		return User{}, &APIError{Status: http.StatusOK, Message: "Login failed"}
	}

	a.backend.SetToken(resp.User.Token)
	return *resp.User, nil
}

func (a *authService) Signup(ctx context.Context, email, password, confirmPassword string) (User, error) {
	if err := validateCredentials(email, password); err != nil {
		return User{}, err
	}
	if password != confirmPassword {
		return User{}, &ValidationError{Message: "Passwords do not match"}
	}

	var resp userEnvelope
	body := map[string]string{"email": strings.TrimSpace(email), "password": password}
	status, err := a.backend.doJSON(ctx, http.MethodPost, SignupRoute, nil, body, &resp)
	if err != nil {
		return User{}, err
	}
	if status != http.StatusCreated || resp.User == nil || resp.User.Id == "" {
		return User{}, &APIError{Status: status, Message: "Signup failed"}
	}

	a.backend.SetToken(resp.User.Token)
	return *resp.User, nil
}

func (a *authService) Logout(ctx context.Context) error {
	if _, err := a.backend.doJSON(ctx, http.MethodPost, LogoutRoute, nil, struct{}{}, nil); err != nil {
		return err
	}
	a.backend.SetToken("")
	return nil
}

// CurrentUser restores the session held by the cookie jar. The backend may
// answer with {user} or with the user object itself.
func (a *authService) CurrentUser(ctx context.Context) (User, error) {
	var raw json.RawMessage
	if _, err := a.backend.doJSON(ctx, http.MethodGet, UserInfoRoute, nil, nil, &raw); err != nil {
		return User{}, err
	}

	var wrapped userEnvelope
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil && wrapped.User.Id != "" {
		a.backend.SetToken(wrapped.User.Token)
		return *wrapped.User, nil
	}
	var flat User
	if err := json.Unmarshal(raw, &flat); err == nil && flat.Id != "" {
		a.backend.SetToken(flat.Token)
		return flat, nil
	}
	return User{}, ErrNoSession
}

// TokenExpired reports whether a JWT session token carries an exp claim in the
// past. Tokens that are not JWTs never expire client side; the backend still
// verifies them.
func TokenExpired(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}

type profileService struct {
	backend *Backend
}

func NewProfileService(backend *Backend) ProfileService {
	return &profileService{backend: backend}
}

func validateProfile(firstName, lastName string, color int) error {
	if strings.TrimSpace(firstName) == "" {
		return &ValidationError{Message: "First name is required"}
	}
	if strings.TrimSpace(lastName) == "" {
		return &ValidationError{Message: "Last name is required"}
	}
	if color < 0 || color >= PaletteSize {
		return &ValidationError{Message: fmt.Sprintf("Color must be between 0 and %d", PaletteSize-1)}
	}
	return nil
}

// UpdateProfile saves the profile and returns current with the change applied.
// current is never modified; on failure the caller keeps it as is.
func (p *profileService) UpdateProfile(ctx context.Context, current User, firstName, lastName string, color int) (User, error) {
	if err := validateProfile(firstName, lastName, color); err != nil {
		return current, err
	}

	edited := ProfileUpdate{
		FirstName:    strings.TrimSpace(firstName),
		LastName:     strings.TrimSpace(lastName),
		Color:        color,
		ProfileSetup: true,
	}
	patch, err := profilePatch(current.Profile(), edited)
	if err != nil {
		return current, err
	}
	if string(patch) == "{}" {
		p.backend.log.Debug("profile unchanged", "user_id", current.Id)
	}

	if _, err := p.backend.doJSON(ctx, http.MethodPost, UpdateProfileRoute, nil, edited, nil); err != nil {
		return current, err
	}
	return applyPatch(current, patch)
}

func (p *profileService) UploadAvatar(ctx context.Context, current User, path string) (User, error) {
	if !allowedAvatar(path) {
		return current, &ValidationError{Message: "Profile image must be one of " + strings.Join(AvatarExtensions, ", ")}
	}

	var resp struct {
		Image string `json:"image"`
	}
	if _, err := p.backend.doMultipart(ctx, AddProfileImageRoute, "profile-image", path, nil, &resp); err != nil {
		return current, err
	}
	if resp.Image == "" {
		return current, &APIError{Status: http.StatusOK, Message: "Failed to upload image"}
	}

	updated := current
	image := resp.Image
	updated.Image = &image
	return updated, nil
}

func (p *profileService) RemoveAvatar(ctx context.Context, current User) (User, error) {
	if _, err := p.backend.doJSON(ctx, http.MethodPost, RemoveProfileImageRoute, nil, struct{}{}, nil); err != nil {
		return current, err
	}
	updated := current
	updated.Image = nil
	return updated, nil
}

func allowedAvatar(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range AvatarExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// profilePatch is the JSON merge patch turning before into after.
func profilePatch(before, after ProfileUpdate) ([]byte, error) {
	original, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	modified, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	patch, err := jsonPatch.CreateMergePatch(original, modified)
	if err != nil {
		return nil, fmt.Errorf("create profile patch: %w", err)
	}
	return patch, nil
}

func applyPatch(user User, patch []byte) (User, error) {
	original, err := json.Marshal(user)
	if err != nil {
		return user, fmt.Errorf("encode user: %w", err)
	}
	merged, err := jsonPatch.MergePatch(original, patch)
	if err != nil {
		return user, fmt.Errorf("apply profile patch: %w", err)
	}
	var updated User
	if err := json.Unmarshal(merged, &updated); err != nil {
		return user, fmt.Errorf("decode user: %w", err)
	}
	return updated, nil
}

type contactService struct {
	backend *Backend
}

func NewContactService(backend *Backend) ContactService {
	return &contactService{backend: backend}
}

func (c *contactService) DMContacts(ctx context.Context) ([]Contact, error) {
	var resp struct {
		Contacts []Contact `json:"contacts"`
	}
	if _, err := c.backend.doJSON(ctx, http.MethodGet, DMContactsRoute, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Contacts, nil
}

// Search looks up counterparts by name or email. A blank query returns no
// results without asking the backend.
func (c *contactService) Search(ctx context.Context, query string) ([]Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Contact{}, nil
	}

	var resp struct {
		Data []Contact `json:"data"`
	}
	if _, err := c.backend.doJSON(ctx, http.MethodGet, SearchContactsRoute, map[string][]string{"q": {query}}, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return []Contact{}, nil
	}
	return resp.Data, nil
}
