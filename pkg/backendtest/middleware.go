package backendtest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionCookie = "jwt"

type contextKey string

const userIdKey contextKey = "userId"

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// issueToken signs a session token for userId.
func (s *Server) issueToken(userId, email string) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userId,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// verifyToken returns the user id a session token was issued for.
func (s *Server) verifyToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.New("missing token")
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Authenticator rejects requests without a valid session token.
func (s *Server) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := findToken(r, tokenFromHeader, tokenFromCookie, tokenFromQuery)

		userId, err := s.verifyToken(tokenString)
		if err != nil {
			s.log.Debug("rejected request", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "You are not authenticated!")
			return
		}
		ctx := context.WithValue(r.Context(), userIdKey, userId)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIdFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIdKey).(string)
	return id
}

func tokenFromHeader(r *http.Request) string {
	// Get token from authorization header.
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return bearer[7:]
	}
	return ""
}

func tokenFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func tokenFromQuery(r *http.Request) string {
	// Get token from query param named "token".
	return r.URL.Query().Get("token")
}

func findToken(r *http.Request, findTokenFns ...func(r *http.Request) string) string {
	var tokenString string

	for _, fn := range findTokenFns {
		tokenString = fn(r)
		if tokenString != "" {
			break
		}
	}

	return tokenString
}
