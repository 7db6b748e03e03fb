package api

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// SessionTimeout is how long the startup token stays valid.
	SessionTimeout = 24 * time.Hour
	sessionSubject = "console"
	// Browsers cannot set headers on a websocket handshake.
	tokenQueryParam = "access_token"
)

func newSessionSecret() []byte {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		// Only reachable when the OS entropy source is broken.
		logger.Fatal("Failed to generate session secret: %v", err)
	}
	return secret
}

// createSessionToken signs a bearer token for the console.
func (s *Server) createSessionToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionSubject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(SessionTimeout)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		logger.Error("Failed to sign session token: %v", err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// parseSessionToken parses and validates a bearer token.
func (s *Server) parseSessionToken(tokenString string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithSubject(sessionSubject), jwt.WithExpirationRequired())
}

// bearerToken extracts the token from the Authorization header, or from the
// query string on websocket handshakes.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get(tokenQueryParam)
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}

		token, err := s.parseSessionToken(tokenString)
		if err != nil || !token.Valid {
			logger.Debug("Session token rejected from %s: %v", r.RemoteAddr, err)
			writeError(w, http.StatusUnauthorized, "Invalid session token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WriteTokenFile stores the session token where only the current user can
// read it, so the console can pick it up.
func (s *Server) WriteTokenFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(s.token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict token file: %w", err)
	}
	logger.Info("Session token written to %s", path)
	return nil
}
