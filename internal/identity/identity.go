// Package identity resolves bearer tokens to users for the chat server.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/store"
)

// CodeAuthRequired is the error code sent to clients without valid credentials.
const CodeAuthRequired = "AUTH_REQUIRED"

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing auth token")
	// ErrInvalidToken is returned when the token is not recognised.
	ErrInvalidToken = errors.New("invalid auth token")
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying the user.
func WithUser(ctx context.Context, user domain.User) context.Context {
	ctx = context.WithValue(ctx, userIDKey, user.UserID)
	return context.WithValue(ctx, usernameKey, user.Username)
}

// Authenticator maps bearer tokens to users and records them in the repository.
type Authenticator struct {
	repo   store.Repository
	tokens map[string]string
}

// NewAuthenticator creates an authenticator. With no configured tokens every
// non-empty token is accepted and mapped to a stable derived user id.
func NewAuthenticator(repo store.Repository, tokens map[string]string) *Authenticator {
	return &Authenticator{repo: repo, tokens: tokens}
}

// TokenFromRequest reads "Authorization: Bearer <t>" or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate resolves the request's token to a user, creating the user
// record on first sight and bumping last-seen otherwise.
func (a *Authenticator) Authenticate(r *http.Request) (domain.User, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return domain.User{}, ErrMissingToken
	}

	userID, err := a.userIDFor(token)
	if err != nil {
		return domain.User{}, err
	}
	user, err := ensureUser(r.Context(), a.repo, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (a *Authenticator) userIDFor(token string) (string, error) {
	if len(a.tokens) == 0 {
		sum := sha256.Sum256([]byte(token))
		return "dev_" + hex.EncodeToString(sum[:8]), nil
	}
	userID, ok := a.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "user-" + userID[len(userID)-8:]
	}
	return userID
}

func ensureUser(ctx context.Context, repo store.Repository, userID string) (domain.User, error) {
	now := time.Now()
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if user == nil {
		user = &domain.User{
			UserID:    userID,
			Username:  deriveUsername(userID),
			CreatedAt: now,
		}
	}
	user.LastSeenAt = now
	if err := repo.UpsertUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	return *user, nil
}

// Middleware rejects requests without a valid token and injects the user into
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.Authenticate(r)
		if err != nil {
			WriteAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// WriteAuthError writes a 401 for token errors and a 500 otherwise.
func WriteAuthError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	msg := "failed to establish identity"
	if errors.Is(err, ErrMissingToken) || errors.Is(err, ErrInvalidToken) {
		status = http.StatusUnauthorized
		code = CodeAuthRequired
		msg = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
