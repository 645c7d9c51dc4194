package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"cdr.dev/slog/v3"

	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

type contextKey string

const userKey contextKey = "user"

// AgentTokenHeader carries the shared secret every agent presents.
const AgentTokenHeader = "X-Agent-Token"

type Authenticator struct {
	store       *store.Store
	logger      slog.Logger
	sharedToken string
}

func NewAuthenticator(st *store.Store, logger slog.Logger, sharedToken string) *Authenticator {
	return &Authenticator{store: st, logger: logger.Named("auth"), sharedToken: sharedToken}
}

// HashToken is the form user tokens are stored in.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Middleware authenticates a user by bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing auth header", http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader || token == "" {
			http.Error(w, "invalid auth header format", http.StatusUnauthorized)
			return
		}

		user, err := a.store.Read().UserByToken(r.Context(), HashToken(token))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				a.logger.Error(r.Context(), "looking up token", slog.F("path", r.URL.Path), slog.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			a.logger.Warn(r.Context(), "invalid token", slog.F("path", r.URL.Path))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), &user)))
	})
}

// AgentMiddleware admits requests carrying the shared agent token.
func (a *Authenticator) AgentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(AgentTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedToken)) != 1 {
			a.logger.Warn(r.Context(), "unauthorized agent", slog.F("remote_addr", r.RemoteAddr))
			http.Error(w, "unauthorized agent", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil || user.Role != models.RoleAdmin {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ContextWithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(userKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}
