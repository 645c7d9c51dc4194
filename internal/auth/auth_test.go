package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angariumd/gpuledger/internal/db/dbtest"
	"github.com/angariumd/gpuledger/internal/models"
	"github.com/angariumd/gpuledger/internal/store"
)

func TestAuthenticator(t *testing.T) {
	ctx := context.Background()
	st := store.New(dbtest.New(t))
	err := st.InTx(ctx, func(q *store.Queries) error {
		if _, err := q.UpsertUser(ctx, models.User{Username: "alice", TokenHash: HashToken("alice-token"), Role: models.RoleAdmin}, time.Now()); err != nil {
			return err
		}
		_, err := q.UpsertUser(ctx, models.User{Username: "bob", TokenHash: HashToken("bob-token")}, time.Now())
		return err
	})
	require.NoError(t, err)

	a := NewAuthenticator(st, slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}), "agent-secret")

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := UserFromContext(r.Context()); u != nil {
			_, _ = w.Write([]byte(u.Username))
		}
	})

	t.Run("user tokens", func(t *testing.T) {
		h := a.Middleware(echo)
		cases := []struct {
			name   string
			header string
			code   int
			body   string
		}{
			{"missing", "", http.StatusUnauthorized, ""},
			{"not bearer", "Token alice-token", http.StatusUnauthorized, ""},
			{"unknown", "Bearer nope", http.StatusUnauthorized, ""},
			{"alice", "Bearer alice-token", http.StatusOK, "alice"},
			{"bob", "Bearer bob-token", http.StatusOK, "bob"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
				if tc.header != "" {
					req.Header.Set("Authorization", tc.header)
				}
				rr := httptest.NewRecorder()
				h.ServeHTTP(rr, req)
				assert.Equal(t, tc.code, rr.Code)
				if tc.body != "" {
					assert.Equal(t, tc.body, rr.Body.String())
				}
			})
		}
	})

	t.Run("admin", func(t *testing.T) {
		h := a.Middleware(RequireAdmin(echo))
		for token, code := range map[string]int{"alice-token": http.StatusOK, "bob-token": http.StatusForbidden} {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/usage/adjust", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, code, rr.Code, token)
		}
	})

	t.Run("agent token", func(t *testing.T) {
		h := a.AgentMiddleware(echo)
		for token, code := range map[string]int{"": http.StatusUnauthorized, "wrong": http.StatusUnauthorized, "agent-secret": http.StatusOK} {
			req := httptest.NewRequest(http.MethodPost, "/v1/agent/register", nil)
			if token != "" {
				req.Header.Set(AgentTokenHeader, token)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, code, rr.Code, token)
		}
	})
}
