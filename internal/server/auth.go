package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// Verifier resolves a bearer token to a user ID.
type Verifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

// TokenMapVerifier is the static token table used in development and
// tests. Production deployments sit behind a gateway that swaps in a
// real verifier.
type TokenMapVerifier struct {
	tokens map[string]int64
}

// NewTokenMapVerifier creates a verifier over a token -> user map.
func NewTokenMapVerifier(tokens map[string]int64) *TokenMapVerifier {
	return &TokenMapVerifier{tokens: tokens}
}

// Verify looks the token up in the static table.
func (v *TokenMapVerifier) Verify(_ context.Context, token string) (int64, error) {
	userID, ok := v.tokens[token]
	if !ok {
		return 0, apperr.New(apperr.CodeUnauthorized, "invalid token")
	}
	return userID, nil
}

type contextKey string

const userIDKey contextKey = "user_id"

// userID extracts the authenticated user from the request context.
func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

// requireAuth authenticates the bearer token and stores the user ID on
// the context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
			return
		}

		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
