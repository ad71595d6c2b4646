package devserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

type accessGrant struct {
	userID    string
	expiresAt time.Time
}

// tokenStore issues and validates opaque bearer tokens.
type tokenStore struct {
	ttl time.Duration

	mu      sync.Mutex
	access  map[string]accessGrant
	refresh map[string]string // refresh token -> user id
}

func newTokenStore(ttl time.Duration) *tokenStore {
	return &tokenStore{
		ttl:     ttl,
		access:  make(map[string]accessGrant),
		refresh: make(map[string]string),
	}
}

func (t *tokenStore) issue(userID string) (access, refresh string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	access = "at-" + uuid.NewString()
	refresh = "rt-" + uuid.NewString()
	t.access[access] = accessGrant{userID: userID, expiresAt: time.Now().Add(t.ttl)}
	t.refresh[refresh] = userID
	return access, refresh
}

// rotate exchanges a refresh token for a new pair. The old refresh token
// is consumed.
func (t *tokenStore) rotate(refresh string) (userID, newAccess, newRefresh string, ok bool) {
	t.mu.Lock()
	userID, ok = t.refresh[refresh]
	if ok {
		delete(t.refresh, refresh)
	}
	t.mu.Unlock()
	if !ok {
		return "", "", "", false
	}
	newAccess, newRefresh = t.issue(userID)
	return userID, newAccess, newRefresh, true
}

func (t *tokenStore) lookup(access string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.access[access]
	if !ok {
		return "", false
	}
	if time.Now().After(g.expiresAt) {
		delete(t.access, access)
		return "", false
	}
	return g.userID, true
}

func (t *tokenStore) revoke(access string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.access, access)
}

func (t *tokenStore) expireAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.access = make(map[string]accessGrant)
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter used by websocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a valid access token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		userID, ok := s.tokens.lookup(token)
		if token == "" || !ok {
			s.logger.Debug("Rejected unauthenticated request", "path", r.URL.Path)
			Error(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}
