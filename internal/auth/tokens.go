// Package auth manages the locally persisted credential pair and its
// proactive refresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/prdpilot/internal/clock"
	"github.com/ashureev/prdpilot/internal/store"
)

// Storage keys shared with any other client process using the same store.
const (
	KeyAccessToken   = "access_token"
	KeyRefreshToken  = "refresh_token"
	KeyAccessExpires = "access_expires_at"
	KeyAuthEvent     = "auth_event"
)

const storeTimeout = 2 * time.Second

var schemePrefix = regexp.MustCompile(`^(Bearer|bearer|JWT|jwt)\s+`)

// TokenProvider supplies the current access credential. An empty string
// means no credential is available.
type TokenProvider interface {
	AccessToken() string
}

// SanitizeToken trims whitespace and a leading auth scheme. Placeholder
// values left behind by careless serialization count as absent.
func SanitizeToken(raw string) string {
	t := strings.TrimSpace(raw)
	if t == "" || t == "null" || t == "undefined" {
		return ""
	}
	return schemePrefix.ReplaceAllString(t, "")
}

// TokenStore persists credentials in a store.Repository.
type TokenStore struct {
	repo   store.Repository
	clock  clock.Clock
	logger *slog.Logger
}

// NewTokenStore returns a TokenStore backed by repo.
func NewTokenStore(repo store.Repository, clk clock.Clock, logger *slog.Logger) *TokenStore {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{repo: repo, clock: clk, logger: logger}
}

var _ TokenProvider = (*TokenStore)(nil)

// StoreTokens saves both credentials.
func (s *TokenStore) StoreTokens(ctx context.Context, access, refresh string) error {
	if err := s.repo.SetItem(ctx, KeyAccessToken, SanitizeToken(access)); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if err := s.repo.SetItem(ctx, KeyRefreshToken, SanitizeToken(refresh)); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// SetTokens saves the access credential and, when given, the refresh
// credential and an expiry expiresIn from now. Zero values are skipped.
func (s *TokenStore) SetTokens(ctx context.Context, access, refresh string, expiresIn time.Duration) error {
	if err := s.repo.SetItem(ctx, KeyAccessToken, SanitizeToken(access)); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if refresh != "" {
		if err := s.repo.SetItem(ctx, KeyRefreshToken, SanitizeToken(refresh)); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	if expiresIn > 0 {
		at := s.clock.Now().Add(expiresIn).UnixMilli()
		if err := s.repo.SetItem(ctx, KeyAccessExpires, strconv.FormatInt(at, 10)); err != nil {
			return fmt.Errorf("store access expiry: %w", err)
		}
	}
	return nil
}

// ClearTokens removes every stored credential.
func (s *TokenStore) ClearTokens(ctx context.Context) error {
	var errs []error
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyAccessExpires} {
		if err := s.repo.RemoveItem(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// BroadcastLogout records a logout event other processes can observe.
func (s *TokenStore) BroadcastLogout(ctx context.Context) error {
	value := "logout:" + strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
	if err := s.repo.SetItem(ctx, KeyAuthEvent, value); err != nil {
		return fmt.Errorf("broadcast logout: %w", err)
	}
	return nil
}

// ForceLogout clears credentials and broadcasts the logout. Storage
// failures are logged, never returned.
func (s *TokenStore) ForceLogout(ctx context.Context) {
	if err := s.ClearTokens(ctx); err != nil {
		s.logger.Warn("Failed to clear tokens", "error", err)
	}
	if err := s.BroadcastLogout(ctx); err != nil {
		s.logger.Warn("Failed to broadcast logout", "error", err)
	}
}

// AccessToken returns the sanitized access credential or "".
func (s *TokenStore) AccessToken() string {
	return s.item(KeyAccessToken)
}

// RefreshToken returns the sanitized refresh credential or "".
func (s *TokenStore) RefreshToken() string {
	return s.item(KeyRefreshToken)
}

// AccessExpiry returns when the access credential expires, if known.
func (s *TokenStore) AccessExpiry() (time.Time, bool) {
	raw := s.raw(KeyAccessExpires)
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("Ignoring malformed access expiry", "value", raw)
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (s *TokenStore) item(key string) string {
	return SanitizeToken(s.raw(key))
}

func (s *TokenStore) raw(key string) string {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	v, err := s.repo.GetItem(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Failed to read stored credential", "key", key, "error", err)
		}
		return ""
	}
	return v
}
