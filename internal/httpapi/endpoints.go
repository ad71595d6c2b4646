package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/prdpilot/internal/auth"
)

// Login authenticates and persists the returned credentials.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var raw struct {
		LoginResponse
		Token *LoginResponse `json:"token,omitempty"`
	}
	err := c.doJSON(ctx, http.MethodPost, "auth/login", LoginRequest{Email: email, Password: password}, &raw,
		requestOptions{skipAuth: true, noRefresh: true})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	res := raw.LoginResponse
	if raw.Token != nil {
		user := res.User
		res = *raw.Token
		res.User = user
	}
	if res.TokenType == "" {
		res.TokenType = "bearer"
	}
	if err := c.tokens.SetTokens(ctx, res.AccessToken, res.RefreshToken, res.ExpiresAfter()); err != nil {
		return nil, err
	}
	c.loggedOut.Store(false)
	return &res, nil
}

// Refresh exchanges refreshToken without touching stored credentials.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	var res RefreshResponse
	payload := map[string]string{"refresh_token": auth.SanitizeToken(refreshToken)}
	if err := c.doJSON(ctx, http.MethodPost, "auth/refresh", payload, &res,
		requestOptions{skipAuth: true, noRefresh: true}); err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	return &res, nil
}

// Logout notifies the backend and clears local credentials regardless of
// the outcome. Later requests fail with ErrUnauthorized until Login.
func (c *Client) Logout(ctx context.Context) {
	if access := c.tokens.AccessToken(); access != "" {
		if err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil, requestOptions{noRefresh: true}); err != nil {
			c.logger.Warn("Logout request failed", "error", err)
		}
	}
	c.loggedOut.Store(true)
	c.tokens.ForceLogout(ctx)
}

// IngestIdea creates a project and chat from an idea. With files the body
// is multipart, each file under the "files[]" field.
func (c *Client) IngestIdea(ctx context.Context, idea string, files ...File) (*IngestIdeaResponse, error) {
	var res IngestIdeaResponse
	if len(files) == 0 {
		if err := c.doJSON(ctx, http.MethodPost, "agent/ingest-idea", map[string]string{"idea": idea}, &res, requestOptions{}); err != nil {
			return nil, fmt.Errorf("ingest idea: %w", err)
		}
		return &res, nil
	}

	b, err := multipartBody(idea, files)
	if err != nil {
		return nil, err
	}
	if err := c.do(ctx, http.MethodPost, "agent/ingest-idea", b, &res, requestOptions{}); err != nil {
		return nil, fmt.Errorf("ingest idea: %w", err)
	}
	return &res, nil
}

func multipartBody(idea string, files []File) (*body, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("idea", idea); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeRequest, err)
	}
	for _, f := range files {
		part, err := w.CreateFormFile("files[]", f.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncodeRequest, err)
		}
		if f.Content != nil {
			if _, err := io.Copy(part, f.Content); err != nil {
				return nil, fmt.Errorf("read %s: %w", f.Name, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeRequest, err)
	}
	return &body{data: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}

// FetchClarifications asks for n clarification questions about idea.
func (c *Client) FetchClarifications(ctx context.Context, projectID, idea string, n int) (*ClarificationsResponse, error) {
	path, err := projectPath("agent/projects", projectID, "clarifications")
	if err != nil {
		return nil, err
	}
	var res ClarificationsResponse
	req := ClarificationsRequest{InitialIdea: idea, NumQuestions: n}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &res, requestOptions{}); err != nil {
		return nil, fmt.Errorf("fetch clarifications: %w", err)
	}
	return &res, nil
}

// SaveArtifacts persists the drafts. A non-empty ETag makes the save
// conditional; a mismatch fails with an error satisfying IsConflict.
func (c *Client) SaveArtifacts(ctx context.Context, projectID string, req SaveArtifactsRequest) (*SaveArtifactsResponse, error) {
	path, err := projectPath("agent/projects", projectID, "save-artifacts")
	if err != nil {
		return nil, err
	}
	var res SaveArtifactsResponse
	if err := c.doJSON(ctx, http.MethodPost, path, req, &res, requestOptions{}); err != nil {
		return nil, fmt.Errorf("save artifacts: %w", err)
	}
	return &res, nil
}

// ListVersions returns the saved versions of a project.
func (c *Client) ListVersions(ctx context.Context, projectID string) (*ListVersionsResponse, error) {
	path, err := projectPath("projects", projectID, "versions")
	if err != nil {
		return nil, err
	}
	var res ListVersionsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res, requestOptions{}); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return &res, nil
}

// Rollback makes version the project's current version.
func (c *Client) Rollback(ctx context.Context, projectID, version string) (*RollbackResponse, error) {
	path, err := projectPath("projects", projectID, "rollback")
	if err != nil {
		return nil, err
	}
	var res RollbackResponse
	if err := c.doJSON(ctx, http.MethodPost, path, RollbackRequest{Version: version}, &res, requestOptions{}); err != nil {
		return nil, fmt.Errorf("rollback: %w", err)
	}
	return &res, nil
}

// FetchArtifacts returns the stored drafts of the current version.
func (c *Client) FetchArtifacts(ctx context.Context, projectID string) (*ArtifactsResponse, error) {
	path, err := projectPath("projects", projectID, "artifacts")
	if err != nil {
		return nil, err
	}
	var res ArtifactsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res, requestOptions{}); err != nil {
		return nil, fmt.Errorf("fetch artifacts: %w", err)
	}
	return &res, nil
}

func projectPath(prefix, projectID, action string) (string, error) {
	id := strings.TrimSpace(projectID)
	if id == "" {
		return "", ErrProjectIDRequired
	}
	return prefix + "/" + url.PathEscape(id) + "/" + action, nil
}
