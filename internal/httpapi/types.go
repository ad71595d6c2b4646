package httpapi

import (
	"io"
	"time"

	"github.com/ashureev/prdpilot/internal/domain"
)

// File is an attachment uploaded with an idea.
type File struct {
	Name    string
	Content io.Reader
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	User         *User  `json:"user,omitempty"`
}

// ExpiresAfter converts ExpiresIn seconds to a duration.
func (r LoginResponse) ExpiresAfter() time.Duration {
	return time.Duration(r.ExpiresIn) * time.Second
}

type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

type IngestIdeaResponse struct {
	ProjectID string `json:"project_id"`
	ChatID    string `json:"chat_id"`
	Message   string `json:"message"`
}

type ClarificationsRequest struct {
	InitialIdea  string `json:"initial_idea"`
	NumQuestions int    `json:"num_questions"`
}

type ClarificationsResponse struct {
	Questions []string            `json:"questions"`
	ByLens    map[string][]string `json:"by_lens,omitempty"`
}

type SaveArtifactsRequest struct {
	PRDMarkdown string `json:"prd_markdown"`
	Mermaid     string `json:"mermaid"`
	ETag        string `json:"etag,omitempty"`
}

type SaveArtifactsResponse struct {
	PRDURL       string `json:"prd_url"`
	FlowchartURL string `json:"flowchart_url"`
	Version      string `json:"version"`
	CheckpointID string `json:"checkpoint_id"`
	ETag         string `json:"etag"`
}

type ListVersionsResponse struct {
	Versions []domain.VersionItem `json:"versions"`
}

type RollbackRequest struct {
	Version string `json:"version"`
}

type RollbackResponse struct {
	Message        string `json:"message"`
	CurrentVersion string `json:"current_version"`
}

// ArtifactsResponse is the stored content of a project's current version.
type ArtifactsResponse struct {
	PRDMarkdown    string `json:"prd_markdown"`
	Mermaid        string `json:"mermaid"`
	CurrentVersion string `json:"current_version"`
	ETag           string `json:"etag"`
}
