package devserver

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/prdpilot/internal/domain"
	"github.com/ashureev/prdpilot/internal/httpapi"
	"github.com/ashureev/prdpilot/internal/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxUploadBytes = 32 << 20

var clarificationBank = []struct {
	lens     domain.Lens
	question string
}{
	{domain.LensDiscovery, "Who is the primary user and what problem hurts most today?"},
	{domain.LensUserJourney, "What does the first five minutes with the product look like?"},
	{domain.LensMetrics, "Which single metric tells you this is working?"},
	{domain.LensGTM, "How will the first hundred users find out about it?"},
	{domain.LensRisks, "What is the riskiest assumption behind the idea?"},
	{domain.LensDiscovery, "What do people use instead today?"},
}

// lensOrder is the order in which scripted agent turns complete lenses.
var lensOrder = []domain.Lens{
	domain.LensDiscovery, domain.LensUserJourney, domain.LensMetrics, domain.LensGTM, domain.LensRisks,
}

type savedVersion struct {
	item    domain.VersionItem
	prd     string
	mermaid string
}

type pendingRun struct {
	questionID string
	runID      string
	turn       protocol.AgentTurnPayload
}

type project struct {
	id      string
	chatID  string
	ownerID string
	idea    string

	mu             sync.Mutex
	files          []string
	filesAnnounced bool
	prd            string
	mermaid        string
	etag           string
	versions       []savedVersion
	current        string
	lensTurns      int
	pending        *pendingRun

	runMu sync.Mutex // serializes scripted runs on the chat
}

// registry is the in-memory project store.
type registry struct {
	mu     sync.RWMutex
	byID   map[string]*project
	byChat map[string]*project
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*project), byChat: make(map[string]*project)}
}

func (g *registry) create(ownerID, idea string, files []string) *project {
	p := &project{
		id:      "proj-" + uuid.NewString(),
		chatID:  "chat-" + uuid.NewString(),
		ownerID: ownerID,
		idea:    idea,
		files:   files,
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byID[p.id] = p
	g.byChat[p.chatID] = p
	return p
}

func (g *registry) project(id, ownerID string) (*project, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.byID[id]
	if !ok || p.ownerID != ownerID {
		return nil, false
	}
	return p, true
}

func (g *registry) chat(chatID, ownerID string) (*project, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.byChat[chatID]
	if !ok || p.ownerID != ownerID {
		return nil, false
	}
	return p, true
}

func (s *Server) projectFromRequest(w http.ResponseWriter, r *http.Request) (*project, bool) {
	p, ok := s.projects.project(chi.URLParam(r, "projectID"), UserIDFromContext(r.Context()))
	if !ok {
		Error(w, http.StatusNotFound, "Project not found")
		return nil, false
	}
	return p, true
}

func (s *Server) ingestIdea(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(UserIDFromContext(r.Context())) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var idea string
	var files []string

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			Error(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		idea = r.FormValue("idea")
		for _, fh := range r.MultipartForm.File["files[]"] {
			files = append(files, fh.Filename)
		}
	} else {
		var req struct {
			Idea string `json:"idea"`
		}
		if err := decodeJSON(r, &req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		idea = req.Idea
	}

	if strings.TrimSpace(idea) == "" {
		Error(w, http.StatusUnprocessableEntity, "idea is required")
		return
	}

	p := s.projects.create(UserIDFromContext(r.Context()), idea, files)
	s.logger.Info("Project created", "project_id", p.id, "chat_id", p.chatID, "files", len(files))
	JSON(w, http.StatusCreated, httpapi.IngestIdeaResponse{
		ProjectID: p.id,
		ChatID:    p.chatID,
		Message:   "Idea ingested",
	})
}

func (s *Server) clarifications(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.projectFromRequest(w, r); !ok {
		return
	}
	var req httpapi.ClarificationsRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	n := req.NumQuestions
	if n <= 0 {
		n = 3
	}
	if n > len(clarificationBank) {
		n = len(clarificationBank)
	}

	res := httpapi.ClarificationsResponse{ByLens: make(map[string][]string)}
	for _, c := range clarificationBank[:n] {
		res.Questions = append(res.Questions, c.question)
		res.ByLens[string(c.lens)] = append(res.ByLens[string(c.lens)], c.question)
	}
	Data(w, http.StatusOK, res)
}

func (s *Server) saveArtifacts(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}
	var req httpapi.SaveArtifactsRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p.mu.Lock()
	if req.ETag != "" && req.ETag != p.etag {
		current := p.etag
		p.mu.Unlock()
		s.logger.Info("Save rejected on stale etag", "project_id", p.id, "etag", req.ETag, "current", current)
		JSON(w, http.StatusConflict, map[string]string{
			"message":      "Artifacts were modified by another session",
			"current_etag": current,
		})
		return
	}

	version := fmt.Sprintf("v%d", len(p.versions)+1)
	p.prd = req.PRDMarkdown
	p.mermaid = req.Mermaid
	p.etag = uuid.NewString()
	p.current = version
	p.versions = append(p.versions, savedVersion{
		item: domain.VersionItem{
			Version:      version,
			Timestamp:    time.Now().UTC(),
			Changes:      summarizeChanges(req.PRDMarkdown),
			PRDURL:       fmt.Sprintf("/files/%s/%s/prd.md", p.id, version),
			FlowchartURL: fmt.Sprintf("/files/%s/%s/flowchart.mmd", p.id, version),
		},
		prd:     req.PRDMarkdown,
		mermaid: req.Mermaid,
	})
	item := p.versions[len(p.versions)-1].item
	etag := p.etag
	p.mu.Unlock()

	s.logger.Info("Artifacts saved", "project_id", p.id, "version", version)
	JSON(w, http.StatusOK, httpapi.SaveArtifactsResponse{
		PRDURL:       item.PRDURL,
		FlowchartURL: item.FlowchartURL,
		Version:      version,
		CheckpointID: uuid.NewString(),
		ETag:         etag,
	})
}

func summarizeChanges(prd string) string {
	n := strings.Count(prd, "\n## ")
	if strings.HasPrefix(prd, "## ") {
		n++
	}
	return fmt.Sprintf("%d sections", n)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}
	p.mu.Lock()
	items := make([]domain.VersionItem, 0, len(p.versions))
	for i := len(p.versions) - 1; i >= 0; i-- {
		items = append(items, p.versions[i].item)
	}
	p.mu.Unlock()
	JSON(w, http.StatusOK, httpapi.ListVersionsResponse{Versions: items})
}

func (s *Server) artifacts(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}
	p.mu.Lock()
	res := httpapi.ArtifactsResponse{
		PRDMarkdown:    p.prd,
		Mermaid:        p.mermaid,
		CurrentVersion: p.current,
		ETag:           p.etag,
	}
	p.mu.Unlock()
	JSON(w, http.StatusOK, res)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	p, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}
	var req httpapi.RollbackRequest
	if err := decodeJSON(r, &req); err != nil || req.Version == "" {
		Error(w, http.StatusBadRequest, "version is required")
		return
	}

	p.mu.Lock()
	found := false
	for _, v := range p.versions {
		if v.item.Version == req.Version {
			p.prd = v.prd
			p.mermaid = v.mermaid
			p.current = v.item.Version
			p.etag = uuid.NewString()
			found = true
			break
		}
	}
	p.mu.Unlock()

	if !found {
		Error(w, http.StatusNotFound, "Version not found")
		return
	}
	s.logger.Info("Project rolled back", "project_id", p.id, "version", req.Version)
	JSON(w, http.StatusOK, httpapi.RollbackResponse{
		Message:        "Rolled back to " + req.Version,
		CurrentVersion: req.Version,
	})
}
