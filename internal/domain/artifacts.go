package domain

import "time"

// ThinkingLensStatus tracks completion of the five PRD thinking lenses.
type ThinkingLensStatus struct {
	Discovery   bool `json:"discovery"`
	UserJourney bool `json:"user_journey"`
	Metrics     bool `json:"metrics"`
	GTM         bool `json:"gtm"`
	Risks       bool `json:"risks"`
}

// LensOverrides is a partial ThinkingLensStatus set from the UI.
// Nil fields are left to the agent.
type LensOverrides struct {
	Discovery   *bool `json:"discovery,omitempty"`
	UserJourney *bool `json:"user_journey,omitempty"`
	Metrics     *bool `json:"metrics,omitempty"`
	GTM         *bool `json:"gtm,omitempty"`
	Risks       *bool `json:"risks,omitempty"`
}

// Lens names a single thinking lens.
type Lens string

const (
	LensDiscovery   Lens = "discovery"
	LensUserJourney Lens = "user_journey"
	LensMetrics     Lens = "metrics"
	LensGTM         Lens = "gtm"
	LensRisks       Lens = "risks"
)

// ParseLens validates a lens name.
func ParseLens(s string) (Lens, bool) {
	switch l := Lens(s); l {
	case LensDiscovery, LensUserJourney, LensMetrics, LensGTM, LensRisks:
		return l, true
	}
	return "", false
}

// With returns a copy of o with lens set to v.
func (o LensOverrides) With(lens Lens, v bool) LensOverrides {
	switch lens {
	case LensDiscovery:
		o.Discovery = &v
	case LensUserJourney:
		o.UserJourney = &v
	case LensMetrics:
		o.Metrics = &v
	case LensGTM:
		o.GTM = &v
	case LensRisks:
		o.Risks = &v
	}
	return o
}

// IsZero reports whether no override is set.
func (o LensOverrides) IsZero() bool {
	return o.Discovery == nil && o.UserJourney == nil && o.Metrics == nil && o.GTM == nil && o.Risks == nil
}

// DraftArtifacts is the in-progress document and diagram.
type DraftArtifacts struct {
	PRDMarkdown        string             `json:"prd_markdown"`
	MermaidDiagram     string             `json:"mermaid"`
	LastGoodMermaid    string             `json:"last_good_mermaid"`
	ThinkingLensStatus ThinkingLensStatus `json:"thinking_lens_status"`
	SectionsStatus     map[string]bool    `json:"sections_status,omitempty"`
}

// BaselineMermaid returns the best known-good diagram to send as a baseline.
func (d DraftArtifacts) BaselineMermaid() string {
	if d.LastGoodMermaid != "" {
		return d.LastGoodMermaid
	}
	return d.MermaidDiagram
}

// VersionItem describes one saved artifact version.
type VersionItem struct {
	Version      string    `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
	Changes      string    `json:"changes,omitempty"`
	PRDURL       string    `json:"prd_url,omitempty"`
	FlowchartURL string    `json:"flowchart_url,omitempty"`
}
