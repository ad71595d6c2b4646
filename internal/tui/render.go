package tui

import (
	"fmt"
	"strings"

	"github.com/ashureev/prdpilot/internal/domain"
	"github.com/ashureev/prdpilot/internal/session"
)

// renderTimeline formats the transcript, the in-flight stream and any open
// question.
func renderTimeline(st session.State, th theme) string {
	if len(st.Messages) == 0 && !st.IsStreaming && st.PendingQuestion == nil {
		return th.muted.Render("No messages yet. Start with /login, then /idea <text>. /help lists commands.")
	}

	var b strings.Builder
	for _, msg := range st.Messages {
		label := th.user.Render("you")
		if msg.Role == domain.RoleAssistant {
			label = th.assistant.Render("agent")
		}
		fmt.Fprintf(&b, "%s %s\n%s\n\n", label, th.muted.Render(msg.Timestamp.Local().Format("15:04")), msg.Content)
	}
	if st.IsStreaming {
		b.WriteString(th.assistant.Render("agent") + " " + th.streaming.Render("typing") + "\n")
		b.WriteString(st.StreamingAssistantContent)
		b.WriteString("\n\n")
	}
	if q := st.PendingQuestion; q != nil {
		head := "question"
		if q.Lens != "" {
			head += " · " + q.Lens
		}
		b.WriteString(th.question.Render(head) + "\n" + q.Question + "\n")
		if q.Rationale != "" {
			b.WriteString(th.muted.Render(q.Rationale) + "\n")
		}
		b.WriteString(th.muted.Render("reply to answer, /accept to accept, /finish to wrap up") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderDocument formats the draft artifacts.
func renderDocument(st session.State, th theme) string {
	var b strings.Builder
	b.WriteString(th.title.Render("PRD") + "\n")
	if st.PRDMarkdown == "" {
		b.WriteString(th.muted.Render("(empty)") + "\n")
	} else {
		b.WriteString(st.PRDMarkdown + "\n")
	}

	b.WriteString("\n" + th.title.Render("Flowchart"))
	if st.IsFlowchartStreaming {
		b.WriteString(" " + th.streaming.Render("generating"))
	}
	b.WriteByte('\n')
	switch {
	case st.Mermaid != "":
		b.WriteString(st.Mermaid + "\n")
	case st.LastGoodMermaid != "":
		b.WriteString(st.LastGoodMermaid + "\n" + th.muted.Render("(last rendered diagram)") + "\n")
	default:
		b.WriteString(th.muted.Render("(none)") + "\n")
	}

	if len(st.IndexedFiles) > 0 {
		b.WriteString("\n" + th.title.Render("Files") + "\n")
		for _, f := range st.IndexedFiles {
			b.WriteString("  " + f + "\n")
		}
	}
	if len(st.Clarifications) > 0 {
		b.WriteString("\n" + th.title.Render("Clarifications") + "\n")
		for i, qa := range st.Clarifications {
			answer := qa.Answer
			if answer == "" {
				answer = th.muted.Render("(unanswered)")
			}
			fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, qa.Question, answer)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderLenses shows which thinking lenses are covered. UI overrides win
// over the agent's report.
func renderLenses(st session.State, th theme) string {
	status := st.ThinkingLensStatus
	lenses := []struct {
		lens domain.Lens
		on   bool
		pin  *bool
	}{
		{domain.LensDiscovery, status.Discovery, st.UIOverrides.Discovery},
		{domain.LensUserJourney, status.UserJourney, st.UIOverrides.UserJourney},
		{domain.LensMetrics, status.Metrics, st.UIOverrides.Metrics},
		{domain.LensGTM, status.GTM, st.UIOverrides.GTM},
		{domain.LensRisks, status.Risks, st.UIOverrides.Risks},
	}
	parts := make([]string, 0, len(lenses))
	for _, l := range lenses {
		on := l.on
		name := string(l.lens)
		if l.pin != nil {
			on = *l.pin
			name += "*"
		}
		if on {
			parts = append(parts, th.lensOn.Render("● "+name))
		} else {
			parts = append(parts, th.lensOff.Render("○ "+name))
		}
	}
	return strings.Join(parts, "  ")
}

// looksLikeMermaid is the terminal stand-in for a diagram renderer: it
// accepts code that opens with a known diagram declaration.
func looksLikeMermaid(code string) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(code), "\n")
	first = strings.TrimSpace(first)
	for _, kw := range []string{"graph ", "flowchart ", "sequenceDiagram", "stateDiagram", "journey", "erDiagram"} {
		if strings.HasPrefix(first, kw) {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
