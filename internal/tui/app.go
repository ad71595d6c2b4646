// Package tui is the terminal front end: it parses input lines into
// session operations and renders session state.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ashureev/prdpilot/internal/domain"
	"github.com/ashureev/prdpilot/internal/httpapi"
	"github.com/ashureev/prdpilot/internal/session"
	"github.com/ashureev/prdpilot/internal/store"
)

// ErrQuit is returned by Execute for /quit.
var ErrQuit = errors.New("quit")

// Accounts is the authentication surface App needs.
type Accounts interface {
	Login(ctx context.Context, email, password string) (*httpapi.LoginResponse, error)
	Logout(ctx context.Context)
}

// App executes commands against one session.
type App struct {
	Session  *session.Session
	Accounts Accounts
	Repo     store.Repository
	Logger   *slog.Logger

	// OnLogin and OnLogout, when set, run after the credentials change.
	OnLogin  func()
	OnLogout func()
}

// Execute runs cmd and returns a status line.
//
//nolint:gocyclo // One case per command keeps dispatch readable.
func (a *App) Execute(ctx context.Context, cmd Command) (string, error) {
	s := a.Session
	switch cmd.Kind {
	case KindAgent:
		return "sent", s.SendAgentMessage(ctx, cmd.Text, session.SendOptions{})

	case KindLogin:
		res, err := a.Accounts.Login(ctx, cmd.Args[0], cmd.Args[1])
		if err != nil {
			return "", err
		}
		if a.OnLogin != nil {
			a.OnLogin()
		}
		who := cmd.Args[0]
		if res.User != nil && res.User.Email != "" {
			who = res.User.Email
		}
		return "logged in as " + who, nil

	case KindLogout:
		a.Accounts.Logout(ctx)
		if a.OnLogout != nil {
			a.OnLogout()
		}
		s.Reset()
		return "logged out", nil

	case KindIdea:
		return a.bootstrap(ctx, cmd.Text)

	case KindResume:
		return a.resume(ctx, cmd.Args[0])

	case KindClarify:
		n := 3
		if len(cmd.Args) > 0 {
			v, err := strconv.Atoi(cmd.Args[0])
			if err != nil || v <= 0 {
				return "", fmt.Errorf("invalid question count %q", cmd.Args[0])
			}
			n = v
		}
		res, err := s.LoadClarifications(ctx, n)
		if err != nil {
			return "", err
		}
		a.persist(ctx)
		return formatQuestions(res.Questions), nil

	case KindAnswer:
		return a.answerClarification(ctx, cmd)

	case KindChat:
		return "sent", s.SendChatMessage(ctx, cmd.Text)

	case KindFlowchart:
		return "generating flowchart", s.GenerateFlowchart(ctx)

	case KindSave:
		res, err := s.Save(ctx)
		if httpapi.IsConflict(err) {
			return "", fmt.Errorf("%w (use /force to overwrite)", err)
		}
		if err != nil {
			return "", err
		}
		a.persist(ctx)
		return "saved " + res.Version, nil

	case KindForce:
		res, err := s.SaveForce(ctx)
		if err != nil {
			return "", err
		}
		a.persist(ctx)
		return "saved " + res.Version + " (forced)", nil

	case KindVersions:
		if err := s.FetchVersions(ctx); err != nil {
			return "", err
		}
		return formatVersions(s.Snapshot()), nil

	case KindRollback:
		if err := s.Rollback(ctx, cmd.Args[0]); err != nil {
			return "", err
		}
		if err := s.RefreshDrafts(ctx); err != nil {
			return "", fmt.Errorf("rolled back to %s but reloading drafts failed: %w", cmd.Args[0], err)
		}
		a.persist(ctx)
		return "rolled back to " + cmd.Args[0], nil

	case KindAccept:
		return "accepted", s.AnswerPendingQuestion(ctx, "")

	case KindFinish:
		return "finishing", s.AnswerPendingQuestion(ctx, session.FinishSentinel)

	case KindLens:
		lens, ok := domain.ParseLens(cmd.Args[0])
		if !ok {
			return "", fmt.Errorf("unknown lens %q", cmd.Args[0])
		}
		on, err := parseOnOff(cmd.Args[1])
		if err != nil {
			return "", err
		}
		s.SetLensOverride(lens, on)
		return fmt.Sprintf("lens %s pinned %s", lens, cmd.Args[1]), nil

	case KindClear:
		s.ClearError()
		return "", nil

	case KindHelp:
		return HelpText(), nil

	case KindShow:
		return "", nil

	case KindQuit:
		a.persist(ctx)
		return "", ErrQuit
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
}

func (a *App) bootstrap(ctx context.Context, text string) (string, error) {
	idea, paths := splitAttachments(text)
	if idea == "" {
		return "", errors.New("idea text is required")
	}

	files := make([]httpapi.File, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("open attachment: %w", err)
		}
		defer f.Close()
		files = append(files, httpapi.File{Name: filepath.Base(p), Content: f})
	}

	res, err := a.Session.Bootstrap(ctx, idea, files...)
	if err != nil {
		return "", err
	}
	if err := a.Session.Connect(ctx); err != nil {
		return "", err
	}
	a.persist(ctx)
	return fmt.Sprintf("project %s · chat %s", res.ProjectID, res.ChatID), nil
}

func (a *App) resume(ctx context.Context, chatID string) (string, error) {
	snap, err := a.Repo.GetSnapshot(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("no saved conversation for chat %s", chatID)
	}
	if err != nil {
		return "", err
	}
	a.Session.Restore(*snap)
	if err := a.Session.Connect(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("resumed chat %s (%d messages)", chatID, len(snap.Messages)), nil
}

func (a *App) answerClarification(ctx context.Context, cmd Command) (string, error) {
	i, err := strconv.Atoi(cmd.Args[0])
	qa := a.Session.Snapshot().Clarifications
	if err != nil || i < 1 || i > len(qa) {
		return "", fmt.Errorf("no clarification #%s", cmd.Args[0])
	}
	answer := strings.TrimSpace(strings.TrimPrefix(cmd.Text, cmd.Args[0]))

	updated := append([]domain.ClarificationQA(nil), qa...)
	updated[i-1].Answer = answer
	a.Session.SetClarificationAnswers(updated)
	a.persist(ctx)
	return fmt.Sprintf("answered #%d", i), nil
}

// Persist stores the current conversation so it can be resumed.
func (a *App) Persist(ctx context.Context) error {
	snap := a.Session.Export()
	if snap.ChatID == "" || a.Repo == nil {
		return nil
	}
	return a.Repo.UpsertSnapshot(ctx, &snap)
}

func (a *App) persist(ctx context.Context) {
	if err := a.Persist(ctx); err != nil {
		a.logger().Warn("Failed to persist conversation", "error", err)
	}
}

func (a *App) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func formatQuestions(qs []string) string {
	if len(qs) == 0 {
		return "no clarification questions"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d clarification questions\n", len(qs))
	for i, q := range qs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("answer with /answer <n> <text>")
	return b.String()
}

func formatVersions(st session.State) string {
	if len(st.Versions) == 0 {
		return "no saved versions"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d saved versions\n", len(st.Versions))
	for _, v := range st.Versions {
		marker := " "
		if v.Version == st.CurrentVersion {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s  %s  %s\n", marker, v.Version, v.Timestamp.Local().Format("2006-01-02 15:04"), v.Changes)
	}
	return strings.TrimRight(b.String(), "\n")
}
