package tui

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a parsed input line.
type Kind int

const (
	KindAgent Kind = iota // plain text, sent as an agent turn
	KindLogin
	KindLogout
	KindIdea
	KindResume
	KindClarify
	KindAnswer
	KindChat
	KindFlowchart
	KindSave
	KindForce
	KindVersions
	KindRollback
	KindAccept
	KindFinish
	KindLens
	KindClear
	KindShow
	KindHelp
	KindQuit
)

var commandKinds = map[string]Kind{
	"login":     KindLogin,
	"logout":    KindLogout,
	"idea":      KindIdea,
	"resume":    KindResume,
	"clarify":   KindClarify,
	"answer":    KindAnswer,
	"chat":      KindChat,
	"flowchart": KindFlowchart,
	"save":      KindSave,
	"force":     KindForce,
	"versions":  KindVersions,
	"rollback":  KindRollback,
	"accept":    KindAccept,
	"finish":    KindFinish,
	"lens":      KindLens,
	"clear":     KindClear,
	"show":      KindShow,
	"help":      KindHelp,
	"quit":      KindQuit,
	"exit":      KindQuit,
}

// minArgs is the number of whitespace-separated arguments each command
// requires.
var minArgs = map[Kind]int{
	KindLogin:    2,
	KindIdea:     1,
	KindResume:   1,
	KindAnswer:   2,
	KindChat:     1,
	KindRollback: 1,
	KindLens:     2,
}

var (
	ErrEmptyInput     = errors.New("empty input")
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is one parsed input line.
type Command struct {
	Kind Kind
	Name string
	// Args are the whitespace-separated words after the command name.
	Args []string
	// Text is everything after the command name, trimmed.
	Text string
}

// ParseCommand parses a line of input. Lines not starting with "/" are
// agent turns; "//" escapes a literal leading slash.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrEmptyInput
	}
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		text := strings.TrimPrefix(line, "/")
		return Command{Kind: KindAgent, Text: text, Args: strings.Fields(text)}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	name = strings.ToLower(name)
	kind, ok := commandKinds[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
	cmd := Command{Kind: kind, Name: name, Text: strings.TrimSpace(rest), Args: strings.Fields(rest)}
	if n := minArgs[kind]; len(cmd.Args) < n {
		return Command{}, fmt.Errorf("/%s needs %d argument(s): %s", name, n, usage[name])
	}
	return cmd, nil
}

var usage = map[string]string{
	"login":     "/login <email> <password>",
	"logout":    "/logout",
	"idea":      "/idea <text> [@file ...]",
	"resume":    "/resume <chat-id>",
	"clarify":   "/clarify [n]",
	"answer":    "/answer <n> <text>",
	"chat":      "/chat <text>",
	"flowchart": "/flowchart",
	"save":      "/save",
	"force":     "/force",
	"versions":  "/versions",
	"rollback":  "/rollback <version>",
	"accept":    "/accept",
	"finish":    "/finish",
	"lens":      "/lens <discovery|user_journey|metrics|gtm|risks> <on|off>",
	"clear":     "/clear",
	"show":      "/show",
	"help":      "/help",
	"quit":      "/quit",
}

// HelpText lists every command.
func HelpText() string {
	order := []string{
		"login", "logout", "idea", "resume", "clarify", "answer", "chat", "flowchart",
		"save", "force", "versions", "rollback", "accept", "finish", "lens", "clear", "show", "help", "quit",
	}
	var b strings.Builder
	b.WriteString("Plain text is sent to the agent (answers the pending question when one is open).\n")
	for _, name := range order {
		b.WriteString("  ")
		b.WriteString(usage[name])
		b.WriteByte('\n')
	}
	return b.String()
}

// splitAttachments separates @path words from idea text.
func splitAttachments(text string) (idea string, paths []string) {
	var words []string
	for _, w := range strings.Fields(text) {
		if p, ok := strings.CutPrefix(w, "@"); ok && p != "" {
			paths = append(paths, p)
			continue
		}
		words = append(words, w)
	}
	return strings.Join(words, " "), paths
}
