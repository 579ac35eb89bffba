package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	handoff "github.com/handoffdesk/handoff-go"
	"github.com/handoffdesk/handoff-go/internal/logger"
)

// newClient builds a client from the effective config. With requireToken it
// fails when no unexpired token is stored.
func newClient(requireToken bool) (*handoff.Client, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	var opts []handoff.ClientOption
	if cfg.Default.WSURL != "" {
		opts = append(opts, handoff.WithWSURL(cfg.Default.WSURL))
	}
	if requireToken {
		if cfg.Auth.Token == "" {
			return nil, nil, fmt.Errorf("not logged in; run 'handoff login <username>' first")
		}
		if _, err := handoff.CheckToken(cfg.Auth.Token, time.Now()); err != nil {
			return nil, nil, fmt.Errorf("stored token unusable (%w); run 'handoff login <username>' again", err)
		}
		opts = append(opts, handoff.WithToken(cfg.Auth.Token))
	}
	return handoff.NewClient(cfg.Default.BaseURL, opts...), cfg, nil
}

func newLogger(cfg *Config) *logger.Logger {
	log, err := logger.New(valueOrDefault(cfg.Default.LogMode, "production"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return logger.Nop()
	}
	return log
}

// readSecret reads a password from the terminal without echo, or a line from
// stdin when it is not a terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("cannot read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 16 {
		if len(key) <= 8 {
			return strings.Repeat("*", len(key))
		}
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// conversationLine is the one-line list rendering of a conversation.
func conversationLine(c handoff.Conversation) string {
	flag := " "
	if c.NeedsAttention() {
		flag = "!"
	}
	status := c.Status
	if c.IsClosed() {
		status = "closed:" + c.ClosedReason()
	}
	summary := truncate(handoff.NormalizeLastMessage(c.LastMessageSummary), 60)
	return fmt.Sprintf("%s %-28s %-20s %-18s %s  %s",
		flag, c.CompositeID, truncate(c.Name(), 20), status, formatTime(c.LastUpdatedAt), summary)
}

func messageLine(m handoff.Message) string {
	who := m.Sender
	if m.IsFromOperator() {
		who = "operator:" + m.Sender
	}
	text := m.Text
	if m.MediaURL != "" {
		text = strings.TrimSpace(fmt.Sprintf("[%s %s] %s", m.ContentKind, m.MediaURL, m.Text))
	}
	return fmt.Sprintf("%s  %-16s %s", formatTime(m.Timestamp), who, text)
}

func formatTime(t handoff.Timestamp) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
