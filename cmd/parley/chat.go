package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/parleyhq/parley/internal/adapter/agent"
	"github.com/parleyhq/parley/internal/adapter/ristretto"
	"github.com/parleyhq/parley/internal/adapter/ws"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/resilience"
	"github.com/parleyhq/parley/internal/secrets"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/tui"
)

// runChat opens a terminal chat session. It wires the same services the
// gateway serves over HTTP, minus the server: turns, approvals and
// autocomplete all run in process against the assistant service.
func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// The TUI owns the terminal; keep structured logs out of it.
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	vault, err := secrets.NewVault(secrets.EnvLoader(secrets.KeyAgentToken, secrets.KeyMeetingToken))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if vault.Get(secrets.KeyAgentToken) == "" && term.IsTerminal(int(syscall.Stdin)) {
		token, err := promptToken("Assistant service token (enter to skip): ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		if token != "" {
			if err := os.Setenv(secrets.KeyAgentToken, token); err != nil {
				return fmt.Errorf("set token: %w", err)
			}
			if err := vault.Reload(); err != nil {
				return fmt.Errorf("secrets: %w", err)
			}
		}
	}

	backend := agent.NewClient(cfg.Agent, func() string { return vault.Get(secrets.KeyAgentToken) })
	backend.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	suggestCache, err := ristretto.New(cfg.Suggest.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("suggest cache: %w", err)
	}
	defer suggestCache.Close()

	// No browser attaches in chat mode; the hub broadcasts to nobody.
	hub := ws.NewHub()
	approvals := service.NewApprovalService(backend, hub)
	sessions := service.NewSessionService(backend, backend, approvals, hub, cfg.Limits.MaxConcurrentTurns, cfg.Agent.TurnTimeout)
	suggest := service.NewSuggestService(backend, suggestCache, cfg.Suggest.TTL)

	p := tea.NewProgram(tui.New(sessions, approvals, suggest), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}

// promptToken reads a token from the terminal without echoing.
func promptToken(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
