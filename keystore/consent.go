package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"
)

// Prompter asks the user whether a key may be used.
type Prompter interface {
	// IsInteractive reports whether prompting is possible at all.
	IsInteractive() bool

	// PromptKeyUse asks about one key. always=true persists the grant.
	PromptKeyUse(alias, purpose string) (granted bool, always bool, err error)
}

// Gate enforces user consent for key use: stored grants are honored,
// missing ones are prompted for, and "always" decisions are persisted.
type Gate struct {
	prompter Prompter
	grants   *GrantFile
	logger   *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPrompter sets the prompter.
func WithPrompter(p Prompter) GateOption {
	return func(g *Gate) { g.prompter = p }
}

// WithGrantFile sets the grant persistence.
func WithGrantFile(f *GrantFile) GateOption {
	return func(g *Gate) { g.grants = f }
}

// WithGateLogger sets the logger for persistence warnings.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGate creates a consent gate with pluggable prompter and grant
// store.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	if g.grants == nil {
		g.grants = NewGrantFile()
	}
	if g.prompter == nil {
		g.prompter = NewTerminalPrompter()
	}
	return g
}

// Authorize returns nil when alias may be used for purpose. A stored
// grant short-circuits the prompt; otherwise the user decides, and a
// denial fails with ErrUseDenied.
func (g *Gate) Authorize(_ context.Context, alias, purpose string) error {
	granted, err := g.grants.Contains(alias)
	if err != nil {
		g.logger.Warn("grant file unreadable, prompting", slog.Any("error", err))
	}
	if granted {
		return nil
	}

	if !g.prompter.IsInteractive() {
		return fmt.Errorf("%w: key %q needs consent and no terminal is attached; grant it in %s",
			ErrUseDenied, alias, g.grants.Path())
	}

	ok, always, err := g.prompter.PromptKeyUse(alias, purpose)
	if err != nil {
		return fmt.Errorf("consent prompt failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUseDenied, alias)
	}
	if always {
		if err := g.grants.Add(alias); err != nil {
			g.logger.Warn("failed to persist key grant",
				slog.String("alias", alias), slog.Any("error", err))
		}
	}
	return nil
}

// TerminalPrompter prompts on the controlling terminal.
type TerminalPrompter struct{}

// NewTerminalPrompter creates a new TerminalPrompter.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{}
}

// IsInteractive checks if we're running in an interactive terminal.
func (p *TerminalPrompter) IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// PromptKeyUse asks the user to approve one key use.
func (p *TerminalPrompter) PromptKeyUse(alias, purpose string) (granted bool, always bool, err error) {
	const (
		optionYes    = "Yes, allow once"
		optionAlways = "Always allow this key (save)"
		optionNo     = "No, deny"
	)

	var selection string
	err = huh.NewSelect[string]().
		Title("Signing Key Use Requested").
		Description(fmt.Sprintf("Key %q will be used to %s.", alias, purpose)).
		Options(
			huh.NewOption(optionYes, optionYes),
			huh.NewOption(optionAlways, optionAlways),
			huh.NewOption(optionNo, optionNo),
		).
		Value(&selection).
		Run()
	if err != nil {
		return false, false, err
	}

	switch selection {
	case optionYes:
		return true, false, nil
	case optionAlways:
		return true, true, nil
	default:
		return false, false, nil
	}
}
