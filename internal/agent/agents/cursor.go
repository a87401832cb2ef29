package agents

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/kandev/kandev/pkg/agent"
)

//go:embed logos/cursor_light.svg
var cursorLogoLight []byte

//go:embed logos/cursor_dark.svg
var cursorLogoDark []byte

var _ Agent = (*Cursor)(nil)

// Cursor wraps the cursor-agent CLI, the headless entry point to the Cursor
// coding agent.
type Cursor struct{}

func NewCursor() *Cursor { return &Cursor{} }

func (a *Cursor) ID() string          { return "cursor" }
func (a *Cursor) Name() string        { return "Cursor Agent" }
func (a *Cursor) DisplayName() string { return "Cursor" }
func (a *Cursor) Description() string {
	return "Cursor's headless coding agent CLI (cursor-agent)."
}
func (a *Cursor) Enabled() bool     { return true }
func (a *Cursor) DisplayOrder() int { return 6 }

func (a *Cursor) Logo(v LogoVariant) []byte {
	if v == LogoDark {
		return cursorLogoDark
	}
	return cursorLogoLight
}

func (a *Cursor) IsInstalled(ctx context.Context) (*DiscoveryResult, error) {
	result, err := Detect(ctx, WithFileExists("~/.cursor/cli.json"), WithCommand("cursor-agent"))
	if err != nil {
		return result, err
	}
	result.Capabilities = DiscoveryCapabilities{SupportsSessionResume: true}
	return result, nil
}

func (a *Cursor) BinaryName() string    { return "cursor-agent" }
func (a *Cursor) DefaultBinary() string { return "cursor-agent" }

// FindSession inspects cursor-agent's per-worktree chat directory for the
// most recently modified session transcript.
func (a *Cursor) FindSession(ctx context.Context, worktreePath string) (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	projectDir := filepath.Join(home, ".cursor", "projects", sanitizeProjectPath(worktreePath), "chats")
	return findLatestSessionFile(filepath.Join(projectDir, "*.json"), func(path string) string {
		return strings.TrimSuffix(filepath.Base(path), ".json")
	})
}

func (a *Cursor) DefaultModel() string { return "auto" }

func (a *Cursor) ListModels(ctx context.Context) (*ModelList, error) {
	return &ModelList{Models: cursorStaticModels(), SupportsDynamic: false}, nil
}

// BuildCommand renders the cursor-agent invocation: a resume/fresh flag
// followed by the prompt (§6).
func (a *Cursor) BuildCommand(opts CommandOptions) Command {
	b := Cmd(a.BinaryName())
	if opts.Model != "" && opts.Model != "auto" {
		b = b.Model(NewParam("--model", "{model}"), opts.Model)
	}
	if opts.SkipPermissions {
		b = b.Flag("--force")
	}
	if opts.SessionID != "" {
		b = b.Flag("--resume", opts.SessionID)
	} else if opts.Prompt != "" {
		b = b.Flag(opts.Prompt)
	}
	return b.Build()
}

func (a *Cursor) Runtime() *RuntimeConfig {
	canRecover := true
	return &RuntimeConfig{
		Cmd:            Cmd(a.BinaryName()).Build(),
		WorkingDir:     "{workspace}",
		Env:            map[string]string{},
		ResourceLimits: DefaultResourceLimits,
		Capabilities:   DefaultCapabilities,
		Protocol:       agent.ProtocolACP,
		ModelFlag:      NewParam("--model", "{model}"),
		SessionConfig: SessionConfig{
			CanRecover:         &canRecover,
			SessionDirTemplate: "{home}/.cursor",
		},
	}
}

func (a *Cursor) PermissionSettings() map[string]PermissionSetting {
	return map[string]PermissionSetting{
		"dangerously_skip_permissions": {
			Supported: true, Default: false, Label: "Force (skip confirmation)", Description: "Run without interactive confirmation prompts",
			ApplyMethod: "cli_flag", CLIFlag: "--force",
		},
	}
}

func cursorStaticModels() []Model {
	return []Model{
		{ID: "auto", Name: "Auto", Description: "Cursor selects the best available model", Provider: "cursor", IsDefault: true, Source: "static"},
		{ID: "sonnet-4.5", Name: "Sonnet 4.5", Provider: "cursor", Source: "static"},
		{ID: "gpt-5.2", Name: "GPT-5.2", Provider: "cursor", Source: "static"},
	}
}
