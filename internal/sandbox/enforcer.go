// Package sandbox validates and executes shell commands under a per-agent
// policy. Three levels exist:
//
//   - normal: no restrictions beyond the blocked/dangerous command lists.
//   - confined: network allowed, filesystem confined to the workspace,
//     process management denied.
//   - restricted: confined plus no network access.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/caretta-ai/caretta/internal/config"
)

var (
	ErrBlockedCommand       = errors.New("command blocked")
	ErrConfirmationRequired = errors.New("command requires confirmation")
	ErrNetworkDenied        = errors.New("network access denied")
	ErrPathEscapeDenied     = errors.New("path outside workspace denied")
	ErrTimedOut             = errors.New("command timed out")
)

// processCommands are denied in confined and restricted modes.
var processCommands = map[string]bool{
	"kill": true, "killall": true, "pkill": true, "pgrep": true,
	"renice": true, "nice": true, "nohup": true, "daemonize": true,
}

// networkCommands are denied in restricted mode.
var networkCommands = map[string]bool{
	"curl": true, "wget": true, "nc": true, "ncat": true, "netcat": true,
	"ssh": true, "scp": true, "sftp": true, "ftp": true, "telnet": true,
	"ping": true, "traceroute": true, "nslookup": true, "dig": true, "host": true,
}

// protectedPaths are never touchable in confined or restricted mode even
// when they happen to resolve inside an oddly placed workspace.
var protectedPaths = []string{"/etc", "/sys", "/proc", "/boot", "/sbin"}

// Enforcer applies one agent's sandbox policy. Construct with New; the
// workspace root is resolved through symlinks once at construction.
type Enforcer struct {
	mode      string
	workspace string
	blocked   []blockedPattern
	dangerous map[string]bool
	timeout   int
	maxOutput int
	history   *History
}

type blockedPattern struct {
	raw string
	g   glob.Glob
}

// New builds an enforcer for an agent. Blocked command entries are glob
// patterns matched anywhere in the command line; plain strings therefore
// behave as substring matches.
func New(mode, workspace string, shell config.ShellConfig) (*Enforcer, error) {
	switch mode {
	case config.SandboxNormal, config.SandboxConfined, config.SandboxRestricted:
	default:
		return nil, fmt.Errorf("invalid sandbox mode %q", mode)
	}

	root, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	blocked := make([]blockedPattern, 0, len(shell.BlockedCommands))
	for _, raw := range shell.BlockedCommands {
		g, err := glob.Compile("*" + raw + "*")
		if err != nil {
			return nil, fmt.Errorf("blocked command pattern %q: %w", raw, err)
		}
		blocked = append(blocked, blockedPattern{raw: raw, g: g})
	}

	dangerous := make(map[string]bool, len(shell.DangerousCommands))
	for _, c := range shell.DangerousCommands {
		dangerous[c] = true
	}

	return &Enforcer{
		mode:      mode,
		workspace: root,
		blocked:   blocked,
		dangerous: dangerous,
		timeout:   shell.TimeoutSeconds,
		maxOutput: shell.MaxOutputChars,
		history:   NewHistory(filepath.Join(root, ".shell_history"), shell),
	}, nil
}

func (e *Enforcer) Mode() string      { return e.mode }
func (e *Enforcer) Workspace() string { return e.workspace }

// Check validates a command against the policy without running it. confirmed
// marks that the user has already approved a dangerous command.
func (e *Enforcer) Check(command string, confirmed bool) error {
	for _, b := range e.blocked {
		if b.g.Match(command) {
			return fmt.Errorf("%w: matches %q", ErrBlockedCommand, b.raw)
		}
	}

	tokens := splitCommand(command)
	for _, tok := range tokens {
		if e.dangerous[filepath.Base(tok)] && !confirmed {
			return fmt.Errorf("%w: %q", ErrConfirmationRequired, filepath.Base(tok))
		}
	}

	if e.mode == config.SandboxNormal {
		return nil
	}

	for _, tok := range tokens {
		base := filepath.Base(tok)
		if processCommands[base] {
			return fmt.Errorf("%w: process management (%q) not allowed in %s mode",
				ErrBlockedCommand, base, e.mode)
		}
		if e.mode == config.SandboxRestricted && networkCommands[base] {
			return fmt.Errorf("%w: %q not allowed in restricted mode", ErrNetworkDenied, base)
		}
	}

	for _, tok := range tokens {
		if !looksLikePath(tok) {
			continue
		}
		resolved := e.resolve(tok)
		for _, p := range protectedPaths {
			if resolved == p || strings.HasPrefix(resolved, p+"/") {
				return fmt.Errorf("%w: protected path %q", ErrPathEscapeDenied, tok)
			}
		}
		if resolved != e.workspace && !strings.HasPrefix(resolved, e.workspace+"/") {
			return fmt.Errorf("%w: %q resolves outside workspace", ErrPathEscapeDenied, tok)
		}
	}
	return nil
}

// Describe renders the active restrictions for /status and /help output.
func (e *Enforcer) Describe() string {
	switch e.mode {
	case config.SandboxConfined:
		return "confined: network allowed, filesystem limited to workspace, no process management"
	case config.SandboxRestricted:
		return "restricted: no network, filesystem limited to workspace, no process management"
	default:
		return "normal: full user permissions"
	}
}

// resolve normalizes a command token to an absolute path with symlinks in
// any existing prefix expanded, so escapes via links or .. are caught.
func (e *Enforcer) resolve(tok string) string {
	path := tok
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.workspace, path)
	}
	path = filepath.Clean(path)

	// EvalSymlinks fails on paths that do not exist yet; walk up to the
	// nearest existing ancestor and resolve that instead.
	rest := ""
	probe := path
	for {
		if resolved, err := filepath.EvalSymlinks(probe); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return path
		}
		rest = filepath.Join(filepath.Base(probe), rest)
		probe = parent
	}
}

func looksLikePath(tok string) bool {
	if strings.HasPrefix(tok, "-") {
		return false
	}
	return strings.Contains(tok, "/") || strings.HasPrefix(tok, "~") || strings.HasPrefix(tok, ".")
}

// splitCommand tokenizes a shell command, honoring single and double quotes.
// It is not a full shell parser; unterminated quotes fall back to whatever
// was accumulated.
func splitCommand(command string) []string {
	var tokens []string
	var cur strings.Builder
	quote := byte(0)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}
