package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

var lookPath = exec.LookPath

const (
	defaultServerName = "narrative-memory"
	defaultServeCmd   = "narrative-memory serve"
)

// Options control agent CLI registration.
type Options struct {
	ConfigPath string
	Scope      string
	ServerName string
	ServeCmd   string
	// Clients limits registration to the named CLIs; empty means every known one.
	Clients []string
	// AuditDir receives bootstrap-last.log; empty means ~/.narrative-memory.
	AuditDir string
	DryRun   bool
}

// Command captures an executable command.
type Command struct {
	Name string
	Args []string
	// Removal commands may fail when nothing was registered yet.
	Removal bool
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes system commands.
type Runner interface {
	Run(name string, args ...string) error
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// client describes how one agent CLI registers an MCP server.
type client struct {
	name string
	// scoped CLIs take "-s <scope>" on add and remove.
	scoped bool
	// separator is placed between the server name and its command line.
	separator bool
}

var clients = []client{
	{name: "codex", separator: true},
	{name: "claude", scoped: true, separator: true},
	{name: "gemini", scoped: true},
}

// KnownClients lists the agent CLIs bootstrap can configure.
func KnownClients() []string {
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.name)
	}
	return out
}

// Bootstrap registers the memory server with every installed agent CLI.
func Bootstrap(logger *log.Logger, opts Options, runner Runner) error {
	if runner == nil {
		runner = OSRunner{}
	}
	opts = withDefaults(opts)

	cmds, err := BuildCommands(opts)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return errors.New("no supported agent CLI found on PATH")
	}

	auditPath, err := auditLogPath(opts.AuditDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(auditPath)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# narrative-memory bootstrap %s dry_run=%t\n", time.Now().UTC().Format(time.RFC3339), opts.DryRun)
	for _, c := range cmds {
		line := c.String()
		fmt.Fprintln(f, line)
		logger.Info("bootstrap command", "cmd", line, "dry_run", opts.DryRun)
		if opts.DryRun {
			continue
		}
		if err := runner.Run(c.Name, c.Args...); err != nil {
			if c.Removal {
				logger.Debug("ignoring remove error", "cmd", line, "error", err)
				continue
			}
			return fmt.Errorf("run %q: %w", line, err)
		}
	}

	logger.Info("bootstrap complete", "audit_log", auditPath, "commands", len(cmds))
	return nil
}

func withDefaults(opts Options) Options {
	if opts.Scope == "" {
		opts.Scope = "user"
	}
	if strings.TrimSpace(opts.ServerName) == "" {
		opts.ServerName = defaultServerName
	}
	if strings.TrimSpace(opts.ServeCmd) == "" {
		opts.ServeCmd = defaultServeCmd
	}
	return opts
}

// BuildCommands returns remove+add pairs for each selected CLI found on PATH,
// in a fixed order.
func BuildCommands(opts Options) ([]Command, error) {
	opts = withDefaults(opts)
	if opts.Scope != "user" && opts.Scope != "project" {
		return nil, fmt.Errorf("invalid scope %q (expected user or project)", opts.Scope)
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, errors.New("config path is required")
	}
	for _, name := range opts.Clients {
		if !slices.Contains(KnownClients(), name) {
			return nil, fmt.Errorf("unknown client %q (expected one of %s)", name, strings.Join(KnownClients(), ", "))
		}
	}

	serve := strings.Fields(opts.ServeCmd)
	if len(serve) == 0 {
		return nil, errors.New("serve command is required")
	}
	serve = append(serve, "--config", opts.ConfigPath)

	cmds := make([]Command, 0, 2*len(clients))
	for _, c := range clients {
		if len(opts.Clients) > 0 && !slices.Contains(opts.Clients, c.name) {
			continue
		}
		if !commandExists(c.name) {
			continue
		}
		var scope []string
		if c.scoped {
			scope = []string{"-s", opts.Scope}
		}
		remove := append(append([]string{"mcp", "remove"}, scope...), opts.ServerName)
		add := append(append([]string{"mcp", "add"}, scope...), opts.ServerName)
		if c.separator {
			add = append(add, "--")
		}
		add = append(add, serve...)
		cmds = append(cmds,
			Command{Name: c.name, Args: remove, Removal: true},
			Command{Name: c.name, Args: add},
		)
	}
	return cmds, nil
}

func commandExists(name string) bool {
	_, err := lookPath(name)
	return err == nil
}

func auditLogPath(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".narrative-memory")
	}
	return filepath.Join(dir, "bootstrap-last.log"), nil
}
