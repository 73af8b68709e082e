package launch

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"conductor/pkg/logx"
)

// Launcher starts the agent process for a task. Implementations never wait
// for the process to exit.
type Launcher interface {
	Launch(spec Spec) error
}

// terminalOption maps a Linux terminal emulator to the argument shape it
// needs for running a script.
type terminalOption struct {
	cmd  string
	args func(script string) []string
}

var linuxTerminals = []terminalOption{
	{"gnome-terminal", func(s string) []string { return []string{"--", "bash", s} }},
	{"konsole", func(s string) []string { return []string{"-e", "bash", s} }},
	{"xfce4-terminal", func(s string) []string { return []string{"-e", "bash " + s} }},
	{"alacritty", func(s string) []string { return []string{"-e", "bash", s} }},
	{"kitty", func(s string) []string { return []string{"bash", s} }},
	{"wezterm", func(s string) []string { return []string{"start", "--", "bash", s} }},
	{"foot", func(s string) []string { return []string{"bash", s} }},
	{"tilix", func(s string) []string { return []string{"-e", "bash " + s} }},
	{"terminator", func(s string) []string { return []string{"-e", "bash " + s} }},
	{"mate-terminal", func(s string) []string { return []string{"-e", "bash " + s} }},
	{"lxterminal", func(s string) []string { return []string{"-e", "bash " + s} }},
	{"xterm", func(s string) []string { return []string{"-hold", "-e", "bash", s} }},
	{"urxvt", func(s string) []string { return []string{"-hold", "-e", "bash", s} }},
	{"st", func(s string) []string { return []string{"-e", "bash", s} }},
	{"x-terminal-emulator", func(s string) []string { return []string{"-e", "bash " + s} }},
}

// macOS TERM_PROGRAM values mapped to scriptable terminal apps.
var macTerminalApps = map[string]string{
	"iTerm":          "iTerm",
	"iTerm.app":      "iTerm",
	"Apple_Terminal": "Terminal",
	"kitty":          "kitty",
	"Alacritty":      "Alacritty",
	"WezTerm":        "WezTerm",
	"Hyper":          "Hyper",
}

// TerminalLauncher writes a launch script and opens it in a new terminal
// window appropriate for the current platform.
type TerminalLauncher struct {
	logger  *logx.Logger
	TempDir string
}

// NewTerminalLauncher creates a launcher that writes scripts into tempDir.
func NewTerminalLauncher(tempDir string) *TerminalLauncher {
	return &TerminalLauncher{
		logger:  logx.NewLogger("launch"),
		TempDir: tempDir,
	}
}

// Launch renders and executes the launch script for the spec. The spawned
// terminal is detached; Launch returns as soon as it has been started.
func (l *TerminalLauncher) Launch(spec Spec) error {
	scriptPath, err := WriteScript(l.TempDir, BuildScript(spec))
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to resolve script path: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		return l.start("cmd", "/c", "start", "cmd", "/k", absPath)
	case "darwin":
		return l.launchDarwin(absPath)
	default:
		return l.launchLinux(absPath)
	}
}

func (l *TerminalLauncher) start(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	// Reap the terminal process in the background so it never zombies.
	go func() { _ = cmd.Wait() }()
	l.logger.Info("Launched agent terminal: %s", name)
	return nil
}

func (l *TerminalLauncher) launchDarwin(scriptPath string) error {
	app := "Terminal"
	if userTerminal := os.Getenv("TERMINAL"); userTerminal != "" {
		app = userTerminal
	} else if mapped, ok := macTerminalApps[os.Getenv("TERM_PROGRAM")]; ok {
		app = mapped
	}

	switch app {
	case "kitty":
		return l.start("kitty", "bash", scriptPath)
	case "Alacritty":
		return l.start("alacritty", "-e", "bash", scriptPath)
	case "WezTerm":
		return l.start("wezterm", "start", "--", "bash", scriptPath)
	}

	osa := fmt.Sprintf(`tell app "%s" to do script "bash %s"`,
		app, strings.ReplaceAll(scriptPath, `"`, `\"`))
	return l.start("osascript", "-e", osa)
}

func (l *TerminalLauncher) launchLinux(scriptPath string) error {
	if userTerminal := os.Getenv("TERMINAL"); userTerminal != "" {
		if _, err := exec.LookPath(userTerminal); err == nil {
			for _, opt := range linuxTerminals {
				if opt.cmd == userTerminal {
					return l.start(opt.cmd, opt.args(scriptPath)...)
				}
			}
			return l.start(userTerminal, "-e", "bash "+scriptPath)
		}
		l.logger.Warn("Configured terminal %q not found, falling back to auto-detection", userTerminal)
	}

	for _, opt := range linuxTerminals {
		if _, err := exec.LookPath(opt.cmd); err == nil {
			return l.start(opt.cmd, opt.args(scriptPath)...)
		}
	}

	tried := make([]string, len(linuxTerminals))
	for i, opt := range linuxTerminals {
		tried[i] = opt.cmd
	}
	return fmt.Errorf("no supported terminal emulator found (tried: %s); set TERMINAL or run %s manually",
		strings.Join(tried, ", "), scriptPath)
}
