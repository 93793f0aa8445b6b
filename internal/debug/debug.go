// Package debug writes verbose diagnostic lines to a file when --debug is
// set. Every routing and supervision decision carries enough context (agent
// IDs, message tags, request IDs) to be reconstructed after the fact. With
// debug off all functions are no-ops.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// EnvEnabled toggles debug logging in a re-executed daemon process.
	EnvEnabled = "CARETTA_DEBUG_ENABLED"
	// EnvLogPath points a child process at an already-open aggregate log.
	EnvLogPath = "CARETTA_DEBUG_LOG_PATH"
	// EnvProcess labels every line emitted by the current process.
	EnvProcess = "CARETTA_DEBUG_PROCESS"
)

type sink struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	opened  time.Time
	process string
}

var (
	activeMu sync.RWMutex
	active   *sink
)

// Init opens the debug log and installs it as the process-wide sink. A path
// inherited through EnvLogPath is appended to; otherwise a fresh file is
// created under ~/.caretta/debug/. Returns the log path. Idempotent.
func Init() (string, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		return active.path, nil
	}

	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	attached := path != ""
	if !attached {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("debug: home dir: %w", err)
		}
		name := time.Now().Format("20060102T150405") + "_" + uuid.NewString()[:8] + ".log"
		path = filepath.Join(home, ".caretta", "debug", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("debug: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("debug: open %s: %w", path, err)
	}

	s := &sink{file: f, path: path, opened: time.Now(), process: processLabel()}
	verb := "opened"
	if attached {
		verb = "attached"
	}
	fmt.Fprintf(f, "--- caretta debug log %s pid=%d process=%s at=%s ---\n",
		verb, os.Getpid(), s.process, s.opened.Format(time.RFC3339Nano))
	active = s
	return path, nil
}

// Close writes a trailer and releases the sink. Safe without Init.
func Close() {
	activeMu.Lock()
	s := active
	active = nil
	activeMu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.file, "--- closed pid=%d after=%s ---\n", os.Getpid(), time.Since(s.opened).Truncate(time.Millisecond))
	s.file.Close()
}

// ShouldEnableFromEnv reports whether inherited environment variables ask
// for debug logging. An explicit EnvEnabled toggle wins over EnvLogPath.
func ShouldEnableFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return strings.TrimSpace(os.Getenv(EnvLogPath)) != ""
}

// PropagatedEnv overlays the debug variables onto baseEnv so a child process
// appends to the same log file. Returns baseEnv unchanged when debug is off.
func PropagatedEnv(baseEnv []string, process string) []string {
	activeMu.RLock()
	s := active
	activeMu.RUnlock()
	if s == nil {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = overlay(env, EnvEnabled, "1")
	env = overlay(env, EnvLogPath, s.path)
	if p := strings.TrimSpace(process); p != "" {
		env = overlay(env, EnvProcess, p)
	}
	return env
}

// Log writes one line. No-op when debug is disabled.
func Log(component, msg string) { emit(component, msg) }

// Logf writes one formatted line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	emit(component, fmt.Sprintf(format, args...))
}

// LogKV writes one line followed by key=value pairs.
// Usage: debug.LogKV("supervisor", "worker crashed", "agent", "main", "restarts", 3)
func LogKV(component, msg string, kvs ...any) {
	if len(kvs) == 0 {
		emit(component, msg)
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	emit(component, b.String())
}

func emit(component, msg string) {
	activeMu.RLock()
	s := active
	activeMu.RUnlock()
	if s == nil {
		return
	}
	line := fmt.Sprintf("%s pid=%d proc=%s [%s] %s | %s\n",
		time.Now().Format("15:04:05.000000"),
		os.Getpid(), s.process, component, caller(3), msg)
	s.mu.Lock()
	s.file.WriteString(line)
	s.mu.Unlock()
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "??:0"
	}
	for _, marker := range []string{"/internal/", "/cmd/", "/pkg/"} {
		if idx := strings.LastIndex(file, marker); idx >= 0 {
			file = file[idx+1:]
			break
		}
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	label := filepath.Base(os.Args[0])
	for _, arg := range os.Args[1:] {
		if arg != "" && !strings.HasPrefix(arg, "-") {
			return label + ":" + arg
		}
	}
	return label
}

func overlay(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
