package debug

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestShouldEnableFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		enabled string
		path    string
		want    bool
	}{
		{name: "off by default", enabled: "", path: "", want: false},
		{name: "explicit on", enabled: "1", path: "", want: true},
		{name: "path implies on", enabled: "", path: "/tmp/caretta.log", want: true},
		{name: "explicit off beats path", enabled: "0", path: "/tmp/caretta.log", want: false},
		{name: "garbage toggle without path", enabled: "maybe", path: "", want: false},
		{name: "garbage toggle with path", enabled: "maybe", path: "/tmp/caretta.log", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvEnabled, tt.enabled)
			t.Setenv(EnvLogPath, tt.path)
			if got := ShouldEnableFromEnv(); got != tt.want {
				t.Fatalf("ShouldEnableFromEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitAppendsToInheritedLog(t *testing.T) {
	defer Close()

	logPath := filepath.Join(t.TempDir(), "shared.log")
	if err := os.WriteFile(logPath, []byte("parent line\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvLogPath, logPath)
	t.Setenv(EnvProcess, "daemon:main")

	got, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got != logPath {
		t.Fatalf("Init() = %q, want %q", got, logPath)
	}

	LogKV("test", "hello", "k", "v")
	Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	s := string(data)
	if !strings.HasPrefix(s, "parent line\n") {
		t.Fatalf("parent content lost: %q", s)
	}
	if !strings.Contains(s, "debug log attached") {
		t.Fatalf("missing attach header: %q", s)
	}
	if !strings.Contains(s, "proc=daemon:main") || !strings.Contains(s, "hello k=v") {
		t.Fatalf("missing emitted line: %q", s)
	}
	if !strings.Contains(s, "--- closed") {
		t.Fatalf("missing trailer: %q", s)
	}
}

func TestLoggingIsNoOpWhenDisabled(t *testing.T) {
	Close()
	Log("test", "dropped")
	Logf("test", "dropped %d", 1)
	LogKV("test", "dropped", "k", "v")
}

func TestPropagatedEnv(t *testing.T) {
	t.Run("unchanged when off", func(t *testing.T) {
		Close()
		in := []string{"FOO=bar"}
		if out := PropagatedEnv(in, "daemon"); !reflect.DeepEqual(out, in) {
			t.Fatalf("PropagatedEnv() = %v, want %v", out, in)
		}
	})

	t.Run("overlays debug vars", func(t *testing.T) {
		defer Close()
		logPath := filepath.Join(t.TempDir(), "shared.log")
		t.Setenv(EnvLogPath, logPath)
		if _, err := Init(); err != nil {
			t.Fatalf("Init: %v", err)
		}

		out := PropagatedEnv([]string{"FOO=bar", EnvEnabled + "=0"}, "daemon:child")
		m := map[string]string{}
		for _, kv := range out {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
		if m["FOO"] != "bar" {
			t.Fatalf("FOO = %q", m["FOO"])
		}
		if m[EnvEnabled] != "1" {
			t.Fatalf("%s = %q, want 1", EnvEnabled, m[EnvEnabled])
		}
		if m[EnvLogPath] != logPath {
			t.Fatalf("%s = %q, want %q", EnvLogPath, m[EnvLogPath], logPath)
		}
		if m[EnvProcess] != "daemon:child" {
			t.Fatalf("%s = %q", EnvProcess, m[EnvProcess])
		}
	})
}
