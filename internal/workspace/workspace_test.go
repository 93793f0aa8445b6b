package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func open(t *testing.T) *Workspace {
	t.Helper()
	w, err := Open(t.TempDir(), "Shelly", "Ada")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w
}

func TestOpenScaffoldsDefaults(t *testing.T) {
	w := open(t)

	for _, name := range []string{RulesFile, SkillsFile, MemoryFile, TaskFile} {
		if _, err := os.Stat(filepath.Join(w.Root(), name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if !strings.Contains(w.Rules(), "**Shelly**") || !strings.Contains(w.Rules(), "**Ada**") {
		t.Fatalf("rules not personalized:\n%s", w.Rules())
	}
	if w.Memory() != "" {
		t.Fatalf("memory should start empty, got %q", w.Memory())
	}
}

func TestOpenPreservesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	custom := "# My rules\n"
	if err := os.WriteFile(filepath.Join(dir, RulesFile), []byte(custom), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := Open(dir, "Shelly", "Ada")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w.Rules() != custom {
		t.Fatalf("existing rules overwritten: %q", w.Rules())
	}
}

func TestPendingTasks(t *testing.T) {
	w := open(t)
	task := `# Tasks

- [x] already done
- [ ] water the plants
- [ ]
  - [ ] nested pending
random text
- [ ] file taxes
`
	if err := w.WriteTask(task); err != nil {
		t.Fatal(err)
	}

	got := w.PendingTasks()
	want := []string{"water the plants", "nested pending", "file taxes"}
	if len(got) != len(want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pending = %v, want %v", got, want)
		}
	}
}

func TestMemoryAppendAndSearch(t *testing.T) {
	w := open(t)
	if err := w.AppendMemory("Ada prefers tea over coffee"); err != nil {
		t.Fatalf("AppendMemory: %v", err)
	}
	if err := w.AppendMemory("The deploy script lives in ops/"); err != nil {
		t.Fatalf("AppendMemory: %v", err)
	}

	mem := w.Memory()
	if !strings.Contains(mem, "### [") {
		t.Fatalf("entries not timestamped:\n%s", mem)
	}

	hits := w.SearchMemory("TEA")
	if len(hits) != 1 || !strings.Contains(hits[0], "tea over coffee") {
		t.Fatalf("search hits = %v", hits)
	}
	if hits := w.SearchMemory("nothing-matches"); len(hits) != 0 {
		t.Fatalf("search hits = %v, want none", hits)
	}
}

func TestWatchEmitsOnRuleEdits(t *testing.T) {
	w := open(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Watch(ctx, w)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(w.Root(), RulesFile), []byte("# updated\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-events:
		if name != RulesFile {
			t.Fatalf("event = %q, want %q", name, RulesFile)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no watch event received")
	}

	// Untracked files never surface.
	if err := os.WriteFile(filepath.Join(w.Root(), "scratch.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case name := <-events:
		t.Fatalf("unexpected event %q", name)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			// A buffered event may still drain; the channel must close after.
			if _, ok := <-events; ok {
				t.Fatal("events channel not closed after cancel")
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
